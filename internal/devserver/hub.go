package devserver

import (
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/omochice/dmsync/internal/metrics"
)

// Client represents one websocket connection of a logged-in user.
type Client struct {
	conn     *websocket.Conn
	Username string
	outgoing chan []byte
}

func newClient(conn *websocket.Conn, username string) *Client {
	return &Client{
		conn:     conn,
		Username: username,
		outgoing: make(chan []byte, outgoingBuffer),
	}
}

// Hub manages all connected clients grouped by username. A user may hold
// several connections at once.
type Hub struct {
	clients map[string]map[*Client]bool
	log     zerolog.Logger
	mu      sync.RWMutex
}

// NewHub creates a new Hub.
func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]bool),
		log:     log,
	}
}

// Register adds a client to the hub. It reports whether this is the user's
// first connection.
func (h *Hub) Register(client *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.clients[client.Username]
	if !ok {
		set = make(map[*Client]bool)
		h.clients[client.Username] = set
	}
	set[client] = true
	metrics.DevServerClients.Inc()
	return len(set) == 1
}

// Unregister removes a client from the hub and closes its outgoing queue. It
// reports whether that was the user's last connection. Unregistering twice is
// a no-op that reports false.
func (h *Hub) Unregister(client *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.clients[client.Username]
	if !set[client] {
		return false
	}
	delete(set, client)
	close(client.outgoing)
	metrics.DevServerClients.Dec()
	if len(set) > 0 {
		return false
	}
	delete(h.clients, client.Username)
	return true
}

// ClientCount returns number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.clients {
		n += len(set)
	}
	return n
}

// IsOnline reports whether username has at least one connection.
func (h *Hub) IsOnline(username string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[username]) > 0
}

// SendTo queues frame on every connection of username.
func (h *Hub) SendTo(username string, frame []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients[username] {
		h.enqueue(client, frame)
	}
}

// Broadcast queues frame on every connection.
func (h *Hub) Broadcast(frame []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, set := range h.clients {
		for client := range set {
			h.enqueue(client, frame)
		}
	}
}

// CloseAll closes every underlying connection. The read pumps then
// unregister their clients.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, set := range h.clients {
		for client := range set {
			_ = client.conn.Close()
		}
	}
}

func (h *Hub) enqueue(client *Client, frame []byte) {
	select {
	case client.outgoing <- frame:
	default:
		h.log.Warn().Str("user", client.Username).Msg("client queue full, dropping frame")
	}
}
