// Package devserver is an in-memory chat backend speaking the same REST and
// websocket protocol as the production server. It exists for local
// development and end-to-end tests of the client.
package devserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/omochice/dmsync/pkg/protocol"
)

// APIPrefix is the path prefix of every REST and websocket route.
const APIPrefix = "/api/v1"

// Options configures a Server.
type Options struct {
	Addr   string
	Logger zerolog.Logger
	// AllowedOrigins lists the CORS origins. Empty allows all.
	AllowedOrigins []string
}

// Server is the development chat backend.
type Server struct {
	address  string
	log      zerolog.Logger
	store    *Store
	hub      *Hub
	upgrader websocket.Upgrader
	router   chi.Router

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server
	wg       sync.WaitGroup
}

// New creates a Server with an empty store.
func New(opts Options) *Server {
	log := opts.Logger.With().Str("component", "devserver").Logger()
	s := &Server{
		address: opts.Addr,
		log:     log,
		store:   NewStore(),
		hub:     NewHub(log),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.router = s.routes(opts.AllowedOrigins)
	return s
}

func (s *Server) routes(origins []string) chi.Router {
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(instrument)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLogger(s.log))
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/health", s.health)

	r.Route(APIPrefix, func(r chi.Router) {
		r.Post("/auth/register", s.register)
		r.Post("/auth/login", s.login)
		r.Get("/chat/ws/{token}", s.serveWS)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAuth)

			r.Get("/auth/me", s.me)
			r.Post("/auth/logout", s.logout)
			r.Get("/users", s.listUsers)
			r.Get("/chat/conversations/{other}", s.conversation)
			r.Post("/chat/messages/read/{id}", s.markRead)
		})
	})
	return r
}

// Handler returns the HTTP handler, for mounting in tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Store returns the backing store.
func (s *Server) Store() *Store {
	return s.store
}

// AddUser registers a user directly in the store.
func (s *Server) AddUser(username, password string) (User, error) {
	return s.store.Register(username, username+"@example.com", password)
}

// Start listens on the configured address and serves until Stop.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	s.mu.Lock()
	s.listener = listener
	s.server = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := s.server
	s.mu.Unlock()

	s.log.Info().Str("addr", listener.Addr().String()).Msg("development server started")

	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to serve: %w", err)
	}
	return nil
}

// Stop shuts the HTTP server down and closes every websocket connection.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()

	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}
	s.hub.CloseAll()
	s.wg.Wait()
	return err
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// ClientCount returns the number of open websocket connections.
func (s *Server) ClientCount() int {
	return s.hub.ClientCount()
}

// notifyRead sends a read receipt to every connection of sender.
func (s *Server) notifyRead(sender, messageID string, readAt time.Time) {
	frame, err := protocol.EncodeEvent(protocol.ReadReceipt{MessageID: messageID, ReadAt: readAt})
	if err != nil {
		s.log.Error().Err(err).Msg("failed to encode read receipt")
		return
	}
	s.hub.SendTo(sender, frame)
}
