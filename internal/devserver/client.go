package devserver

import (
	"errors"
	"time"

	"github.com/gorilla/websocket"

	"github.com/omochice/dmsync/internal/metrics"
	"github.com/omochice/dmsync/pkg/protocol"
)

const (
	outgoingBuffer = 32
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxFrameSize   = 64 * 1024
)

// serveClient runs the pumps of one connection until it closes.
func (s *Server) serveClient(client *Client) {
	defer s.wg.Done()

	if s.hub.Register(client) {
		s.announce(client.Username, true)
	}
	s.log.Info().Str("user", client.Username).Str("remote", client.conn.RemoteAddr().String()).Msg("client connected")

	s.wg.Add(1)
	go s.writePump(client)
	s.readPump(client)

	if s.hub.Unregister(client) {
		s.announce(client.Username, false)
	}
	_ = client.conn.Close()
	s.log.Info().Str("user", client.Username).Msg("client disconnected")
}

func (s *Server) readPump(client *Client) {
	conn := client.conn
	conn.SetReadLimit(maxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.log.Warn().Err(err).Str("user", client.Username).Msg("websocket error")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		s.handleFrame(client, data)
	}
}

func (s *Server) writePump(client *Client) {
	defer s.wg.Done()
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	conn := client.conn
	for {
		select {
		case frame, ok := <-client.outgoing:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.log.Warn().Err(err).Str("user", client.Username).Msg("failed to send frame")
				_ = conn.Close()
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}

// handleFrame accepts one outbound chat frame from client.
func (s *Server) handleFrame(client *Client, data []byte) {
	req, err := protocol.DecodeSendMessage(data)
	if err != nil {
		s.log.Debug().Err(err).Str("user", client.Username).Msg("rejected frame")
		s.sendError(client, err.Error())
		return
	}
	if req.Content == "" {
		s.sendError(client, "content is required")
		return
	}

	msg, err := s.store.AddMessage(req.ClientID, client.Username, req.ReceiverID, req.Content)
	if err != nil {
		s.sendError(client, err.Error())
		return
	}
	metrics.DevServerMessages.Inc()
	s.log.Debug().Str("id", msg.ID).Str("from", msg.SenderID).Str("to", msg.ReceiverID).Msg("message accepted")

	frame, err := protocol.EncodeEvent(protocol.NewMessage{Message: msg})
	if err != nil {
		s.log.Error().Err(err).Msg("failed to encode message")
		return
	}
	s.hub.SendTo(msg.SenderID, frame)
	if msg.ReceiverID != msg.SenderID {
		s.hub.SendTo(msg.ReceiverID, frame)
	}
}

// announce broadcasts a presence change of username.
func (s *Server) announce(username string, online bool) {
	update, err := s.store.SetOnline(username, online)
	if err != nil {
		s.log.Warn().Err(err).Str("user", username).Msg("presence update for unknown user")
		return
	}
	frame, err := protocol.EncodeEvent(update)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to encode presence")
		return
	}
	s.hub.Broadcast(frame)
}

func (s *Server) sendError(client *Client, detail string) {
	frame, err := encodeErrorFrame(detail)
	if err != nil {
		return
	}
	// The read pump is the only caller, so the queue is still open.
	s.hub.enqueue(client, frame)
}
