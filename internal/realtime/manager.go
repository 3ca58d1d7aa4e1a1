// Package realtime owns the single persistent connection to the chat server.
// It drives the connection state machine, decodes inbound frames into typed
// events and transmits outbound messages.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/omochice/dmsync/internal/metrics"
	"github.com/omochice/dmsync/internal/observer"
	"github.com/omochice/dmsync/internal/transport"
	"github.com/omochice/dmsync/pkg/protocol"
)

// State is the connection state.
type State int

const (
	Disconnected State = iota
	Connecting
	Open
	Closing
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closing:
		return "closing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Session identifies the authenticated user a connection is opened for.
type Session struct {
	Token         string
	CurrentUserID string
}

// Options configures a Manager.
type Options struct {
	Dialer transport.Dialer
	// URL is the websocket endpoint; the escaped token is appended as the last
	// path segment.
	URL               string
	Logger            zerolog.Logger
	HeartbeatInterval time.Duration
	Reconnect         ReconnectPolicy
}

// Manager owns at most one connection at a time.
//
// Every Connect and Disconnect starts a new generation. Goroutines started for
// a connection carry the generation they belong to, and frames read under an
// older generation are discarded.
type Manager struct {
	opts Options
	log  zerolog.Logger

	events *observer.Registry[Frame]
	states *observer.Registry[State]

	mu         sync.Mutex
	state      State
	session    Session
	conn       transport.Conn
	gen        uint64
	lifeCancel context.CancelFunc
	lifeCtx    context.Context
	recon      *reconnector
	closed     bool
	pending    []State
	delivering bool

	wg sync.WaitGroup
}

// New creates a disconnected Manager.
func New(opts Options) *Manager {
	m := &Manager{
		opts:  opts,
		log:   opts.Logger.With().Str("component", "realtime").Logger(),
		recon: newReconnector(opts.Reconnect),
	}
	m.events = observer.NewRegistry[Frame](m.handlerPanic)
	m.states = observer.NewRegistry[State](m.handlerPanic)
	metrics.Connections.WithLabelValues(Disconnected.String()).Inc()
	return m
}

func (m *Manager) handlerPanic(rec any) {
	metrics.HandlerPanics.WithLabelValues("realtime").Inc()
	m.log.Error().Interface("panic", rec).Msg("handler panicked")
}

// Frame is a decoded inbound event and the generation of the connection it
// was read on.
type Frame struct {
	Generation uint64
	Event      protocol.Event
}

// OnEvent registers fn for every decoded inbound frame, in arrival order.
// Frames that fail to decode are delivered as protocol.Unknown.
func (m *Manager) OnEvent(fn func(protocol.Event)) observer.Subscription {
	return m.events.Add(func(f Frame) { fn(f.Event) })
}

// OnFrame is OnEvent with the generation attached. Handlers that defer work
// check it with IsCurrent before acting on the event.
func (m *Manager) OnFrame(fn func(Frame)) observer.Subscription {
	return m.events.Add(fn)
}

// IsCurrent reports whether no Connect or Disconnect has happened since
// generation gen started. Reconnects keep the generation.
func (m *Manager) IsCurrent(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return gen == m.gen
}

// OnStateChange registers fn for every state transition, in order.
func (m *Manager) OnStateChange(fn func(State)) observer.Subscription {
	return m.states.Add(fn)
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Session returns the session of the current or pending connection.
func (m *Manager) Session() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// Connect opens a connection for s. It is a no-op when a connection for the
// same session is already open or being opened; any other existing connection
// is closed first. A dial failure leaves the manager disconnected and is
// returned as a *TransportError.
func (m *Manager) Connect(ctx context.Context, s Session) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if (m.state == Open || m.state == Connecting) && m.session == s {
		m.mu.Unlock()
		return nil
	}

	old := m.teardownLocked()
	m.session = s
	m.recon.reset()
	m.lifeCtx, m.lifeCancel = context.WithCancel(context.Background())
	gen := m.gen
	m.setStateLocked(Connecting)
	m.mu.Unlock()

	closeConn(old)
	m.deliverStates()

	return m.dial(ctx, gen)
}

// dial opens the connection for generation gen. The manager must be in
// Connecting.
func (m *Manager) dial(ctx context.Context, gen uint64) error {
	m.mu.Lock()
	endpoint := m.endpointLocked()
	m.mu.Unlock()

	m.log.Debug().Str("url", m.opts.URL).Msg("connecting")
	conn, err := m.opts.Dialer.Dial(ctx, endpoint)

	m.mu.Lock()
	if gen != m.gen || m.state != Connecting {
		m.mu.Unlock()
		closeConn(conn)
		metrics.ConnectAttempts.WithLabelValues("aborted").Inc()
		return ErrSuperseded
	}
	if err != nil {
		m.setStateLocked(Disconnected)
		m.mu.Unlock()
		m.deliverStates()
		metrics.ConnectAttempts.WithLabelValues("error").Inc()
		m.log.Warn().Err(err).Msg("failed to connect")
		return &TransportError{Op: "dial", Err: err}
	}

	m.conn = conn
	m.recon.markConnected()
	connCtx, connCancel := context.WithCancel(m.lifeCtx)
	m.wg.Add(1)
	go m.readLoop(connCtx, connCancel, conn, gen)
	if m.opts.HeartbeatInterval > 0 {
		m.wg.Add(1)
		go m.heartbeatLoop(connCtx, conn, gen)
	}
	m.setStateLocked(Open)
	m.mu.Unlock()

	metrics.ConnectAttempts.WithLabelValues("ok").Inc()
	m.log.Info().Str("remote", conn.RemoteAddr()).Msg("connected")
	m.deliverStates()
	return nil
}

func (m *Manager) endpointLocked() string {
	return strings.TrimRight(m.opts.URL, "/") + "/" + url.PathEscape(m.session.Token)
}

// Disconnect closes the active connection, if any, and cancels pending
// reconnects. It is safe to call from event handlers and when already
// disconnected.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	old := m.teardownLocked()
	m.session = Session{}
	m.mu.Unlock()

	closeConn(old)
	m.deliverStates()
}

// Close disconnects and waits for background goroutines to finish. The
// manager cannot be reused afterwards. Close must not be called from a
// handler.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	old := m.teardownLocked()
	m.mu.Unlock()

	closeConn(old)
	m.deliverStates()
	m.wg.Wait()
}

// teardownLocked starts a new generation and detaches the current connection,
// which the caller closes after releasing the lock.
func (m *Manager) teardownLocked() transport.Conn {
	m.gen++
	if m.lifeCancel != nil {
		m.lifeCancel()
		m.lifeCancel = nil
	}
	old := m.conn
	m.conn = nil
	if m.state != Disconnected {
		m.setStateLocked(Closing)
		m.setStateLocked(Disconnected)
		m.log.Debug().Msg("disconnected")
	}
	return old
}

// Send transmits msg when the connection is open.
func (m *Manager) Send(ctx context.Context, msg protocol.SendMessage) error {
	m.mu.Lock()
	if m.state != Open || m.conn == nil {
		m.mu.Unlock()
		return ErrNotConnected
	}
	conn := m.conn
	m.mu.Unlock()

	data, err := msg.Encode()
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, data); err != nil {
		m.log.Warn().Err(err).Msg("failed to send message")
		return &TransportError{Op: "write", Err: err}
	}
	metrics.FramesSent.Inc()
	return nil
}

func (m *Manager) readLoop(ctx context.Context, cancel context.CancelFunc, conn transport.Conn, gen uint64) {
	defer m.wg.Done()
	defer cancel()

	for {
		raw, err := conn.Read(ctx)
		if err != nil {
			m.connectionLost(conn, gen, err)
			return
		}

		ev := protocol.Decode(raw)
		if !m.current(conn, gen) {
			return
		}

		metrics.FramesReceived.WithLabelValues(ev.Kind().String()).Inc()
		if u, ok := ev.(protocol.Unknown); ok {
			if u.Err != nil {
				metrics.DecodeFailures.Inc()
				m.log.Warn().Err(u.Err).Str("type", u.Type).Msg("failed to decode frame")
			} else {
				m.log.Warn().Str("type", u.Type).Msg("unknown frame type")
			}
		}
		m.events.Notify(Frame{Generation: gen, Event: ev})
	}
}

func (m *Manager) current(conn transport.Conn, gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return gen == m.gen && m.conn == conn && m.state == Open
}

// connectionLost handles a read error on conn. Errors on connections that were
// already torn down are ignored.
func (m *Manager) connectionLost(conn transport.Conn, gen uint64, err error) {
	m.mu.Lock()
	if gen != m.gen || m.conn != conn {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.setStateLocked(Disconnected)
	retry := !m.closed && m.recon.shouldReconnect()
	if retry {
		m.wg.Add(1)
		go m.reconnectLoop(m.lifeCtx, gen)
	}
	m.mu.Unlock()

	closeConn(conn)
	m.log.Warn().Err(err).Bool("reconnect", retry).Msg("connection lost")
	m.deliverStates()
}

func (m *Manager) reconnectLoop(ctx context.Context, gen uint64) {
	defer m.wg.Done()

	for {
		m.mu.Lock()
		if gen != m.gen || !m.recon.shouldReconnect() {
			m.mu.Unlock()
			return
		}
		delay := m.recon.nextDelay()
		attempt := m.recon.attempt
		m.mu.Unlock()

		m.log.Info().Int("attempt", attempt).Dur("delay", delay).Msg("reconnecting")
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		m.mu.Lock()
		if gen != m.gen || m.state != Disconnected {
			m.mu.Unlock()
			return
		}
		m.setStateLocked(Connecting)
		m.mu.Unlock()
		m.deliverStates()

		metrics.ReconnectAttempts.Inc()
		if err := m.dial(ctx, gen); err == nil || errors.Is(err, ErrSuperseded) {
			return
		}
	}
}

func (m *Manager) heartbeatLoop(ctx context.Context, conn transport.Conn, gen uint64) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !m.current(conn, gen) {
				return
			}
			pingCtx, cancel := context.WithTimeout(ctx, m.opts.HeartbeatInterval)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				metrics.HeartbeatFailures.Inc()
				m.log.Warn().Err(err).Msg("heartbeat failed")
				// The read loop observes the closed connection.
				closeConn(conn)
				return
			}
		}
	}
}

// setStateLocked records a transition for deliverStates.
func (m *Manager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	metrics.Connections.WithLabelValues(m.state.String()).Dec()
	metrics.Connections.WithLabelValues(s.String()).Inc()
	m.state = s
	m.pending = append(m.pending, s)
}

// deliverStates notifies state handlers of pending transitions in order. Only
// one goroutine delivers at a time; transitions recorded by a handler are
// delivered by the same loop after it returns.
func (m *Manager) deliverStates() {
	m.mu.Lock()
	if m.delivering {
		m.mu.Unlock()
		return
	}
	m.delivering = true
	for len(m.pending) > 0 {
		s := m.pending[0]
		m.pending = m.pending[1:]
		m.mu.Unlock()
		m.states.Notify(s)
		m.mu.Lock()
	}
	m.delivering = false
	m.mu.Unlock()
}

func closeConn(conn transport.Conn) {
	if conn != nil {
		_ = conn.Close()
	}
}
