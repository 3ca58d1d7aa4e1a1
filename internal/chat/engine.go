// Package chat wires the realtime connection, the event dispatcher, the
// conversation reconciler and the presence tracker into one engine.
//
// All reconciler and presence state is confined to the engine goroutine.
// Inbound events and user actions are posted to a single FIFO mailbox and run
// there one at a time. Network calls to the REST backend run on the caller's
// goroutine; only their results are posted.
package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/omochice/dmsync/internal/api"
	"github.com/omochice/dmsync/internal/conversation"
	"github.com/omochice/dmsync/internal/dispatch"
	"github.com/omochice/dmsync/internal/metrics"
	"github.com/omochice/dmsync/internal/observer"
	"github.com/omochice/dmsync/internal/presence"
	"github.com/omochice/dmsync/internal/realtime"
	"github.com/omochice/dmsync/pkg/protocol"
)

const defaultSendTimeout = 10 * time.Second

var (
	ErrStopped     = errors.New("chat engine stopped")
	ErrNotLoggedIn = errors.New("not logged in")
	ErrNoBackend   = errors.New("no REST backend configured")
)

// Backend is the REST collaborator. *api.Client implements it.
type Backend interface {
	FetchHistory(ctx context.Context, other string, page api.Page) ([]protocol.Message, error)
	MarkAsRead(ctx context.Context, messageID string) (protocol.Message, error)
}

// Options configures an Engine.
type Options struct {
	Realtime realtime.Options
	// Backend serves history and read marks. Without it conversations open
	// empty and MarkRead fails.
	Backend           Backend
	HistoryPageSize   int
	ReceiptBufferSize int
	SendTimeout       time.Duration
	Logger            zerolog.Logger
	// NewID generates optimistic message ids.
	NewID func() string
}

// Engine is the realtime messaging core of one client.
//
// Methods other than the On* registrations post to the engine goroutine and
// wait for it. Handlers run on the engine goroutine and must not call those
// methods.
type Engine struct {
	log         zerolog.Logger
	conn        *realtime.Manager
	dispatcher  *dispatch.Dispatcher
	reconciler  *conversation.Reconciler
	presence    *presence.Tracker
	backend     Backend
	pageSize    int
	sendTimeout time.Duration

	states   *observer.Registry[realtime.State]
	messages *observer.Registry[protocol.Message]
	subs     []observer.Subscription

	inbox     *mailbox
	stopped   chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// New creates an Engine. Call Start before using it.
func New(opts Options) *Engine {
	log := opts.Logger.With().Str("component", "chat").Logger()
	e := &Engine{
		log:         log,
		backend:     opts.Backend,
		pageSize:    opts.HistoryPageSize,
		sendTimeout: opts.SendTimeout,
		inbox:       newMailbox(),
		stopped:     make(chan struct{}),
	}
	if e.pageSize <= 0 {
		e.pageSize = api.DefaultPageSize
	}
	if e.sendTimeout <= 0 {
		e.sendTimeout = defaultSendTimeout
	}

	rtOpts := opts.Realtime
	rtOpts.Logger = opts.Logger
	e.conn = realtime.New(rtOpts)
	e.dispatcher = dispatch.New(opts.Logger)
	e.reconciler = conversation.New("", e.conn, conversation.Options{
		Logger:            opts.Logger,
		ReceiptBufferSize: opts.ReceiptBufferSize,
		NewID:             opts.NewID,
		OnPanic:           e.handlerPanic,
	})
	e.presence = presence.New(opts.Logger, e.handlerPanic)
	e.states = observer.NewRegistry[realtime.State](e.handlerPanic)
	e.messages = observer.NewRegistry[protocol.Message](e.handlerPanic)

	e.subs = []observer.Subscription{
		e.conn.OnFrame(func(f realtime.Frame) {
			e.inbox.post(func() { e.dispatchFrame(f) })
		}),
		e.conn.OnStateChange(func(s realtime.State) {
			e.inbox.post(func() { e.states.Notify(s) })
		}),
		e.dispatcher.OnNewMessage(func(ev protocol.NewMessage) {
			e.reconciler.ApplyNewMessage(ev.Message)
			e.messages.Notify(ev.Message)
		}),
		e.dispatcher.OnReadReceipt(func(ev protocol.ReadReceipt) {
			e.reconciler.ApplyReadReceipt(ev.MessageID, ev.ReadAt)
		}),
		e.dispatcher.OnPresenceUpdate(func(ev protocol.PresenceUpdate) {
			e.presence.Apply(ev)
		}),
	}
	return e
}

func (e *Engine) handlerPanic(rec any) {
	metrics.HandlerPanics.WithLabelValues("chat").Inc()
	e.log.Error().Interface("panic", rec).Msg("subscriber panicked")
}

// dispatchFrame drops frames queued before the last Connect or Disconnect.
func (e *Engine) dispatchFrame(f realtime.Frame) {
	if !e.conn.IsCurrent(f.Generation) {
		metrics.StaleFrames.Inc()
		e.log.Debug().Str("kind", f.Event.Kind().String()).Msg("stale frame dropped")
		return
	}
	e.dispatcher.Dispatch(f.Event)
}

// Start launches the engine goroutine.
func (e *Engine) Start() {
	e.startOnce.Do(func() {
		e.wg.Add(1)
		go e.run()
	})
}

func (e *Engine) run() {
	defer e.wg.Done()
	for {
		select {
		case <-e.stopped:
			return
		case <-e.inbox.signal:
			for _, fn := range e.inbox.drain() {
				e.exec(fn)
			}
		}
	}
}

func (e *Engine) exec(fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			metrics.HandlerPanics.WithLabelValues("engine").Inc()
			e.log.Error().Interface("panic", rec).Msg("engine task panicked")
		}
	}()
	fn()
}

// Stop closes the connection and stops the engine goroutine. Pending calls
// return ErrStopped.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		for _, sub := range e.subs {
			sub.Unsubscribe()
		}
		e.conn.Close()
		e.inbox.close()
		close(e.stopped)
		e.wg.Wait()
	})
}

// call runs fn on the engine goroutine and waits for it.
func (e *Engine) call(fn func()) error {
	done := make(chan struct{})
	if !e.inbox.post(func() {
		defer close(done)
		fn()
	}) {
		return ErrStopped
	}
	select {
	case <-done:
		return nil
	case <-e.stopped:
		return ErrStopped
	}
}

// Login connects for s. Switching to a different user drops the previous
// user's conversation and presence state.
func (e *Engine) Login(ctx context.Context, s realtime.Session) error {
	if s.Token == "" || s.CurrentUserID == "" {
		return fmt.Errorf("login: %w", ErrNotLoggedIn)
	}
	// The old connection goes first so none of its frames reach the new
	// user's state.
	if e.conn.Session() != s {
		e.conn.Disconnect()
	}
	err := e.call(func() {
		if e.reconciler.CurrentUser() != s.CurrentUserID {
			e.reconciler.Reset(s.CurrentUserID)
			e.presence.Reset()
		}
	})
	if err != nil {
		return err
	}
	e.log.Info().Str("user", s.CurrentUserID).Msg("logging in")
	return e.conn.Connect(ctx, s)
}

// Logout disconnects and clears all conversation and presence state.
func (e *Engine) Logout() error {
	e.conn.Disconnect()
	return e.call(func() {
		e.reconciler.Reset("")
		e.presence.Reset()
	})
}

// OpenConversation makes the conversation with other active and seeds it
// with the first history page. Live events are applied while the page loads.
func (e *Engine) OpenConversation(ctx context.Context, other string) error {
	if other == "" {
		return errors.New("open conversation: empty user")
	}

	var (
		req      conversation.HistoryRequest
		loggedIn bool
	)
	if err := e.call(func() {
		if loggedIn = e.reconciler.CurrentUser() != ""; loggedIn {
			req = e.reconciler.OpenConversation(other)
		}
	}); err != nil {
		return err
	}
	if !loggedIn {
		return fmt.Errorf("open conversation: %w", ErrNotLoggedIn)
	}

	var history []protocol.Message
	if e.backend != nil {
		var err error
		history, err = e.backend.FetchHistory(ctx, other, api.Page{Limit: e.pageSize})
		if err != nil {
			e.log.Warn().Err(err).Str("with", other).Msg("failed to load history")
			return fmt.Errorf("open conversation: %w", err)
		}
	}
	return e.call(func() { e.reconciler.Seed(req.Epoch, history) })
}

// Send sends content to the active conversation. The message is kept in the
// conversation even when transmission fails; it is then flagged
// DeliveryFailed and the send error is returned with it.
func (e *Engine) Send(ctx context.Context, content string) (protocol.Message, error) {
	var (
		msg     protocol.Message
		sendErr error
	)
	if err := e.call(func() {
		sendCtx, cancel := context.WithTimeout(ctx, e.sendTimeout)
		defer cancel()
		msg, sendErr = e.reconciler.SendLocal(sendCtx, content, e.reconciler.Active())
	}); err != nil {
		return protocol.Message{}, err
	}
	return msg, sendErr
}

// Retry retransmits a message whose delivery failed.
func (e *Engine) Retry(ctx context.Context, messageID string) (protocol.Message, error) {
	var (
		msg      protocol.Message
		retryErr error
	)
	if err := e.call(func() {
		sendCtx, cancel := context.WithTimeout(ctx, e.sendTimeout)
		defer cancel()
		msg, retryErr = e.reconciler.Retry(sendCtx, messageID)
	}); err != nil {
		return protocol.Message{}, err
	}
	return msg, retryErr
}

// MarkRead marks a received message read on the server and applies the
// resulting receipt locally.
func (e *Engine) MarkRead(ctx context.Context, messageID string) error {
	if e.backend == nil {
		return ErrNoBackend
	}
	msg, err := e.backend.MarkAsRead(ctx, messageID)
	if err != nil {
		return err
	}
	readAt := time.Now().UTC()
	if msg.ReadAt != nil {
		readAt = *msg.ReadAt
	}
	return e.call(func() { e.reconciler.ApplyReadReceipt(messageID, readAt) })
}

// Messages returns a snapshot of the active conversation, or nil once stopped.
func (e *Engine) Messages() []protocol.Message {
	var msgs []protocol.Message
	_ = e.call(func() { msgs = e.reconciler.Messages() })
	return msgs
}

// Active returns the other user of the active conversation.
func (e *Engine) Active() string {
	var other string
	_ = e.call(func() { other = e.reconciler.Active() })
	return other
}

// Presence returns the last known status of user.
func (e *Engine) Presence(user string) presence.Record {
	rec := presence.Record{UserID: user}
	_ = e.call(func() { rec = e.presence.Get(user) })
	return rec
}

// State returns the connection state.
func (e *Engine) State() realtime.State {
	return e.conn.State()
}

// OnConversation registers fn for every change of the active conversation.
func (e *Engine) OnConversation(fn func([]protocol.Message)) observer.Subscription {
	return e.reconciler.Subscribe(fn)
}

// OnPresence registers fn for every presence update.
func (e *Engine) OnPresence(fn func(presence.Record)) observer.Subscription {
	return e.presence.Subscribe(fn)
}

// OnState registers fn for connection state transitions.
func (e *Engine) OnState(fn func(realtime.State)) observer.Subscription {
	return e.states.Add(fn)
}

// OnMessage registers fn for every message received from the server,
// whichever conversation it belongs to.
func (e *Engine) OnMessage(fn func(protocol.Message)) observer.Subscription {
	return e.messages.Add(fn)
}

// OnDiagnostic registers fn for frames that could not be decoded into a known
// event.
func (e *Engine) OnDiagnostic(fn func(protocol.Unknown)) observer.Subscription {
	return e.dispatcher.OnDiagnostic(fn)
}
