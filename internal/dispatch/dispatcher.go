// Package dispatch routes decoded inbound events to the handlers registered
// for their kind.
package dispatch

import (
	"github.com/rs/zerolog"

	"github.com/omochice/dmsync/internal/metrics"
	"github.com/omochice/dmsync/internal/observer"
	"github.com/omochice/dmsync/pkg/protocol"
)

// Dispatcher fans events out by kind. Handlers for one kind are invoked in
// registration order, and events of one kind are delivered in the order
// Dispatch is called. Unknown events only reach the diagnostic handlers.
type Dispatcher struct {
	log         zerolog.Logger
	newMessage  *observer.Registry[protocol.NewMessage]
	readReceipt *observer.Registry[protocol.ReadReceipt]
	presence    *observer.Registry[protocol.PresenceUpdate]
	diagnostic  *observer.Registry[protocol.Unknown]
}

// New creates a Dispatcher with no handlers.
func New(log zerolog.Logger) *Dispatcher {
	d := &Dispatcher{log: log.With().Str("component", "dispatch").Logger()}
	d.newMessage = observer.NewRegistry[protocol.NewMessage](d.handlerPanic)
	d.readReceipt = observer.NewRegistry[protocol.ReadReceipt](d.handlerPanic)
	d.presence = observer.NewRegistry[protocol.PresenceUpdate](d.handlerPanic)
	d.diagnostic = observer.NewRegistry[protocol.Unknown](d.handlerPanic)
	return d
}

func (d *Dispatcher) handlerPanic(rec any) {
	metrics.HandlerPanics.WithLabelValues("dispatch").Inc()
	d.log.Error().Interface("panic", rec).Msg("handler panicked")
}

// OnNewMessage registers fn for new_message events.
func (d *Dispatcher) OnNewMessage(fn func(protocol.NewMessage)) observer.Subscription {
	return d.newMessage.Add(fn)
}

// OnReadReceipt registers fn for read_receipt events.
func (d *Dispatcher) OnReadReceipt(fn func(protocol.ReadReceipt)) observer.Subscription {
	return d.readReceipt.Add(fn)
}

// OnPresenceUpdate registers fn for user_status events.
func (d *Dispatcher) OnPresenceUpdate(fn func(protocol.PresenceUpdate)) observer.Subscription {
	return d.presence.Add(fn)
}

// OnDiagnostic registers fn for frames that could not be turned into a known
// event.
func (d *Dispatcher) OnDiagnostic(fn func(protocol.Unknown)) observer.Subscription {
	return d.diagnostic.Add(fn)
}

// Dispatch routes ev to the handlers of its kind. It never panics.
func (d *Dispatcher) Dispatch(ev protocol.Event) {
	switch e := ev.(type) {
	case protocol.NewMessage:
		d.newMessage.Notify(e)
	case protocol.ReadReceipt:
		d.readReceipt.Notify(e)
	case protocol.PresenceUpdate:
		d.presence.Notify(e)
	case protocol.Unknown:
		d.diagnostic.Notify(e)
	case nil:
		d.log.Warn().Msg("dispatch of nil event")
	default:
		d.log.Warn().Str("kind", ev.Kind().String()).Msg("unroutable event")
	}
}
