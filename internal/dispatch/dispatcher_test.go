package dispatch_test

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/omochice/dmsync/internal/dispatch"
	"github.com/omochice/dmsync/pkg/protocol"
)

func TestDispatcher_RoutesByKind(t *testing.T) {
	d := dispatch.New(zerolog.Nop())

	var got []string
	d.OnNewMessage(func(e protocol.NewMessage) { got = append(got, "message:"+e.Message.ID) })
	d.OnReadReceipt(func(e protocol.ReadReceipt) { got = append(got, "receipt:"+e.MessageID) })
	d.OnPresenceUpdate(func(e protocol.PresenceUpdate) { got = append(got, "presence:"+e.UserID) })
	d.OnDiagnostic(func(e protocol.Unknown) { got = append(got, "unknown:"+e.Type) })

	d.Dispatch(protocol.NewMessage{Message: protocol.Message{ID: "m1"}})
	d.Dispatch(protocol.ReadReceipt{MessageID: "m1"})
	d.Dispatch(protocol.PresenceUpdate{UserID: "bob"})
	d.Dispatch(protocol.Unknown{Type: "weird_event"})

	assert.Equal(t, []string{"message:m1", "receipt:m1", "presence:bob", "unknown:weird_event"}, got)
}

func TestDispatcher_PreservesOrderWithinKind(t *testing.T) {
	d := dispatch.New(zerolog.Nop())

	var first, second []string
	d.OnNewMessage(func(e protocol.NewMessage) { first = append(first, e.Message.ID) })
	d.OnNewMessage(func(e protocol.NewMessage) { second = append(second, e.Message.ID) })

	for _, id := range []string{"a", "b", "c"} {
		d.Dispatch(protocol.NewMessage{Message: protocol.Message{ID: id}})
	}

	assert.Equal(t, []string{"a", "b", "c"}, first)
	assert.Equal(t, []string{"a", "b", "c"}, second)
}

func TestDispatcher_UnknownOnlyReachesDiagnostics(t *testing.T) {
	d := dispatch.New(zerolog.Nop())

	typed := 0
	d.OnNewMessage(func(protocol.NewMessage) { typed++ })
	d.OnReadReceipt(func(protocol.ReadReceipt) { typed++ })
	d.OnPresenceUpdate(func(protocol.PresenceUpdate) { typed++ })
	var diagnostics []protocol.Unknown
	d.OnDiagnostic(func(e protocol.Unknown) { diagnostics = append(diagnostics, e) })

	ev := protocol.Decode([]byte(`{"type":"weird_event","data":{}}`))
	assert.NotPanics(t, func() { d.Dispatch(ev) })

	assert.Zero(t, typed)
	if assert.Len(t, diagnostics, 1) {
		assert.Equal(t, "weird_event", diagnostics[0].Type)
	}
}

func TestDispatcher_HandlerPanicIsContained(t *testing.T) {
	d := dispatch.New(zerolog.Nop())

	d.OnPresenceUpdate(func(protocol.PresenceUpdate) { panic("boom") })
	delivered := false
	d.OnPresenceUpdate(func(protocol.PresenceUpdate) { delivered = true })

	assert.NotPanics(t, func() { d.Dispatch(protocol.PresenceUpdate{UserID: "bob"}) })
	assert.True(t, delivered)
}

func TestDispatcher_Unsubscribe(t *testing.T) {
	d := dispatch.New(zerolog.Nop())

	count := 0
	sub := d.OnReadReceipt(func(protocol.ReadReceipt) { count++ })
	d.Dispatch(protocol.ReadReceipt{MessageID: "m1"})
	sub.Unsubscribe()
	sub.Unsubscribe()
	d.Dispatch(protocol.ReadReceipt{MessageID: "m2"})

	assert.Equal(t, 1, count)
}

func TestDispatcher_NilEvent(t *testing.T) {
	d := dispatch.New(zerolog.Nop())
	assert.NotPanics(t, func() { d.Dispatch(nil) })
}
