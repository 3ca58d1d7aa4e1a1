package devserver

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func testClient(username string) *Client {
	return &Client{Username: username, outgoing: make(chan []byte, 2)}
}

func TestHub_Register(t *testing.T) {
	hub := NewHub(zerolog.Nop())

	assert.True(t, hub.Register(testClient("alice")))
	assert.False(t, hub.Register(testClient("alice")))
	assert.True(t, hub.Register(testClient("bob")))

	assert.Equal(t, 3, hub.ClientCount())
	assert.True(t, hub.IsOnline("alice"))
	assert.False(t, hub.IsOnline("carol"))
}

func TestHub_Unregister(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	first, second := testClient("alice"), testClient("alice")
	hub.Register(first)
	hub.Register(second)

	assert.False(t, hub.Unregister(first))
	assert.True(t, hub.Unregister(second))
	assert.False(t, hub.Unregister(second))

	assert.Zero(t, hub.ClientCount())
	assert.False(t, hub.IsOnline("alice"))
	_, open := <-first.outgoing
	assert.False(t, open)
}

func TestHub_SendToAndBroadcast(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	alice, bob := testClient("alice"), testClient("bob")
	hub.Register(alice)
	hub.Register(bob)

	hub.SendTo("alice", []byte("a"))
	hub.Broadcast([]byte("all"))

	assert.Equal(t, []byte("a"), <-alice.outgoing)
	assert.Equal(t, []byte("all"), <-alice.outgoing)
	assert.Equal(t, []byte("all"), <-bob.outgoing)
}

func TestHub_DropsWhenQueueFull(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	alice := testClient("alice")
	hub.Register(alice)

	for range 5 {
		hub.SendTo("alice", []byte("x"))
	}

	assert.Len(t, alice.outgoing, cap(alice.outgoing))
}
