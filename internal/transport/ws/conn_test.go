package ws_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/omochice/dmsync/internal/transport/ws"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

func newServer(t *testing.T, handle func(c *websocket.Conn)) string {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close(websocket.StatusNormalClosure, "")
		handle(c)
	}))
	t.Cleanup(server.Close)
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestDialer_ReadWrite(t *testing.T) {
	received := make(chan []byte, 1)
	url := newServer(t, func(c *websocket.Conn) {
		ctx := context.Background()
		if err := c.Write(ctx, websocket.MessageText, []byte(`{"type":"hello"}`)); err != nil {
			return
		}
		typ, data, err := c.Read(ctx)
		if err != nil || typ != websocket.MessageText {
			return
		}
		received <- data
		c.Read(ctx)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, err := (&ws.Dialer{}).Dial(ctx, url)
	require.NoError(t, err)
	defer conn.Close()

	assert.NotEmpty(t, conn.RemoteAddr())

	data, err := conn.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, `{"type":"hello"}`, string(data))

	require.NoError(t, conn.Write(ctx, []byte("hi")))
	select {
	case got := <-received:
		assert.Equal(t, "hi", string(got))
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for frame")
	}
}

func TestDialer_Ping(t *testing.T) {
	url := newServer(t, func(c *websocket.Conn) {
		c.Read(context.Background())
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, err := (&ws.Dialer{}).Dial(ctx, url)
	require.NoError(t, err)
	defer conn.Close()

	go conn.Read(ctx)
	assert.NoError(t, conn.Ping(ctx))
}

func TestDialer_Refused(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := (&ws.Dialer{}).Dial(ctx, "ws://127.0.0.1:1/ws")
	assert.Error(t, err)
}

func TestConn_ReadAfterServerClose(t *testing.T) {
	url := newServer(t, func(c *websocket.Conn) {})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, err := (&ws.Dialer{}).Dial(ctx, url)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Read(ctx)
	assert.Error(t, err)
}
