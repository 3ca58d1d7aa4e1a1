// Package gobwas provides the github.com/gobwas/ws implementation of transport.Conn.
package gobwas

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/omochice/dmsync/internal/transport"
)

// Conn wraps a client-side net.Conn speaking the websocket framing of gobwas/ws.
// Every frame written, including control replies produced while reading, goes
// through mu.
type Conn struct {
	conn      net.Conn
	source    io.Reader
	mu        sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// NewConn wraps an established websocket net.Conn. br holds bytes the server
// sent right after the handshake and may be nil.
func NewConn(conn net.Conn, br *bufio.Reader) *Conn {
	c := &Conn{conn: conn, source: conn}
	if br != nil && br.Buffered() > 0 {
		c.source = io.MultiReader(br, conn)
	} else if br != nil {
		ws.PutReader(br)
	}
	return c
}

// Read implements transport.Conn.
// Control frames are answered in place; only text and binary payloads are returned.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	_ = c.conn.SetReadDeadline(time.Time{})
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	control := func(hdr ws.Header, r io.Reader) error {
		c.mu.Lock()
		defer c.mu.Unlock()
		return wsutil.ControlFrameHandler(c.conn, ws.StateClientSide)(hdr, r)
	}
	rd := &wsutil.Reader{
		Source:         c.source,
		State:          ws.StateClientSide,
		CheckUTF8:      true,
		OnIntermediate: control,
	}

	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			return nil, c.readErr(ctx, err)
		}
		if hdr.OpCode.IsControl() {
			if err := control(hdr, rd); err != nil {
				return nil, c.readErr(ctx, err)
			}
			continue
		}
		if hdr.OpCode != ws.OpText && hdr.OpCode != ws.OpBinary {
			if err := rd.Discard(); err != nil {
				return nil, c.readErr(ctx, err)
			}
			continue
		}
		data, err := io.ReadAll(rd)
		if err != nil {
			return nil, c.readErr(ctx, err)
		}
		return data, nil
	}
}

func (c *Conn) readErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}

// Write implements transport.Conn.
func (c *Conn) Write(ctx context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteClientText(c.conn, data)
}

// Ping implements transport.Conn.
// The pong is consumed by Read.
func (c *Conn) Ping(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteClientMessage(c.conn, ws.OpPing, nil)
}

// Close implements transport.Conn.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		body := ws.NewCloseFrameBody(ws.StatusNormalClosure, "")
		_ = wsutil.WriteClientMessage(c.conn, ws.OpClose, body)
		c.mu.Unlock()
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// RemoteAddr implements transport.Conn.
func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// Dialer opens gobwas websocket connections.
type Dialer struct {
	Header  http.Header
	Timeout time.Duration
}

var _ transport.Dialer = (*Dialer)(nil)

// Dial implements transport.Dialer.
func (d *Dialer) Dial(ctx context.Context, url string) (transport.Conn, error) {
	dialer := ws.Dialer{Timeout: d.Timeout}
	if len(d.Header) > 0 {
		dialer.Header = ws.HandshakeHeaderHTTP(d.Header)
	}

	conn, br, _, err := dialer.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to server: %w", err)
	}
	return NewConn(conn, br), nil
}
