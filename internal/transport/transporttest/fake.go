// Package transporttest provides in-memory transport.Conn and transport.Dialer
// fakes for tests.
package transporttest

import (
	"context"
	"errors"
	"sync"

	"github.com/omochice/dmsync/internal/transport"
)

// ErrClosed is returned by Read and Write after Close.
var ErrClosed = errors.New("fake connection closed")

// Conn is a fake connection. Frames pushed with Push are returned by Read in
// order; frames passed to Write are recorded.
type Conn struct {
	inbound   chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	written  [][]byte
	writeErr error
	pingErr  error
	pings    int
}

var _ transport.Conn = (*Conn)(nil)

// NewConn creates an open fake connection.
func NewConn() *Conn {
	return &Conn{
		inbound: make(chan []byte, 256),
		closed:  make(chan struct{}),
	}
}

// Push queues a frame for Read. It is a no-op once the connection is closed.
func (c *Conn) Push(frame string) {
	select {
	case <-c.closed:
	case c.inbound <- []byte(frame):
	}
}

// Pending returns the number of pushed frames Read has not returned yet.
func (c *Conn) Pending() int {
	return len(c.inbound)
}

// Fail closes the connection as if the peer went away.
func (c *Conn) Fail() {
	c.Close()
}

// SetWriteErr makes every subsequent Write fail with err.
func (c *Conn) SetWriteErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeErr = err
}

// SetPingErr makes every subsequent Ping fail with err.
func (c *Conn) SetPingErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pingErr = err
}

// Written returns a copy of every frame written so far.
func (c *Conn) Written() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.written))
	for i, w := range c.written {
		out[i] = string(w)
	}
	return out
}

// Pings returns the number of successful pings.
func (c *Conn) Pings() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pings
}

// IsClosed reports whether Close has been called.
func (c *Conn) IsClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Read implements transport.Conn.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-c.inbound:
		return frame, nil
	case <-c.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Write implements transport.Conn.
func (c *Conn) Write(_ context.Context, data []byte) error {
	if c.IsClosed() {
		return ErrClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.written = append(c.written, append([]byte(nil), data...))
	return nil
}

// Ping implements transport.Conn.
func (c *Conn) Ping(context.Context) error {
	if c.IsClosed() {
		return ErrClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pingErr != nil {
		return c.pingErr
	}
	c.pings++
	return nil
}

// Close implements transport.Conn.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// RemoteAddr implements transport.Conn.
func (c *Conn) RemoteAddr() string {
	return "fake"
}

// Dialer hands out fake connections and records every dialed URL.
type Dialer struct {
	mu    sync.Mutex
	err   error
	gate  chan struct{}
	urls  []string
	conns []*Conn
}

var _ transport.Dialer = (*Dialer)(nil)

// NewDialer creates a dialer that succeeds.
func NewDialer() *Dialer {
	return &Dialer{}
}

// SetErr makes subsequent dials fail with err. A nil err restores success.
func (d *Dialer) SetErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
}

// Hold makes subsequent dials block until Release is called or their context
// is done.
func (d *Dialer) Hold() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gate = make(chan struct{})
}

// Release unblocks held dials.
func (d *Dialer) Release() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.gate != nil {
		close(d.gate)
		d.gate = nil
	}
}

// Dial implements transport.Dialer.
func (d *Dialer) Dial(ctx context.Context, url string) (transport.Conn, error) {
	d.mu.Lock()
	d.urls = append(d.urls, url)
	gate := d.gate
	d.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	conn := NewConn()
	d.conns = append(d.conns, conn)
	return conn, nil
}

// URLs returns every dialed URL.
func (d *Dialer) URLs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.urls...)
}

// Conns returns every connection handed out.
func (d *Dialer) Conns() []*Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Conn(nil), d.conns...)
}

// Last returns the most recent connection or nil.
func (d *Dialer) Last() *Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}
