// Package transport abstracts the single persistent websocket connection the
// realtime layer runs on. It isolates the websocket library from the
// connection manager.
package transport

import "context"

// Conn is one bidirectional frame connection.
type Conn interface {
	// Read blocks for the next data frame. It returns an error once the
	// connection is closed or ctx is done.
	Read(ctx context.Context) ([]byte, error)

	// Write sends a single text frame. Implementations serialize concurrent writers.
	Write(ctx context.Context, data []byte) error

	// Ping sends a keep-alive probe.
	Ping(ctx context.Context) error

	// Close closes the connection with a normal closure status.
	Close() error

	// RemoteAddr returns the remote address for logging.
	RemoteAddr() string
}

// Dialer opens connections.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, url string) (Conn, error)

// Dial implements Dialer.
func (f DialerFunc) Dial(ctx context.Context, url string) (Conn, error) {
	return f(ctx, url)
}
