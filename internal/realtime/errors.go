package realtime

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned by Send while the connection is not open.
	ErrNotConnected = errors.New("not connected to server")

	// ErrClosed is returned by Connect after Close.
	ErrClosed = errors.New("connection manager closed")

	// ErrSuperseded is returned by Connect when a later Connect or Disconnect
	// replaced the attempt before it completed.
	ErrSuperseded = errors.New("connection attempt superseded")
)

// TransportError wraps a failure of the underlying connection.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
