// Package transport defines the connection abstraction replication runs over. Discovery is
// out of scope: callers supply addresses.
package transport

import (
	"context"
	"errors"
)

// ErrClosed is returned by operations on a closed connection.
var ErrClosed = errors.New("connection closed")

// Conn is a message-oriented, ordered, reliable connection to one remote replica. Send and
// Receive may run concurrently with each other, but neither concurrently with itself.
type Conn interface {
	Send(ctx context.Context, msg []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Close() error
	RemoteAddr() string
}

// Dialer opens connections to addresses.
type Dialer interface {
	Dial(ctx context.Context, address string) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, address string) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, address string) (Conn, error) { return f(ctx, address) }
