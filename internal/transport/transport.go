// Package transport defines the boundary between hexlink sessions and the
// byte-level link that carries their frames.
//
// Ownership boundary:
// - outbound writes of raw frame bytes
// - inbound notification delivery, one call per emitted unit, in emission order
// - disconnect signalling
//
// Discovery, pairing and connection establishment live with each concrete
// transport, never in the session layer.
package transport

import (
	"context"
	"errors"
)

var ErrClosed = errors.New("transport: closed")

// Writer sends one raw frame to the remote peer.
type Writer interface {
	Write(ctx context.Context, b []byte) error
}

// Receiver consumes inbound traffic. Calls are serialized by the transport.
type Receiver interface {
	OnFrameReceived(raw []byte)
	OnDisconnect(err error)
}

// Conn is a connected transport. Serve delivers inbound frames to r until
// the link ends, then calls r.OnDisconnect exactly once.
type Conn interface {
	Writer
	Serve(ctx context.Context, r Receiver) error
	Close() error
}

// WriterFunc adapts a function to Writer.
type WriterFunc func(ctx context.Context, b []byte) error

func (f WriterFunc) Write(ctx context.Context, b []byte) error {
	return f(ctx, b)
}
