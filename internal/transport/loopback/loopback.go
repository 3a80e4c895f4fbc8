// Package loopback is an in-memory transport whose remote end is a
// peer.Responder. Replies are delivered on the Serve goroutine in order.
package loopback

import (
	"context"
	"sync"
	"time"

	"github.com/danmuck/hexlink/internal/peer"
	"github.com/danmuck/hexlink/internal/protocol/frame"
	"github.com/danmuck/hexlink/internal/transport"
)

type Conn struct {
	responder *peer.Responder

	mu     sync.Mutex
	queue  []frame.Frame
	writes []frame.Frame
	// writeErr, when set, fails every write.
	writeErr error

	wake      chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

var _ transport.Conn = (*Conn)(nil)

func New(responder *peer.Responder) *Conn {
	return &Conn{
		responder: responder,
		wake:      make(chan struct{}, 1),
		closed:    make(chan struct{}),
	}
}

func (c *Conn) Write(ctx context.Context, b []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-c.closed:
		return transport.ErrClosed
	default:
	}

	req := frame.Frame(b).Clone()
	c.mu.Lock()
	err := c.writeErr
	c.writes = append(c.writes, req)
	c.mu.Unlock()
	if err != nil {
		return err
	}

	for _, b := range peer.Batches(c.responder.Respond(req)) {
		if b.Delay <= 0 {
			c.Inject(b.Frames...)
			continue
		}
		frames := b.Frames
		time.AfterFunc(b.Delay, func() { c.Inject(frames...) })
	}
	return nil
}

// Inject queues frames from the peer, as if unsolicited.
func (c *Conn) Inject(frames ...frame.Frame) {
	c.mu.Lock()
	for _, f := range frames {
		c.queue = append(c.queue, f.Clone())
	}
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// FailWrites makes every later write return err; nil restores writes.
func (c *Conn) FailWrites(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeErr = err
}

func (c *Conn) Writes() []frame.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]frame.Frame, len(c.writes))
	copy(out, c.writes)
	return out
}

func (c *Conn) Serve(ctx context.Context, r transport.Receiver) error {
	var err error
	defer func() { r.OnDisconnect(err) }()
	for {
		c.drain(r)
		select {
		case <-ctx.Done():
			err = ctx.Err()
			return err
		case <-c.closed:
			err = c.closeErr
			return err
		case <-c.wake:
		}
	}
}

func (c *Conn) drain(r transport.Receiver) {
	for {
		c.mu.Lock()
		if len(c.queue) == 0 {
			c.mu.Unlock()
			return
		}
		f := c.queue[0]
		c.queue = c.queue[1:]
		c.mu.Unlock()
		r.OnFrameReceived(f)
	}
}

// Drop simulates the peer going away with err.
func (c *Conn) Drop(err error) {
	if err == nil {
		err = transport.ErrClosed
	}
	c.closeOnce.Do(func() {
		c.closeErr = err
		close(c.closed)
	})
}

func (c *Conn) Close() error {
	c.Drop(transport.ErrClosed)
	return nil
}
