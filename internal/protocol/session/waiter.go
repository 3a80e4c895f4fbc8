package session

import (
	"context"
	"sync"

	"github.com/danmuck/hexlink/internal/protocol/frame"
)

// Waiter is a single-use completion handle for one outstanding request.
// The first Complete or Abandon settles it; every later call is a no-op.
type Waiter struct {
	once    sync.Once
	done    chan struct{}
	payload frame.Frame
	err     error
}

func NewWaiter() *Waiter {
	return &Waiter{done: make(chan struct{})}
}

// Complete resolves w with payload. It reports whether this call settled w.
func (w *Waiter) Complete(payload frame.Frame) bool {
	return w.settle(payload.Clone(), nil)
}

// Abandon settles w with err so a late Complete is absorbed.
func (w *Waiter) Abandon(err error) bool {
	if err == nil {
		err = ErrWaiterAbandoned
	}
	return w.settle(nil, err)
}

func (w *Waiter) settle(payload frame.Frame, err error) bool {
	settled := false
	w.once.Do(func() {
		w.payload = payload
		w.err = err
		settled = true
		close(w.done)
	})
	return settled
}

// Done is closed once w is settled.
func (w *Waiter) Done() <-chan struct{} {
	return w.done
}

// Result returns the settled outcome, or ErrWaiterPending before Done closes.
func (w *Waiter) Result() (frame.Frame, error) {
	select {
	case <-w.done:
		return w.payload, w.err
	default:
		return nil, ErrWaiterPending
	}
}

// Wait blocks until w settles or ctx ends. Ending ctx does not settle w.
func (w *Waiter) Wait(ctx context.Context) (frame.Frame, error) {
	select {
	case <-w.done:
		return w.payload, w.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
