package link

import (
	"sync"

	"github.com/danmuck/hexlink/internal/protocol/frame"
	"github.com/rs/zerolog/log"
)

// observerQueue hands inbound frames to the user observer on its own
// goroutine, one at a time and in arrival order. The transport delivery
// path only appends, so an observer may block or issue a follow-up Request
// without stalling the notification that request waits for.
type observerQueue struct {
	fn func(frame.Frame)

	mu      sync.Mutex
	cond    *sync.Cond
	pending []frame.Frame
	closed  bool
	done    chan struct{}
}

func newObserverQueue(fn func(frame.Frame)) *observerQueue {
	q := &observerQueue{fn: fn, done: make(chan struct{})}
	q.cond = sync.NewCond(&q.mu)
	go q.run()
	return q
}

func (q *observerQueue) push(f frame.Frame) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		log.Debug().Msgf("link.observerQueue closed, frame=%s not observed", f)
		return
	}
	q.pending = append(q.pending, f)
	q.cond.Signal()
}

// close stops intake. Frames already queued are still observed.
func (q *observerQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Signal()
	q.mu.Unlock()
}

func (q *observerQueue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		for len(q.pending) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.pending) == 0 {
			q.mu.Unlock()
			return
		}
		f := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.mu.Unlock()

		q.fn(f)
	}
}
