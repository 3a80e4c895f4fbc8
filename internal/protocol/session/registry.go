package session

import (
	"sort"
	"sync"
	"time"

	"github.com/danmuck/hexlink/internal/protocol/frame"
)

// PendingRequest describes one registered waiter for diagnostics.
type PendingRequest struct {
	Key          frame.Key
	RegisteredAt time.Time
}

type registryEntry struct {
	waiter       *Waiter
	registeredAt time.Time
}

// Registry maps correlation keys to at most one waiter each. Register
// overwrites (last writer wins); a displaced waiter is never invoked again.
type Registry struct {
	mu     sync.Mutex
	items  map[frame.Key]registryEntry
	closed error
}

func NewRegistry() *Registry {
	return &Registry{
		items: make(map[frame.Key]registryEntry),
	}
}

// Register installs w under key. It fails only while the registry is closed.
func (r *Registry) Register(key frame.Key, w *Waiter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed != nil {
		return r.closed
	}
	r.items[key] = registryEntry{waiter: w, registeredAt: time.Now()}
	return nil
}

// Notify completes the waiter registered under key, leaving the entry in
// place. Unknown keys are dropped; the result reports whether one matched.
func (r *Registry) Notify(key frame.Key, payload frame.Frame) bool {
	r.mu.Lock()
	item, ok := r.items[key]
	r.mu.Unlock()
	if !ok {
		return false
	}
	item.waiter.Complete(payload)
	return true
}

// Release removes key only while it still maps to w.
func (r *Registry) Release(key frame.Key, w *Waiter) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	item, ok := r.items[key]
	if !ok || item.waiter != w {
		return false
	}
	delete(r.items, key)
	return true
}

// Close abandons every registered waiter with err and rejects new
// registrations with err until Open.
func (r *Registry) Close(err error) int {
	if err == nil {
		err = ErrChannelClosed
	}
	r.mu.Lock()
	items := r.items
	r.items = make(map[frame.Key]registryEntry)
	r.closed = err
	r.mu.Unlock()

	for _, item := range items {
		item.waiter.Abandon(err)
	}
	return len(items)
}

func (r *Registry) Open() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = nil
}

func (r *Registry) Pending() []PendingRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]PendingRequest, 0, len(r.items))
	for key, item := range r.items {
		out = append(out, PendingRequest{Key: key, RegisteredAt: item.registeredAt})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Key < out[j].Key
	})
	return out
}
