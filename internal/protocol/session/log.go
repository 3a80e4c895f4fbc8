package session

import (
	"sync"
	"time"

	"github.com/danmuck/hexlink/internal/protocol/frame"
)

// Entry is one received frame in arrival order. Seq starts at 1.
type Entry struct {
	Seq   uint64
	At    time.Time
	Frame frame.Frame
}

// NotificationLog is the append-only record of inbound frames.
type NotificationLog struct {
	mu       sync.RWMutex
	entries  []Entry
	seq      uint64
	capacity int
}

// NewNotificationLog keeps at most capacity entries, oldest trimmed first.
// capacity <= 0 keeps everything.
func NewNotificationLog(capacity int) *NotificationLog {
	return &NotificationLog{capacity: capacity}
}

func (l *NotificationLog) Append(f frame.Frame) Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	e := Entry{Seq: l.seq, At: time.Now(), Frame: f}
	l.entries = append(l.entries, e)
	if l.capacity > 0 && len(l.entries) > l.capacity {
		trimmed := make([]Entry, l.capacity)
		copy(trimmed, l.entries[len(l.entries)-l.capacity:])
		l.entries = trimmed
	}
	return e
}

// Len is the number of retained entries.
func (l *NotificationLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

func (l *NotificationLog) Entries() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Since returns retained entries with Seq > seq, for replay.
func (l *NotificationLog) Since(seq uint64) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	i := len(l.entries)
	for i > 0 && l.entries[i-1].Seq > seq {
		i--
	}
	out := make([]Entry, len(l.entries)-i)
	copy(out, l.entries[i:])
	return out
}
