package session

import (
	"github.com/danmuck/hexlink/internal/observability"
	"github.com/danmuck/hexlink/internal/protocol/frame"
	"github.com/rs/zerolog/log"
)

// Observer sees every inbound frame after correlation dispatch. It runs on
// the transport's delivery goroutine, so it must not block: a synchronous
// Send from inside an Observer stalls the very delivery it waits for. Issue
// follow-up requests from a new goroutine.
type Observer func(f frame.Frame)

// Sink turns raw inbound frames into log entries, registry notifications and
// observer calls, in that order. Dispatch runs before observation so a
// waiting request is unblocked before user code can issue a follow-up.
//
// OnFrameReceived never blocks on I/O. Callers must serialize arrivals.
type Sink struct {
	log      *NotificationLog
	registry *Registry
	keys     frame.KeySpec
	observer Observer
}

// NewSink correlates by keys; a zero KeySpec means frame.DefaultKeySpec.
func NewSink(l *NotificationLog, r *Registry, keys frame.KeySpec, observer Observer) *Sink {
	return &Sink{log: l, registry: r, keys: keys.OrDefault(), observer: observer}
}

func (s *Sink) OnFrameReceived(raw []byte) {
	f := frame.Frame(raw).Clone()
	entry := s.log.Append(f)

	key, err := s.keys.Of(f)
	switch {
	case err != nil:
		observability.RecordNotification(observability.NotifyShort)
		log.Debug().Msgf("session.Sink seq=%d frame=%s not dispatched: %v", entry.Seq, f, err)
	case s.registry.Notify(key, f):
		observability.RecordNotification(observability.NotifyMatched)
		log.Debug().Msgf("session.Sink seq=%d key=%s frame=%s matched", entry.Seq, key, f)
	default:
		observability.RecordNotification(observability.NotifyDropped)
		log.Debug().Msgf("session.Sink seq=%d key=%s frame=%s unsolicited", entry.Seq, key, f)
	}

	if s.observer != nil {
		s.observer(f)
	}
}
