package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/hexlink/internal/observability"
	"github.com/danmuck/hexlink/internal/protocol/frame"
	"github.com/danmuck/hexlink/internal/transport"
	"github.com/rs/zerolog/log"
)

// State is the lifecycle of one request attempt.
type State int32

const (
	StateIdle State = iota
	StateSent
	StateResolved
	StateTimedOut
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSent:
		return "sent"
	case StateResolved:
		return "resolved"
	case StateTimedOut:
		return "timed_out"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

type ChannelOption func(*Channel)

// WithObserver installs o on the inbound path. See Observer for the
// non-blocking contract.
func WithObserver(o Observer) ChannelOption {
	return func(c *Channel) {
		c.observer = o
	}
}

// WithKeySpec sets where the correlation key sits in requests and
// notifications. The zero KeySpec keeps frame.DefaultKeySpec.
func WithKeySpec(k frame.KeySpec) ChannelOption {
	return func(c *Channel) {
		c.keys = k
	}
}

func WithLogCapacity(n int) ChannelOption {
	return func(c *Channel) {
		c.logCapacity = n
	}
}

// Channel runs correlated requests over one transport writer. It also acts
// as the transport.Receiver for the inbound side of the same link.
type Channel struct {
	writer   transport.Writer
	registry *Registry
	log      *NotificationLog
	sink     *Sink

	observer    Observer
	keys        frame.KeySpec
	logCapacity int

	// mu makes the channel half-duplex: one request (with its retries) at a time.
	mu    sync.Mutex
	rng   *rand.Rand
	state atomic.Int32
}

var _ transport.Receiver = (*Channel)(nil)

func NewChannel(w transport.Writer, opts ...ChannelOption) *Channel {
	c := &Channel{
		writer:   w,
		registry: NewRegistry(),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, o := range opts {
		o(c)
	}
	c.keys = c.keys.OrDefault()
	c.log = NewNotificationLog(c.logCapacity)
	c.sink = NewSink(c.log, c.registry, c.keys, c.observer)
	return c
}

func (c *Channel) KeySpec() frame.KeySpec {
	return c.keys
}

func (c *Channel) Sink() *Sink {
	return c.sink
}

func (c *Channel) Log() *NotificationLog {
	return c.log
}

func (c *Channel) Pending() []PendingRequest {
	return c.registry.Pending()
}

// LastState reports the state of the most recent attempt.
func (c *Channel) LastState() State {
	return State(c.state.Load())
}

func (c *Channel) OnFrameReceived(raw []byte) {
	c.sink.OnFrameReceived(raw)
}

// OnDisconnect fails every pending request with ErrChannelClosed and rejects
// new ones until OnConnect.
func (c *Channel) OnDisconnect(err error) {
	n := c.registry.Close(ErrChannelClosed)
	log.Warn().Msgf("session.Channel disconnected pending=%d cause=%v", n, err)
}

func (c *Channel) OnConnect() {
	c.registry.Open()
	log.Debug().Msg("session.Channel connected")
}

// Send performs exactly one attempt: register a waiter under the request's
// key, write the frame, then wait for the matching notification or timeout.
func (c *Channel) Send(ctx context.Context, req frame.Frame, timeout time.Duration) (frame.Frame, error) {
	if timeout <= 0 {
		observability.RecordAttempt(observability.OutcomeInvalid)
		return nil, fmt.Errorf("%w: attempt_timeout=%s", ErrInvalidPolicy, timeout)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempt(ctx, req, timeout, 1)
}

// SendWithRetry resends req under policy until a matching notification
// arrives. Only timeouts are retried.
func (c *Channel) SendWithRetry(ctx context.Context, req frame.Frame, policy RetryPolicy) (frame.Frame, error) {
	if err := policy.Validate(); err != nil {
		observability.RecordRequest(requestOutcome(err), 0)
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	start := time.Now()
	resp, err := Retry(ctx, policy, c.rng, func(ctx context.Context, attempt int) (frame.Frame, error) {
		return c.attempt(ctx, req, policy.AttemptTimeout, attempt)
	})
	observability.RecordRequest(requestOutcome(err), time.Since(start))
	return resp, err
}

// Write sends req without registering a waiter.
func (c *Channel) Write(ctx context.Context, req frame.Frame) error {
	if err := c.writer.Write(ctx, req); err != nil {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	observability.RecordWrite()
	return nil
}

func (c *Channel) attempt(ctx context.Context, req frame.Frame, timeout time.Duration, n int) (frame.Frame, error) {
	c.state.Store(int32(StateIdle))
	key, err := c.keys.Of(req)
	if err != nil {
		c.finish(StateFailed, observability.OutcomeInvalid)
		return nil, err
	}

	w := NewWaiter()
	if err := c.registry.Register(key, w); err != nil {
		c.finish(StateFailed, observability.OutcomeClosed)
		return nil, err
	}
	defer c.registry.Release(key, w)

	c.state.Store(int32(StateSent))
	log.Debug().Msgf("session.Channel send key=%s attempt=%d frame=%s", key, n, req)
	if err := c.writer.Write(ctx, req); err != nil {
		w.Abandon(err)
		if ctxErr := ctx.Err(); ctxErr != nil {
			c.finish(StateFailed, observability.OutcomeCanceled)
			return nil, ctxErr
		}
		c.finish(StateFailed, observability.OutcomeTransport)
		log.Error().Msgf("session.Channel write key=%s attempt=%d err=%v", key, n, err)
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	observability.RecordWrite()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-w.Done():
		return c.settled(w, key, n)
	case <-timer.C:
		if !w.Abandon(ErrRequestTimeout) {
			// A notification won the race against the timer.
			return c.settled(w, key, n)
		}
		c.finish(StateTimedOut, observability.OutcomeTimeout)
		log.Warn().Msgf("session.Channel timeout key=%s attempt=%d after=%s", key, n, timeout)
		return nil, ErrRequestTimeout
	case <-ctx.Done():
		if !w.Abandon(ctx.Err()) {
			return c.settled(w, key, n)
		}
		c.finish(StateFailed, observability.OutcomeCanceled)
		return nil, ctx.Err()
	}
}

func (c *Channel) settled(w *Waiter, key frame.Key, n int) (frame.Frame, error) {
	payload, err := w.Result()
	if err != nil {
		c.finish(StateFailed, observability.OutcomeClosed)
		return nil, err
	}
	c.finish(StateResolved, observability.OutcomeResolved)
	log.Debug().Msgf("session.Channel resolved key=%s attempt=%d frame=%s", key, n, payload)
	return payload, nil
}

func (c *Channel) finish(s State, outcome string) {
	c.state.Store(int32(s))
	observability.RecordAttempt(outcome)
}

func requestOutcome(err error) string {
	switch {
	case err == nil:
		return observability.OutcomeResolved
	case errors.Is(err, ErrRetriesExhausted):
		return observability.OutcomeExhausted
	case errors.Is(err, ErrChannelClosed):
		return observability.OutcomeClosed
	case errors.Is(err, ErrTransport):
		return observability.OutcomeTransport
	case errors.Is(err, frame.ErrMalformedFrame), errors.Is(err, ErrInvalidPolicy):
		return observability.OutcomeInvalid
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return observability.OutcomeCanceled
	default:
		return observability.OutcomeError
	}
}
