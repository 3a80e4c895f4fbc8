package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/danmuck/hexlink/internal/protocol/frame"
	"github.com/rs/zerolog/log"
)

// AttemptFunc performs attempt n (1-based) of a request.
type AttemptFunc func(ctx context.Context, attempt int) (frame.Frame, error)

// Retry runs fn up to policy.MaxAttempts times. ErrRequestTimeout moves on to
// the next attempt; any other error ends the loop immediately. When every
// attempt times out the result is ErrRetriesExhausted.
func Retry(ctx context.Context, policy RetryPolicy, rng *rand.Rand, fn AttemptFunc) (frame.Frame, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		resp, err := fn(ctx, attempt)
		if err == nil {
			return resp, nil
		}
		if !errors.Is(err, ErrRequestTimeout) {
			return nil, err
		}
		log.Warn().Msgf("session.Retry attempt=%d/%d timed out", attempt, policy.MaxAttempts)
		if attempt == policy.MaxAttempts {
			break
		}
		if err := sleepContext(ctx, policy.delay(attempt, rng)); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: %d attempts", ErrRetriesExhausted, policy.MaxAttempts)
}

func (p RetryPolicy) delay(attempt int, rng *rand.Rand) time.Duration {
	if p.Backoff.InitialDelay > 0 {
		return p.Backoff.PauseAfter(attempt, rng)
	}
	return p.RetryDelay
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
