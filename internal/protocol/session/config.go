package session

import (
	"fmt"
	"time"

	"github.com/danmuck/hexlink/internal/protocol/frame"
)

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// RetryPolicy bounds one retrying request.
type RetryPolicy struct {
	MaxAttempts    int
	AttemptTimeout time.Duration
	// RetryDelay is the fixed pause between attempts. Zero sends back-to-back.
	RetryDelay time.Duration
	// Backoff replaces RetryDelay when InitialDelay > 0.
	Backoff BackoffConfig
}

func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("%w: max_attempts=%d", ErrInvalidPolicy, p.MaxAttempts)
	}
	if p.AttemptTimeout <= 0 {
		return fmt.Errorf("%w: attempt_timeout=%s", ErrInvalidPolicy, p.AttemptTimeout)
	}
	if p.RetryDelay < 0 {
		return fmt.Errorf("%w: retry_delay=%s", ErrInvalidPolicy, p.RetryDelay)
	}
	return nil
}

// Config defines channel reliability defaults.
type Config struct {
	AttemptTimeout time.Duration
	MaxAttempts    int
	RetryDelay     time.Duration
	Backoff        BackoffConfig
	// LogCapacity bounds the notification log; 0 keeps every frame.
	LogCapacity int
	// Key locates the correlation field; zero means frame.DefaultKeySpec.
	Key frame.KeySpec
}

// DefaultConfig mirrors the peer firmware's expectations: three back-to-back
// attempts of three seconds each.
func DefaultConfig() Config {
	return Config{
		AttemptTimeout: 3 * time.Second,
		MaxAttempts:    3,
		RetryDelay:     0,
		Key:            frame.DefaultKeySpec,
	}
}

func (c Config) Policy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    c.MaxAttempts,
		AttemptTimeout: c.AttemptTimeout,
		RetryDelay:     c.RetryDelay,
		Backoff:        c.Backoff,
	}
}
