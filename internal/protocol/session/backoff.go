package session

import (
	"math"
	"math/rand"
	"time"
)

// PauseAfter is the wait between timed-out attempt n (1-based) and attempt
// n+1. It starts at InitialDelay, multiplies by Multiplier per further
// timeout and is clamped to MaxDelay. Jitter spreads the pause over
// [p/2, 3p/2); with a nil rng it pins the pause at p/2.
func (b BackoffConfig) PauseAfter(n int, rng *rand.Rand) time.Duration {
	if b.InitialDelay <= 0 {
		return 0
	}
	growth := math.Max(b.Multiplier, 1)
	pause := float64(b.InitialDelay)
	ceiling := float64(math.MaxInt64)
	if b.MaxDelay > 0 {
		ceiling = float64(b.MaxDelay)
	}
	for i := 1; i < n && growth > 1 && pause < ceiling; i++ {
		pause *= growth
	}
	pause = math.Min(pause, ceiling)

	if b.Jitter {
		spread := 0.5
		if rng != nil {
			spread += rng.Float64()
		}
		pause *= spread
	}
	if pause >= float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(pause)
}
