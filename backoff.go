package backstop

import (
	"math"
	"math/rand"
	"time"
)

// Backoff returns the exponential backoff delay for the given attempt.
//
// The delay doubles with each attempt starting from base and is capped at
// max: Backoff(base, max, 1) = base, Backoff(base, max, 2) = 2*base,
// Backoff(base, max, 3) = 4*base, and so on. Attempts below 1 return base.
// A non-positive max means uncapped; delays too large to represent then
// saturate at the largest duration instead.
//
// Example:
//
//	delay := backstop.Backoff(500*time.Millisecond, time.Minute, attempts)
//	if entry.Idle < delay {
//	    continue // not stalled long enough yet
//	}
func Backoff(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	// Shifts past 62 bits overflow; anything that large saturates.
	if attempt > 32 {
		return clampBackoff(max)
	}
	shift := uint(attempt - 1)
	if base > math.MaxInt64>>shift {
		return clampBackoff(max)
	}
	d := base << shift
	if max > 0 && d > max {
		return max
	}
	return d
}

// clampBackoff resolves an overflowed delay: the cap when there is one, the
// largest representable duration when uncapped.
func clampBackoff(max time.Duration) time.Duration {
	if max > 0 {
		return max
	}
	return math.MaxInt64
}

// Jitter randomizes a duration by up to +/- factor to avoid thundering herds.
// A factor outside (0, 1] returns d unchanged.
func Jitter(d time.Duration, factor float64) time.Duration {
	if factor <= 0 || factor > 1 {
		return d
	}
	j := (rand.Float64()*2 - 1) * factor
	return time.Duration(float64(d) * (1 + j))
}
