package dispatch

import (
	"math/rand/v2"
	"time"
)

// Backoff computes the delay before a failed command may be re-armed.
//
// delay(n) = min(base*2^n + jitter, max) with jitter drawn from [0, base*2^n/2). The jitter
// never reaches the next doubling, so delays never decrease as n grows.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
	// Jitter returns a value in [0, n). Nil uses math/rand/v2.
	Jitter func(n int64) int64
}

// Delay returns the wait after the attempt numbered retryCount (0 for the first failure).
func (b Backoff) Delay(retryCount int) time.Duration {
	base := b.Base
	if base <= 0 {
		base = 30 * time.Second
	}
	limit := b.Max
	if limit <= 0 {
		limit = 30 * time.Minute
	}
	if retryCount < 0 {
		retryCount = 0
	}

	delay := base
	for i := 0; i < retryCount && delay < limit; i++ {
		delay *= 2
	}
	if delay >= limit {
		return limit
	}

	if half := int64(delay / 2); half > 0 {
		jitter := b.Jitter
		if jitter == nil {
			jitter = rand.Int64N
		}
		delay += time.Duration(jitter(half))
	}
	if delay > limit {
		return limit
	}
	return delay
}
