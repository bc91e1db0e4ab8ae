// Package ratelimit bounds how often a single credential may submit telemetry.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Limit      int
	Window     time.Duration
	Remaining  int
	RetryAfter time.Duration
}

// Limiter admits or refuses one request for key.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// LocalLimiter keeps one token bucket per key in process memory. The bucket refills at
// limit/window with a burst of limit, so a fresh key may spend its whole window at once.
type LocalLimiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu          sync.Mutex
	buckets     map[string]*rate.Limiter
	lastCleanup time.Time
}

// NewLocal constructs a LocalLimiter.
func NewLocal(limit int, window time.Duration) *LocalLimiter {
	return &LocalLimiter{
		limit:   limit,
		window:  window,
		now:     time.Now,
		buckets: make(map[string]*rate.Limiter),
	}
}

func (l *LocalLimiter) bucket(key string, now time.Time) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.lastCleanup.IsZero() {
		l.lastCleanup = now
	}
	// idle buckets are full again after one window, so dropping them is lossless
	if now.Sub(l.lastCleanup) > l.window*10 {
		for k, b := range l.buckets {
			if b.TokensAt(now) >= float64(l.limit) {
				delete(l.buckets, k)
			}
		}
		l.lastCleanup = now
	}

	b, ok := l.buckets[key]
	if !ok {
		every := rate.Every(l.window / time.Duration(l.limit))
		b = rate.NewLimiter(every, l.limit)
		l.buckets[key] = b
	}
	return b
}

// Allow spends one token for key when available.
func (l *LocalLimiter) Allow(_ context.Context, key string) (Decision, error) {
	now := l.now()
	b := l.bucket(key, now)

	d := Decision{Limit: l.limit, Window: l.window}
	res := b.ReserveN(now, 1)
	if !res.OK() {
		d.RetryAfter = l.window
		return d, nil
	}
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		d.RetryAfter = delay
		return d, nil
	}
	d.Allowed = true
	if remaining := int(b.TokensAt(now)); remaining > 0 {
		d.Remaining = remaining
	}
	return d, nil
}
