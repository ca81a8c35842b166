// Package ratelimit provides per-venue token-bucket throttling for REST
// polling paths: one bucket per venue name, created lazily.
package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Limiter throttles REST polling per venue name using a token bucket.
type Limiter struct {
	mu      sync.RWMutex
	buckets map[string]*rate.Limiter
	rps     float64
	burst   int
}

// NewLimiter creates a Limiter issuing rps tokens/sec per venue, with
// burst capacity.
func NewLimiter(rps float64, burst int) *Limiter {
	return &Limiter{buckets: make(map[string]*rate.Limiter), rps: rps, burst: burst}
}

func (l *Limiter) bucket(venue string) *rate.Limiter {
	l.mu.RLock()
	b, ok := l.buckets[venue]
	l.mu.RUnlock()
	if ok {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets[venue]; ok {
		return b
	}
	b = rate.NewLimiter(rate.Limit(l.rps), l.burst)
	l.buckets[venue] = b
	return b
}

// Wait blocks until venue's bucket has a token or ctx is cancelled.
func (l *Limiter) Wait(ctx context.Context, venue string) error {
	return l.bucket(venue).Wait(ctx)
}

// Allow reports whether venue currently has a token available, without
// blocking or consuming it on failure.
func (l *Limiter) Allow(venue string) bool {
	return l.bucket(venue).Allow()
}
