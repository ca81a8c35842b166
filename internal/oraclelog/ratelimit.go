// Package oraclelog provides zerolog-based logging helpers shared across
// the oracle, including the per-adapter-per-category warning rate limiter
// required by the base adapter contract.
package oraclelog

import (
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Bootstrap configures the package-level zerolog logger: RFC3339
// timestamps, console writer when attached to a terminal-like
// destination.
func Bootstrap(pretty bool) {
	zerolog.TimeFieldFormat = time.RFC3339
	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
}

// RateLimiter suppresses repeated warnings for the same (adapter,
// category) pair to at most one per window. Adapters use a 30s window;
// it is caller-supplied so tests can use a short one.
type RateLimiter struct {
	mu     sync.Mutex
	window time.Duration
	last   map[string]time.Time
}

// NewRateLimiter creates a warning rate limiter with the given window.
func NewRateLimiter(window time.Duration) *RateLimiter {
	return &RateLimiter{
		window: window,
		last:   make(map[string]time.Time),
	}
}

// Allow reports whether a warning for key may be emitted now, recording the
// emission time if so.
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if last, ok := r.last[key]; ok && now.Sub(last) < r.window {
		return false
	}
	r.last[key] = now
	return true
}

// Warnf emits a rate-limited warning through the package logger, keyed by
// adapter and category (e.g. "transport", "protocol", "venue").
func (r *RateLimiter) Warnf(adapter, category, msg string, fields map[string]interface{}) {
	if !r.Allow(adapter + "|" + category) {
		return
	}
	ev := log.Warn().Str("adapter", adapter).Str("category", category)
	for k, v := range fields {
		ev = ev.Interface(k, v)
	}
	ev.Msg(msg)
}
