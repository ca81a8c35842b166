// Package circuit implements the per-adapter circuit breaker on top of
// github.com/sony/gobreaker: closed/open/half-open gating of adapter
// dispatch, tripped by sustained failure and probed for recovery after
// a cooldown. It also carries the exponential-backoff reconnect
// supervisor that shares the breaker's failure vocabulary.
package circuit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
)

// ErrOpen is returned when a call is rejected because the breaker is open.
var ErrOpen = errors.New("circuit breaker is open")

// State is the breaker's three-state vocabulary over gobreaker's state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// Config configures a single adapter's breaker.
type Config struct {
	OpenThreshold int           // consecutive failures before tripping, default 5
	Cooldown      time.Duration // time spent open before a half-open probe, default 30s
}

// DefaultConfig trips after 5 consecutive failures and probes again
// after 30s.
func DefaultConfig() Config {
	return Config{OpenThreshold: 5, Cooldown: 30 * time.Second}
}

// Breaker wraps a gobreaker.CircuitBreaker for one adapter. The generic
// parameter is unused (struct{}); only the error outcome of each dispatch
// matters to the breaker.
type Breaker struct {
	name string
	cb   *gobreaker.CircuitBreaker[struct{}]
}

// New creates a Breaker named for the adapter it guards.
func New(name string, cfg Config) *Breaker {
	if cfg.OpenThreshold <= 0 {
		cfg.OpenThreshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1, // single trial dispatch while half-open
		Timeout:     cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.OpenThreshold)
		},
	}

	return &Breaker{name: name, cb: gobreaker.NewCircuitBreaker[struct{}](settings)}
}

// Call executes fn if the breaker allows dispatch; a failure return from
// fn counts against the breaker, a nil return resets its failure streak.
func (b *Breaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := b.cb.Execute(func() (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrOpen
	}
	return err
}

// State returns the breaker's current state.
func (b *Breaker) State() State {
	switch b.cb.State() {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// RecordFailure manually counts a failure observed outside of Call, e.g.
// an onError callback from a streaming adapter rather than a synchronous
// dispatch.
func (b *Breaker) RecordFailure() {
	_, _ = b.cb.Execute(func() (struct{}, error) {
		return struct{}{}, errors.New("observed failure")
	})
}

// RecordSuccess manually counts a success observed outside of Call, e.g. a
// freshly admitted observation.
func (b *Breaker) RecordSuccess() {
	_, _ = b.cb.Execute(func() (struct{}, error) {
		return struct{}{}, nil
	})
}

// Manager owns one Breaker per adapter name.
type Manager struct {
	mu       sync.RWMutex
	cfg      Config
	breakers map[string]*Breaker
}

// NewManager creates a Manager that lazily builds breakers with cfg.
func NewManager(cfg Config) *Manager {
	return &Manager{cfg: cfg, breakers: make(map[string]*Breaker)}
}

// For returns the breaker for name, creating it on first use.
func (m *Manager) For(name string) *Breaker {
	m.mu.RLock()
	b, ok := m.breakers[name]
	m.mu.RUnlock()
	if ok {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.breakers[name]; ok {
		return b
	}
	b = New(name, m.cfg)
	m.breakers[name] = b
	return b
}

// States returns a snapshot of every known adapter's breaker state.
func (m *Manager) States() map[string]State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]State, len(m.breakers))
	for name, b := range m.breakers {
		out[name] = b.State()
	}
	return out
}
