// Package registry implements the name-keyed adapter registry: a
// synchronous, non-owning catalog of adapter metadata. The registry
// never manages adapter lifecycles; it records where a caller can find
// a healthy one.
package registry

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/sawpanic/priceoracle/internal/oracle/adapter"
	"github.com/sawpanic/priceoracle/internal/oracle/feed"
)

// Errors returned by registry operations.
var (
	ErrAlreadyRegistered = errors.New("registry: adapter already registered")
	ErrNotFound          = errors.New("registry: adapter not found")
)

// HealthStatus is the health vocabulary the health monitor writes.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthUnknown   HealthStatus = "unknown"
)

// Adapter is the minimal surface the registry needs from a venue
// adapter, satisfied by adapter.Base (embedded in every venue Adapter)
// and by the tier2 pull adapter.
type Adapter interface {
	ExchangeName() string
	Category() feed.Category
	Capabilities() adapter.Capabilities
}

// SymbolValidator is implemented by adapters that can confirm a symbol
// round-trips through their mapper (findBestAdapter's filter).
type SymbolValidator interface {
	ValidateSymbol(symbol string) bool
}

// Entry is the registry's per-adapter record.
type Entry struct {
	Adapter         Adapter
	RegisteredAt    time.Time
	IsActive        bool
	HealthStatus    HealthStatus
	LastHealthCheck time.Time
}

// Filter selects a subset of registered entries for getFiltered.
type Filter struct {
	Category       feed.Category
	HasCategory    bool
	RequireActive  bool
	RequireHealth  HealthStatus
	HasHealthCheck bool
	Capability     func(adapter.Capabilities) bool
}

// Stats is the shape returned by getStats.
type Stats struct {
	Total      int
	ByCategory map[feed.Category]int
	ByHealth   map[HealthStatus]int
}

// Registry is a name-keyed (lowercased) map of adapter entries.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{entries: make(map[string]*Entry)}
}

func key(name string) string { return strings.ToLower(name) }

// Register adds an adapter under name, failing if already present.
func (r *Registry) Register(name string, a Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := key(name)
	if _, exists := r.entries[k]; exists {
		return ErrAlreadyRegistered
	}
	r.entries[k] = &Entry{
		Adapter:      a,
		RegisteredAt: time.Now(),
		IsActive:     true,
		HealthStatus: HealthUnknown,
	}
	return nil
}

// Get returns the entry registered under name.
func (r *Registry) Get(name string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[key(name)]
	return e, ok
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[key(name)]
	return ok
}

// Unregister removes name, if present.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, key(name))
}

// SetActive toggles an entry's active flag.
func (r *Registry) SetActive(name string, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key(name)]
	if !ok {
		return ErrNotFound
	}
	e.IsActive = active
	return nil
}

// UpdateHealthStatus records a health transition, stamping the check time.
func (r *Registry) UpdateHealthStatus(name string, status HealthStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key(name)]
	if !ok {
		return ErrNotFound
	}
	e.HealthStatus = status
	e.LastHealthCheck = time.Now()
	return nil
}

// GetFiltered returns a snapshot of entries matching f.
func (r *Registry) GetFiltered(f Filter) []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Entry
	for _, e := range r.entries {
		if f.HasCategory && e.Adapter.Category() != f.Category {
			continue
		}
		if f.RequireActive && !e.IsActive {
			continue
		}
		if f.HasHealthCheck && e.HealthStatus != f.RequireHealth {
			continue
		}
		if f.Capability != nil && !f.Capability(e.Adapter.Capabilities()) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// FindBestAdapter returns an active adapter of category whose symbol
// validates, preferring healthy over degraded and skipping unhealthy.
func (r *Registry) FindBestAdapter(symbol string, category feed.Category) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var degraded *Entry
	for _, e := range r.entries {
		if !e.IsActive || e.Adapter.Category() != category {
			continue
		}
		if sv, ok := e.Adapter.(SymbolValidator); ok && !sv.ValidateSymbol(symbol) {
			continue
		}
		switch e.HealthStatus {
		case HealthHealthy:
			return e, true
		case HealthDegraded:
			if degraded == nil {
				degraded = e
			}
		}
	}
	if degraded != nil {
		return degraded, true
	}
	return nil, false
}

// GetStats returns totals plus breakdowns by category and health.
func (r *Registry) GetStats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Stats{
		ByCategory: make(map[feed.Category]int),
		ByHealth:   make(map[HealthStatus]int),
	}
	for _, e := range r.entries {
		stats.Total++
		stats.ByCategory[e.Adapter.Category()]++
		stats.ByHealth[e.HealthStatus]++
	}
	return stats
}
