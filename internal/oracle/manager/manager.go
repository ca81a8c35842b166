// Package manager implements the data manager: it owns the set of
// active adapters, their connection metrics and subscriptions, and the
// reconnect schedule. Observations flow from adapters through the
// freshness gate into a bounded channel; the composition root drains
// that channel into the aggregator, so adapters never call downstream
// components directly.
package manager

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/priceoracle/internal/oracle/adapter"
	"github.com/sawpanic/priceoracle/internal/oracle/aggregator"
	"github.com/sawpanic/priceoracle/internal/oracle/circuit"
	"github.com/sawpanic/priceoracle/internal/oracle/feed"
	"github.com/sawpanic/priceoracle/internal/oracle/metrics"
	"github.com/sawpanic/priceoracle/internal/oracle/registry"
)

// MinConfidence is the freshness gate's confidence floor.
const MinConfidence = 0.3

// MaxDataAge is the freshness gate's staleness ceiling.
const MaxDataAge = 2000 * time.Millisecond

// HealthCheckInterval is the health monitor's tick period.
const HealthCheckInterval = 30 * time.Second

// UnhealthyLastUpdateAge marks an adapter unhealthy once it has been
// silent this long.
const UnhealthyLastUpdateAge = 60 * time.Second

// UnhealthyLatency marks an adapter unhealthy once observed latency
// exceeds this.
const UnhealthyLatency = 5 * time.Second

// Adapter is the subset of the venue-adapter surface the manager drives
// directly. Venue adapters (via adapter.Base) and the tier2 pull
// adapter both satisfy this.
type Adapter interface {
	ExchangeName() string
	Category() feed.Category
	OnPriceUpdate(adapter.PriceUpdateFunc)
	OnConnectionChange(adapter.ConnectionChangeFunc)
	OnError(adapter.ErrorFunc)
	Connect(ctx context.Context)
	Disconnect()
	Subscribe(symbols []string) error
	Unsubscribe(symbols []string) error
	HealthCheck() (connected bool, degraded bool)
}

// Redialer is implemented by adapters whose dropped streams the manager
// can re-establish; adapter.Base satisfies it. Adapters without it
// (tier2's polling never drops a stream) are left alone on disconnect.
type Redialer interface {
	Redial(ctx context.Context) error
}

// connectionMetrics is the per-adapter liveness record the health
// monitor reads.
type connectionMetrics struct {
	latency           time.Duration
	lastUpdate        time.Time
	reconnectAttempts int
	isHealthy         bool
}

// subscriptionRecord tracks one (adapter, feed) subscription and the
// time of its most recent observation.
type subscriptionRecord struct {
	feedID     feed.ID
	lastUpdate time.Time
}

type managedAdapter struct {
	adapter       Adapter
	category      feed.Category
	metrics       connectionMetrics
	subscriptions map[string]*subscriptionRecord // key: feed.ID.Key()
	ctx           context.Context
	cancel        context.CancelFunc
	reconnecting  bool
}

// ConnectionHealth is the shape returned by GetConnectionHealth.
type ConnectionHealth struct {
	TotalSources     int
	ConnectedSources int
	AverageLatency   time.Duration
	FailedSources    []string
	HealthScore      float64 // (healthy / total) * 100
}

// Manager owns adapters end to end: installation, subscription routing,
// the freshness gate, and health monitoring.
type Manager struct {
	registry   *registry.Registry
	aggregator *aggregator.Engine
	breakers   *circuit.Manager

	mu       sync.RWMutex
	adapters map[string]*managedAdapter

	observations chan feed.PriceObservation

	maxDataAge time.Duration

	backoff         circuit.BackoffConfig
	reconnectEvents chan<- circuit.ReconnectEvent
	metrics         *metrics.Registry

	cancel context.CancelFunc
}

// New creates a Manager wired to reg/agg/breakers, all already
// constructed by the caller (cmd/oracled's composition root).
func New(reg *registry.Registry, agg *aggregator.Engine, breakers *circuit.Manager) *Manager {
	return &Manager{
		registry:     reg,
		aggregator:   agg,
		breakers:     breakers,
		adapters:     make(map[string]*managedAdapter),
		observations: make(chan feed.PriceObservation, 1024),
		maxDataAge:   MaxDataAge,
		backoff:      circuit.DefaultBackoffConfig(),
	}
}

// SetMaxDataAge overrides the freshness gate's staleness ceiling with
// the environment-sourced setting. Zero leaves the package default in
// place.
func (m *Manager) SetMaxDataAge(d time.Duration) {
	if d > 0 {
		m.maxDataAge = d
	}
}

// SetReconnectEvents installs the channel the Manager publishes
// ReconnectEvents to as adapters drop and recover. The channel is owned
// by the caller; the Manager never closes it. Install before
// AddDataSource.
func (m *Manager) SetReconnectEvents(events chan<- circuit.ReconnectEvent) {
	m.reconnectEvents = events
}

// SetMetrics installs the Prometheus registry the freshness gate reports
// rejections to. Nil is a valid no-op default.
func (m *Manager) SetMetrics(reg *metrics.Registry) {
	m.metrics = reg
}

// SetBackoff overrides the reconnect supervisor's schedule. Tests use a
// fast one; the default is circuit.DefaultBackoffConfig.
func (m *Manager) SetBackoff(cfg circuit.BackoffConfig) {
	m.backoff = cfg
}

// Observations exposes the bounded channel adapters fan into; the
// composition root reads from it to drive the aggregator.
func (m *Manager) Observations() <-chan feed.PriceObservation { return m.observations }

// AddDataSource installs callback hooks on adapter and initiates
// connection with retry.
func (m *Manager) AddDataSource(ctx context.Context, name string, a Adapter) {
	runCtx, cancel := context.WithCancel(ctx)
	managed := &managedAdapter{
		adapter:       a,
		category:      a.Category(),
		subscriptions: make(map[string]*subscriptionRecord),
		ctx:           runCtx,
		cancel:        cancel,
	}

	m.mu.Lock()
	m.adapters[name] = managed
	m.mu.Unlock()

	a.OnConnectionChange(func(connected bool) { m.handleConnectionChange(name, connected) })
	a.OnPriceUpdate(func(obs feed.PriceObservation) { m.handlePriceUpdate(name, obs) })

	a.Connect(runCtx)
}

// RemoveDataSource unsubscribes all feeds on name, cancels any pending
// reconnect, and releases the reference.
func (m *Manager) RemoveDataSource(name string) {
	m.mu.Lock()
	managed, ok := m.adapters[name]
	if ok {
		delete(m.adapters, name)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	symbols := make([]string, 0, len(managed.subscriptions))
	for _, s := range managed.subscriptions {
		symbols = append(symbols, s.feedID.Name)
	}
	if len(symbols) > 0 {
		_ = managed.adapter.Unsubscribe(symbols)
	}
	if managed.cancel != nil {
		managed.cancel()
	}
	managed.adapter.Disconnect()
}

// SubscribeToFeed calls subscribe on every connected adapter whose
// category matches, recording the subscription.
func (m *Manager) SubscribeToFeed(id feed.ID) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, managed := range m.adapters {
		if managed.category != id.Category {
			continue
		}
		if err := managed.adapter.Subscribe([]string{id.Name}); err != nil {
			log.Debug().Str("adapter", name).Str("feed", id.Key()).Err(err).Msg("subscribe failed")
			continue
		}
		managed.subscriptions[id.Key()] = &subscriptionRecord{feedID: id, lastUpdate: time.Now()}
	}
}

// UnsubscribeFromFeed mirrors SubscribeToFeed.
func (m *Manager) UnsubscribeFromFeed(id feed.ID) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, managed := range m.adapters {
		if managed.category != id.Category {
			continue
		}
		_ = managed.adapter.Unsubscribe([]string{id.Name})
		delete(managed.subscriptions, id.Key())
	}
}

func (m *Manager) handlePriceUpdate(adapterName string, obs feed.PriceObservation) {
	now := time.Now()

	m.mu.Lock()
	managed, ok := m.adapters[adapterName]
	if ok {
		managed.metrics.latency = now.Sub(obs.Timestamp)
		managed.metrics.lastUpdate = now
		managed.metrics.isHealthy = true
		if rec, ok := managed.subscriptions[feed.ID{Category: managed.category, Name: obs.Symbol}.Key()]; ok {
			rec.lastUpdate = now
		}
	}
	m.mu.Unlock()

	if now.Sub(obs.Timestamp) > m.maxDataAge {
		log.Debug().Str("adapter", adapterName).Str("symbol", obs.Symbol).Msg("observation rejected: stale")
		m.countRejected(adapterName, "stale")
		return
	}
	if obs.Confidence < MinConfidence {
		log.Debug().Str("adapter", adapterName).Str("symbol", obs.Symbol).Float64("confidence", obs.Confidence).Msg("observation rejected: low confidence")
		m.countRejected(adapterName, "low-confidence")
		return
	}

	if m.breakers != nil && m.breakers.For(adapterName).State() == circuit.StateOpen {
		m.countRejected(adapterName, "breaker-open")
		return // invariant 4: no observation from an Open breaker reaches downstream
	}

	select {
	case m.observations <- obs:
	default:
		log.Warn().Str("adapter", adapterName).Msg("observation channel full, dropping")
		m.countRejected(adapterName, "channel-full")
	}

	if m.breakers != nil {
		m.breakers.For(adapterName).RecordSuccess()
	}
}

// countRejected increments the rejected-observations counter, if a metrics
// registry is installed.
func (m *Manager) countRejected(adapterName, reason string) {
	if m.metrics == nil {
		return
	}
	m.metrics.ObservationsRejected.WithLabelValues(adapterName, reason).Inc()
}

func (m *Manager) handleConnectionChange(adapterName string, connected bool) {
	m.mu.Lock()
	managed, ok := m.adapters[adapterName]
	var outages int
	if ok {
		managed.metrics.isHealthy = connected
		if !connected {
			managed.metrics.reconnectAttempts++
		}
		outages = managed.metrics.reconnectAttempts
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	if connected {
		log.Info().Str("adapter", adapterName).Msg("sourceConnected")
		m.mu.Lock()
		managed.metrics.reconnectAttempts = 0
		m.mu.Unlock()
		return
	}

	log.Warn().Str("adapter", adapterName).Int("outages", outages).Msg("sourceDisconnected")
	if m.breakers != nil {
		m.breakers.For(adapterName).RecordFailure()
	}
	m.superviseReconnect(adapterName, managed)
}

// superviseReconnect starts one backoff supervisor per outage, redialing
// the dropped adapter until it reconnects or the attempt budget runs
// out, in which case the adapter stays degraded on its REST fallback and
// the exhaustion event signals failover to the channel consumer.
func (m *Manager) superviseReconnect(adapterName string, managed *managedAdapter) {
	rd, ok := managed.adapter.(Redialer)
	if !ok {
		return
	}

	m.mu.Lock()
	if managed.reconnecting || managed.ctx == nil || managed.ctx.Err() != nil {
		m.mu.Unlock()
		return
	}
	managed.reconnecting = true
	m.mu.Unlock()

	sup := circuit.NewSupervisor(adapterName, m.backoff, m.reconnectEvents)
	go func() {
		sup.Run(managed.ctx, rd.Redial)
		m.mu.Lock()
		managed.reconnecting = false
		m.mu.Unlock()
	}()
}

// GetConnectionHealth reports aggregate connection health across all
// installed adapters; HealthScore is healthy-over-total as a percentage.
func (m *Manager) GetConnectionHealth() ConnectionHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var total, connected int
	var totalLatency time.Duration
	var failed []string

	for name, managed := range m.adapters {
		total++
		if managed.metrics.isHealthy {
			connected++
		} else {
			failed = append(failed, name)
		}
		totalLatency += managed.metrics.latency
	}

	health := ConnectionHealth{TotalSources: total, ConnectedSources: connected, FailedSources: failed}
	if total > 0 {
		health.AverageLatency = totalLatency / time.Duration(total)
		health.HealthScore = float64(connected) / float64(total) * 100
	}
	return health
}

// GetDataFreshness returns the staleness of the most recent observation
// for id, or +Inf if never seen.
func (m *Manager) GetDataFreshness(id feed.ID) time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var newest time.Time
	seen := false
	for _, managed := range m.adapters {
		if rec, ok := managed.subscriptions[id.Key()]; ok {
			seen = true
			if rec.lastUpdate.After(newest) {
				newest = rec.lastUpdate
			}
		}
	}
	if !seen {
		return time.Duration(1<<63 - 1) // +Inf surrogate
	}
	return time.Since(newest)
}

// RunHealthMonitor re-evaluates every adapter's health each
// HealthCheckInterval until ctx is cancelled.
func (m *Manager) RunHealthMonitor(ctx context.Context) {
	ticker := time.NewTicker(HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkHealth()
		}
	}
}

func (m *Manager) checkHealth() {
	now := time.Now()

	m.mu.RLock()
	type snap struct {
		name    string
		metrics connectionMetrics
		adapter Adapter
	}
	var snaps []snap
	for name, managed := range m.adapters {
		snaps = append(snaps, snap{name: name, metrics: managed.metrics, adapter: managed.adapter})
	}
	m.mu.RUnlock()

	for _, s := range snaps {
		unhealthy := false
		if !s.metrics.lastUpdate.IsZero() && now.Sub(s.metrics.lastUpdate) > UnhealthyLastUpdateAge {
			unhealthy = true
		}
		connected, degraded := s.adapter.HealthCheck()
		if !connected {
			unhealthy = true
		}
		if s.metrics.latency > UnhealthyLatency {
			unhealthy = true
		}

		status := registry.HealthHealthy
		switch {
		case unhealthy:
			status = registry.HealthUnhealthy
		case degraded:
			status = registry.HealthDegraded
		}

		prev, _ := m.registry.Get(s.name)
		_ = m.registry.UpdateHealthStatus(s.name, status)
		if prev != nil && prev.HealthStatus != status {
			log.Info().Str("adapter", s.name).Str("from", string(prev.HealthStatus)).Str("to", string(status)).Msg("health transition")
		}
	}
}
