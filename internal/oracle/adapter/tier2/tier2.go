// Package tier2 implements the multi-venue pull adapter: a
// request/response-only adapter with no streaming transport, polling a
// set of underlying REST fetchers on a fixed interval and delivering one
// PriceObservation per source that answers (Source "tier2:<name>"). It shares the base
// contract's callback surface so the Data Manager can treat it like any
// other adapter, but reports SupportsWebSocket=false and never leaves
// Idle/Connected.
package tier2

import (
	"context"
	"sync"
	"time"

	"github.com/sawpanic/priceoracle/internal/oracle/adapter"
	"github.com/sawpanic/priceoracle/internal/oracle/feed"
	"github.com/sawpanic/priceoracle/internal/oracle/ratelimit"
)

// Source is one underlying REST-pollable venue fetcher this adapter
// fans out to, e.g. a tier-1 venue's FetchTickerREST reused here as a
// secondary/backup poll path.
type Source struct {
	Name  string
	Fetch func(ctx context.Context, symbol string) (feed.PriceObservation, error)
}

// Config tunes the pull adapter's poll cadence.
type Config struct {
	PollInterval time.Duration
}

// DefaultConfig polls once per second, comfortably inside the default
// 2000ms data-age ceiling.
func DefaultConfig() Config {
	return Config{PollInterval: time.Second}
}

// defaultSourceRPS caps each source to 5 req/s across all polled
// symbols, so a wide feed list can't burst a single venue's REST API.
const defaultSourceRPS = 5
const defaultSourceBurst = 5

// Adapter is the tier-2 pull adapter: no Transport, no streaming state
// machine, just scheduled polling of its Sources.
type Adapter struct {
	cfg     Config
	sources []Source
	limiter *ratelimit.Limiter

	mu            sync.RWMutex
	subscriptions map[string]struct{}
	cancel        context.CancelFunc

	onPriceUpdate      adapter.PriceUpdateFunc
	onConnectionChange adapter.ConnectionChangeFunc
	onError            adapter.ErrorFunc
}

// New creates a tier-2 adapter polling the given sources, each throttled
// independently so a wide feed list can't burst any one venue's REST API.
func New(cfg Config, sources []Source) *Adapter {
	if cfg.PollInterval <= 0 {
		cfg = DefaultConfig()
	}
	return &Adapter{
		cfg:           cfg,
		sources:       sources,
		limiter:       ratelimit.NewLimiter(defaultSourceRPS, defaultSourceBurst),
		subscriptions: make(map[string]struct{}),
	}
}

func (a *Adapter) ExchangeName() string    { return "tier2" }
func (a *Adapter) Category() feed.Category { return feed.CategoryCrypto }
func (a *Adapter) Capabilities() adapter.Capabilities {
	return adapter.Capabilities{SupportsREST: true, SupportedCategories: []feed.Category{feed.CategoryCrypto, feed.CategoryForex, feed.CategoryCommodity, feed.CategoryStock}}
}

func (a *Adapter) OnPriceUpdate(fn adapter.PriceUpdateFunc)           { a.onPriceUpdate = fn }
func (a *Adapter) OnConnectionChange(fn adapter.ConnectionChangeFunc) { a.onConnectionChange = fn }
func (a *Adapter) OnError(fn adapter.ErrorFunc)                       { a.onError = fn }

// Connect starts the polling loop; the adapter is immediately
// "connected" since there is no handshake to perform.
func (a *Adapter) Connect(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.cancel = cancel
	a.mu.Unlock()

	if a.onConnectionChange != nil {
		a.onConnectionChange(true)
	}
	go a.pollLoop(runCtx)
}

func (a *Adapter) Disconnect() {
	a.mu.Lock()
	cancel := a.cancel
	a.cancel = nil
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if a.onConnectionChange != nil {
		a.onConnectionChange(false)
	}
}

func (a *Adapter) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.pollOnce(ctx)
		}
	}
}

func (a *Adapter) pollOnce(ctx context.Context) {
	a.mu.RLock()
	symbols := make([]string, 0, len(a.subscriptions))
	for s := range a.subscriptions {
		symbols = append(symbols, s)
	}
	a.mu.RUnlock()

	for _, symbol := range symbols {
		for _, src := range a.sources {
			if !a.limiter.Allow(src.Name) {
				continue
			}
			obs, err := src.Fetch(ctx, symbol)
			if err != nil {
				if a.onError != nil {
					a.onError(err, adapter.Classification{Type: "rest-poll", Severity: adapter.SeverityWarn, Retryable: true})
				}
				continue
			}
			obs.Source = "tier2:" + src.Name
			if a.onPriceUpdate != nil {
				a.onPriceUpdate(obs)
			}
		}
	}
}

// Subscribe/Unsubscribe/GetSubscriptions mirror the base contract's
// symbol bookkeeping without any wire-level subscribe message; polling
// simply starts covering the symbol on the next tick.
func (a *Adapter) Subscribe(symbols []string) error {
	if len(symbols) == 0 {
		return adapter.ErrInvalidSymbols
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, s := range symbols {
		a.subscriptions[s] = struct{}{}
	}
	return nil
}

func (a *Adapter) Unsubscribe(symbols []string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, s := range symbols {
		delete(a.subscriptions, s)
	}
	return nil
}

func (a *Adapter) GetSubscriptions() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]string, 0, len(a.subscriptions))
	for s := range a.subscriptions {
		out = append(out, s)
	}
	return out
}

// HealthCheck reports healthy whenever polling is running; tier2 has no
// Degraded state distinct from Connected since it never streams.
func (a *Adapter) HealthCheck() (connected bool, degraded bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cancel != nil, false
}
