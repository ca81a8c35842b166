// Command oracled is the price oracle's composition root: it wires the
// validator, cache, aggregation engine, per-venue adapters, registry,
// data manager, circuit breaker manager, request handler, and HTTP API
// together and serves until signaled to stop.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/priceoracle/internal/config"
	"github.com/sawpanic/priceoracle/internal/httpapi"
	"github.com/sawpanic/priceoracle/internal/oraclelog"
	"github.com/sawpanic/priceoracle/internal/oracle/adapter"
	"github.com/sawpanic/priceoracle/internal/oracle/adapter/binance"
	"github.com/sawpanic/priceoracle/internal/oracle/adapter/coinbase"
	"github.com/sawpanic/priceoracle/internal/oracle/adapter/cryptocom"
	"github.com/sawpanic/priceoracle/internal/oracle/adapter/kraken"
	"github.com/sawpanic/priceoracle/internal/oracle/adapter/okx"
	"github.com/sawpanic/priceoracle/internal/oracle/adapter/tier2"
	"github.com/sawpanic/priceoracle/internal/oracle/aggregator"
	"github.com/sawpanic/priceoracle/internal/oracle/cache"
	"github.com/sawpanic/priceoracle/internal/oracle/circuit"
	"github.com/sawpanic/priceoracle/internal/oracle/feed"
	"github.com/sawpanic/priceoracle/internal/oracle/manager"
	oraclemetrics "github.com/sawpanic/priceoracle/internal/oracle/metrics"
	"github.com/sawpanic/priceoracle/internal/oracle/registry"
	"github.com/sawpanic/priceoracle/internal/oracle/request"
	"github.com/sawpanic/priceoracle/internal/oracle/validator"
)

const (
	appName = "oracled"
	version = "v0.1.0"
)

func main() {
	fi, err := os.Stderr.Stat()
	oraclelog.Bootstrap(err == nil && fi.Mode()&os.ModeCharDevice != 0)

	root := &cobra.Command{
		Use:     appName,
		Short:   "Real-time cryptocurrency price oracle data provider",
		Version: version,
	}
	root.AddCommand(serveCmd())

	if err := root.Execute(); err != nil {
		log.Fatal().Err(err).Msg("oracled exited with error")
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the oracle's adapters and HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	feedMap, err := config.LoadFeedCategoryMap(cfg.FeedCategoryMapPath)
	if err != nil {
		log.Warn().Err(err).Str("path", cfg.FeedCategoryMapPath).Msg("feed category map unavailable, starting with no configured feeds")
		feedMap = &config.FeedCategoryMap{Feeds: map[string]config.FeedCategoryEntry{}}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	valCfg := validator.DefaultConfig()
	valCfg.MaxDataAge = cfg.MaxDataAge
	val := validator.New(valCfg)

	priceCache := cache.New(cfg.CacheTTL)
	agg := aggregator.New(aggregator.DefaultConfig())
	breakers := circuit.NewManager(circuit.DefaultConfig())
	reg := registry.New()
	mgr := manager.New(reg, agg, breakers)
	mgr.SetMaxDataAge(cfg.MaxDataAge)
	reqHandler := request.New(priceCache)
	metricsReg := oraclemetrics.NewRegistry(prometheus.DefaultRegisterer)

	reconnectEvents := make(chan circuit.ReconnectEvent, 64)
	mgr.SetReconnectEvents(reconnectEvents)
	mgr.SetMetrics(metricsReg)
	go reportReconnectEvents(ctx, reconnectEvents, metricsReg)

	adapterCfg := adapter.DefaultConfig()
	adapterCfg.PingInterval = cfg.PingInterval
	adapterCfg.InitialBackoff = cfg.ReconnectInit
	adapterCfg.MaxBackoff = cfg.ReconnectMax

	venues := buildVenueAdapters(adapterCfg)
	for name, a := range venues {
		if err := reg.Register(name, a); err != nil {
			log.Error().Err(err).Str("adapter", name).Msg("failed to register adapter")
			continue
		}
		mgr.AddDataSource(ctx, name, a)
	}

	tier2Adapter := buildTier2Adapter(venues)
	if err := reg.Register("tier2", tier2Adapter); err != nil {
		log.Error().Err(err).Msg("failed to register tier2 adapter")
	}
	mgr.AddDataSource(ctx, "tier2", tier2Adapter)

	subscribeConfiguredFeeds(mgr, feedMap)

	go runPipeline(ctx, mgr, val, agg, priceCache, reqHandler, feedMap, metricsReg)
	go mgr.RunHealthMonitor(ctx)
	go sweepCache(ctx, priceCache, cfg.CacheTTL)
	go sweepAggregator(ctx, agg, priceCache, feedMap)
	go reportAdapterMetrics(ctx, reg, metricsReg)
	go reportCacheMetrics(ctx, priceCache, metricsReg)

	server := httpapi.NewServer(httpapi.ServerConfig{
		Host:         cfg.HTTPHost,
		Port:         cfg.HTTPPort,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}, httpapi.NewHandlers(reqHandler, mgr, reg, metricsReg))

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("http server stopped unexpectedly")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// venueAdapter is the union of what the manager and the registry each
// need from a tier-1 streaming adapter; every venue adapter satisfies it
// by embedding *adapter.Base.
type venueAdapter interface {
	manager.Adapter
	registry.Adapter
}

// buildVenueAdapters constructs every tier-1 streaming adapter the
// oracle ships with, all sharing the same environment-sourced base
// retry/ping configuration. Each embeds *adapter.Base and satisfies
// manager.Adapter, registry.Adapter, and registry.SymbolValidator.
func buildVenueAdapters(cfg adapter.Config) map[string]venueAdapter {
	return map[string]venueAdapter{
		"binance":   binance.New(cfg),
		"coinbase":  coinbase.New(cfg),
		"kraken":    kraken.New(cfg),
		"okx":       okx.New(cfg),
		"cryptocom": cryptocom.New(cfg),
	}
}

// restFetcher is the subset of adapter.Base's REST surface tier2 reuses
// as a secondary poll path for whichever venues support it.
type restFetcher interface {
	FetchTickerREST(ctx context.Context, symbol string) (feed.PriceObservation, error)
}

// buildTier2Adapter wires tier2 to poll every venue's REST fetcher as a
// secondary path; it polls on every tick whatever the state of the
// primary streaming adapters.
func buildTier2Adapter(venues map[string]venueAdapter) *tier2.Adapter {
	sources := make([]tier2.Source, 0, len(venues))
	for name, a := range venues {
		rf, ok := a.(restFetcher)
		if !ok {
			continue
		}
		sources = append(sources, tier2.Source{Name: name, Fetch: rf.FetchTickerREST})
	}
	return tier2.New(tier2.DefaultConfig(), sources)
}

// subscribeConfiguredFeeds subscribes the manager to every feed named in
// the feed category map, routed by category to whichever adapters carry
// that category.
func subscribeConfiguredFeeds(mgr *manager.Manager, feedMap *config.FeedCategoryMap) {
	for name := range feedMap.Feeds {
		id, ok := feedMap.ID(name)
		if !ok {
			log.Warn().Str("feed", name).Msg("skipping unparseable configured feed")
			continue
		}
		mgr.SubscribeToFeed(id)
	}
}

// runPipeline drains the manager's observation channel through the
// validator and aggregator into the cache, recording venue-reported
// volumes into the request handler's history along the way.
func runPipeline(ctx context.Context, mgr *manager.Manager, val *validator.Validator, agg *aggregator.Engine, priceCache *cache.Cache, reqHandler *request.Handler, feedMap *config.FeedCategoryMap, metricsReg *oraclemetrics.Registry) {
	for {
		select {
		case <-ctx.Done():
			return
		case obs, ok := <-mgr.Observations():
			if !ok {
				return
			}
			now := time.Now()
			result := val.Validate(obs, buildValidatorContext(obs, now, agg, feedMap, priceCache))
			if !result.IsValid {
				reason := "unspecified"
				if len(result.Issues) > 0 {
					reason = result.Issues[0].Tier
				}
				metricsReg.ObservationsRejected.WithLabelValues(obs.Source, reason).Inc()
				continue
			}

			id, ok := feedMap.ID(result.Adjusted.Symbol)
			if !ok {
				var err error
				id, err = feed.NewID(feed.CategoryCrypto, result.Adjusted.Symbol)
				if err != nil {
					continue
				}
			}

			if result.Adjusted.HasVolume {
				reqHandler.RecordVolume(id, feed.VolumeObservation{
					Symbol:    result.Adjusted.Symbol,
					Volume:    result.Adjusted.Volume,
					Timestamp: result.Adjusted.Timestamp,
					Source:    result.Adjusted.Source,
				})
			}

			aggPrice, ready := agg.Observe(result.Adjusted, now)
			if !ready {
				continue
			}
			metricsReg.AggregationConfidence.WithLabelValues(id.Key()).Observe(aggPrice.ConsensusScore)
			priceCache.Set(id, aggPrice)
		}
	}
}

// buildValidatorContext assembles the cross-observation state the
// validator's outlier/cross-source/consensus tiers need from the
// aggregator's own window, so no separate history store is kept: the
// aggregator already retains exactly the recent-observations window
// these tiers read from.
func buildValidatorContext(obs feed.PriceObservation, now time.Time, agg *aggregator.Engine, feedMap *config.FeedCategoryMap, priceCache *cache.Cache) validator.Context {
	snap := agg.Snapshot(obs.Symbol, now)

	ctx := validator.Context{Now: now, History: snap.Prices}
	if n := len(snap.Prices); n > 0 {
		if n > 5 {
			ctx.RecentMean5 = snap.Prices[n-5:]
		} else {
			ctx.RecentMean5 = snap.Prices
		}
	}

	others := make([]float64, 0, len(snap.LatestPrice))
	for source, price := range snap.LatestPrice {
		if source == obs.Source {
			continue
		}
		others = append(others, price)
	}
	ctx.OtherSourcePrice = others

	if id, ok := feedMap.ID(obs.Symbol); ok {
		if cached, found, _ := priceCache.GetStale(id); found {
			ctx.ConsensusMedian = cached.Price
			ctx.HasConsensus = true
		}
	}

	return ctx
}

// reportReconnectEvents drains the manager's reconnect-event channel into
// the reconnect-attempts counter until ctx is cancelled.
func reportReconnectEvents(ctx context.Context, events <-chan circuit.ReconnectEvent, metricsReg *oraclemetrics.Registry) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Kind == circuit.ReconnectScheduled {
				metricsReg.ReconnectAttempts.WithLabelValues(ev.Adapter).Inc()
			}
			log.Debug().Str("adapter", ev.Adapter).Int("attempt", ev.Attempt).Str("kind", string(ev.Kind)).Msg("reconnect event")
		}
	}
}

// reportAdapterMetrics mirrors each registered adapter's health status
// into the /metrics gauge on the same cadence as the health monitor.
func reportAdapterMetrics(ctx context.Context, reg *registry.Registry, metricsReg *oraclemetrics.Registry) {
	ticker := time.NewTicker(manager.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, entry := range reg.GetFiltered(registry.Filter{}) {
				metricsReg.SetAdapterHealthy(entry.Adapter.ExchangeName(), entry.HealthStatus == registry.HealthHealthy)
			}
		}
	}
}

// sweepAggregator flushes slowly moving feeds on a low fixed cadence:
// symbols whose windows still hold enough sources get their consensus
// recomputed and re-cached even when no new observation arrived to
// trigger the event-driven path.
func sweepAggregator(ctx context.Context, agg *aggregator.Engine, priceCache *cache.Cache, feedMap *config.FeedCategoryMap) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, aggPrice := range agg.Sweep(time.Now()) {
				id, ok := feedMap.ID(aggPrice.Symbol)
				if !ok {
					var err error
					id, err = feed.NewID(feed.CategoryCrypto, aggPrice.Symbol)
					if err != nil {
						continue
					}
				}
				priceCache.Set(id, aggPrice)
			}
		}
	}
}

// reportCacheMetrics mirrors the cache's cumulative hit/miss counters into
// the Prometheus counters by shipping the delta since the previous tick.
func reportCacheMetrics(ctx context.Context, c *cache.Cache, metricsReg *oraclemetrics.Registry) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	var prev cache.Stats
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := c.Stats()
			metricsReg.CacheHits.Add(float64(stats.Hits - prev.Hits))
			metricsReg.CacheMisses.Add(float64(stats.Misses - prev.Misses))
			prev = stats
		}
	}
}

// sweepCache periodically evicts expired entries so Stats/Len reflect
// live state between requests.
func sweepCache(ctx context.Context, c *cache.Cache, ttl time.Duration) {
	interval := ttl
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep(time.Now())
		}
	}
}
