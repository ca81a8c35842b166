// Package aggregator implements the per-symbol consensus engine: a
// bounded, time-windowed ring of recent observations per symbol,
// reduced to a weighted-median AggregatedPrice whenever enough distinct
// sources have contributed.
package aggregator

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/sawpanic/priceoracle/internal/oracle/feed"
)

// Config tunes the aggregation window and consensus gating.
type Config struct {
	Window           time.Duration // how far back observations are retained, default 10s
	MaxPerSource     int           // cap on retained observations per source within the window
	MinSources       int           // minimum distinct sources required to emit, default 2
	ConsensusBandPct float64       // % deviation from weighted median counted as "agreeing", default 0.5
}

// DefaultConfig retains 10s of observations, requires two distinct
// sources to emit, and counts prices within 0.5% of the weighted median
// as agreeing.
func DefaultConfig() Config {
	return Config{
		Window:           10 * time.Second,
		MaxPerSource:     20,
		MinSources:       2,
		ConsensusBandPct: 0.5,
	}
}

// Engine aggregates PriceObservations into AggregatedPrice results, one
// window per symbol.
type Engine struct {
	cfg Config

	mu      sync.Mutex
	windows map[string]*window
}

// New creates an Engine with cfg. A zero-value Config is replaced with
// DefaultConfig.
func New(cfg Config) *Engine {
	if cfg.Window <= 0 {
		cfg = DefaultConfig()
	}
	if cfg.MinSources <= 0 {
		cfg.MinSources = 2
	}
	if cfg.ConsensusBandPct <= 0 {
		cfg.ConsensusBandPct = 0.5
	}
	if cfg.MaxPerSource <= 0 {
		cfg.MaxPerSource = 20
	}
	return &Engine{cfg: cfg, windows: make(map[string]*window)}
}

type window struct {
	mu  sync.Mutex
	obs []feed.PriceObservation
}

// Observe admits one observation, prunes expired entries from that
// symbol's window, and returns the recomputed AggregatedPrice whenever at
// least MinSources distinct sources contributed. The second return value
// is false when the window has too few sources to emit; callers may
// still choose to publish a degraded marker for the feed.
func (e *Engine) Observe(obs feed.PriceObservation, now time.Time) (feed.AggregatedPrice, bool) {
	w := e.windowFor(obs.Symbol)

	w.mu.Lock()
	defer w.mu.Unlock()

	w.obs = append(w.obs, obs)
	w.obs = pruneExpired(w.obs, now, e.cfg.Window)
	w.obs = capPerSource(w.obs, e.cfg.MaxPerSource)

	return aggregate(obs.Symbol, w.obs, e.cfg, now)
}

// Sweep recomputes and returns aggregates for every symbol whose window
// still has enough sources, pruning expired observations along the way.
// This backs the low-cadence background sweeper that flushes slowly
// moving feeds even without a fresh observation.
func (e *Engine) Sweep(now time.Time) []feed.AggregatedPrice {
	e.mu.Lock()
	symbols := make([]string, 0, len(e.windows))
	windows := make([]*window, 0, len(e.windows))
	for sym, w := range e.windows {
		symbols = append(symbols, sym)
		windows = append(windows, w)
	}
	e.mu.Unlock()

	var out []feed.AggregatedPrice
	for i, w := range windows {
		w.mu.Lock()
		w.obs = pruneExpired(w.obs, now, e.cfg.Window)
		agg, ok := aggregate(symbols[i], w.obs, e.cfg, now)
		w.mu.Unlock()
		if ok {
			out = append(out, agg)
		}
	}
	return out
}

// Snapshot is a read-only view of a symbol's current window, used to
// build the validator's cross-observation Context before a new
// observation is admitted; the outlier and cross-source checks need the
// history this exposes without the validator itself holding any state.
type Snapshot struct {
	Prices      []float64          // chronological order, oldest first
	LatestPrice map[string]float64 // most recent price per source
}

// Snapshot returns the current window contents for symbol, pruned of
// anything older than now-Window. It does not mutate the window.
func (e *Engine) Snapshot(symbol string, now time.Time) Snapshot {
	e.mu.Lock()
	w, ok := e.windows[symbol]
	e.mu.Unlock()
	if !ok {
		return Snapshot{LatestPrice: map[string]float64{}}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.obs = pruneExpired(w.obs, now, e.cfg.Window)

	prices := make([]float64, len(w.obs))
	latest := make(map[string]float64, 4)
	for i, o := range w.obs {
		prices[i] = o.Price
		latest[o.Source] = o.Price
	}
	return Snapshot{Prices: prices, LatestPrice: latest}
}

func (e *Engine) windowFor(symbol string) *window {
	e.mu.Lock()
	defer e.mu.Unlock()
	w, ok := e.windows[symbol]
	if !ok {
		w = &window{}
		e.windows[symbol] = w
	}
	return w
}

func pruneExpired(obs []feed.PriceObservation, now time.Time, window time.Duration) []feed.PriceObservation {
	cutoff := now.Add(-window)
	kept := obs[:0:0]
	for _, o := range obs {
		if o.Timestamp.After(cutoff) {
			kept = append(kept, o)
		}
	}
	return kept
}

// capPerSource keeps at most maxPerSource of the most recent observations
// per source, preserving chronological order.
func capPerSource(obs []feed.PriceObservation, maxPerSource int) []feed.PriceObservation {
	counts := make(map[string]int, 4)
	// walk from the newest backwards, keep up to maxPerSource per source
	keepFromEnd := make([]bool, len(obs))
	for i := len(obs) - 1; i >= 0; i-- {
		src := obs[i].Source
		if counts[src] < maxPerSource {
			keepFromEnd[i] = true
			counts[src]++
		}
	}
	kept := obs[:0:0]
	for i, k := range keepFromEnd {
		if k {
			kept = append(kept, obs[i])
		}
	}
	return kept
}

func aggregate(symbol string, obs []feed.PriceObservation, cfg Config, now time.Time) (feed.AggregatedPrice, bool) {
	sources := distinctSources(obs)
	if len(sources) < cfg.MinSources {
		return feed.AggregatedPrice{}, false
	}

	wm := weightedMedian(obs)

	band := wm * cfg.ConsensusBandPct / 100
	agreeing := 0
	for _, o := range obs {
		if math.Abs(o.Price-wm) <= band {
			agreeing++
		}
	}
	consensusScore := float64(agreeing) / float64(len(obs))

	confidence := geometricMeanConfidence(obs) * consensusScore

	return feed.AggregatedPrice{
		Symbol:         symbol,
		Price:          wm,
		Timestamp:      now,
		Sources:        sources,
		Confidence:     feed.ClampUnit(confidence),
		ConsensusScore: feed.ClampUnit(consensusScore),
	}, true
}

func distinctSources(obs []feed.PriceObservation) []string {
	seen := make(map[string]bool, len(obs))
	var out []string
	for _, o := range obs {
		if !seen[o.Source] {
			seen[o.Source] = true
			out = append(out, o.Source)
		}
	}
	sort.Strings(out)
	return out
}

// weightedMedian computes the median of obs prices weighted by each
// observation's confidence (weight defaults to a small epsilon when
// confidence is zero, so a zero-confidence reading still participates
// rather than vanishing from the window).
func weightedMedian(obs []feed.PriceObservation) float64 {
	type wp struct {
		price  float64
		weight float64
	}
	points := make([]wp, len(obs))
	total := 0.0
	for i, o := range obs {
		weight := o.Confidence
		if weight <= 0 {
			weight = 0.01
		}
		points[i] = wp{price: o.Price, weight: weight}
		total += weight
	}
	sort.Slice(points, func(i, j int) bool { return points[i].price < points[j].price })

	half := total / 2
	cum := 0.0
	for _, p := range points {
		cum += p.weight
		if cum >= half {
			return p.price
		}
	}
	return points[len(points)-1].price
}

// geometricMeanConfidence is the geometric mean of contributing
// observations' confidences, one per distinct source's most recent
// reading.
func geometricMeanConfidence(obs []feed.PriceObservation) float64 {
	latest := make(map[string]float64, 4)
	for _, o := range obs {
		latest[o.Source] = o.Confidence
	}
	if len(latest) == 0 {
		return 0
	}
	logSum := 0.0
	for _, c := range latest {
		if c <= 0 {
			c = 1e-6
		}
		logSum += math.Log(c)
	}
	return math.Exp(logSum / float64(len(latest)))
}
