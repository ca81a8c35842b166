package aggregator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/priceoracle/internal/oracle/feed"
)

func obsAt(symbol, source string, price, confidence float64, ts time.Time) feed.PriceObservation {
	return feed.PriceObservation{
		Symbol:     symbol,
		Price:      price,
		Timestamp:  ts,
		Source:     source,
		Confidence: confidence,
	}
}

func TestObserveEmitsNothingBelowMinSources(t *testing.T) {
	e := New(DefaultConfig())
	now := time.Now()

	_, ok := e.Observe(obsAt("BTC/USDT", "binance", 50000, 0.9, now), now)
	assert.False(t, ok)
}

func TestObserveEmitsOnceMinSourcesReached(t *testing.T) {
	e := New(Config{Window: 10 * time.Second, MaxPerSource: 20, MinSources: 2, ConsensusBandPct: 0.5})
	now := time.Now()

	_, ok := e.Observe(obsAt("BTC/USDT", "binance", 50000, 0.9, now), now)
	require.False(t, ok)

	agg, ok := e.Observe(obsAt("BTC/USDT", "coinbase", 50010, 0.9, now), now)
	require.True(t, ok)
	assert.InDelta(t, 50000, agg.Price, 20) // weighted median lands on one of the two near-equal prices
	assert.ElementsMatch(t, []string{"binance", "coinbase"}, agg.Sources)
	assert.Greater(t, agg.ConsensusScore, 0.0)
}

func TestObservePrunesExpiredEntries(t *testing.T) {
	e := New(Config{Window: 50 * time.Millisecond, MaxPerSource: 20, MinSources: 2, ConsensusBandPct: 0.5})
	now := time.Now()

	e.Observe(obsAt("ETH/USDT", "binance", 3000, 0.9, now), now)
	later := now.Add(100 * time.Millisecond)
	_, ok := e.Observe(obsAt("ETH/USDT", "coinbase", 3010, 0.9, later), later)
	assert.False(t, ok, "the binance observation should have expired out of the window")
}

func TestOutlierPullsConsensusScoreDown(t *testing.T) {
	e := New(Config{Window: 10 * time.Second, MaxPerSource: 20, MinSources: 2, ConsensusBandPct: 0.5})
	now := time.Now()

	e.Observe(obsAt("SOL/USDT", "binance", 150, 0.9, now), now)
	e.Observe(obsAt("SOL/USDT", "coinbase", 150.2, 0.9, now), now)
	agg, ok := e.Observe(obsAt("SOL/USDT", "kraken", 500, 0.9, now), now)

	require.True(t, ok)
	assert.Less(t, agg.ConsensusScore, 1.0)
}

func TestSweepRecomputesWithoutNewObservation(t *testing.T) {
	e := New(Config{Window: 10 * time.Second, MaxPerSource: 20, MinSources: 2, ConsensusBandPct: 0.5})
	now := time.Now()

	e.Observe(obsAt("DOGE/USDT", "binance", 0.1, 0.9, now), now)
	e.Observe(obsAt("DOGE/USDT", "coinbase", 0.1001, 0.9, now), now)

	aggs := e.Sweep(now.Add(time.Second))
	require.Len(t, aggs, 1)
	assert.Equal(t, "DOGE/USDT", aggs[0].Symbol)
}

func TestSnapshotReflectsCurrentWindow(t *testing.T) {
	e := New(Config{Window: 10 * time.Second, MaxPerSource: 20, MinSources: 2, ConsensusBandPct: 0.5})
	now := time.Now()

	e.Observe(obsAt("BTC/USDT", "binance", 50000, 0.9, now), now)
	e.Observe(obsAt("BTC/USDT", "coinbase", 50010, 0.9, now), now)

	snap := e.Snapshot("BTC/USDT", now)
	assert.ElementsMatch(t, []float64{50000, 50010}, snap.Prices)
	assert.Equal(t, 50000.0, snap.LatestPrice["binance"])
	assert.Equal(t, 50010.0, snap.LatestPrice["coinbase"])
}

func TestSnapshotPrunesExpiredAndIsEmptyForUnknownSymbol(t *testing.T) {
	e := New(Config{Window: 50 * time.Millisecond, MaxPerSource: 20, MinSources: 2, ConsensusBandPct: 0.5})
	now := time.Now()

	e.Observe(obsAt("ETH/USDT", "binance", 3000, 0.9, now), now)
	later := now.Add(100 * time.Millisecond)

	snap := e.Snapshot("ETH/USDT", later)
	assert.Empty(t, snap.Prices)

	empty := e.Snapshot("DOGE/USDT", now)
	assert.Empty(t, empty.Prices)
	assert.NotNil(t, empty.LatestPrice)
}

func TestWeightedMedianFavorsHigherConfidence(t *testing.T) {
	obs := []feed.PriceObservation{
		{Symbol: "BTC/USDT", Price: 100, Confidence: 0.1, Source: "a"},
		{Symbol: "BTC/USDT", Price: 200, Confidence: 0.9, Source: "b"},
	}
	median := weightedMedian(obs)
	assert.Equal(t, 200.0, median)
}
