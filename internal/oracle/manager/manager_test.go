package manager

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/priceoracle/internal/oracle/adapter"
	"github.com/sawpanic/priceoracle/internal/oracle/aggregator"
	"github.com/sawpanic/priceoracle/internal/oracle/circuit"
	"github.com/sawpanic/priceoracle/internal/oracle/feed"
	"github.com/sawpanic/priceoracle/internal/oracle/registry"
)

type fakeAdapter struct {
	name          string
	category      feed.Category
	onPrice       adapter.PriceUpdateFunc
	onConnChange  adapter.ConnectionChangeFunc
	onErr         adapter.ErrorFunc
	connected     bool
	subscribed    []string
	connectCalled bool
	redialErr     error
	redialed      int
}

func (f *fakeAdapter) ExchangeName() string                               { return f.name }
func (f *fakeAdapter) Category() feed.Category                            { return f.category }
func (f *fakeAdapter) OnPriceUpdate(fn adapter.PriceUpdateFunc)           { f.onPrice = fn }
func (f *fakeAdapter) OnConnectionChange(fn adapter.ConnectionChangeFunc) { f.onConnChange = fn }
func (f *fakeAdapter) OnError(fn adapter.ErrorFunc)                       { f.onErr = fn }
func (f *fakeAdapter) Connect(ctx context.Context)                        { f.connectCalled = true; f.connected = true }
func (f *fakeAdapter) Disconnect()                                        { f.connected = false }
func (f *fakeAdapter) Subscribe(symbols []string) error {
	f.subscribed = append(f.subscribed, symbols...)
	return nil
}
func (f *fakeAdapter) Unsubscribe(symbols []string) error { return nil }
func (f *fakeAdapter) HealthCheck() (bool, bool)          { return f.connected, false }

func (f *fakeAdapter) Redial(ctx context.Context) error {
	f.redialed++
	if f.redialErr != nil {
		return f.redialErr
	}
	f.connected = true
	return nil
}

func TestHandlePriceUpdateRejectsStaleObservation(t *testing.T) {
	m := New(registry.New(), aggregator.New(aggregator.DefaultConfig()), circuit.NewManager(circuit.DefaultConfig()))
	a := &fakeAdapter{name: "binance", category: feed.CategoryCrypto}
	m.AddDataSource(context.Background(), "binance", a)

	a.onPrice(feed.PriceObservation{Symbol: "BTC/USDT", Price: 50000, Confidence: 0.9, Timestamp: time.Now().Add(-5 * time.Second), Source: "binance"})

	select {
	case <-m.Observations():
		t.Fatal("stale observation should not reach the aggregator channel")
	default:
	}
}

func TestHandlePriceUpdateAdmitsFreshObservation(t *testing.T) {
	m := New(registry.New(), aggregator.New(aggregator.DefaultConfig()), circuit.NewManager(circuit.DefaultConfig()))
	a := &fakeAdapter{name: "binance", category: feed.CategoryCrypto}
	m.AddDataSource(context.Background(), "binance", a)

	a.onPrice(feed.PriceObservation{Symbol: "BTC/USDT", Price: 50000, Confidence: 0.9, Timestamp: time.Now(), Source: "binance"})

	select {
	case obs := <-m.Observations():
		assert.Equal(t, "BTC/USDT", obs.Symbol)
	case <-time.After(time.Second):
		t.Fatal("fresh observation should have reached the aggregator channel")
	}
}

func TestHandlePriceUpdateRejectsLowConfidence(t *testing.T) {
	m := New(registry.New(), aggregator.New(aggregator.DefaultConfig()), circuit.NewManager(circuit.DefaultConfig()))
	a := &fakeAdapter{name: "binance", category: feed.CategoryCrypto}
	m.AddDataSource(context.Background(), "binance", a)

	a.onPrice(feed.PriceObservation{Symbol: "BTC/USDT", Price: 50000, Confidence: 0.1, Timestamp: time.Now(), Source: "binance"})

	select {
	case <-m.Observations():
		t.Fatal("low-confidence observation should not reach the aggregator channel")
	default:
	}
}

func TestSubscribeToFeedRoutesOnlyMatchingCategory(t *testing.T) {
	m := New(registry.New(), aggregator.New(aggregator.DefaultConfig()), circuit.NewManager(circuit.DefaultConfig()))
	crypto := &fakeAdapter{name: "binance", category: feed.CategoryCrypto}
	forex := &fakeAdapter{name: "oanda", category: feed.CategoryForex}
	m.AddDataSource(context.Background(), "binance", crypto)
	m.AddDataSource(context.Background(), "oanda", forex)

	id, err := feed.NewID(feed.CategoryCrypto, "BTC/USDT")
	require.NoError(t, err)
	m.SubscribeToFeed(id)

	assert.Equal(t, []string{"BTC/USDT"}, crypto.subscribed)
	assert.Empty(t, forex.subscribed)
}

func TestGetConnectionHealthComputesHealthScore(t *testing.T) {
	m := New(registry.New(), aggregator.New(aggregator.DefaultConfig()), circuit.NewManager(circuit.DefaultConfig()))
	a := &fakeAdapter{name: "binance", category: feed.CategoryCrypto}
	m.AddDataSource(context.Background(), "binance", a)
	a.onPrice(feed.PriceObservation{Symbol: "BTC/USDT", Price: 1, Confidence: 0.9, Timestamp: time.Now(), Source: "binance"})

	health := m.GetConnectionHealth()
	assert.Equal(t, 1, health.TotalSources)
	assert.Equal(t, 1, health.ConnectedSources)
	assert.Equal(t, 100.0, health.HealthScore)
}

func waitForEvent(t *testing.T, events chan circuit.ReconnectEvent, want circuit.ReconnectEventKind) circuit.ReconnectEvent {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Kind == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", want)
			return circuit.ReconnectEvent{}
		}
	}
}

func TestDisconnectDrivesSupervisedRedial(t *testing.T) {
	m := New(registry.New(), aggregator.New(aggregator.DefaultConfig()), circuit.NewManager(circuit.DefaultConfig()))
	m.SetBackoff(circuit.BackoffConfig{Initial: time.Millisecond, Multiplier: 2, Max: 10 * time.Millisecond, MaxAttempts: 5})
	events := make(chan circuit.ReconnectEvent, 16)
	m.SetReconnectEvents(events)

	a := &fakeAdapter{name: "binance", category: feed.CategoryCrypto}
	m.AddDataSource(context.Background(), "binance", a)

	a.onConnChange(false)

	ev := waitForEvent(t, events, circuit.ReconnectScheduled)
	assert.Equal(t, 1, ev.Attempt)
	waitForEvent(t, events, circuit.ReconnectSucceeded)
	assert.Equal(t, 1, a.redialed)
}

func TestSupervisedRedialExhaustsBudget(t *testing.T) {
	m := New(registry.New(), aggregator.New(aggregator.DefaultConfig()), circuit.NewManager(circuit.DefaultConfig()))
	m.SetBackoff(circuit.BackoffConfig{Initial: time.Millisecond, Multiplier: 2, Max: 2 * time.Millisecond, MaxAttempts: 3})
	events := make(chan circuit.ReconnectEvent, 16)
	m.SetReconnectEvents(events)

	a := &fakeAdapter{name: "kraken", category: feed.CategoryCrypto, redialErr: errors.New("still down")}
	m.AddDataSource(context.Background(), "kraken", a)

	a.onConnChange(false)

	waitForEvent(t, events, circuit.ReconnectExhausted)
	assert.Equal(t, 3, a.redialed)
}

func TestGetDataFreshnessReturnsInfWhenNeverSeen(t *testing.T) {
	m := New(registry.New(), aggregator.New(aggregator.DefaultConfig()), circuit.NewManager(circuit.DefaultConfig()))
	id, err := feed.NewID(feed.CategoryCrypto, "ETH/USDT")
	require.NoError(t, err)

	freshness := m.GetDataFreshness(id)
	assert.Greater(t, freshness, 24*time.Hour)
}
