package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/priceoracle/internal/oracle/adapter"
	"github.com/sawpanic/priceoracle/internal/oracle/feed"
)

type stubAdapter struct {
	name     string
	category feed.Category
	caps     adapter.Capabilities
	valid    bool
}

func (s stubAdapter) ExchangeName() string               { return s.name }
func (s stubAdapter) Category() feed.Category            { return s.category }
func (s stubAdapter) Capabilities() adapter.Capabilities { return s.caps }
func (s stubAdapter) ValidateSymbol(symbol string) bool  { return s.valid }

func TestRegisterFailsOnDuplicate(t *testing.T) {
	r := New()
	require.NoError(t, r.Register("binance", stubAdapter{name: "binance", category: feed.CategoryCrypto, valid: true}))
	err := r.Register("binance", stubAdapter{name: "binance", category: feed.CategoryCrypto, valid: true})
	assert.ErrorIs(t, err, ErrAlreadyRegistered)
}

func TestFindBestAdapterPrefersHealthyOverDegraded(t *testing.T) {
	r := New()
	require.NoError(t, r.Register("binance", stubAdapter{name: "binance", category: feed.CategoryCrypto, valid: true}))
	require.NoError(t, r.Register("coinbase", stubAdapter{name: "coinbase", category: feed.CategoryCrypto, valid: true}))

	require.NoError(t, r.UpdateHealthStatus("binance", HealthDegraded))
	require.NoError(t, r.UpdateHealthStatus("coinbase", HealthHealthy))

	e, ok := r.FindBestAdapter("BTC/USDT", feed.CategoryCrypto)
	require.True(t, ok)
	assert.Equal(t, "coinbase", e.Adapter.ExchangeName())
}

func TestFindBestAdapterFallsBackToDegraded(t *testing.T) {
	r := New()
	require.NoError(t, r.Register("binance", stubAdapter{name: "binance", category: feed.CategoryCrypto, valid: true}))
	require.NoError(t, r.UpdateHealthStatus("binance", HealthDegraded))

	e, ok := r.FindBestAdapter("BTC/USDT", feed.CategoryCrypto)
	require.True(t, ok)
	assert.Equal(t, "binance", e.Adapter.ExchangeName())
}

func TestFindBestAdapterExcludesInvalidSymbol(t *testing.T) {
	r := New()
	require.NoError(t, r.Register("binance", stubAdapter{name: "binance", category: feed.CategoryCrypto, valid: false}))
	require.NoError(t, r.UpdateHealthStatus("binance", HealthHealthy))

	_, ok := r.FindBestAdapter("BTC/USDT", feed.CategoryCrypto)
	assert.False(t, ok)
}

func TestGetStatsBreaksDownByCategoryAndHealth(t *testing.T) {
	r := New()
	require.NoError(t, r.Register("binance", stubAdapter{name: "binance", category: feed.CategoryCrypto, valid: true}))
	require.NoError(t, r.Register("fx", stubAdapter{name: "fx", category: feed.CategoryForex, valid: true}))
	require.NoError(t, r.UpdateHealthStatus("binance", HealthHealthy))

	stats := r.GetStats()
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.ByCategory[feed.CategoryCrypto])
	assert.Equal(t, 1, stats.ByCategory[feed.CategoryForex])
	assert.Equal(t, 1, stats.ByHealth[HealthHealthy])
	assert.Equal(t, 1, stats.ByHealth[HealthUnknown])
}

func TestUnregisterRemovesEntry(t *testing.T) {
	r := New()
	require.NoError(t, r.Register("binance", stubAdapter{name: "binance", category: feed.CategoryCrypto}))
	r.Unregister("binance")
	assert.False(t, r.Has("binance"))
}
