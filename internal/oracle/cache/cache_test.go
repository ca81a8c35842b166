package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/priceoracle/internal/oracle/feed"
)

func TestCacheHitWithinTTL(t *testing.T) {
	c := New(50 * time.Millisecond)
	id, err := feed.NewID(feed.CategoryCrypto, "BTC/USDT")
	require.NoError(t, err)

	c.Set(id, feed.AggregatedPrice{Symbol: id.Name, Price: 50000})

	got, ok := c.Get(id)
	assert.True(t, ok)
	assert.Equal(t, 50000.0, got.Price)
	assert.Equal(t, int64(1), c.Stats().Hits)
}

func TestCacheMissAfterTTL(t *testing.T) {
	c := New(10 * time.Millisecond)
	id, err := feed.NewID(feed.CategoryCrypto, "ETH/USDT")
	require.NoError(t, err)

	c.Set(id, feed.AggregatedPrice{Symbol: id.Name, Price: 3000})
	time.Sleep(20 * time.Millisecond)

	_, ok := c.Get(id)
	assert.False(t, ok)
	assert.Equal(t, int64(1), c.Stats().Misses)
}

func TestCacheMissWhenAbsent(t *testing.T) {
	c := New(time.Second)
	id, err := feed.NewID(feed.CategoryCrypto, "SOL/USDT")
	require.NoError(t, err)

	_, ok := c.Get(id)
	assert.False(t, ok)
}

func TestCacheSweepRemovesExpired(t *testing.T) {
	c := New(5 * time.Millisecond)
	id, err := feed.NewID(feed.CategoryCrypto, "DOGE/USDT")
	require.NoError(t, err)

	c.Set(id, feed.AggregatedPrice{Symbol: id.Name, Price: 0.1})
	time.Sleep(10 * time.Millisecond)

	removed := c.Sweep(time.Now())
	assert.Equal(t, 1, removed)
	assert.Equal(t, 0, c.Len())
}
