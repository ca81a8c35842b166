package feed

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewID(t *testing.T) {
	cases := []struct {
		name    string
		in      string
		wantErr bool
	}{
		{"valid", "btc/usdt", false},
		{"no slash", "BTCUSDT", true},
		{"multi slash", "BTC/USD/T", true},
		{"too short side", "B/USDT", true},
		{"too long side", "BITCOINLONG/USDT", true},
		{"empty", "", true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			id, err := NewID(CategoryCrypto, tc.in)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "BTC/USDT", id.Name)
		})
	}
}

func TestIDEquality(t *testing.T) {
	a, err := NewID(CategoryCrypto, "BTC/USDT")
	require.NoError(t, err)
	b, err := NewID(CategoryCrypto, "btc/usdt")
	require.NoError(t, err)
	c, err := NewID(CategoryForex, "BTC/USDT")
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestPriceObservationValid(t *testing.T) {
	base := PriceObservation{
		Symbol:     "BTC/USDT",
		Price:      50000,
		Timestamp:  time.Now(),
		Source:     "binance",
		Confidence: 0.9,
	}
	assert.True(t, base.Valid())

	negative := base
	negative.Price = -1
	assert.False(t, negative.Valid())

	zero := base
	zero.Price = 0
	assert.False(t, zero.Valid())

	nan := base
	nan.Price = pnan()
	assert.False(t, nan.Valid())

	noSource := base
	noSource.Source = ""
	assert.False(t, noSource.Valid())

	badConfidence := base
	badConfidence.Confidence = 1.5
	assert.False(t, badConfidence.Valid())
}

func pnan() float64 {
	var zero float64
	return zero / zero
}

func TestClampUnit(t *testing.T) {
	assert.Equal(t, 0.0, ClampUnit(-1))
	assert.Equal(t, 1.0, ClampUnit(2))
	assert.Equal(t, 0.5, ClampUnit(0.5))
}

func TestParseCategory(t *testing.T) {
	for n, want := range map[int]Category{1: CategoryCrypto, 2: CategoryForex, 3: CategoryCommodity, 4: CategoryStock} {
		got, err := ParseCategory(n)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseCategory(5)
	assert.Error(t, err)
}
