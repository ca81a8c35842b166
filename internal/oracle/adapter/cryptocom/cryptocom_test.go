package cryptocom

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/priceoracle/internal/oracle/adapter"
	"github.com/sawpanic/priceoracle/internal/oracle/feed"
)

func TestMapperRoundTrip(t *testing.T) {
	m := Mapper{}
	ex := m.ToExchange("BTC/USDT")
	assert.Equal(t, "BTC_USDT", ex)

	sym, ok := m.FromExchange(ex)
	require.True(t, ok)
	assert.Equal(t, "BTC/USDT", sym)
}

func TestHandleFrameParsesTickerSubscribeResult(t *testing.T) {
	base := adapter.New("cryptocom", feed.CategoryCrypto, adapter.Capabilities{}, adapter.DefaultConfig(), Mapper{}, nil, nil, nil)
	tr := NewTransport(base)

	var got feed.PriceObservation
	base.OnPriceUpdate(func(obs feed.PriceObservation) { got = obs })

	frame := `{"method":"subscribe","result":{"channel":"ticker","data":[{"i":"BTC_USDT","a":"50000","b":"49990","k":"50010","v":"100","t":1700000000000}]}}`
	tr.handleFrame([]byte(frame))

	assert.Equal(t, "BTC/USDT", got.Symbol)
	assert.Equal(t, 50000.0, got.Price)
}
