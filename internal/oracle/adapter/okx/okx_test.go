package okx

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
	assert.Equal(t, "BTC-USDT", ex)

	sym, ok := m.FromExchange(ex)
	require.True(t, ok)
	assert.Equal(t, "BTC/USDT", sym)
}

func TestHandleFrameParsesTickerChannel(t *testing.T) {
	base := adapter.New("okx", feed.CategoryCrypto, adapter.Capabilities{}, adapter.DefaultConfig(), Mapper{}, nil, nil, nil)
	tr := NewTransport(base)

	var got feed.PriceObservation
	base.OnPriceUpdate(func(obs feed.PriceObservation) { got = obs })

	frame := `{"arg":{"channel":"tickers","instId":"BTC-USDT"},"data":[{"instId":"BTC-USDT","last":"50000","bidPx":"49990","askPx":"50010","vol24h":"100","ts":"1700000000000"}]}`
	tr.handleFrame([]byte(frame))

	assert.Equal(t, "BTC/USDT", got.Symbol)
	assert.Equal(t, 50000.0, got.Price)
}

func TestHandleFrameIgnoresPong(t *testing.T) {
	base := adapter.New("okx", feed.CategoryCrypto, adapter.Capabilities{}, adapter.DefaultConfig(), Mapper{}, nil, nil, nil)
	tr := NewTransport(base)

	called := false
	base.OnPriceUpdate(func(obs feed.PriceObservation) { called = true })

	tr.handleFrame([]byte("pong"))
	assert.False(t, called)
}

func TestClassifyTreatsIdleTimeoutAsDebug(t *testing.T) {
	c := classify(assertCloseErr())
	assert.Equal(t, adapter.SeverityDebug, c.Severity)
	assert.True(t, c.Retryable)
}

func assertCloseErr() error {
	return &closeLikeError{}
}

type closeLikeError struct{}

func (e *closeLikeError) Error() string { return "websocket: close 4004 (no data timeout)" }
