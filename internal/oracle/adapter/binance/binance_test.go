package binance

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMapperRoundTrip(t *testing.T) {
	m := Mapper{}
	ex := m.ToExchange("BTC/USDT")
	assert.Equal(t, "BTCUSDT", ex)

	sym, ok := m.FromExchange(ex)
	assert.True(t, ok)
	assert.Equal(t, "BTC/USDT", sym)
}

func TestMapperUnknownQuoteFails(t *testing.T) {
	_, ok := Mapper{}.FromExchange("ZZZ")
	assert.False(t, ok)
}

func TestSendSubscribeAddsSymbolToWatchSet(t *testing.T) {
	var delivered []tickerFrame
	tr := NewTransport(func(f tickerFrame) { delivered = append(delivered, f) })
	tr.SendSubscribe([]string{"BTCUSDT"})

	tr.mu.Lock()
	_, watching := tr.watching["BTCUSDT"]
	tr.mu.Unlock()
	assert.True(t, watching)
}
