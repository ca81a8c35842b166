package oraclelog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAllowSuppressesWithinWindow(t *testing.T) {
	r := NewRateLimiter(time.Minute)
	assert.True(t, r.Allow("binance|transport"))
	assert.False(t, r.Allow("binance|transport"))
	assert.True(t, r.Allow("binance|protocol"))
}

func TestAllowPermitsAfterWindowElapses(t *testing.T) {
	r := NewRateLimiter(time.Millisecond)
	assert.True(t, r.Allow("kraken|venue"))
	time.Sleep(2 * time.Millisecond)
	assert.True(t, r.Allow("kraken|venue"))
}
