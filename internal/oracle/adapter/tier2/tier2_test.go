package tier2

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/priceoracle/internal/oracle/adapter"
	"github.com/sawpanic/priceoracle/internal/oracle/feed"
)

func TestPollOnceDeliversFromEachSource(t *testing.T) {
	a := New(Config{PollInterval: time.Hour}, []Source{
		{Name: "backupA", Fetch: func(ctx context.Context, symbol string) (feed.PriceObservation, error) {
			return feed.PriceObservation{Symbol: symbol, Price: 100, Confidence: 0.8}, nil
		}},
		{Name: "backupB", Fetch: func(ctx context.Context, symbol string) (feed.PriceObservation, error) {
			return feed.PriceObservation{Symbol: symbol, Price: 101, Confidence: 0.8}, nil
		}},
	})
	require.NoError(t, a.Subscribe([]string{"BTC/USDT"}))

	var delivered []feed.PriceObservation
	a.OnPriceUpdate(func(obs feed.PriceObservation) { delivered = append(delivered, obs) })

	a.pollOnce(context.Background())

	require.Len(t, delivered, 2)
	assert.Equal(t, "tier2:backupA", delivered[0].Source)
	assert.Equal(t, "tier2:backupB", delivered[1].Source)
}

func TestPollOnceReportsSourceErrors(t *testing.T) {
	a := New(DefaultConfig(), []Source{
		{Name: "flaky", Fetch: func(ctx context.Context, symbol string) (feed.PriceObservation, error) {
			return feed.PriceObservation{}, errors.New("boom")
		}},
	})
	require.NoError(t, a.Subscribe([]string{"ETH/USDT"}))

	var errSeen error
	a.OnError(func(err error, class adapter.Classification) { errSeen = err })

	a.pollOnce(context.Background())
	assert.EqualError(t, errSeen, "boom")
}

func TestSubscribeRejectsEmptySet(t *testing.T) {
	a := New(DefaultConfig(), nil)
	err := a.Subscribe(nil)
	assert.Error(t, err)
}
