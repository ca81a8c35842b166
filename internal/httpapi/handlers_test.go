package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/priceoracle/internal/oracle/cache"
	"github.com/sawpanic/priceoracle/internal/oracle/circuit"
	"github.com/sawpanic/priceoracle/internal/oracle/aggregator"
	"github.com/sawpanic/priceoracle/internal/oracle/feed"
	"github.com/sawpanic/priceoracle/internal/oracle/manager"
	oraclemetrics "github.com/sawpanic/priceoracle/internal/oracle/metrics"
	"github.com/sawpanic/priceoracle/internal/oracle/registry"
	"github.com/sawpanic/priceoracle/internal/oracle/request"
)

func newTestHandlers(t *testing.T) (*Handlers, *cache.Cache) {
	t.Helper()
	c := cache.New(time.Second)
	reqHandler := request.New(c)
	reg := registry.New()
	mgr := manager.New(reg, aggregator.New(aggregator.DefaultConfig()), circuit.NewManager(circuit.DefaultConfig()))
	m := oraclemetrics.NewRegistry(prometheus.NewRegistry())
	return NewHandlers(reqHandler, mgr, reg, m), c
}

func TestFeedValuesReturnsCachedValue(t *testing.T) {
	h, c := newTestHandlers(t)
	id, err := feed.NewID(feed.CategoryCrypto, "BTC/USDT")
	require.NoError(t, err)
	c.Set(id, feed.AggregatedPrice{Symbol: id.Name, Price: 50000, Confidence: 0.9, Timestamp: time.Now(), Sources: []string{"binance"}})

	body, _ := json.Marshal(FeedValuesRequest{Feeds: []FeedRef{{Category: 1, Name: "btc/usdt"}}})
	req := httptest.NewRequest(http.MethodPost, "/feed-values", bytes.NewReader(body))
	rr := httptest.NewRecorder()

	h.FeedValues(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	var resp FeedValuesResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 1)
	assert.Equal(t, 50000.0, resp.Data[0].Value)
	assert.False(t, resp.Data[0].Stale)
}

func TestFeedValuesReturns404WhenNeverCached(t *testing.T) {
	h, _ := newTestHandlers(t)

	body, _ := json.Marshal(FeedValuesRequest{Feeds: []FeedRef{{Category: 1, Name: "ETH/USDT"}}})
	req := httptest.NewRequest(http.MethodPost, "/feed-values", bytes.NewReader(body))
	rr := httptest.NewRecorder()

	h.FeedValues(rr, req)

	assert.Equal(t, http.StatusNotFound, rr.Code)
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "NoDataAvailable", resp.Error)
}

func TestFeedValuesRejectsBadCategory(t *testing.T) {
	h, _ := newTestHandlers(t)

	body, _ := json.Marshal(FeedValuesRequest{Feeds: []FeedRef{{Category: 9, Name: "BTC/USDT"}}})
	req := httptest.NewRequest(http.MethodPost, "/feed-values", bytes.NewReader(body))
	rr := httptest.NewRecorder()

	h.FeedValues(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestFeedValuesRejectsDuplicateFeeds(t *testing.T) {
	h, _ := newTestHandlers(t)

	body, _ := json.Marshal(FeedValuesRequest{Feeds: []FeedRef{
		{Category: 1, Name: "BTC/USDT"},
		{Category: 1, Name: "btc/usdt"},
	}})
	req := httptest.NewRequest(http.MethodPost, "/feed-values", bytes.NewReader(body))
	rr := httptest.NewRecorder()

	h.FeedValues(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestFeedValuesWithRoundEchoesVotingRoundID(t *testing.T) {
	h, c := newTestHandlers(t)
	id, err := feed.NewID(feed.CategoryCrypto, "BTC/USDT")
	require.NoError(t, err)
	c.Set(id, feed.AggregatedPrice{Symbol: id.Name, Price: 1, Confidence: 0.9, Timestamp: time.Now()})

	body, _ := json.Marshal(FeedValuesRequest{Feeds: []FeedRef{{Category: 1, Name: "BTC/USDT"}}})
	req := httptest.NewRequest(http.MethodPost, "/feed-values/42", bytes.NewReader(body))
	req = mux.SetURLVars(req, map[string]string{"votingRoundId": "42"})
	rr := httptest.NewRecorder()

	h.FeedValuesWithRound(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	var resp FeedValuesRoundResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, int64(42), resp.VotingRoundID)
}

func TestVolumesAppliesWindowQueryParam(t *testing.T) {
	h, _ := newTestHandlers(t)
	id, err := feed.NewID(feed.CategoryCrypto, "BTC/USDT")
	require.NoError(t, err)
	h.requests.RecordVolume(id, feed.VolumeObservation{Symbol: id.Name, Volume: 10, Timestamp: time.Now(), Source: "binance"})

	body, _ := json.Marshal(VolumesRequest{Feeds: []FeedRef{{Category: 1, Name: "BTC/USDT"}}})
	req := httptest.NewRequest(http.MethodPost, "/volumes?window=60", bytes.NewReader(body))
	rr := httptest.NewRecorder()

	h.Volumes(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	var resp VolumesResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, 60, resp.WindowSec)
	require.Len(t, resp.Data, 1)
	assert.Len(t, resp.Data[0].Volumes, 1)
}

func TestHealthLiveAlwaysReportsAlive(t *testing.T) {
	h, _ := newTestHandlers(t)
	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	rr := httptest.NewRecorder()

	h.HealthLive(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	var resp LiveResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.True(t, resp.Alive)
}

func TestHealthReadyReportsNotReadyWithNoSources(t *testing.T) {
	h, _ := newTestHandlers(t)
	req := httptest.NewRequest(http.MethodGet, "/health/ready", nil)
	rr := httptest.NewRecorder()

	h.HealthReady(rr, req)

	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	var resp ReadyResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.False(t, resp.Ready)
}
