// Package request implements the request handler: it serves value and
// volume queries from the cache, handing back a stale-but-present value
// with a stale flag rather than failing the caller outright.
package request

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/sawpanic/priceoracle/internal/oracle/cache"
	"github.com/sawpanic/priceoracle/internal/oracle/feed"
)

// ErrNoDataAvailable is returned when a feed has never produced a
// cached value at all; the HTTP layer maps it to a 404.
var ErrNoDataAvailable = errors.New("request: no data available for feed")

// maxVolumeHistory bounds the per-feed volume window kept in memory.
// This is a small trailing window, not a historical store.
const maxVolumeHistory = 500

// FeedValue is the shape returned for a single feed value query.
type FeedValue struct {
	Feed       feed.ID
	Value      float64
	Timestamp  time.Time
	Confidence float64
	Source     string
	Stale      bool
}

// FeedVolumes is the shape returned for a single feed volume query.
type FeedVolumes struct {
	Feed    feed.ID
	Volumes []feed.VolumeObservation
}

// Handler serves value/volume queries from the cache and a small
// bounded volume history, never touching the aggregation engine or the
// adapters directly.
type Handler struct {
	cache *cache.Cache

	mu      sync.RWMutex
	volumes map[string][]feed.VolumeObservation // key: feed.ID.Key()
}

// New creates a Handler reading aggregated prices from c.
func New(c *cache.Cache) *Handler {
	return &Handler{cache: c, volumes: make(map[string][]feed.VolumeObservation)}
}

// GetValue returns the latest known value for id. If the cached entry
// has outlived its TTL it is still returned, marked Stale, rather than
// failing the caller; only a feed with no entry at all is
// ErrNoDataAvailable.
func (h *Handler) GetValue(id feed.ID) (FeedValue, error) {
	value, found, fresh := h.cache.GetStale(id)
	if !found {
		return FeedValue{}, ErrNoDataAvailable
	}

	source := ""
	if len(value.Sources) > 0 {
		source = value.Sources[0]
	}
	return FeedValue{
		Feed:       id,
		Value:      value.Price,
		Timestamp:  value.Timestamp,
		Confidence: value.Confidence,
		Source:     source,
		Stale:      !fresh,
	}, nil
}

// RecordVolume appends obs to id's bounded volume window, evicting the
// oldest entry once the window is full.
func (h *Handler) RecordVolume(id feed.ID, obs feed.VolumeObservation) {
	h.mu.Lock()
	defer h.mu.Unlock()

	key := id.Key()
	hist := h.volumes[key]
	hist = append(hist, obs)
	if len(hist) > maxVolumeHistory {
		hist = hist[len(hist)-maxVolumeHistory:]
	}
	h.volumes[key] = hist
}

// GetVolumes returns every recorded volume observation for id within
// the trailing window, newest last. A feed with no recorded volumes at
// all is ErrNoDataAvailable.
func (h *Handler) GetVolumes(id feed.ID, window time.Duration, now time.Time) (FeedVolumes, error) {
	h.mu.RLock()
	hist := append([]feed.VolumeObservation(nil), h.volumes[id.Key()]...)
	h.mu.RUnlock()

	if len(hist) == 0 {
		return FeedVolumes{}, ErrNoDataAvailable
	}

	cutoff := now.Add(-window)
	sort.Slice(hist, func(i, j int) bool { return hist[i].Timestamp.Before(hist[j].Timestamp) })

	var out []feed.VolumeObservation
	for _, v := range hist {
		if v.Timestamp.After(cutoff) {
			out = append(out, v)
		}
	}
	return FeedVolumes{Feed: id, Volumes: out}, nil
}
