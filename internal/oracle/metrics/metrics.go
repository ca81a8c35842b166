// Package metrics carries the oracle's Prometheus collectors: cache
// hit/miss, adapter health, reconnect attempts, and aggregation
// confidence, exposed over /metrics by internal/httpapi.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every Prometheus collector the oracle exposes.
type Registry struct {
	CacheHits   prometheus.Counter
	CacheMisses prometheus.Counter

	AdapterHealthy    *prometheus.GaugeVec
	ReconnectAttempts *prometheus.CounterVec

	AggregationConfidence *prometheus.HistogramVec
	ObservationsRejected  *prometheus.CounterVec
}

// NewRegistry builds and registers every collector against reg.
func NewRegistry(reg prometheus.Registerer) *Registry {
	r := &Registry{
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "priceoracle_cache_hits_total",
			Help: "Total number of cache hits on the feed value cache.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "priceoracle_cache_misses_total",
			Help: "Total number of cache misses on the feed value cache.",
		}),
		AdapterHealthy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "priceoracle_adapter_healthy",
			Help: "1 if the adapter is connected/healthy, 0 otherwise.",
		}, []string{"adapter"}),
		ReconnectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "priceoracle_reconnect_attempts_total",
			Help: "Total reconnect attempts by adapter.",
		}, []string{"adapter"}),
		AggregationConfidence: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "priceoracle_aggregation_confidence",
			Help:    "Distribution of aggregated consensus confidence per feed.",
			Buckets: []float64{0.1, 0.3, 0.5, 0.7, 0.8, 0.9, 0.95, 0.99, 1.0},
		}, []string{"feed"}),
		ObservationsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "priceoracle_observations_rejected_total",
			Help: "Observations rejected before aggregation (freshness/confidence gate, open breaker, full channel, validator tier), by reason.",
		}, []string{"adapter", "reason"}),
	}

	reg.MustRegister(
		r.CacheHits,
		r.CacheMisses,
		r.AdapterHealthy,
		r.ReconnectAttempts,
		r.AggregationConfidence,
		r.ObservationsRejected,
	)
	return r
}

// Handler exposes the standard Prometheus text-format scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetAdapterHealthy records adapter's current health as a 0/1 gauge.
func (r *Registry) SetAdapterHealthy(adapter string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	r.AdapterHealthy.WithLabelValues(adapter).Set(v)
}
