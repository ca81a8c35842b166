package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetAdapterHealthyUpdatesGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRegistry(reg)

	r.SetAdapterHealthy("binance", true)

	metric := &dto.Metric{}
	require.NoError(t, r.AdapterHealthy.WithLabelValues("binance").Write(metric))
	assert.Equal(t, 1.0, metric.GetGauge().GetValue())

	r.SetAdapterHealthy("binance", false)
	require.NoError(t, r.AdapterHealthy.WithLabelValues("binance").Write(metric))
	assert.Equal(t, 0.0, metric.GetGauge().GetValue())
}
