package driver

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterMetrics(t *testing.T) {
	m := &Metrics{}
	m.incSampleCount()
	m.incSampleCount()
	m.incLostConnCount()

	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, RegisterMetrics(reg, m, "parad-01"))

	families, err := reg.Gather()
	require.NoError(t, err)
	require.Len(t, families, 6)

	values := make(map[string]float64)
	for _, mf := range families {
		require.Len(t, mf.GetMetric(), 1)
		metric := mf.GetMetric()[0]
		values[mf.GetName()] = metric.GetCounter().GetValue()

		require.Len(t, metric.GetLabel(), 1)
		assert.Equal(t, "instrument", metric.GetLabel()[0].GetName())
		assert.Equal(t, "parad-01", metric.GetLabel()[0].GetValue())
	}

	assert.Equal(t, 2.0, values["instrument_driver_samples_total"])
	assert.Equal(t, 1.0, values["instrument_driver_lost_connections_total"])
	assert.Equal(t, 0.0, values["instrument_driver_connect_errors_total"])
}

func TestRegisterMetricsDuplicate(t *testing.T) {
	m := &Metrics{}
	reg := prometheus.NewRegistry()

	require.NoError(t, RegisterMetrics(reg, m, "parad-01"))
	assert.Error(t, RegisterMetrics(reg, m, "parad-01"))
}
