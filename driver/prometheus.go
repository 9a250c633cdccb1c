package driver

import (
	"github.com/prometheus/client_golang/prometheus"
)

// NewMetricsCollectors exposes a driver's atomic metrics as prometheus
// collectors. The instrument label distinguishes drivers sharing one
// registry.
func NewMetricsCollectors(m *Metrics, instrument string) []prometheus.Collector {
	labels := prometheus.Labels{"instrument": instrument}

	counter := func(name, help string, value func() uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   "instrument_driver",
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		}, func() float64 {
			return float64(value())
		})
	}

	return []prometheus.Collector{
		counter("config_retries_total", "Number of scheduled configuration retries.", m.ConfigRetryCount.Load),
		counter("connect_errors_total", "Number of failed comms initializations.", m.ConnectErrCount.Load),
		counter("lost_connections_total", "Number of lost-connection events handled.", m.LostConnCount.Load),
		counter("commands_forwarded_total", "Number of commands forwarded to the device protocol.", m.CommandForwardCount.Load),
		counter("events_published_total", "Number of async driver events published.", m.EventPublishCount.Load),
		counter("samples_total", "Number of samples published.", m.SampleCount.Load),
	}
}

// RegisterMetrics registers a driver's metrics collectors with the given
// registerer.
func RegisterMetrics(reg prometheus.Registerer, m *Metrics, instrument string) error {
	for _, c := range NewMetricsCollectors(m, instrument) {
		if err := reg.Register(c); err != nil {
			return err
		}
	}

	return nil
}
