package driver

import (
	"sync/atomic"
)

// Metrics contains atomic metrics for a driver.
// Metrics can be used as the value of a prometheus CounterFunc or GaugeFunc;
// see NewMetricsCollectors.
type Metrics struct {
	// ConfigRetryCount indicates the number of scheduled configuration retries.
	ConfigRetryCount atomic.Uint64
	// ConnectErrCount indicates the number of failed comms initializations.
	ConnectErrCount atomic.Uint64
	// LostConnCount indicates the number of lost-connection events handled.
	LostConnCount atomic.Uint64
	// CommandForwardCount indicates the number of commands forwarded to the
	// device protocol.
	CommandForwardCount atomic.Uint64
	// EventPublishCount indicates the number of async events published.
	EventPublishCount atomic.Uint64
	// SampleCount indicates the number of samples published.
	SampleCount atomic.Uint64
}

func (m *Metrics) incConfigRetryCount() {
	m.ConfigRetryCount.Add(1)
}

func (m *Metrics) incConnectErrCount() {
	m.ConnectErrCount.Add(1)
}

func (m *Metrics) incLostConnCount() {
	m.LostConnCount.Add(1)
}

func (m *Metrics) incCommandForwardCount() {
	m.CommandForwardCount.Add(1)
}

func (m *Metrics) incEventPublishCount() {
	m.EventPublishCount.Add(1)
}

func (m *Metrics) incSampleCount() {
	m.SampleCount.Add(1)
}
