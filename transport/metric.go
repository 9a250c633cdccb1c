package transport

import (
	"sync/atomic"
)

// TransportMetrics contains atomic metrics for a transport.
// Metrics can be used as the value of a prometheus CounterFunc or GaugeFunc.
type TransportMetrics struct {
	// SendByteCount indicates the number of raw bytes sent toward the instrument.
	SendByteCount atomic.Uint64
	// RecvByteCount indicates the number of raw bytes received from the instrument.
	RecvByteCount atomic.Uint64
}

func (m *TransportMetrics) addSendBytes(n uint64) {
	m.SendByteCount.Add(n)
}

func (m *TransportMetrics) addRecvBytes(n uint64) {
	m.RecvByteCount.Add(n)
}
