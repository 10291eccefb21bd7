// Package telemetry holds process-local counters for Node and Controller
// runtime introspection. It is separate from traffic accounting: traffic
// accounting is billed per (proxy, client) and flushed to the controller,
// while MetricsCollector is an in-process snapshot for operators.
package telemetry

import (
	"sync"
	"sync/atomic"
)

// MetricsCollector tracks connection counts and byte totals for a Node or
// Controller process. All methods are safe for concurrent use.
type MetricsCollector struct {
	activeConnections atomic.Int64
	totalConnections  atomic.Int64
	bytesSent         atomic.Int64
	bytesReceived     atomic.Int64

	proxyMu   sync.Mutex
	proxyHits map[string]int64
}

func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{proxyHits: map[string]int64{}}
}

func (m *MetricsCollector) IncActive() {
	m.activeConnections.Add(1)
	m.totalConnections.Add(1)
}

func (m *MetricsCollector) DecActive() {
	m.activeConnections.Add(-1)
}

func (m *MetricsCollector) AddSent(n int64) {
	m.bytesSent.Add(n)
}

func (m *MetricsCollector) AddReceived(n int64) {
	m.bytesReceived.Add(n)
}

// AddProxyHit records one bridged connection against a proxy id, for
// breaking down active traffic by proxy in an admin snapshot.
func (m *MetricsCollector) AddProxyHit(proxyID string) {
	m.proxyMu.Lock()
	m.proxyHits[proxyID]++
	m.proxyMu.Unlock()
}

type MetricsSnapshot struct {
	ActiveConnections int64            `json:"active_connections"`
	TotalConnections  int64            `json:"total_connections_handled"`
	BytesSent         int64            `json:"bytes_sent"`
	BytesReceived     int64            `json:"bytes_received"`
	ProxyHits         map[string]int64 `json:"proxy_hits"`
}

func (m *MetricsCollector) Snapshot() MetricsSnapshot {
	m.proxyMu.Lock()
	ph := make(map[string]int64, len(m.proxyHits))
	for k, v := range m.proxyHits {
		ph[k] = v
	}
	m.proxyMu.Unlock()

	return MetricsSnapshot{
		ActiveConnections: m.activeConnections.Load(),
		TotalConnections:  m.totalConnections.Load(),
		BytesSent:         m.bytesSent.Load(),
		BytesReceived:     m.bytesReceived.Load(),
		ProxyHits:         ph,
	}
}
