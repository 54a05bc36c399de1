package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ConnectionMetrics holds metrics for the router's peer connections.
type ConnectionMetrics struct {
	// ActiveConnections tracks the current number of identified peers.
	ActiveConnections prometheus.Gauge

	// FramesTotal counts frames by direction (in, out).
	FramesTotal *prometheus.CounterVec

	// BytesTotal counts wire bytes, after compression, by direction.
	BytesTotal *prometheus.CounterVec

	// HandshakeFailuresTotal counts rejected connections.
	// Labels: reason (bad_hello, identity_in_use, timeout)
	HandshakeFailuresTotal *prometheus.CounterVec
}

// NewConnectionMetrics creates and registers connection metrics.
// Uses promauto for automatic registration with the default registry.
func NewConnectionMetrics() *ConnectionMetrics {
	return &ConnectionMetrics{
		ActiveConnections: promauto.NewGauge(activeConnectionsOpts),
		FramesTotal:       promauto.NewCounterVec(framesOpts, []string{"direction"}),
		BytesTotal:        promauto.NewCounterVec(bytesOpts, []string{"direction"}),
		HandshakeFailuresTotal: promauto.NewCounterVec(
			handshakeFailuresOpts, []string{"reason"},
		),
	}
}

// NewConnectionMetricsWithRegistry creates connection metrics registered with a custom registry.
// Useful for testing to avoid conflicts with the default registry.
func NewConnectionMetricsWithRegistry(reg prometheus.Registerer) *ConnectionMetrics {
	activeConnections := prometheus.NewGauge(activeConnectionsOpts)
	frames := prometheus.NewCounterVec(framesOpts, []string{"direction"})
	bytes := prometheus.NewCounterVec(bytesOpts, []string{"direction"})
	handshakeFailures := prometheus.NewCounterVec(handshakeFailuresOpts, []string{"reason"})

	reg.MustRegister(activeConnections)
	reg.MustRegister(frames)
	reg.MustRegister(bytes)
	reg.MustRegister(handshakeFailures)

	return &ConnectionMetrics{
		ActiveConnections:      activeConnections,
		FramesTotal:            frames,
		BytesTotal:             bytes,
		HandshakeFailuresTotal: handshakeFailures,
	}
}

var (
	activeConnectionsOpts = prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "transport",
		Name:      "active_connections",
		Help:      "Current number of identified peer connections.",
	}
	framesOpts = prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "transport",
		Name:      "frames_total",
		Help:      "Total number of frames, broken down by direction.",
	}
	bytesOpts = prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "transport",
		Name:      "bytes_total",
		Help:      "Total number of wire bytes, broken down by direction.",
	}
	handshakeFailuresOpts = prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "transport",
		Name:      "handshake_failures_total",
		Help:      "Total number of rejected connections, broken down by reason.",
	}
)

// ConnectionOpened increments the active connections gauge.
func (m *ConnectionMetrics) ConnectionOpened() {
	m.ActiveConnections.Inc()
}

// ConnectionClosed decrements the active connections gauge.
func (m *ConnectionMetrics) ConnectionClosed() {
	m.ActiveConnections.Dec()
}

// RecordFrame counts one frame of n wire bytes in the given direction.
func (m *ConnectionMetrics) RecordFrame(direction string, n int) {
	m.FramesTotal.WithLabelValues(direction).Inc()
	m.BytesTotal.WithLabelValues(direction).Add(float64(n))
}

// RecordHandshakeFailure counts a rejected connection.
func (m *ConnectionMetrics) RecordHandshakeFailure(reason string) {
	m.HandshakeFailuresTotal.WithLabelValues(reason).Inc()
}
