package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// RouterMetrics tracks the router's state machine and relay traffic.
type RouterMetrics struct {
	// Phase is the numeric router phase (see router.Phase).
	Phase prometheus.Gauge

	// MessagesTotal counts routed messages.
	// Labels: type (CLIENT_JOIN, OBS, ...), direction (in, out)
	MessagesTotal *prometheus.CounterVec

	// DroppedTotal counts messages dropped instead of routed.
	// Labels: reason
	DroppedTotal *prometheus.CounterVec

	AssignedClients prometheus.Gauge
	PendingClients  prometheus.Gauge

	// WorkerDownTotal counts workers lost after registration.
	WorkerDownTotal prometheus.Counter
}

// NewRouterMetrics creates router metrics registered with the default registry.
func NewRouterMetrics() *RouterMetrics {
	return NewRouterMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewRouterMetricsWithRegistry creates router metrics registered with reg.
// Useful for testing to avoid conflicts with the default registry.
func NewRouterMetricsWithRegistry(reg prometheus.Registerer) *RouterMetrics {
	factory := promauto.With(reg)
	return &RouterMetrics{
		Phase: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "phase",
			Help:      "Current router phase.",
		}),
		MessagesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "messages_total",
			Help:      "Total number of routed messages, broken down by type and direction.",
		}, []string{"type", "direction"}),
		DroppedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "dropped_total",
			Help:      "Total number of dropped messages, broken down by reason.",
		}, []string{"reason"}),
		AssignedClients: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "assigned_clients",
			Help:      "Number of clients bound to a worker.",
		}),
		PendingClients: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "pending_clients",
			Help:      "Number of clients waiting in the join queue.",
		}),
		WorkerDownTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "worker_down_total",
			Help:      "Total number of workers lost after registration.",
		}),
	}
}

// SetPhase records the current phase.
func (m *RouterMetrics) SetPhase(phase int) {
	m.Phase.Set(float64(phase))
}

// RecordInbound counts a message received from a peer.
func (m *RouterMetrics) RecordInbound(msgType string) {
	m.MessagesTotal.WithLabelValues(msgType, DirectionIn).Inc()
}

// RecordOutbound counts a message sent to a peer.
func (m *RouterMetrics) RecordOutbound(msgType string) {
	m.MessagesTotal.WithLabelValues(msgType, DirectionOut).Inc()
}

// RecordDropped counts a message that was not routed.
func (m *RouterMetrics) RecordDropped(reason string) {
	m.DroppedTotal.WithLabelValues(reason).Inc()
}

// SetClients records the assigned and pending client counts.
func (m *RouterMetrics) SetClients(assigned, pending int) {
	m.AssignedClients.Set(float64(assigned))
	m.PendingClients.Set(float64(pending))
}

// RecordWorkerDown counts a worker lost after registration.
func (m *RouterMetrics) RecordWorkerDown() {
	m.WorkerDownTotal.Inc()
}
