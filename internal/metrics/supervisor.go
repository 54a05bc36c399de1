package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Child state label values.
const (
	ChildRunning = "running"
	ChildExited  = "exited"
)

// SupervisorMetrics tracks worker processes spawned by the supervisor.
type SupervisorMetrics struct {
	// Children tracks spawned processes by state (running, exited).
	Children *prometheus.GaugeVec

	// SignalsTotal counts signals delivered to children.
	// Labels: signal (terminated, killed)
	SignalsTotal *prometheus.CounterVec
}

// NewSupervisorMetrics creates supervisor metrics registered with the default registry.
func NewSupervisorMetrics() *SupervisorMetrics {
	return NewSupervisorMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewSupervisorMetricsWithRegistry creates supervisor metrics registered with reg.
func NewSupervisorMetricsWithRegistry(reg prometheus.Registerer) *SupervisorMetrics {
	factory := promauto.With(reg)
	return &SupervisorMetrics{
		Children: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "children",
			Help:      "Number of spawned worker processes, broken down by state.",
		}, []string{"state"}),
		SignalsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "signals_total",
			Help:      "Total number of signals sent to worker processes.",
		}, []string{"signal"}),
	}
}

// ChildStarted records a newly spawned process.
func (m *SupervisorMetrics) ChildStarted() {
	m.Children.WithLabelValues(ChildRunning).Inc()
}

// ChildExited moves a process from running to exited.
func (m *SupervisorMetrics) ChildExited() {
	m.Children.WithLabelValues(ChildRunning).Dec()
	m.Children.WithLabelValues(ChildExited).Inc()
}

// RecordSignal counts a signal sent to a child.
func (m *SupervisorMetrics) RecordSignal(signal string) {
	m.SignalsTotal.WithLabelValues(signal).Inc()
}
