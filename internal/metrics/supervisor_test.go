package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSupervisorMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewSupervisorMetricsWithRegistry(reg)

	m.ChildStarted()
	m.ChildStarted()
	m.ChildExited()
	m.RecordSignal("terminated")
	m.RecordSignal("terminated")

	if got := testutil.ToFloat64(m.Children.WithLabelValues(ChildRunning)); got != 1 {
		t.Errorf("running = %f, want 1", got)
	}
	if got := testutil.ToFloat64(m.Children.WithLabelValues(ChildExited)); got != 1 {
		t.Errorf("exited = %f, want 1", got)
	}
	if got := testutil.ToFloat64(m.SignalsTotal.WithLabelValues("terminated")); got != 2 {
		t.Errorf("terminated = %f, want 2", got)
	}
}
