// Package metrics provides Prometheus metrics for the router and its peers.
//
// This package exposes:
//   - Router phase, inbound/outbound message counts by type, and drops by reason
//   - Assigned and pending client gauges
//   - Transport connections, frames and bytes by direction
//   - Supervised worker processes by state, and signals sent
//
// Every metric set has a constructor registering with the default registry
// (promauto) and a WithRegistry variant for tests.
//
// Usage:
//
//	routerMetrics := metrics.NewRouterMetrics()
//	r := router.New(cfg, listener, sup, logger).WithMetrics(routerMetrics)
//
//	health.RegisterHandler("/metrics", metrics.Handler(nil))
package metrics

const namespace = "arbiter"

// Direction label values.
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)
