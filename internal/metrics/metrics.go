// Package metrics exposes process-wide Prometheus counters/gauges for
// the collector, the command dispatcher, and the HA arbiter — a
// handful of control-plane-shaped series.
package metrics

import "github.com/prometheus/client_golang/prometheus"

type Registry struct {
	CollectorTicks    prometheus.Counter
	CollectorFailures *prometheus.CounterVec
	DispatchRequests  *prometheus.CounterVec
	HARoleTransitions prometheus.Counter
	HACurrentRole     prometheus.Gauge
}

// New registers every series on reg and returns the handles.
func New(reg prometheus.Registerer) *Registry {
	r := &Registry{
		CollectorTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "controlplane_collector_ticks_total",
			Help: "Number of completed collector reconcile ticks.",
		}),
		CollectorFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "controlplane_collector_failures_total",
			Help: "Collector step failures by stage (board, stack).",
		}, []string{"stage"}),
		DispatchRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "controlplane_dispatch_requests_total",
			Help: "Command-multicast requests handled by opcode.",
		}, []string{"opcode"}),
		HARoleTransitions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "controlplane_ha_role_transitions_total",
			Help: "Number of HA role transitions observed by this node.",
		}),
		HACurrentRole: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "controlplane_ha_current_role",
			Help: "Current HA role: 0=Unknown 1=Primary 2=Standby.",
		}),
	}
	reg.MustRegister(r.CollectorTicks, r.CollectorFailures, r.DispatchRequests, r.HARoleTransitions, r.HACurrentRole)
	return r
}
