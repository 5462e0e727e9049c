package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initDCSMetrics() {
	r.DCSOperationsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "deadman_dcs_operations_total",
			Help: "Total consensus store operations by type and status",
		},
		[]string{"op", "status"}, // op: create, set, children, lease_acquire, lease_release; status: ok, error
	)

	r.DCSUnavailableTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "deadman_dcs_unavailable_total",
			Help: "Total ticks frozen because the consensus store was unreachable",
		},
	)

	r.SessionExpiries = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "deadman_dcs_session_expiries_total",
			Help: "Total consensus session expiries",
		},
	)

	r.WatchEventsTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "deadman_dcs_watch_events_total",
			Help: "Total watch notifications received",
		},
	)
}
