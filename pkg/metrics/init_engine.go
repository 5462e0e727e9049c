package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initEngineMetrics() {
	r.Role = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "deadman_role",
			Help: "Current node role (1 for current role, 0 otherwise)",
		},
		[]string{"role"}, // initializing, replica, master
	)

	r.Generation = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "deadman_generation",
			Help: "Generation (fencing counter) of the local node record",
		},
	)

	r.ElectionsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "deadman_elections_total",
			Help: "Total promotion attempts by outcome",
		},
		[]string{"result"}, // won, lost, aborted
	)

	r.PromotionDuration = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "deadman_promotion_duration_seconds",
			Help:    "Duration of successful promotions in seconds",
			Buckets: []float64{0.1, 0.5, 1.0, 2.0, 5.0, 10.0},
		},
	)

	r.DemotionsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "deadman_demotions_total",
			Help: "Total demotions by cause",
		},
		[]string{"cause"}, // unhealthy, lease_lost, session_expired, stale_write, shutdown
	)

	r.TicksTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "deadman_ticks_total",
			Help: "Total state machine evaluations",
		},
	)

	r.ViewNodesTotal = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "deadman_view_nodes_total",
			Help: "Number of live node records in the cluster state view",
		},
	)

	r.StaleRecordsTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "deadman_stale_records_total",
			Help: "Total records dropped by generation fencing",
		},
	)
}
