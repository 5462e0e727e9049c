package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initHealthMetrics() {
	r.HealthChecksTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "deadman_health_checks_total",
			Help: "Total health source evaluations by source and verdict",
		},
		[]string{"source", "verdict"},
	)

	r.Healthy = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "deadman_healthy",
			Help: "Aggregated local health (1=healthy, 0=unhealthy)",
		},
	)

	r.HealthFlipsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "deadman_health_flips_total",
			Help: "Total transitions of the aggregated health verdict",
		},
		[]string{"to"}, // healthy, unhealthy
	)
}
