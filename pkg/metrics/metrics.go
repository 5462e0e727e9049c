package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetRole sets the current role gauge, clearing the others
func (r *Registry) SetRole(role string) {
	for _, known := range []string{"initializing", "replica", "master"} {
		r.Role.WithLabelValues(known).Set(0)
	}
	r.Role.WithLabelValues(role).Set(1)
}

// RecordDCSOperation records a consensus store operation
func (r *Registry) RecordDCSOperation(op string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	r.DCSOperationsTotal.WithLabelValues(op, status).Inc()
}

// RecordPromotion records a won election and its duration
func (r *Registry) RecordPromotion(duration time.Duration) {
	r.ElectionsTotal.WithLabelValues("won").Inc()
	r.PromotionDuration.Observe(duration.Seconds())
}

// SetHealthy updates the aggregated health gauge
func (r *Registry) SetHealthy(healthy bool) {
	if healthy {
		r.Healthy.Set(1)
	} else {
		r.Healthy.Set(0)
	}
}

// RecordBackup records one snapshot attempt
func (r *Registry) RecordBackup(status string, duration time.Duration) {
	r.BackupsTotal.WithLabelValues(status).Inc()
	if status == "ok" {
		r.BackupDuration.Observe(duration.Seconds())
		r.LastBackupTimestamp.Set(float64(time.Now().Unix()))
	}
}

// Handler returns an HTTP handler serving this registry
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
