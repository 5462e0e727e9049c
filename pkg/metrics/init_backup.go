package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initBackupMetrics() {
	r.BackupsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "deadman_backups_total",
			Help: "Total snapshot attempts by outcome",
		},
		[]string{"status"}, // ok, error, skipped, distrusted
	)

	r.BackupDuration = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "deadman_backup_duration_seconds",
			Help:    "Duration of snapshot operations in seconds",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 3600},
		},
	)

	r.BackupInFlight = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "deadman_backup_in_flight",
			Help: "Whether a snapshot is currently running (1=yes)",
		},
	)

	r.RestoresTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "deadman_restores_total",
			Help: "Total restore attempts by outcome",
		},
		[]string{"status"}, // ok, error
	)

	r.LastBackupTimestamp = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "deadman_last_backup_timestamp_seconds",
			Help: "Unix timestamp of the last successful snapshot",
		},
	)
}
