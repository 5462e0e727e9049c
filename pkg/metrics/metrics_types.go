package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds all metrics for the daemon
type Registry struct {
	// Engine metrics
	Role              *prometheus.GaugeVec
	Generation        prometheus.Gauge
	ElectionsTotal    *prometheus.CounterVec
	PromotionDuration prometheus.Histogram
	DemotionsTotal    *prometheus.CounterVec
	TicksTotal        prometheus.Counter
	ViewNodesTotal    prometheus.Gauge
	StaleRecordsTotal prometheus.Counter

	// DCS metrics
	DCSOperationsTotal  *prometheus.CounterVec
	DCSUnavailableTotal prometheus.Counter
	SessionExpiries     prometheus.Counter
	WatchEventsTotal    prometheus.Counter

	// Health metrics
	HealthChecksTotal *prometheus.CounterVec
	Healthy           prometheus.Gauge
	HealthFlipsTotal  *prometheus.CounterVec

	// Backup metrics
	BackupsTotal        *prometheus.CounterVec
	BackupDuration      prometheus.Histogram
	BackupInFlight      prometheus.Gauge
	RestoresTotal       *prometheus.CounterVec
	LastBackupTimestamp prometheus.Gauge

	registry *prometheus.Registry
}

var (
	defaultRegistry *Registry
	defaultOnce     sync.Once
)

// NewRegistry creates a registry with all metric families registered
func NewRegistry() *Registry {
	r := &Registry{
		registry: prometheus.NewRegistry(),
	}
	r.initEngineMetrics()
	r.initDCSMetrics()
	r.initHealthMetrics()
	r.initBackupMetrics()
	return r
}

// DefaultRegistry returns the shared process-wide registry
func DefaultRegistry() *Registry {
	defaultOnce.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}

// Prometheus exposes the underlying prometheus registry for serving
func (r *Registry) Prometheus() *prometheus.Registry {
	return r.registry
}
