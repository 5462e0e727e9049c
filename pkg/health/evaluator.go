// Package health aggregates the verdicts of registered health-check and
// conditional plugins into the single local verdict the election engine
// acts on each tick.
package health

import (
	"context"
	"fmt"

	"github.com/dd0wney/cluso-deadman/pkg/logging"
	"github.com/dd0wney/cluso-deadman/pkg/metrics"
	"github.com/dd0wney/cluso-deadman/pkg/plugin"
)

// Verdict is the aggregated health result for the local node
type Verdict struct {
	Healthy bool
	// Reason names the first failing source when unhealthy
	Reason string
}

// Evaluator computes local health and promotion readiness.
// Evaluation is synchronous and performed fresh on every engine tick;
// results are never cached across ticks, since a stale verdict risks
// double-master or premature promotion.
type Evaluator struct {
	registry *plugin.Registry
	logger   logging.Logger
	metrics  *metrics.Registry
}

// NewEvaluator creates an evaluator over the given capability registry
func NewEvaluator(registry *plugin.Registry, logger logging.Logger) *Evaluator {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Evaluator{
		registry: registry,
		logger:   logger,
		metrics:  metrics.DefaultRegistry(),
	}
}

// LocalHealth is the logical AND over every registered HealthSource.
// The first failure short-circuits and becomes the reported reason. A
// source that panics counts as a failure, not as a daemon crash.
func (e *Evaluator) LocalHealth(ctx context.Context) Verdict {
	for _, source := range e.registry.HealthSources() {
		healthy, reason := e.safeCheck(ctx, source)
		if !healthy {
			if e.metrics != nil {
				e.metrics.HealthChecksTotal.WithLabelValues(source.Name(), "unhealthy").Inc()
			}
			return Verdict{Healthy: false, Reason: fmt.Sprintf("%s: %s", source.Name(), reason)}
		}
		if e.metrics != nil {
			e.metrics.HealthChecksTotal.WithLabelValues(source.Name(), "healthy").Inc()
		}
	}
	return Verdict{Healthy: true}
}

// MayBecomeMaster is the logical AND over every registered Conditional.
// It gates promotion: replication lag thresholds, restore completion
// and similar policies all plug in here. A conditional that panics
// vetoes the takeover.
func (e *Evaluator) MayBecomeMaster(ctx context.Context) bool {
	for _, cond := range e.registry.Conditionals() {
		if !e.safeAllowed(ctx, cond) {
			e.logger.Debug("takeover vetoed", logging.Plugin(cond.Name()))
			return false
		}
	}
	return true
}

func (e *Evaluator) safeCheck(ctx context.Context, source plugin.HealthSource) (healthy bool, reason string) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("health source panicked",
				logging.Plugin(source.Name()), logging.Any("panic", r))
			healthy = false
			reason = fmt.Sprintf("panic: %v", r)
		}
	}()
	return source.Check(ctx)
}

func (e *Evaluator) safeAllowed(ctx context.Context, cond plugin.Conditional) (allowed bool) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("conditional panicked",
				logging.Plugin(cond.Name()), logging.Any("panic", r))
			allowed = false
		}
	}()
	return cond.Allowed(ctx)
}
