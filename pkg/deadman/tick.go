package deadman

import (
	"context"
	"errors"
	"strconv"

	"github.com/dd0wney/cluso-deadman/pkg/cluster"
	"github.com/dd0wney/cluso-deadman/pkg/dcs"
	"github.com/dd0wney/cluso-deadman/pkg/health"
	"github.com/dd0wney/cluso-deadman/pkg/logging"
)

// Tick runs one full evaluation: refresh the view, compute local
// health, apply the role state machine, publish the resulting record.
// Serialized; a tick arriving while one is in progress waits.
func (e *Engine) Tick(ctx context.Context) error {
	e.tickMu.Lock()
	defer e.tickMu.Unlock()

	e.metrics.TicksTotal.Inc()

	snap, err := e.client.ChildrenWithData(ctx, e.statePath)
	e.metrics.RecordDCSOperation("children", err)
	if err != nil {
		if errors.Is(err, dcs.ErrSessionExpired) {
			return e.handleSessionExpired(ctx)
		}
		// View unknown. Hold the current role and attempt nothing,
		// with one exception: an unhealthy master still steps down
		// voluntarily. The store reclaims its ephemerals regardless.
		e.metrics.DCSUnavailableTotal.Inc()
		e.logger.Warn("consensus store unreachable, freezing role transitions",
			logging.Error(err))
		if e.Role() == cluster.RoleMaster {
			verdict := e.evaluator.LocalHealth(ctx)
			e.updateLocal(ctx, verdict)
			if !verdict.Healthy {
				e.stepDown(ctx, "unhealthy")
				// Best effort; the demoted record lands once the
				// store answers again
				_ = e.publish(ctx)
			}
		}
		return nil
	}

	diff := e.view.Refresh(snap)
	e.metrics.ViewNodesTotal.Set(float64(e.view.Len()))
	if n := len(diff.Stale); n > 0 {
		e.metrics.StaleRecordsTotal.Add(float64(n))
	}

	e.mu.RLock()
	pending := e.releasePending
	e.mu.RUnlock()
	if pending {
		e.releaseLease(ctx)
	}

	verdict := e.evaluator.LocalHealth(ctx)
	e.updateLocal(ctx, verdict)

	switch e.Role() {
	case cluster.RoleInitializing:
		e.tickInitializing(ctx, verdict)
	case cluster.RoleReplica:
		e.tickReplica(ctx, verdict)
	case cluster.RoleMaster:
		e.tickMaster(ctx, verdict)
	}

	return e.publish(ctx)
}

// updateLocal folds the fresh health verdict, replication position and
// provider tags into the local record
func (e *Engine) updateLocal(ctx context.Context, verdict health.Verdict) {
	pos := e.position(ctx)
	tags := map[string]string{}
	for _, tp := range e.registry.TagProviders() {
		for k, v := range e.safeTags(ctx, tp) {
			tags[k] = v
		}
	}

	e.mu.Lock()
	wasHealthy := e.local.IsHealthy()
	if verdict.Healthy {
		e.local.Health = cluster.HealthHealthy
		e.local.HealthReason = ""
	} else {
		e.local.Health = cluster.HealthUnhealthy
		e.local.HealthReason = verdict.Reason
	}
	e.local.ReplicationPosition = pos
	e.providerTags = tags
	e.mu.Unlock()

	e.metrics.SetHealthy(verdict.Healthy)
	if verdict.Healthy != wasHealthy {
		to := "healthy"
		if !verdict.Healthy {
			to = "unhealthy"
		}
		e.metrics.HealthFlipsTotal.WithLabelValues(to).Inc()
		e.logger.Info("local health changed",
			logging.Bool("healthy", verdict.Healthy),
			logging.String("reason", verdict.Reason))
	}
}

func (e *Engine) tickInitializing(ctx context.Context, verdict health.Verdict) {
	if !e.runBootstrap(ctx) {
		return
	}
	if !verdict.Healthy {
		return
	}
	if master, ok := e.view.CurrentMaster(); ok && master.NodeID != e.cfg.NodeID {
		e.becomeReplica("master observed")
		return
	}
	e.tryPromote(ctx)
}

// runBootstrap reports whether the one-shot bootstrap step has
// completed. With no bootstrap configured it is trivially done.
func (e *Engine) runBootstrap(ctx context.Context) bool {
	e.mu.RLock()
	done := e.bootstrapDone
	e.mu.RUnlock()
	if done || e.bootstrapFn == nil {
		return true
	}
	if err := e.bootstrapFn(ctx); err != nil {
		e.logger.Warn("bootstrap failed, will retry", logging.Error(err))
		return false
	}
	e.logger.Info("bootstrap complete")
	e.mu.Lock()
	e.bootstrapDone = true
	e.mu.Unlock()
	return true
}

func (e *Engine) tickReplica(ctx context.Context, verdict health.Verdict) {
	if !verdict.Healthy {
		e.setOwnTag("willing", "false")
		return
	}
	if _, ok := e.view.CurrentMaster(); ok {
		e.setOwnTag("willing", strconv.FormatBool(e.evaluator.MayBecomeMaster(ctx)))
		e.resetGrace()
		return
	}
	e.tryPromote(ctx)
}

func (e *Engine) tickMaster(ctx context.Context, verdict health.Verdict) {
	owner, held, err := e.client.LeaseOwner(ctx, e.leasePath)
	e.metrics.RecordDCSOperation("lease_owner", err)
	if err != nil {
		// Cannot verify the lease; hold the role until the store answers
		e.logger.Warn("lease verification failed, freezing role",
			logging.Error(err))
		return
	}
	if !held || owner != e.cfg.NodeID {
		e.logger.Warn("election lease no longer held",
			logging.String("owner", owner))
		e.stepDown(ctx, "lease_lost")
		return
	}
	if !verdict.Healthy {
		e.stepDown(ctx, "unhealthy")
	}
}

// tryPromote attempts to win the election lease and take the master
// role. Every gate is re-evaluated fresh; nothing here is cached.
func (e *Engine) tryPromote(ctx context.Context) {
	willing := e.evaluator.MayBecomeMaster(ctx)
	e.setOwnTag("willing", strconv.FormatBool(willing))
	if !willing {
		e.resetGrace()
		return
	}

	if better, ok := e.betterCandidate(); ok {
		e.mu.Lock()
		defer1 := e.graceLeft > 0
		if defer1 {
			e.graceLeft--
		}
		e.mu.Unlock()
		if defer1 {
			e.logger.Info("deferring candidacy to better positioned replica",
				logging.String("candidate", better))
			return
		}
	}

	won, err := e.client.AcquireLease(ctx, e.leasePath, e.cfg.NodeID)
	e.metrics.RecordDCSOperation("lease_acquire", err)
	if err != nil {
		e.logger.Warn("lease acquisition failed", logging.Error(err))
		return
	}
	if !won {
		e.metrics.ElectionsTotal.WithLabelValues("lost").Inc()
		e.resetGrace()
		return
	}

	if err := e.promote(ctx); err != nil {
		e.logger.Error("promotion did not complete", logging.Error(err))
	}
}

// betterCandidate reports whether some other live healthy replica has a
// strictly higher replication position than the local node
func (e *Engine) betterCandidate() (string, bool) {
	e.mu.RLock()
	pos := e.local.ReplicationPosition
	e.mu.RUnlock()

	for _, rec := range e.view.LiveReplicas() {
		if rec.NodeID == e.cfg.NodeID || !rec.IsHealthy() {
			continue
		}
		if rec.ReplicationPosition > pos {
			return rec.NodeID, true
		}
	}
	return "", false
}
