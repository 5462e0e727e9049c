package deadman

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dd0wney/cluso-deadman/pkg/cluster"
	"github.com/dd0wney/cluso-deadman/pkg/dcs"
	"github.com/dd0wney/cluso-deadman/pkg/logging"
	"github.com/dd0wney/cluso-deadman/pkg/plugin"
	"github.com/dd0wney/cluso-deadman/pkg/pubsub"
)

// promote runs the lease-holding side of an election win: bump the
// fencing generation, run on_promote callbacks, then take the role.
// Any callback failure aborts, releases the lease and leaves the node
// in its previous role; the actual post-attempt state is republished by
// the enclosing tick either way.
func (e *Engine) promote(ctx context.Context) error {
	start := time.Now()
	prev := e.Role()

	gen, err := e.nextGeneration(ctx)
	if err != nil {
		e.metrics.ElectionsTotal.WithLabelValues("aborted").Inc()
		e.releaseLease(ctx)
		return fmt.Errorf("advance timeline: %w", err)
	}

	for _, cb := range e.registry.LifecycleCallbacks() {
		if err := e.safeOnPromote(ctx, cb); err != nil {
			e.metrics.ElectionsTotal.WithLabelValues("aborted").Inc()
			e.logger.Error("lifecycle callback refused promotion",
				logging.Error(err))
			e.releaseLease(ctx)
			e.resetGrace()
			return fmt.Errorf("%w: %v", ErrPromotionAborted, err)
		}
	}

	e.mu.Lock()
	e.local.Role = cluster.RoleMaster
	e.local.Generation = gen
	e.mu.Unlock()

	e.metrics.RecordPromotion(time.Since(start))
	e.metrics.SetRole("master")
	e.metrics.Generation.Set(float64(gen))
	e.logger.Info("promoted to master", logging.Generation(gen))
	e.bus.Publish(pubsub.Transition{
		From: prev, To: cluster.RoleMaster, Generation: gen, At: time.Now(),
	})
	return nil
}

// nextGeneration advances the group's persistent promotion counter and
// returns the new fencing generation. The counter only moves forward;
// a rejected write here means a later promotion already happened and
// this one must abort.
func (e *Engine) nextGeneration(ctx context.Context) (uint64, error) {
	data, storedGen, err := e.client.Get(ctx, e.timelinePath)
	e.metrics.RecordDCSOperation("get", err)
	if err != nil && !errors.Is(err, dcs.ErrNoNode) {
		return 0, err
	}

	var timeline uint64
	if err == nil {
		timeline = decodeTimeline(data)
		if storedGen > timeline {
			timeline = storedGen
		}
	}

	gen := timeline
	if hg := e.view.HighestGeneration(e.cfg.NodeID); hg > gen {
		gen = hg
	}
	if lg := e.Generation(); lg > gen {
		gen = lg
	}
	gen++

	if errors.Is(err, dcs.ErrNoNode) {
		cerr := e.client.Create(ctx, e.timelinePath, encodeTimeline(gen))
		e.metrics.RecordDCSOperation("create", cerr)
		if cerr == nil {
			return gen, nil
		}
		if !errors.Is(cerr, dcs.ErrNodeExists) {
			return 0, cerr
		}
	}

	serr := e.client.Set(ctx, e.timelinePath, encodeTimeline(gen), gen)
	e.metrics.RecordDCSOperation("set", serr)
	if serr != nil {
		return 0, serr
	}
	return gen, nil
}

// stepDown demotes a master to replica: on_demote callbacks first, then
// the lease is released, then the role flips. Callback failures are
// logged, never fatal; the store-side lease is what actually matters.
func (e *Engine) stepDown(ctx context.Context, cause string) {
	if e.Role() != cluster.RoleMaster {
		return
	}

	for _, cb := range e.registry.LifecycleCallbacks() {
		if err := e.safeOnDemote(ctx, cb); err != nil {
			e.logger.Error("demote callback failed", logging.Error(err))
		}
	}
	e.releaseLease(ctx)

	e.mu.Lock()
	e.local.Role = cluster.RoleReplica
	gen := e.local.Generation
	e.mu.Unlock()

	e.metrics.DemotionsTotal.WithLabelValues(cause).Inc()
	e.metrics.SetRole("replica")
	e.resetGrace()
	e.logger.Warn("stepped down from master", logging.String("cause", cause))
	e.bus.Publish(pubsub.Transition{
		From: cluster.RoleMaster, To: cluster.RoleReplica,
		Generation: gen, At: time.Now(),
	})
}

func (e *Engine) becomeReplica(reason string) {
	e.mu.Lock()
	prev := e.local.Role
	e.local.Role = cluster.RoleReplica
	gen := e.local.Generation
	e.mu.Unlock()

	e.metrics.SetRole("replica")
	e.resetGrace()
	e.logger.Info("joining as replica", logging.String("reason", reason))
	e.bus.Publish(pubsub.Transition{
		From: prev, To: cluster.RoleReplica, Generation: gen, At: time.Now(),
	})
}

func (e *Engine) releaseLease(ctx context.Context) {
	if err := e.client.ReleaseLease(ctx, e.leasePath, e.cfg.NodeID); err != nil {
		e.logger.Warn("lease release failed", logging.Error(err))
		e.mu.Lock()
		e.releasePending = true
		e.mu.Unlock()
		return
	}
	e.mu.Lock()
	e.releasePending = false
	e.mu.Unlock()
}

// publish writes the local record to the store when it differs from the
// last write that succeeded. Identical state is not rewritten, so
// steady-state ticks generate no watch traffic.
func (e *Engine) publish(ctx context.Context) error {
	e.mu.RLock()
	rec := e.local.Clone()
	rec.Tags = e.composeTagsLocked()
	last := e.lastPublished
	e.mu.RUnlock()

	if last != nil && rec.Equal(last) {
		return nil
	}

	data, err := rec.Encode()
	if err != nil {
		return fmt.Errorf("encode node record: %w", err)
	}

	err = e.client.Set(ctx, e.recordPath(), data, rec.Generation)
	e.metrics.RecordDCSOperation("set", err)
	switch {
	case err == nil:
	case errors.Is(err, dcs.ErrStaleWrite):
		return e.handleStaleWrite(ctx)
	case errors.Is(err, dcs.ErrSessionExpired):
		return e.handleSessionExpired(ctx)
	case errors.Is(err, dcs.ErrNoNode):
		// Record vanished under us; recreate under the live session
		cerr := e.client.CreateEphemeral(ctx, e.recordPath(), data)
		e.metrics.RecordDCSOperation("create", cerr)
		if cerr != nil {
			return fmt.Errorf("recreate node record: %w", cerr)
		}
	default:
		e.logger.Warn("publishing node record failed", logging.Error(err))
		return err
	}

	e.mu.Lock()
	e.lastPublished = rec
	e.mu.Unlock()
	e.metrics.Generation.Set(float64(rec.Generation))
	return nil
}

// handleStaleWrite reacts to the store rejecting our record as stale:
// someone observed a higher generation for this node id, so any master
// claim we hold is invalid. Demote, force a re-read, adopt the highest
// observed generation and republish.
func (e *Engine) handleStaleWrite(ctx context.Context) error {
	e.logger.Warn("record write rejected as stale, demoting")

	if e.Role() == cluster.RoleMaster {
		e.stepDown(ctx, "stale_write")
	} else {
		e.metrics.DemotionsTotal.WithLabelValues("stale_write").Inc()
	}

	snap, err := e.client.ChildrenWithData(ctx, e.statePath)
	e.metrics.RecordDCSOperation("children", err)
	if err == nil {
		e.view.Refresh(snap)
	}

	e.mu.Lock()
	if e.local.Role == cluster.RoleMaster {
		e.local.Role = cluster.RoleReplica
	}
	if hg := e.view.HighestGeneration(e.cfg.NodeID); hg > e.local.Generation {
		e.local.Generation = hg
	}
	e.lastPublished = nil
	rec := e.local.Clone()
	rec.Tags = e.composeTagsLocked()
	e.mu.Unlock()

	data, err := rec.Encode()
	if err != nil {
		return fmt.Errorf("encode node record: %w", err)
	}
	err = e.client.Set(ctx, e.recordPath(), data, rec.Generation)
	e.metrics.RecordDCSOperation("set", err)
	if err != nil {
		e.logger.Warn("republish after stale write failed", logging.Error(err))
		return err
	}

	e.mu.Lock()
	e.lastPublished = rec
	e.mu.Unlock()
	return nil
}

// handleSessionExpired drops all authority derived from the dead
// session. The caller restarts participation with a fresh session.
func (e *Engine) handleSessionExpired(ctx context.Context) error {
	e.metrics.SessionExpiries.Inc()
	prev := e.Role()

	if prev == cluster.RoleMaster {
		for _, cb := range e.registry.LifecycleCallbacks() {
			if err := e.safeOnDemote(ctx, cb); err != nil {
				e.logger.Error("demote callback failed", logging.Error(err))
			}
		}
		e.metrics.DemotionsTotal.WithLabelValues("session_expired").Inc()
	}

	e.mu.Lock()
	e.local.Role = cluster.RoleInitializing
	gen := e.local.Generation
	e.lastPublished = nil
	e.mu.Unlock()

	// The store already reclaimed this session's ephemerals; the view
	// must not keep serving the dead record until the next re-read
	e.view.MarkExpired(e.cfg.NodeID)

	e.metrics.SetRole("initializing")
	e.logger.Error("consensus session expired, restarting participation")
	if prev != cluster.RoleInitializing {
		e.bus.Publish(pubsub.Transition{
			From: prev, To: cluster.RoleInitializing,
			Generation: gen, At: time.Now(),
		})
	}
	return dcs.ErrSessionExpired
}

// composeTagsLocked merges provider tags with engine owned tags.
// Callers hold e.mu.
func (e *Engine) composeTagsLocked() map[string]string {
	merged := make(map[string]string, len(e.providerTags)+len(e.ownTags))
	for k, v := range e.providerTags {
		merged[k] = v
	}
	for k, v := range e.ownTags {
		merged[k] = v
	}
	return merged
}

// SetTag publishes an engine owned tag on the node record. Used by the
// backup orchestrator to expose backup status to operators.
func (e *Engine) SetTag(key, value string) {
	e.setOwnTag(key, value)
}

func (e *Engine) setOwnTag(key, value string) {
	e.mu.Lock()
	e.ownTags[key] = value
	e.mu.Unlock()
}

func (e *Engine) resetGrace() {
	e.mu.Lock()
	e.graceLeft = e.cfg.CandidateGraceTicks
	e.mu.Unlock()
}

func (e *Engine) safeOnPromote(ctx context.Context, cb plugin.LifecycleCallback) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = plugin.NewError(cb.Name(), "on_promote", fmt.Errorf("panic: %v", r))
		}
	}()
	if cbErr := cb.OnPromote(ctx); cbErr != nil {
		return plugin.NewError(cb.Name(), "on_promote", cbErr)
	}
	return nil
}

func (e *Engine) safeOnDemote(ctx context.Context, cb plugin.LifecycleCallback) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = plugin.NewError(cb.Name(), "on_demote", fmt.Errorf("panic: %v", r))
		}
	}()
	if cbErr := cb.OnDemote(ctx); cbErr != nil {
		return plugin.NewError(cb.Name(), "on_demote", cbErr)
	}
	return nil
}

func (e *Engine) safeTags(ctx context.Context, tp plugin.TagProvider) map[string]string {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Warn("tag provider panicked",
				logging.String("panic", fmt.Sprint(r)))
		}
	}()
	return tp.Tags(ctx)
}
