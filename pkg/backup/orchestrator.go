// Package backup schedules master-only storage snapshots through the
// configured BackupProvider plugin.
package backup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dd0wney/cluso-deadman/pkg/cluster"
	"github.com/dd0wney/cluso-deadman/pkg/logging"
	"github.com/dd0wney/cluso-deadman/pkg/metrics"
	"github.com/dd0wney/cluso-deadman/pkg/plugin"
	"github.com/dd0wney/cluso-deadman/pkg/pubsub"
)

var (
	// ErrBackupInFlight is returned when a trigger arrives while a
	// snapshot is already running
	ErrBackupInFlight = errors.New("backup already in flight")

	// ErrNotMaster is returned when a backup is attempted on a node
	// that is not the current master
	ErrNotMaster = errors.New("node is not master")

	// ErrSnapshotDistrusted is returned when the node lost mastership
	// while the snapshot was being taken
	ErrSnapshotDistrusted = errors.New("snapshot taken across a demotion, distrusted")

	// ErrRestoreOnMaster is returned when a restore is attempted on the
	// current master
	ErrRestoreOnMaster = errors.New("refusing to restore over a live master")
)

// RoleSource reports the node's current role. The election engine
// satisfies it.
type RoleSource interface {
	Role() cluster.Role
}

// Tagger publishes a tag on the node's cluster record
type Tagger interface {
	SetTag(key, value string)
}

// Orchestrator runs snapshots on an interval while the node is master.
// The interval is measured from the completion of one snapshot to the
// start of the next, so a slow snapshot never causes overlapping runs;
// a trigger arriving while one is in flight is a no-op.
type Orchestrator struct {
	provider plugin.BackupProvider
	roles    RoleSource
	tagger   Tagger
	bus      *pubsub.Bus
	interval time.Duration
	logger   logging.Logger
	metrics  *metrics.Registry

	mu            sync.Mutex
	inFlight      bool
	lastRef       plugin.SnapshotRef
	lastCompleted time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
}

// Option configures optional orchestrator collaborators
type Option func(*Orchestrator)

// WithLogger sets the orchestrator logger
func WithLogger(logger logging.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithMetrics sets the metrics registry
func WithMetrics(reg *metrics.Registry) Option {
	return func(o *Orchestrator) { o.metrics = reg }
}

// WithTagger publishes last_backup on the node record after each
// successful snapshot
func WithTagger(t Tagger) Option {
	return func(o *Orchestrator) { o.tagger = t }
}

// NewOrchestrator creates an orchestrator over the given provider. The
// bus delivers role transitions; backups are scheduled only while the
// role is master.
func NewOrchestrator(provider plugin.BackupProvider, roles RoleSource, bus *pubsub.Bus, interval time.Duration, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		provider: provider,
		roles:    roles,
		bus:      bus,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = logging.DefaultLogger().With(logging.Component("backup"))
	}
	if o.metrics == nil {
		o.metrics = metrics.DefaultRegistry()
	}
	return o
}

// Run drives the schedule until the context is cancelled or Stop is
// called. A promotion arms the timer one full interval out; a demotion
// disarms it.
func (o *Orchestrator) Run(ctx context.Context) error {
	if o.interval <= 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-o.stopCh:
			return nil
		}
	}

	sub := o.bus.Subscribe()
	defer sub.Unsubscribe()

	timer := time.NewTimer(o.interval)
	if o.roles.Role() != cluster.RoleMaster {
		stopTimer(timer)
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-o.stopCh:
			return nil
		case tr, ok := <-sub.C():
			if !ok {
				return nil
			}
			switch {
			case tr.To == cluster.RoleMaster:
				o.logger.Info("promoted, arming backup schedule",
					logging.Duration("interval", o.interval))
				stopTimer(timer)
				timer.Reset(o.interval)
			case tr.From == cluster.RoleMaster:
				o.logger.Info("demoted, disarming backup schedule")
				stopTimer(timer)
			}
		case <-timer.C:
			if _, err := o.TriggerNow(ctx); err != nil {
				o.logger.Warn("scheduled backup did not complete",
					logging.Error(err))
			}
			// Next run is one interval after this one finished
			timer.Reset(o.interval)
		}
	}
}

// Stop requests a clean shutdown of a running orchestrator
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() { close(o.stopCh) })
}

// TriggerNow takes one snapshot immediately, subject to the same guards
// as scheduled runs: master-only, never overlapping, distrusted if the
// node was demoted while the snapshot ran.
func (o *Orchestrator) TriggerNow(ctx context.Context) (plugin.SnapshotRef, error) {
	o.mu.Lock()
	if o.inFlight {
		o.mu.Unlock()
		o.metrics.RecordBackup("skipped", 0)
		return plugin.SnapshotRef{}, ErrBackupInFlight
	}
	o.inFlight = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.inFlight = false
		o.mu.Unlock()
	}()

	if o.roles.Role() != cluster.RoleMaster {
		o.metrics.RecordBackup("skipped", 0)
		return plugin.SnapshotRef{}, ErrNotMaster
	}

	o.metrics.BackupInFlight.Set(1)
	defer o.metrics.BackupInFlight.Set(0)

	start := time.Now()
	ref, err := o.provider.Snapshot(ctx)
	elapsed := time.Since(start)
	if err != nil {
		o.metrics.RecordBackup("error", elapsed)
		return plugin.SnapshotRef{}, plugin.NewError(o.provider.Name(), "snapshot", err)
	}

	// A demotion while the snapshot ran means it may span a fenced
	// timeline; record it as distrusted and do not advertise it
	if o.roles.Role() != cluster.RoleMaster {
		o.metrics.RecordBackup("distrusted", elapsed)
		o.logger.Warn("demoted during snapshot, result distrusted",
			logging.String("snapshot_id", ref.ID))
		return plugin.SnapshotRef{}, ErrSnapshotDistrusted
	}

	o.metrics.RecordBackup("ok", elapsed)
	o.logger.Info("snapshot complete",
		logging.String("snapshot_id", ref.ID),
		logging.Duration("elapsed", elapsed),
		logging.Uint64("size_bytes", uint64(ref.Size)))

	o.mu.Lock()
	o.lastRef = ref
	o.lastCompleted = time.Now()
	o.mu.Unlock()

	if o.tagger != nil {
		o.tagger.SetTag("last_backup", ref.ID)
	}
	return ref, nil
}

// Restore restores local storage from the given snapshot. Refused on a
// live master; restoring over the authoritative copy is never right.
func (o *Orchestrator) Restore(ctx context.Context, ref plugin.SnapshotRef) error {
	if o.roles.Role() == cluster.RoleMaster {
		o.metrics.RestoresTotal.WithLabelValues("refused").Inc()
		return ErrRestoreOnMaster
	}
	if err := o.provider.Restore(ctx, ref); err != nil {
		o.metrics.RestoresTotal.WithLabelValues("error").Inc()
		return plugin.NewError(o.provider.Name(), "restore", fmt.Errorf("%s: %w", ref.ID, err))
	}
	o.metrics.RestoresTotal.WithLabelValues("ok").Inc()
	o.logger.Info("restore complete", logging.String("snapshot_id", ref.ID))
	return nil
}

// RestoreLatest restores from the newest available snapshot
func (o *Orchestrator) RestoreLatest(ctx context.Context) error {
	refs, err := o.provider.ListSnapshots(ctx)
	if err != nil {
		return plugin.NewError(o.provider.Name(), "list_snapshots", err)
	}
	if len(refs) == 0 {
		return errors.New("no snapshots available")
	}
	return o.Restore(ctx, refs[len(refs)-1])
}

// LastBackup returns the most recent trusted snapshot, if any
func (o *Orchestrator) LastBackup() (plugin.SnapshotRef, time.Time, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastRef, o.lastCompleted, !o.lastCompleted.IsZero()
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}
