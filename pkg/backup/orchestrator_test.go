package backup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-deadman/pkg/cluster"
	"github.com/dd0wney/cluso-deadman/pkg/metrics"
	"github.com/dd0wney/cluso-deadman/pkg/plugin"
	"github.com/dd0wney/cluso-deadman/pkg/pubsub"
)

type fakeProvider struct {
	mu        sync.Mutex
	snapshots int
	restores  []string
	err       error
	// block, when set, holds Snapshot until the channel is closed
	block chan struct{}
	refs  []plugin.SnapshotRef
}

func (f *fakeProvider) Name() string { return "fake-snap" }

func (f *fakeProvider) Snapshot(ctx context.Context) (plugin.SnapshotRef, error) {
	f.mu.Lock()
	block := f.block
	err := f.err
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return plugin.SnapshotRef{}, ctx.Err()
		}
	}
	if err != nil {
		return plugin.SnapshotRef{}, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots++
	return plugin.SnapshotRef{
		ID:        fmt.Sprintf("snap-%d", f.snapshots),
		Location:  "mem://snapshots",
		Timestamp: time.Now().Unix(),
		Size:      1024,
	}, nil
}

func (f *fakeProvider) Restore(ctx context.Context, ref plugin.SnapshotRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restores = append(f.restores, ref.ID)
	return f.err
}

func (f *fakeProvider) ListSnapshots(ctx context.Context) ([]plugin.SnapshotRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refs, f.err
}

func (f *fakeProvider) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshots
}

type fakeRole struct {
	mu   sync.Mutex
	role cluster.Role
}

func (r *fakeRole) Role() cluster.Role {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.role
}

func (r *fakeRole) set(role cluster.Role) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.role = role
}

type fakeTagger struct {
	mu   sync.Mutex
	tags map[string]string
}

func (t *fakeTagger) SetTag(key, value string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.tags == nil {
		t.tags = map[string]string{}
	}
	t.tags[key] = value
}

func newTestOrchestrator(provider *fakeProvider, role *fakeRole, bus *pubsub.Bus, interval time.Duration, opts ...Option) *Orchestrator {
	opts = append(opts, WithMetrics(metrics.NewRegistry()))
	return NewOrchestrator(provider, role, bus, interval, opts...)
}

func TestTriggerMasterOnly(t *testing.T) {
	provider := &fakeProvider{}
	role := &fakeRole{role: cluster.RoleReplica}
	o := newTestOrchestrator(provider, role, pubsub.NewBus(), time.Hour)

	_, err := o.TriggerNow(context.Background())
	assert.ErrorIs(t, err, ErrNotMaster)
	assert.Zero(t, provider.count())

	role.set(cluster.RoleMaster)
	ref, err := o.TriggerNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "snap-1", ref.ID)
}

func TestTriggerWhileInFlightIsNoop(t *testing.T) {
	provider := &fakeProvider{block: make(chan struct{})}
	role := &fakeRole{role: cluster.RoleMaster}
	o := newTestOrchestrator(provider, role, pubsub.NewBus(), time.Hour)

	done := make(chan error, 1)
	go func() {
		_, err := o.TriggerNow(context.Background())
		done <- err
	}()

	// Wait until the first snapshot is actually in flight
	require.Eventually(t, func() bool {
		o.mu.Lock()
		defer o.mu.Unlock()
		return o.inFlight
	}, time.Second, time.Millisecond)

	_, err := o.TriggerNow(context.Background())
	assert.ErrorIs(t, err, ErrBackupInFlight)

	close(provider.block)
	require.NoError(t, <-done)
	assert.Equal(t, 1, provider.count())
}

func TestDemotionDuringSnapshotDistrustsResult(t *testing.T) {
	provider := &fakeProvider{block: make(chan struct{})}
	role := &fakeRole{role: cluster.RoleMaster}
	tagger := &fakeTagger{}
	o := newTestOrchestrator(provider, role, pubsub.NewBus(), time.Hour, WithTagger(tagger))

	done := make(chan error, 1)
	go func() {
		_, err := o.TriggerNow(context.Background())
		done <- err
	}()

	require.Eventually(t, func() bool {
		o.mu.Lock()
		defer o.mu.Unlock()
		return o.inFlight
	}, time.Second, time.Millisecond)

	role.set(cluster.RoleReplica)
	close(provider.block)

	assert.ErrorIs(t, <-done, ErrSnapshotDistrusted)
	_, _, ok := o.LastBackup()
	assert.False(t, ok)
	tagger.mu.Lock()
	_, tagged := tagger.tags["last_backup"]
	tagger.mu.Unlock()
	assert.False(t, tagged)
}

func TestScheduledBackupsRunWhileMaster(t *testing.T) {
	provider := &fakeProvider{}
	role := &fakeRole{role: cluster.RoleReplica}
	bus := pubsub.NewBus()
	o := newTestOrchestrator(provider, role, bus, 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	// Not master: the schedule stays disarmed
	time.Sleep(60 * time.Millisecond)
	assert.Zero(t, provider.count())

	role.set(cluster.RoleMaster)
	bus.Publish(pubsub.Transition{From: cluster.RoleReplica, To: cluster.RoleMaster})

	require.Eventually(t, func() bool {
		return provider.count() >= 2
	}, 2*time.Second, 5*time.Millisecond)

	// Demotion disarms the schedule again
	role.set(cluster.RoleReplica)
	bus.Publish(pubsub.Transition{From: cluster.RoleMaster, To: cluster.RoleReplica})
	time.Sleep(40 * time.Millisecond)
	after := provider.count()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, after, provider.count())

	o.Stop()
	require.NoError(t, <-done)
}

func TestLastBackupAndTag(t *testing.T) {
	provider := &fakeProvider{}
	role := &fakeRole{role: cluster.RoleMaster}
	tagger := &fakeTagger{}
	o := newTestOrchestrator(provider, role, pubsub.NewBus(), time.Hour, WithTagger(tagger))

	ref, err := o.TriggerNow(context.Background())
	require.NoError(t, err)

	got, at, ok := o.LastBackup()
	require.True(t, ok)
	assert.Equal(t, ref.ID, got.ID)
	assert.WithinDuration(t, time.Now(), at, time.Second)

	tagger.mu.Lock()
	assert.Equal(t, ref.ID, tagger.tags["last_backup"])
	tagger.mu.Unlock()
}

func TestRestoreRefusedOnMaster(t *testing.T) {
	provider := &fakeProvider{}
	role := &fakeRole{role: cluster.RoleMaster}
	o := newTestOrchestrator(provider, role, pubsub.NewBus(), time.Hour)

	err := o.Restore(context.Background(), plugin.SnapshotRef{ID: "snap-1"})
	assert.ErrorIs(t, err, ErrRestoreOnMaster)
}

func TestRestoreLatestPicksNewest(t *testing.T) {
	provider := &fakeProvider{refs: []plugin.SnapshotRef{
		{ID: "snap-1"}, {ID: "snap-2"}, {ID: "snap-3"},
	}}
	role := &fakeRole{role: cluster.RoleInitializing}
	o := newTestOrchestrator(provider, role, pubsub.NewBus(), time.Hour)

	require.NoError(t, o.RestoreLatest(context.Background()))
	provider.mu.Lock()
	defer provider.mu.Unlock()
	assert.Equal(t, []string{"snap-3"}, provider.restores)
}

func TestSnapshotErrorSurfaces(t *testing.T) {
	wantErr := errors.New("disk wedged")
	provider := &fakeProvider{err: wantErr}
	role := &fakeRole{role: cluster.RoleMaster}
	o := newTestOrchestrator(provider, role, pubsub.NewBus(), time.Hour)

	_, err := o.TriggerNow(context.Background())
	assert.ErrorIs(t, err, wantErr)

	// Provider failures carry the plugin name and operation
	var perr *plugin.Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "fake-snap", perr.Plugin)
	assert.Equal(t, "snapshot", perr.Op)

	_, _, ok := o.LastBackup()
	assert.False(t, ok)
}
