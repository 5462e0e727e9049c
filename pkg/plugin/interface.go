package plugin

import (
	"context"
)

// Plugin is the base interface every configured plugin implements.
// Capabilities are discovered by interface assertion: a plugin may
// additionally implement any subset of HealthSource, Conditional,
// LifecycleCallback, BackupProvider and TagProvider.
type Plugin interface {
	// Name returns the plugin name (e.g., "postgres", "s3-snapshot")
	Name() string
}

// HealthSource reports whether the local node is healthy.
// The node as a whole is healthy only if every registered source agrees.
type HealthSource interface {
	Plugin

	// Check returns whether the node is healthy and, if not, the reason
	Check(ctx context.Context) (healthy bool, reason string)
}

// Conditional gates whether this node may become (or stay) master.
// All registered conditionals must return true before a promotion is attempted.
type Conditional interface {
	Plugin

	// Allowed returns true if this node is permitted to take over as master
	Allowed(ctx context.Context) bool
}

// LifecycleCallback applies side effects on role transitions.
// OnPromote runs before the node publishes role=master; a failure aborts
// the promotion attempt. OnDemote runs before the node publishes its
// demoted role; failures are logged but do not block the demotion.
type LifecycleCallback interface {
	Plugin

	OnPromote(ctx context.Context) error
	OnDemote(ctx context.Context) error
}

// SnapshotRef identifies one stored snapshot
type SnapshotRef struct {
	ID        string `json:"id"`
	Location  string `json:"location"`
	Timestamp int64  `json:"timestamp"`
	Size      int64  `json:"size"`
}

// BackupProvider takes and restores storage snapshots
type BackupProvider interface {
	Plugin

	// Snapshot takes a snapshot of the local database storage
	Snapshot(ctx context.Context) (SnapshotRef, error)

	// Restore restores the local storage from the given snapshot
	Restore(ctx context.Context, ref SnapshotRef) error

	// ListSnapshots returns the available snapshots, oldest first
	ListSnapshots(ctx context.Context) ([]SnapshotRef, error)
}

// TagProvider contributes opaque metadata to the node's published record
type TagProvider interface {
	Plugin

	// Tags returns plugin-specific metadata (e.g., instance id, volume ids)
	Tags(ctx context.Context) map[string]string
}
