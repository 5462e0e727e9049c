// Package dcs defines the consensus-store client interface the deadman
// daemon drives its election through. The store is the single source of
// truth for cluster membership and leadership: node records are ephemeral
// entries that vanish with their owning session, and the election lease
// is an atomically-created entry whose holder may act as master.
package dcs

import (
	"context"
	"path"
)

// EventType classifies a watch notification
type EventType int

const (
	// EventChildrenChanged fires when an entry under the watched path
	// was created, updated or deleted
	EventChildrenChanged EventType = iota
	// EventLeaseChanged fires when the watched lease entry changed hands
	EventLeaseChanged
)

// String returns the string representation of an event type
func (t EventType) String() string {
	switch t {
	case EventChildrenChanged:
		return "children_changed"
	case EventLeaseChanged:
		return "lease_changed"
	default:
		return "unknown"
	}
}

// Event is a single watch notification
type Event struct {
	Type EventType
	Path string
}

// Snapshot maps child entry names to their raw data
type Snapshot map[string][]byte

// Client is the consensus client adapter. Implementations wrap a
// ZooKeeper-class store. All operations honor the context deadline; the
// caller bounds them by the configured session timeout.
type Client interface {
	// CreateEphemeral creates a session-bound entry at path. The entry
	// is removed by the store when the session terminates.
	// Returns ErrNodeExists if the path is already taken.
	CreateEphemeral(ctx context.Context, path string, data []byte) error

	// Create creates a persistent entry at path.
	// Returns ErrNodeExists if the path is already taken.
	Create(ctx context.Context, path string, data []byte) error

	// Get reads one entry's data and stored generation.
	// Returns ErrNoNode if the entry does not exist.
	Get(ctx context.Context, path string) (data []byte, generation uint64, err error)

	// Set updates the entry at path, guarded by the caller's generation.
	// Returns ErrStaleWrite if the stored generation has moved past
	// expectedGeneration, which always means this client is no longer
	// authoritative for the entry.
	Set(ctx context.Context, path string, data []byte, expectedGeneration uint64) error

	// Delete removes the entry at path. Missing entries are not an error.
	Delete(ctx context.Context, path string) error

	// ChildrenWithData reads every child entry under path with its data
	ChildrenWithData(ctx context.Context, path string) (Snapshot, error)

	// AcquireLease atomically creates the lease entry at path with this
	// client's session. Returns false (no error) if another holder exists.
	AcquireLease(ctx context.Context, path, owner string) (bool, error)

	// ReleaseLease deletes the lease entry if owner currently holds it
	ReleaseLease(ctx context.Context, path, owner string) error

	// LeaseOwner returns the current lease holder, or ok=false if the
	// lease is not held
	LeaseOwner(ctx context.Context, path string) (owner string, ok bool, err error)

	// Watch delivers change notifications for the subtree at path. The
	// stream is restartable after connection loss and terminates only
	// when the client is closed.
	Watch(ctx context.Context, path string) (<-chan Event, error)

	// SessionExpired is closed exactly once, when the session backing
	// this client's ephemeral entries has expired. The client is dead
	// afterwards; the daemon must build a fresh one and re-register.
	SessionExpired() <-chan struct{}

	// Close releases the session and all ephemeral entries
	Close() error
}

// StatePath returns the namespace path holding the group's node records
func StatePath(prefix, group string) string {
	return path.Join(prefix, group, "state")
}

// LeasePath returns the namespace path of the group's election lease
func LeasePath(prefix, group string) string {
	return path.Join(prefix, group, "master")
}

// TimelinePath returns the namespace path of the group's persistent
// promotion counter
func TimelinePath(prefix, group string) string {
	return path.Join(prefix, group, "timeline")
}

// Join joins namespace path elements
func Join(elems ...string) string {
	return path.Join(elems...)
}
