package memdcs

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/dd0wney/cluso-deadman/pkg/dcs"
)

// Client is one session against the shared Store. Ephemeral entries it
// creates disappear when the session expires or the client is closed.
type Client struct {
	store   *Store
	session string
	expired chan struct{}
	once    sync.Once
}

var _ dcs.Client = (*Client)(nil)

// Session opens a new session-scoped client on the store
func (s *Store) Session() *Client {
	return &Client{
		store:   s,
		session: uuid.NewString(),
		expired: make(chan struct{}),
	}
}

// ExpireSession simulates session loss (crash, sustained partition):
// the store drops every ephemeral entry the session owned, watchers of
// this client close, and SessionExpired fires.
func (c *Client) ExpireSession() {
	c.once.Do(func() {
		c.store.mu.Lock()
		c.store.expireSessionLocked(c.session)
		c.store.mu.Unlock()
		close(c.expired)
	})
}

func (c *Client) check() error {
	select {
	case <-c.expired:
		return dcs.ErrSessionExpired
	default:
	}
	if c.store.unavailable {
		return dcs.ErrConsensusUnavailable
	}
	return nil
}

// CreateEphemeral creates a session-bound entry at path
func (c *Client) CreateEphemeral(ctx context.Context, p string, data []byte) error {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	if err := c.check(); err != nil {
		return err
	}
	if _, exists := c.store.entries[p]; exists {
		return fmt.Errorf("%w: %s", dcs.ErrNodeExists, p)
	}

	stored := make([]byte, len(data))
	copy(stored, data)
	c.store.entries[p] = &entry{data: stored, ephemeral: true, session: c.session}
	c.store.notifyLocked(p)
	return nil
}

// Create creates a persistent entry at path
func (c *Client) Create(ctx context.Context, p string, data []byte) error {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	if err := c.check(); err != nil {
		return err
	}
	if _, exists := c.store.entries[p]; exists {
		return fmt.Errorf("%w: %s", dcs.ErrNodeExists, p)
	}

	stored := make([]byte, len(data))
	copy(stored, data)
	c.store.entries[p] = &entry{data: stored}
	c.store.notifyLocked(p)
	return nil
}

// Get reads one entry's data and stored generation
func (c *Client) Get(ctx context.Context, p string) ([]byte, uint64, error) {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	if err := c.check(); err != nil {
		return nil, 0, err
	}
	e, exists := c.store.entries[p]
	if !exists {
		return nil, 0, fmt.Errorf("%w: %s", dcs.ErrNoNode, p)
	}
	out := make([]byte, len(e.data))
	copy(out, e.data)
	return out, e.generation, nil
}

// Set updates an entry, enforcing generation fencing
func (c *Client) Set(ctx context.Context, p string, data []byte, expectedGeneration uint64) error {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	if err := c.check(); err != nil {
		return err
	}

	e, exists := c.store.entries[p]
	if !exists {
		return fmt.Errorf("%w: %s", dcs.ErrNoNode, p)
	}
	if e.ephemeral && e.session != c.session {
		// The entry was re-created under a newer session; this
		// client's view of it is stale by definition.
		return fmt.Errorf("%w: %s owned by another session", dcs.ErrStaleWrite, p)
	}
	if e.generation > expectedGeneration {
		return fmt.Errorf("%w: %s at generation %d, write at %d",
			dcs.ErrStaleWrite, p, e.generation, expectedGeneration)
	}

	stored := make([]byte, len(data))
	copy(stored, data)
	e.data = stored
	e.generation = expectedGeneration
	c.store.notifyLocked(p)
	return nil
}

// Delete removes an entry; missing entries are a no-op
func (c *Client) Delete(ctx context.Context, p string) error {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	if err := c.check(); err != nil {
		return err
	}
	if _, exists := c.store.entries[p]; !exists {
		return nil
	}
	delete(c.store.entries, p)
	c.store.notifyLocked(p)
	return nil
}

// ChildrenWithData reads every child entry under path
func (c *Client) ChildrenWithData(ctx context.Context, p string) (dcs.Snapshot, error) {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	if err := c.check(); err != nil {
		return nil, err
	}
	return c.store.childrenLocked(p), nil
}

// AcquireLease atomically creates the lease entry. Exactly one session
// can hold it; the create-if-absent check and insert happen under one
// lock acquisition, mirroring the store-side atomicity of the real thing.
func (c *Client) AcquireLease(ctx context.Context, p, owner string) (bool, error) {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	if err := c.check(); err != nil {
		return false, err
	}
	if _, exists := c.store.entries[p]; exists {
		return false, nil
	}
	c.store.entries[p] = &entry{data: []byte(owner), ephemeral: true, session: c.session}
	c.store.notifyLocked(p)
	return true, nil
}

// ReleaseLease deletes the lease entry if owner holds it
func (c *Client) ReleaseLease(ctx context.Context, p, owner string) error {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	if err := c.check(); err != nil {
		return err
	}
	e, exists := c.store.entries[p]
	if !exists || string(e.data) != owner {
		return nil
	}
	delete(c.store.entries, p)
	c.store.notifyLocked(p)
	return nil
}

// LeaseOwner returns the current lease holder
func (c *Client) LeaseOwner(ctx context.Context, p string) (string, bool, error) {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	if err := c.check(); err != nil {
		return "", false, err
	}
	e, exists := c.store.entries[p]
	if !exists {
		return "", false, nil
	}
	return string(e.data), true, nil
}

// Watch registers a change stream for the subtree at path
func (c *Client) Watch(ctx context.Context, p string) (<-chan dcs.Event, error) {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	if err := c.check(); err != nil {
		return nil, err
	}
	w := &watcher{path: p, session: c.session, ch: make(chan dcs.Event, 16)}
	c.store.watchers = append(c.store.watchers, w)
	return w.ch, nil
}

// SessionExpired is closed when this session dies
func (c *Client) SessionExpired() <-chan struct{} {
	return c.expired
}

// Close expires the session, dropping all its ephemeral entries
func (c *Client) Close() error {
	c.ExpireSession()
	return nil
}
