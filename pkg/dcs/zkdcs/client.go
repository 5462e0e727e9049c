// Package zkdcs adapts a ZooKeeper ensemble to the dcs.Client
// interface. Ephemeral znodes carry the node records and the election
// lease; fencing generations ride in an envelope inside each znode.
package zkdcs

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	gozk "github.com/go-zookeeper/zk"

	"github.com/dd0wney/cluso-deadman/pkg/dcs"
	"github.com/dd0wney/cluso-deadman/pkg/logging"
)

// Client is one ZooKeeper session
type Client struct {
	conn   *gozk.Conn
	logger logging.Logger

	expired     chan struct{}
	expiredOnce sync.Once
	done        chan struct{}
	closeOnce   sync.Once
}

var _ dcs.Client = (*Client)(nil)

// Connect opens a session against the ensemble. The session timeout is
// what bounds failover latency: ephemerals of a dead daemon survive at
// most this long.
func Connect(servers []string, sessionTimeout time.Duration, logger logging.Logger) (*Client, error) {
	if len(servers) == 0 {
		return nil, fmt.Errorf("zookeeper: no servers configured")
	}
	if logger == nil {
		logger = logging.DefaultLogger().With(logging.Component("zkdcs"))
	}

	conn, events, err := gozk.Connect(servers, sessionTimeout,
		gozk.WithLogInfo(false))
	if err != nil {
		return nil, fmt.Errorf("zookeeper connect: %w", err)
	}

	c := &Client{
		conn:    conn,
		logger:  logger,
		expired: make(chan struct{}),
		done:    make(chan struct{}),
	}
	go c.sessionLoop(events)
	return c, nil
}

func (c *Client) sessionLoop(events <-chan gozk.Event) {
	for {
		select {
		case <-c.done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Type != gozk.EventSession {
				continue
			}
			switch ev.State {
			case gozk.StateExpired:
				c.logger.Error("zookeeper session expired")
				c.expiredOnce.Do(func() { close(c.expired) })
			case gozk.StateHasSession:
				c.logger.Info("zookeeper session established")
			case gozk.StateDisconnected:
				c.logger.Warn("zookeeper connection lost, session pending")
			}
		}
	}
}

// CreateEphemeral creates a session-bound znode at path
func (c *Client) CreateEphemeral(ctx context.Context, p string, data []byte) error {
	if err := c.ensureParents(p); err != nil {
		return err
	}
	_, err := c.conn.Create(p, encodeEnvelope(0, data),
		gozk.FlagEphemeral, gozk.WorldACL(gozk.PermAll))
	return c.mapErr(err)
}

// Create creates a persistent znode at path
func (c *Client) Create(ctx context.Context, p string, data []byte) error {
	if err := c.ensureParents(p); err != nil {
		return err
	}
	_, err := c.conn.Create(p, encodeEnvelope(0, data),
		0, gozk.WorldACL(gozk.PermAll))
	return c.mapErr(err)
}

// Get reads one znode's payload and fencing generation
func (c *Client) Get(ctx context.Context, p string) ([]byte, uint64, error) {
	raw, _, err := c.conn.Get(p)
	if err != nil {
		return nil, 0, c.mapErr(err)
	}
	gen, data := decodeEnvelope(raw)
	return data, gen, nil
}

// Set updates a znode, enforcing generation fencing. The znode version
// guards against concurrent writers; a losing race reads as staleness.
func (c *Client) Set(ctx context.Context, p string, data []byte, expectedGeneration uint64) error {
	for attempt := 0; attempt < 2; attempt++ {
		raw, stat, err := c.conn.Get(p)
		if err != nil {
			return c.mapErr(err)
		}
		gen, _ := decodeEnvelope(raw)
		if gen > expectedGeneration {
			return fmt.Errorf("%w: %s at generation %d, write at %d",
				dcs.ErrStaleWrite, p, gen, expectedGeneration)
		}

		_, err = c.conn.Set(p, encodeEnvelope(expectedGeneration, data), stat.Version)
		if errors.Is(err, gozk.ErrBadVersion) {
			continue
		}
		return c.mapErr(err)
	}
	return fmt.Errorf("%w: %s lost concurrent write race", dcs.ErrStaleWrite, p)
}

// Delete removes a znode; missing znodes are a no-op
func (c *Client) Delete(ctx context.Context, p string) error {
	err := c.conn.Delete(p, -1)
	if errors.Is(err, gozk.ErrNoNode) {
		return nil
	}
	return c.mapErr(err)
}

// ChildrenWithData reads every child znode under path
func (c *Client) ChildrenWithData(ctx context.Context, p string) (dcs.Snapshot, error) {
	names, _, err := c.conn.Children(p)
	if errors.Is(err, gozk.ErrNoNode) {
		return dcs.Snapshot{}, nil
	}
	if err != nil {
		return nil, c.mapErr(err)
	}

	snap := make(dcs.Snapshot, len(names))
	for _, name := range names {
		raw, _, err := c.conn.Get(path.Join(p, name))
		if errors.Is(err, gozk.ErrNoNode) {
			// Deleted between the child listing and the read
			continue
		}
		if err != nil {
			return nil, c.mapErr(err)
		}
		_, data := decodeEnvelope(raw)
		snap[name] = data
	}
	return snap, nil
}

// AcquireLease attempts the atomic create of the lease znode
func (c *Client) AcquireLease(ctx context.Context, p, owner string) (bool, error) {
	if err := c.ensureParents(p); err != nil {
		return false, err
	}
	_, err := c.conn.Create(p, encodeEnvelope(0, []byte(owner)),
		gozk.FlagEphemeral, gozk.WorldACL(gozk.PermAll))
	if errors.Is(err, gozk.ErrNodeExists) {
		return false, nil
	}
	if err != nil {
		return false, c.mapErr(err)
	}
	return true, nil
}

// ReleaseLease deletes the lease znode if owner holds it
func (c *Client) ReleaseLease(ctx context.Context, p, owner string) error {
	raw, stat, err := c.conn.Get(p)
	if errors.Is(err, gozk.ErrNoNode) {
		return nil
	}
	if err != nil {
		return c.mapErr(err)
	}
	_, data := decodeEnvelope(raw)
	if string(data) != owner {
		return nil
	}

	err = c.conn.Delete(p, stat.Version)
	if errors.Is(err, gozk.ErrNoNode) || errors.Is(err, gozk.ErrBadVersion) {
		return nil
	}
	return c.mapErr(err)
}

// LeaseOwner returns the current lease holder
func (c *Client) LeaseOwner(ctx context.Context, p string) (string, bool, error) {
	raw, _, err := c.conn.Get(p)
	if errors.Is(err, gozk.ErrNoNode) {
		return "", false, nil
	}
	if err != nil {
		return "", false, c.mapErr(err)
	}
	_, data := decodeEnvelope(raw)
	return string(data), true, nil
}

// Watch streams change notifications for the subtree at path.
// ZooKeeper watches are one-shot, so each loop re-arms after firing;
// consumers re-read the full snapshot on every event, which makes the
// coalescing harmless.
func (c *Client) Watch(ctx context.Context, p string) (<-chan dcs.Event, error) {
	out := make(chan dcs.Event, 16)
	go c.childrenWatchLoop(ctx, p, out)
	go c.nodeWatchLoop(ctx, p, out)
	return out, nil
}

func (c *Client) childrenWatchLoop(ctx context.Context, p string, out chan<- dcs.Event) {
	for {
		_, _, ch, err := c.conn.ChildrenW(p)
		if err != nil {
			if !c.watchRetry(ctx, p, err) {
				return
			}
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-c.expired:
			return
		case <-ch:
			c.send(out, dcs.Event{Type: dcs.EventChildrenChanged, Path: p})
		}
	}
}

func (c *Client) nodeWatchLoop(ctx context.Context, p string, out chan<- dcs.Event) {
	for {
		_, _, ch, err := c.conn.ExistsW(p)
		if err != nil {
			if !c.watchRetry(ctx, p, err) {
				return
			}
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-c.expired:
			return
		case <-ch:
			c.send(out, dcs.Event{Type: dcs.EventLeaseChanged, Path: p})
		}
	}
}

// watchRetry decides whether a watch loop should re-arm after an error
func (c *Client) watchRetry(ctx context.Context, p string, err error) bool {
	if errors.Is(err, gozk.ErrSessionExpired) || errors.Is(err, gozk.ErrConnectionClosed) {
		return false
	}
	if errors.Is(err, gozk.ErrNoNode) {
		if perr := c.ensureParents(path.Join(p, "x")); perr != nil {
			c.logger.Warn("watch target missing", logging.Path(p), logging.Error(perr))
		}
	} else {
		c.logger.Warn("watch re-arm failed", logging.Path(p), logging.Error(err))
	}

	select {
	case <-ctx.Done():
		return false
	case <-c.done:
		return false
	case <-c.expired:
		return false
	case <-time.After(time.Second):
		return true
	}
}

func (c *Client) send(out chan<- dcs.Event, ev dcs.Event) {
	select {
	case out <- ev:
	default:
	}
}

// SessionExpired is closed when the ZooKeeper session dies for good
func (c *Client) SessionExpired() <-chan struct{} {
	return c.expired
}

// Close tears down the connection and all watch loops
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
	return nil
}

// ensureParents creates the persistent ancestor chain of p
func (c *Client) ensureParents(p string) error {
	parent := path.Dir(p)
	if parent == "/" || parent == "." {
		return nil
	}

	var prefix string
	for _, part := range strings.Split(strings.Trim(parent, "/"), "/") {
		prefix = prefix + "/" + part
		_, err := c.conn.Create(prefix, nil, 0, gozk.WorldACL(gozk.PermAll))
		if err != nil && !errors.Is(err, gozk.ErrNodeExists) {
			return c.mapErr(err)
		}
	}
	return nil
}

// mapErr translates library errors into the dcs error taxonomy
func (c *Client) mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gozk.ErrNoNode):
		return fmt.Errorf("%w: %v", dcs.ErrNoNode, err)
	case errors.Is(err, gozk.ErrNodeExists):
		return fmt.Errorf("%w: %v", dcs.ErrNodeExists, err)
	case errors.Is(err, gozk.ErrSessionExpired), errors.Is(err, gozk.ErrSessionMoved):
		c.expiredOnce.Do(func() { close(c.expired) })
		return fmt.Errorf("%w: %v", dcs.ErrSessionExpired, err)
	case errors.Is(err, gozk.ErrConnectionClosed), errors.Is(err, gozk.ErrNoServer):
		return fmt.Errorf("%w: %v", dcs.ErrConsensusUnavailable, err)
	default:
		return fmt.Errorf("%w: %v", dcs.ErrConsensusUnavailable, err)
	}
}
