// Package deadman implements the election and failover engine: a single
// serialized control loop that publishes the local node's record,
// mirrors the group state, and drives role transitions through the
// external consensus store's lease.
package deadman

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/dd0wney/cluso-deadman/pkg/cluster"
	"github.com/dd0wney/cluso-deadman/pkg/dcs"
	"github.com/dd0wney/cluso-deadman/pkg/health"
	"github.com/dd0wney/cluso-deadman/pkg/logging"
	"github.com/dd0wney/cluso-deadman/pkg/metrics"
	"github.com/dd0wney/cluso-deadman/pkg/plugin"
	"github.com/dd0wney/cluso-deadman/pkg/pubsub"
)

// Config carries the engine's identity and timing parameters
type Config struct {
	NodeID          string
	Group           string
	NamespacePrefix string
	TickInterval    time.Duration
	SessionTimeout  time.Duration
	// CandidateGraceTicks is how many ticks a candidate defers
	// promotion while a live healthy replica with a strictly higher
	// replication position exists
	CandidateGraceTicks int
}

// PositionFunc reports the local replication position for candidate
// ranking. A nil func pins the position at zero.
type PositionFunc func(ctx context.Context) uint64

// Engine is the per-node election and failover state machine. All role
// evaluation happens on a single goroutine; Tick is never entered
// concurrently.
type Engine struct {
	cfg       Config
	client    dcs.Client
	registry  *plugin.Registry
	view      *cluster.StateView
	evaluator *health.Evaluator
	bus       *pubsub.Bus
	logger    logging.Logger
	metrics   *metrics.Registry

	statePath    string
	leasePath    string
	timelinePath string

	positionFn  PositionFunc
	bootstrapFn func(context.Context) error

	// tickMu serializes Tick against itself and against shutdown
	tickMu sync.Mutex

	mu            sync.RWMutex
	local         *cluster.NodeRecord
	lastPublished *cluster.NodeRecord
	graceLeft     int
	// providerTags is rebuilt from TagProvider plugins every tick;
	// ownTags holds engine and orchestrator owned keys and wins on
	// conflict
	providerTags map[string]string
	ownTags      map[string]string
	// releasePending is set when a lease release failed (store outage
	// during a step-down); retried each tick until it lands
	releasePending bool
	bootstrapDone  bool

	stopCh   chan struct{}
	stopOnce sync.Once
}

// Option configures optional engine collaborators
type Option func(*Engine)

// WithLogger sets the engine logger
func WithLogger(logger logging.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithBus sets the bus role transitions are published on
func WithBus(bus *pubsub.Bus) Option {
	return func(e *Engine) { e.bus = bus }
}

// WithPositionFunc sets the replication position source
func WithPositionFunc(fn PositionFunc) Option {
	return func(e *Engine) { e.positionFn = fn }
}

// WithBootstrap sets a one-shot data bootstrap step, typically a
// snapshot restore into an empty data directory. The node stays in
// the initializing role until the step succeeds; failures are retried
// on the next tick.
func WithBootstrap(fn func(context.Context) error) Option {
	return func(e *Engine) { e.bootstrapFn = fn }
}

// WithMetrics sets the metrics registry
func WithMetrics(reg *metrics.Registry) Option {
	return func(e *Engine) { e.metrics = reg }
}

// NewEngine creates an engine bound to one consensus session
func NewEngine(cfg Config, client dcs.Client, registry *plugin.Registry, opts ...Option) (*Engine, error) {
	if cfg.NodeID == "" {
		return nil, ErrNodeIDRequired
	}
	if cfg.Group == "" {
		return nil, ErrGroupRequired
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 2 * time.Second
	}
	if cfg.NamespacePrefix == "" {
		cfg.NamespacePrefix = "/deadman"
	}

	e := &Engine{
		cfg:          cfg,
		client:       client,
		registry:     registry,
		statePath:    dcs.StatePath(cfg.NamespacePrefix, cfg.Group),
		leasePath:    dcs.LeasePath(cfg.NamespacePrefix, cfg.Group),
		timelinePath: dcs.TimelinePath(cfg.NamespacePrefix, cfg.Group),
		graceLeft:    cfg.CandidateGraceTicks,
		providerTags: map[string]string{},
		ownTags:      map[string]string{},
		stopCh:       make(chan struct{}),
		local: &cluster.NodeRecord{
			NodeID: cfg.NodeID,
			Role:   cluster.RoleInitializing,
			Health: cluster.HealthUnhealthy,
			Tags:   map[string]string{},
		},
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = logging.DefaultLogger().With(
			logging.Component("deadman"),
			logging.NodeID(cfg.NodeID),
			logging.Group(cfg.Group))
	}
	if e.metrics == nil {
		e.metrics = metrics.DefaultRegistry()
	}
	if e.bus == nil {
		e.bus = pubsub.NewBus()
	}
	e.view = cluster.NewStateView(e.logger)
	e.evaluator = health.NewEvaluator(registry, e.logger)
	return e, nil
}

// View exposes the engine's mirror of the group state
func (e *Engine) View() *cluster.StateView {
	return e.view
}

// Bus exposes the role transition bus
func (e *Engine) Bus() *pubsub.Bus {
	return e.bus
}

// NodeID returns the engine's node identity
func (e *Engine) NodeID() string {
	return e.cfg.NodeID
}

// Role returns the engine's current local role
func (e *Engine) Role() cluster.Role {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.local.Role
}

// Generation returns the local fencing generation
func (e *Engine) Generation() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.local.Generation
}

// Healthy returns the last published local health verdict
func (e *Engine) Healthy() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.local.IsHealthy()
}

// Register publishes the node's initial record under the session. Must
// succeed before the engine participates in any election.
func (e *Engine) Register(ctx context.Context) error {
	e.mu.RLock()
	rec := e.local.Clone()
	e.mu.RUnlock()

	data, err := rec.Encode()
	if err != nil {
		return fmt.Errorf("encode node record: %w", err)
	}
	err = e.client.CreateEphemeral(ctx, e.recordPath(), data)
	if errors.Is(err, dcs.ErrNodeExists) {
		// Leftover ephemeral from a previous incarnation whose session
		// has not been reaped yet. Clear it and claim the path.
		if derr := e.client.Delete(ctx, e.recordPath()); derr != nil {
			return fmt.Errorf("clear stale node record: %w", derr)
		}
		err = e.client.CreateEphemeral(ctx, e.recordPath(), data)
	}
	e.metrics.RecordDCSOperation("create", err)
	if err != nil {
		return fmt.Errorf("register node %s: %w", e.cfg.NodeID, err)
	}

	e.mu.Lock()
	e.lastPublished = rec
	e.mu.Unlock()

	e.logger.Info("registered in group",
		logging.Path(e.recordPath()),
		logging.Role(rec.Role.String()))
	return nil
}

// Run drives the evaluation loop until the context is cancelled, Stop
// is called, or the consensus session expires. A session expiry returns
// dcs.ErrSessionExpired; the caller restarts with a fresh session.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Register(ctx); err != nil {
		return err
	}

	stateEvents, err := e.client.Watch(ctx, e.statePath)
	if err != nil {
		return fmt.Errorf("watch state namespace: %w", err)
	}
	leaseEvents, err := e.client.Watch(ctx, e.leasePath)
	if err != nil {
		return fmt.Errorf("watch lease: %w", err)
	}

	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	// Evaluate once up front so a lone node claims mastership without
	// waiting out the first tick interval
	if err := e.Tick(ctx); err != nil && errors.Is(err, dcs.ErrSessionExpired) {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			e.shutdown()
			return ctx.Err()
		case <-e.stopCh:
			e.shutdown()
			return nil
		case <-e.client.SessionExpired():
			return e.handleSessionExpired(ctx)
		case _, ok := <-stateEvents:
			if !ok {
				stateEvents = nil
				continue
			}
			e.metrics.WatchEventsTotal.Inc()
		case _, ok := <-leaseEvents:
			if !ok {
				leaseEvents = nil
				continue
			}
			e.metrics.WatchEventsTotal.Inc()
		case <-ticker.C:
		}

		if err := e.Tick(ctx); err != nil && errors.Is(err, dcs.ErrSessionExpired) {
			return err
		}
	}
}

// Attach binds the engine to a fresh consensus session after the
// previous one expired. The caller then calls Run again; the node
// re-registers and rejoins as INITIALIZING.
func (e *Engine) Attach(client dcs.Client) {
	e.tickMu.Lock()
	e.client = client
	e.tickMu.Unlock()
}

// Stop requests a clean shutdown of a running engine
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
}

// shutdown demotes cleanly if master and withdraws the node record.
// Best effort only; the store reclaims the ephemerals regardless.
func (e *Engine) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), e.shutdownTimeout())
	defer cancel()

	e.tickMu.Lock()
	defer e.tickMu.Unlock()

	if e.Role() == cluster.RoleMaster {
		e.stepDown(ctx, "shutdown")
		if err := e.publish(ctx); err != nil {
			e.logger.Warn("publishing demoted record on shutdown failed",
				logging.Error(err))
		}
	}
	if err := e.client.Delete(ctx, e.recordPath()); err != nil {
		e.logger.Warn("withdrawing node record failed", logging.Error(err))
	}
	e.logger.Info("engine stopped")
}

func (e *Engine) shutdownTimeout() time.Duration {
	if e.cfg.SessionTimeout > 0 {
		return e.cfg.SessionTimeout
	}
	return 10 * time.Second
}

func (e *Engine) recordPath() string {
	return dcs.Join(e.statePath, e.cfg.NodeID)
}

func (e *Engine) position(ctx context.Context) uint64 {
	if e.positionFn == nil {
		return 0
	}
	return e.positionFn(ctx)
}

func encodeTimeline(gen uint64) []byte {
	return []byte(strconv.FormatUint(gen, 10))
}

func decodeTimeline(data []byte) uint64 {
	gen, err := strconv.ParseUint(string(data), 10, 64)
	if err != nil {
		return 0
	}
	return gen
}
