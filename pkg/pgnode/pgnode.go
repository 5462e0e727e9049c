// Package pgnode is the PostgreSQL plugin: it reports local database
// health, vetoes takeover when replay lag is too high, promotes the
// instance on election wins and exposes the WAL position for candidate
// ranking.
package pgnode

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dd0wney/cluso-deadman/pkg/logging"
	"github.com/dd0wney/cluso-deadman/pkg/plugin"
)

const (
	queryInRecovery = `SELECT pg_is_in_recovery()`
	queryPromote    = `SELECT pg_promote(wait => true)`
	queryVersion    = `SHOW server_version`

	// WAL positions are read as byte offsets from LSN zero, which keeps
	// them directly comparable across nodes
	queryPrimaryPosition = `SELECT pg_wal_lsn_diff(pg_current_wal_lsn(), '0/0')::bigint`
	queryReplayPosition  = `SELECT pg_wal_lsn_diff(COALESCE(pg_last_wal_replay_lsn(), '0/0'), '0/0')::bigint`
	queryReplayLag       = `SELECT pg_wal_lsn_diff(COALESCE(pg_last_wal_receive_lsn(), '0/0'), COALESCE(pg_last_wal_replay_lsn(), '0/0'))::bigint`
)

// Config selects the instance and the takeover lag threshold
type Config struct {
	// DSN is a pgx connection string or URL for the local instance
	DSN string
	// MaxLagBytes vetoes takeover while replay lag exceeds it; zero
	// disables the veto
	MaxLagBytes int64
	// ConnectTimeout bounds pool construction
	ConnectTimeout time.Duration
}

// db is the slice of the pgx pool the plugin uses
type db interface {
	Ping(ctx context.Context) error
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Node implements the postgres plugin capabilities
type Node struct {
	cfg    Config
	db     db
	close  func()
	logger logging.Logger
}

var (
	_ plugin.HealthSource      = (*Node)(nil)
	_ plugin.Conditional       = (*Node)(nil)
	_ plugin.LifecycleCallback = (*Node)(nil)
	_ plugin.TagProvider       = (*Node)(nil)
)

// New connects a pool to the local instance
func New(ctx context.Context, cfg Config, logger logging.Logger) (*Node, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	// The plugin issues one short query at a time
	poolCfg.MaxConns = 2
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = 5 * time.Minute

	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	n := NewWithDB(cfg, pool, logger)
	n.close = pool.Close
	return n, nil
}

// NewWithDB builds a node over an existing connection source
func NewWithDB(cfg Config, source db, logger logging.Logger) *Node {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Node{cfg: cfg, db: source, logger: logger}
}

// Name implements plugin.Plugin
func (n *Node) Name() string { return "postgres" }

// Close releases the pool
func (n *Node) Close() {
	if n.close != nil {
		n.close()
	}
}

// Check reports whether the local instance accepts connections
func (n *Node) Check(ctx context.Context) (bool, string) {
	if err := n.db.Ping(ctx); err != nil {
		return false, fmt.Sprintf("postgres unreachable: %v", err)
	}
	return true, ""
}

// Allowed vetoes takeover while the instance's replay lag exceeds the
// configured threshold. A primary, or an unconfigured threshold, never
// vetoes.
func (n *Node) Allowed(ctx context.Context) bool {
	if n.cfg.MaxLagBytes <= 0 {
		return true
	}
	inRecovery, err := n.inRecovery(ctx)
	if err != nil {
		n.logger.Warn("recovery state unknown, vetoing takeover",
			logging.Error(err))
		return false
	}
	if !inRecovery {
		return true
	}

	var lag int64
	if err := n.db.QueryRow(ctx, queryReplayLag).Scan(&lag); err != nil {
		n.logger.Warn("replay lag unknown, vetoing takeover",
			logging.Error(err))
		return false
	}
	if lag > n.cfg.MaxLagBytes {
		n.logger.Info("vetoing takeover, replay lag too high",
			logging.Uint64("lag_bytes", uint64(lag)),
			logging.Uint64("max_lag_bytes", uint64(n.cfg.MaxLagBytes)))
		return false
	}
	return true
}

// OnPromote promotes a standby out of recovery. A primary is a no-op,
// which makes the callback idempotent across repeated wins.
func (n *Node) OnPromote(ctx context.Context) error {
	inRecovery, err := n.inRecovery(ctx)
	if err != nil {
		return fmt.Errorf("recovery state: %w", err)
	}
	if !inRecovery {
		return nil
	}

	var promoted bool
	if err := n.db.QueryRow(ctx, queryPromote).Scan(&promoted); err != nil {
		return fmt.Errorf("pg_promote: %w", err)
	}
	if !promoted {
		return fmt.Errorf("pg_promote did not complete")
	}
	n.logger.Info("instance promoted out of recovery")
	return nil
}

// OnDemote logs the demotion. PostgreSQL cannot rejoin as a standby in
// place; the instance must be re-based from the new primary, which is
// an operator action outside this daemon.
func (n *Node) OnDemote(ctx context.Context) error {
	n.logger.Warn("demoted; instance requires re-basing from the new primary")
	return nil
}

// Position returns the instance's WAL position as a byte offset,
// replay position on a standby and write position on a primary
func (n *Node) Position(ctx context.Context) uint64 {
	inRecovery, err := n.inRecovery(ctx)
	if err != nil {
		return 0
	}
	q := queryPrimaryPosition
	if inRecovery {
		q = queryReplayPosition
	}
	var pos int64
	if err := n.db.QueryRow(ctx, q).Scan(&pos); err != nil {
		n.logger.Warn("wal position unknown", logging.Error(err))
		return 0
	}
	if pos < 0 {
		return 0
	}
	return uint64(pos)
}

// Tags exposes server version and recovery state on the node record
func (n *Node) Tags(ctx context.Context) map[string]string {
	tags := map[string]string{}

	var version string
	if err := n.db.QueryRow(ctx, queryVersion).Scan(&version); err == nil {
		tags["pg_version"] = version
	}
	if inRecovery, err := n.inRecovery(ctx); err == nil {
		tags["pg_in_recovery"] = fmt.Sprintf("%t", inRecovery)
	}
	return tags
}

func (n *Node) inRecovery(ctx context.Context) (bool, error) {
	var inRecovery bool
	if err := n.db.QueryRow(ctx, queryInRecovery).Scan(&inRecovery); err != nil {
		return false, err
	}
	return inRecovery, nil
}
