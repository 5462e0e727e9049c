package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/dd0wney/cluso-deadman/pkg/backup/s3snap"
	"github.com/dd0wney/cluso-deadman/pkg/config"
	"github.com/dd0wney/cluso-deadman/pkg/deadman"
	"github.com/dd0wney/cluso-deadman/pkg/logging"
	"github.com/dd0wney/cluso-deadman/pkg/pgnode"
	"github.com/dd0wney/cluso-deadman/pkg/plugin"
)

// buildPlugins constructs and registers every configured plugin.
// Returns the position source for candidate ranking (nil when no
// postgres plugin is configured), an optional bootstrap step that
// seeds an empty data directory from the newest snapshot, and a
// cleanup func.
func buildPlugins(ctx context.Context, cfg *config.Config, registry *plugin.Registry, logger logging.Logger) (deadman.PositionFunc, func(context.Context) error, func(), error) {
	var positionFn deadman.PositionFunc
	var bootstrapFn func(context.Context) error
	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	for _, pc := range cfg.Plugins {
		plog := logger.With(logging.Plugin(pc.Name))

		switch pc.Name {
		case "postgres":
			maxLag, err := settingInt64(pc.Settings, "max_lag_bytes", 0)
			if err != nil {
				cleanup()
				return nil, nil, nil, err
			}
			node, err := pgnode.New(ctx, pgnode.Config{
				DSN:            pc.Settings["dsn"],
				MaxLagBytes:    maxLag,
				ConnectTimeout: 10 * time.Second,
			}, plog)
			if err != nil {
				cleanup()
				return nil, nil, nil, fmt.Errorf("plugin postgres: %w", err)
			}
			cleanups = append(cleanups, node.Close)
			if err := registry.Register(node); err != nil {
				cleanup()
				return nil, nil, nil, err
			}
			positionFn = node.Position

		case "s3-snapshot":
			provider, err := s3snap.New(ctx, s3snap.Config{
				Bucket:          pc.Settings["bucket"],
				Prefix:          pc.Settings["prefix"],
				Region:          pc.Settings["region"],
				DataDir:         pc.Settings["data_dir"],
				Endpoint:        pc.Settings["endpoint"],
				AccessKeyID:     pc.Settings["access_key_id"],
				SecretAccessKey: pc.Settings["secret_access_key"],
			}, plog)
			if err != nil {
				cleanup()
				return nil, nil, nil, fmt.Errorf("plugin s3-snapshot: %w", err)
			}
			if err := registry.Register(provider); err != nil {
				cleanup()
				return nil, nil, nil, err
			}
			if dataDirEmpty(pc.Settings["data_dir"]) {
				bootstrapFn = restoreLatest(provider, plog)
			}

		default:
			cleanup()
			return nil, nil, nil, fmt.Errorf("unknown plugin %q", pc.Name)
		}
	}
	return positionFn, bootstrapFn, cleanup, nil
}

// restoreLatest seeds the data directory from the newest available
// snapshot. A cluster with no snapshots yet bootstraps empty.
func restoreLatest(provider plugin.BackupProvider, logger logging.Logger) func(context.Context) error {
	return func(ctx context.Context) error {
		refs, err := provider.ListSnapshots(ctx)
		if err != nil {
			return fmt.Errorf("list snapshots: %w", err)
		}
		if len(refs) == 0 {
			logger.Info("no snapshots available, starting empty")
			return nil
		}
		ref := refs[len(refs)-1]
		logger.Info("restoring snapshot", logging.String("snapshot_id", ref.ID))
		if err := provider.Restore(ctx, ref); err != nil {
			return fmt.Errorf("restore %s: %w", ref.ID, err)
		}
		return nil
	}
}

func dataDirEmpty(dir string) bool {
	if dir == "" {
		return false
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return true
	}
	return len(entries) == 0
}

func settingInt64(settings map[string]string, key string, fallback int64) (int64, error) {
	raw, ok := settings[key]
	if !ok || raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("setting %s: %w", key, err)
	}
	return v, nil
}
