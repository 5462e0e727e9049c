package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "deadman.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
node_id: node-1
group: db0
namespace_prefix: /deadman
tick_interval: 1s
session_timeout: 5s
candidate_grace_ticks: 2
backup_interval: 30m
metrics_addr: ":9300"
log_level: debug
zookeeper:
  servers: ["zk1:2181", "zk2:2181"]
plugins:
  - name: postgres
    settings:
      dsn: "postgres://localhost/postgres"
  - name: s3-snapshot
    settings:
      bucket: backups
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "node-1", cfg.NodeID)
	assert.Equal(t, "db0", cfg.Group)
	assert.Equal(t, "/deadman", cfg.NamespacePrefix)
	assert.Equal(t, time.Second, cfg.TickInterval.Std())
	assert.Equal(t, 5*time.Second, cfg.SessionTimeout.Std())
	assert.Equal(t, 2, cfg.CandidateGraceTicks)
	assert.Equal(t, 30*time.Minute, cfg.BackupInterval.Std())
	assert.Len(t, cfg.ZooKeeper.Servers, 2)
	require.Len(t, cfg.Plugins, 2)
	assert.Equal(t, "postgres", cfg.Plugins[0].Name)
	assert.Equal(t, "backups", cfg.Plugins[1].Settings["bucket"])
}

func TestLoadAppliesDefaultsAndNodeID(t *testing.T) {
	path := writeConfig(t, `
group: db0
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.NotEmpty(t, cfg.NodeID, "node id should default to hostname")
	assert.Equal(t, "/deadman", cfg.NamespacePrefix)
	assert.Equal(t, 2*time.Second, cfg.TickInterval.Std())
	assert.Equal(t, 10*time.Second, cfg.SessionTimeout.Std())
	assert.Equal(t, 1, cfg.CandidateGraceTicks)
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{
			name:    "missing group",
			mutate:  func(c *Config) { c.Group = "" },
			wantErr: ErrInvalidConfig,
		},
		{
			name:    "relative namespace prefix",
			mutate:  func(c *Config) { c.NamespacePrefix = "deadman" },
			wantErr: ErrBadNamespacePrefix,
		},
		{
			name: "session timeout below twice tick",
			mutate: func(c *Config) {
				c.TickInterval = Duration(2 * time.Second)
				c.SessionTimeout = Duration(3 * time.Second)
			},
			wantErr: ErrSessionTimeoutTooSmall,
		},
		{
			name: "duplicate plugin names",
			mutate: func(c *Config) {
				c.Plugins = []PluginConfig{{Name: "pg"}, {Name: "pg"}}
			},
			wantErr: ErrDuplicatePluginName,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Group = "db0"
			cfg.NodeID = "node-1"
			tc.mutate(&cfg)

			err := cfg.Validate()
			assert.True(t, errors.Is(err, tc.wantErr), "got %v, want %v", err, tc.wantErr)
		})
	}
}

func TestBadDurationRejected(t *testing.T) {
	path := writeConfig(t, `
group: db0
tick_interval: "not-a-duration"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid duration")
}

func TestMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/deadman.yaml")
	require.Error(t, err)
}
