// Package config loads and validates the daemon's YAML configuration.
// The core components consume only the already-parsed values; plugin
// settings are passed through as opaque string maps.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// validate is a singleton validator instance
var validate = validator.New()

// Duration wraps time.Duration for YAML parsing ("5s", "1h30m")
type Duration time.Duration

// UnmarshalYAML parses a duration string
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrBadDuration, s)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration as a string
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the standard library duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// PluginConfig names one plugin to load, with its settings
type PluginConfig struct {
	Name     string            `yaml:"name" validate:"required"`
	Settings map[string]string `yaml:"settings"`
}

// ZooKeeperConfig locates the consensus store
type ZooKeeperConfig struct {
	// Servers is the ZooKeeper connection string, split into hosts.
	// Empty means the in-memory store (single-node development mode).
	Servers []string `yaml:"servers"`
}

// Config is the daemon configuration
type Config struct {
	// NodeID uniquely identifies this node in the group. Defaults to
	// the hostname, falling back to a generated id.
	NodeID string `yaml:"node_id"`

	// Group names the database cluster this node belongs to
	Group string `yaml:"group" validate:"required"`

	// NamespacePrefix roots the group's namespace in the store
	NamespacePrefix string `yaml:"namespace_prefix" validate:"required"`

	// TickInterval is the engine's evaluation period
	TickInterval Duration `yaml:"tick_interval"`

	// SessionTimeout bounds consensus operations and session liveness
	SessionTimeout Duration `yaml:"session_timeout"`

	// CandidateGraceTicks is how many ticks a node defers promotion
	// while a better-ranked live candidate exists
	CandidateGraceTicks int `yaml:"candidate_grace_ticks" validate:"min=0"`

	// BackupInterval is measured from the end of one snapshot to the
	// start of the next
	BackupInterval Duration `yaml:"backup_interval"`

	// MetricsAddr is the listen address for /metrics and /healthz
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel is one of debug, info, warn, error
	LogLevel string `yaml:"log_level"`

	ZooKeeper ZooKeeperConfig `yaml:"zookeeper"`

	// Plugins lists the plugins to load, in capability dispatch order
	Plugins []PluginConfig `yaml:"plugins" validate:"dive"`
}

// DefaultConfig returns a safe default configuration
func DefaultConfig() Config {
	return Config{
		NamespacePrefix:     "/deadman",
		TickInterval:        Duration(2 * time.Second),
		SessionTimeout:      Duration(10 * time.Second),
		CandidateGraceTicks: 1,
		BackupInterval:      Duration(1 * time.Hour),
		MetricsAddr:         ":9271",
		LogLevel:            "info",
	}
}

// Load reads and validates a configuration file
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyFallbacks()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyFallbacks() {
	if c.NodeID == "" {
		if hostname, err := os.Hostname(); err == nil && hostname != "" {
			c.NodeID = hostname
		} else {
			c.NodeID = "node-" + uuid.NewString()
		}
	}
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if !strings.HasPrefix(c.NamespacePrefix, "/") {
		return ErrBadNamespacePrefix
	}
	if c.TickInterval <= 0 {
		return ErrTickIntervalRequired
	}
	if c.SessionTimeout.Std() < 2*c.TickInterval.Std() {
		return ErrSessionTimeoutTooSmall
	}
	if c.BackupInterval < 0 {
		return ErrBadBackupInterval
	}
	seen := make(map[string]bool, len(c.Plugins))
	for _, p := range c.Plugins {
		if seen[p.Name] {
			return fmt.Errorf("%w: %s", ErrDuplicatePluginName, p.Name)
		}
		seen[p.Name] = true
	}
	return nil
}
