package config

import "errors"

// Configuration errors
var (
	ErrInvalidConfig          = errors.New("invalid configuration")
	ErrBadDuration            = errors.New("invalid duration")
	ErrBadNamespacePrefix     = errors.New("namespace prefix must start with /")
	ErrTickIntervalRequired   = errors.New("tick interval must be positive")
	ErrSessionTimeoutTooSmall = errors.New("session timeout must be at least twice the tick interval")
	ErrBadBackupInterval      = errors.New("backup interval cannot be negative")
	ErrDuplicatePluginName    = errors.New("duplicate plugin name")
)
