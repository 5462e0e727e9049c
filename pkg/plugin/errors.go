package plugin

import (
	"errors"
	"fmt"
)

// Registry errors
var (
	ErrDuplicatePlugin  = errors.New("plugin with this name already registered")
	ErrNoBackupProvider = errors.New("no backup provider registered")
)

// Error wraps a failure inside a plugin invocation with the plugin
// name and the operation that failed
type Error struct {
	Plugin string
	Op     string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("plugin %s: %s: %v", e.Plugin, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError wraps err as a plugin error
func NewError(plugin, op string, err error) *Error {
	return &Error{Plugin: plugin, Op: op, Err: err}
}
