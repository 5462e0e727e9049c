package cluster

import "errors"

// Record errors
var (
	ErrUnknownRole   = errors.New("unknown role")
	ErrRecordCorrupt = errors.New("node record corrupt")
)
