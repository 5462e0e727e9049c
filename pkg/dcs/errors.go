package dcs

import "errors"

// Adapter errors
var (
	// ErrConsensusUnavailable means the store could not be reached.
	// Transient: callers freeze role transitions and retry with backoff.
	ErrConsensusUnavailable = errors.New("consensus store unavailable")

	// ErrSessionExpired means the session backing this client's
	// ephemeral entries has terminated. The client is unusable; any
	// lease it held is implicitly released by the store.
	ErrSessionExpired = errors.New("consensus session expired")

	// ErrStaleWrite means a publish was rejected because the stored
	// generation moved past the local one
	ErrStaleWrite = errors.New("write rejected: stored generation is newer")

	// ErrNodeExists means a create hit an existing entry
	ErrNodeExists = errors.New("entry already exists")

	// ErrNoNode means the entry does not exist
	ErrNoNode = errors.New("entry does not exist")
)
