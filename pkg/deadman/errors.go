package deadman

import "errors"

var (
	// ErrNodeIDRequired is returned when the engine config has no node id
	ErrNodeIDRequired = errors.New("node id required")

	// ErrGroupRequired is returned when the engine config has no group
	ErrGroupRequired = errors.New("group required")

	// ErrPromotionAborted is returned when a lifecycle callback refused
	// the promotion and the lease was released
	ErrPromotionAborted = errors.New("promotion aborted by lifecycle callback")
)
