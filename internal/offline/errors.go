package offline

import "errors"

// Queue errors.
var (
	ErrInvalidJob = errors.New("invalid notification job")
	ErrClosed     = errors.New("offline queue closed")
)
