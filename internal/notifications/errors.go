package notifications

import "errors"

// Delivery errors.
var (
	ErrNoValidTokens = errors.New("no valid push tokens")
)
