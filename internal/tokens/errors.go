package tokens

import "errors"

// Repository errors.
var (
	ErrTokenNotFound = errors.New("push token not found")
)
