// Package kvstore provides the durable key-value stores used to persist
// whole serialized collections under fixed keys.
package kvstore

import (
	"context"
	"errors"
)

// ErrUnavailable is returned when the backing store cannot be reached.
var ErrUnavailable = errors.New("key-value store unavailable")

// Store reads and writes opaque values under string keys.
type Store interface {
	// Get returns the value stored under key. The boolean is false when the key is absent.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set replaces the value stored under key.
	Set(ctx context.Context, key string, value []byte) error
}
