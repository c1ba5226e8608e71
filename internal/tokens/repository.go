package tokens

import (
	"context"
	"time"
)

// CountFilter narrows CountTokens. Zero fields do not filter.
type CountFilter struct {
	UserID string
	// Valid restricts by validity when non-nil.
	Valid *bool
	// LastUsedBefore restricts to tokens last used before the given time.
	LastUsedBefore *time.Time
}

// Repository defines the interface for token storage.
type Repository interface {
	// UpsertToken inserts or updates the token keyed by (user id, token) and
	// fills the stored ID and timestamps back into t.
	UpsertToken(ctx context.Context, t *PushToken) error
	InvalidateToken(ctx context.Context, token string) (int64, error)
	InvalidateStale(ctx context.Context, userID string, before time.Time) (int64, error)
	CountTokens(ctx context.Context, filter CountFilter) (int, error)
	DeleteUserTokens(ctx context.Context, userID string) (int64, error)
	ListValidTokens(ctx context.Context, userID string) ([]PushToken, error)
	TouchToken(ctx context.Context, token string, at time.Time) error
}
