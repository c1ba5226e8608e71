package tokens

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository is an in-process Repository for tests and local development.
type MemoryRepository struct {
	mu     sync.Mutex
	tokens map[string]*PushToken // keyed by user id + token
	writes int
}

// NewMemoryRepository creates an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{tokens: make(map[string]*PushToken)}
}

func memoryKey(userID, token string) string {
	return userID + "\x00" + token
}

// UpsertToken implements Repository.
func (r *MemoryRepository) UpsertToken(_ context.Context, t *PushToken) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writes++

	key := memoryKey(t.UserID, t.Token)
	if existing, ok := r.tokens[key]; ok {
		existing.Device = t.Device
		existing.UpdatedAt = t.UpdatedAt
		existing.LastUsed = t.LastUsed
		existing.IsValid = true
		*t = *existing
		return nil
	}

	stored := *t
	stored.ID = uuid.NewString()
	r.tokens[key] = &stored
	*t = stored
	return nil
}

// InvalidateToken implements Repository.
func (r *MemoryRepository) InvalidateToken(_ context.Context, token string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writes++

	var n int64
	for _, t := range r.tokens {
		if t.Token == token && t.IsValid {
			t.IsValid = false
			t.UpdatedAt = time.Now()
			n++
		}
	}
	return n, nil
}

// InvalidateStale implements Repository.
func (r *MemoryRepository) InvalidateStale(_ context.Context, userID string, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writes++

	var n int64
	for _, t := range r.tokens {
		if userID != "" && t.UserID != userID {
			continue
		}
		if t.IsValid && t.LastUsed.Before(before) {
			t.IsValid = false
			n++
		}
	}
	return n, nil
}

// CountTokens implements Repository.
func (r *MemoryRepository) CountTokens(_ context.Context, filter CountFilter) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, t := range r.tokens {
		if filter.UserID != "" && t.UserID != filter.UserID {
			continue
		}
		if filter.Valid != nil && t.IsValid != *filter.Valid {
			continue
		}
		if filter.LastUsedBefore != nil && !t.LastUsed.Before(*filter.LastUsedBefore) {
			continue
		}
		n++
	}
	return n, nil
}

// DeleteUserTokens implements Repository.
func (r *MemoryRepository) DeleteUserTokens(_ context.Context, userID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writes++

	var n int64
	for key, t := range r.tokens {
		if t.UserID == userID {
			delete(r.tokens, key)
			n++
		}
	}
	return n, nil
}

// ListValidTokens implements Repository.
func (r *MemoryRepository) ListValidTokens(_ context.Context, userID string) ([]PushToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]PushToken, 0)
	for _, t := range r.tokens {
		if t.UserID == userID && t.IsValid {
			out = append(out, *t)
		}
	}
	return out, nil
}

// TouchToken implements Repository.
func (r *MemoryRepository) TouchToken(_ context.Context, token string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writes++

	found := false
	for _, t := range r.tokens {
		if t.Token == token {
			t.LastUsed = at
			found = true
		}
	}
	if !found {
		return ErrTokenNotFound
	}
	return nil
}

// Get returns the stored token for (userID, token).
func (r *MemoryRepository) Get(userID, token string) (PushToken, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tokens[memoryKey(userID, token)]
	if !ok {
		return PushToken{}, false
	}
	return *t, true
}

// Writes returns the number of mutating calls served.
func (r *MemoryRepository) Writes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writes
}
