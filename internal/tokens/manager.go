package tokens

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bissquit/courtside-push/internal/delivery"
	"github.com/bissquit/courtside-push/internal/retry"
)

// Config contains token manager configuration.
type Config struct {
	// ExpiryDays is how long a token may go unused before the sweep invalidates it.
	ExpiryDays int
	Retry      retry.Config
}

// DefaultConfig returns the default token manager configuration.
func DefaultConfig() Config {
	return Config{
		ExpiryDays: 30,
		Retry:      retry.DefaultConfig(),
	}
}

// Recorder receives delivery errors.
type Recorder interface {
	Record(err *delivery.Error)
}

// Manager validates, persists and caches push tokens.
//
// The cache is write-through: it is only updated after the store write
// succeeded and entries are evicted on every invalidating mutation. A user's
// valid tokens are served from the cache once they have been loaded.
type Manager struct {
	config Config
	repo   Repository
	retry  *retry.Policy
	errors Recorder
	now    func() time.Time

	mu     sync.RWMutex
	cache  map[cacheKey]PushToken
	loaded map[string]bool
}

// cacheKey mirrors the store key: one device token may be registered by
// more than one user.
type cacheKey struct {
	userID string
	token  string
}

func keyOf(t PushToken) cacheKey {
	return cacheKey{userID: t.UserID, token: t.Token}
}

// NewManager creates a token manager.
func NewManager(config Config, repo Repository, policy *retry.Policy, errorLog Recorder) *Manager {
	if config.ExpiryDays <= 0 {
		config.ExpiryDays = DefaultConfig().ExpiryDays
	}
	if config.Retry.MaxAttempts <= 0 {
		config.Retry = retry.DefaultConfig()
	}
	if policy == nil {
		policy = retry.New(errorLog)
	}
	return &Manager{
		config: config,
		repo:   repo,
		retry:  policy,
		errors: errorLog,
		now:    time.Now,
		cache:  make(map[cacheKey]PushToken),
		loaded: make(map[string]bool),
	}
}

// SaveToken validates and upserts a token for userID. An invalid token is
// rejected with a terminal invalid-token error before any store access.
func (m *Manager) SaveToken(ctx context.Context, userID, token string, device DeviceInfo) (PushToken, error) {
	if !ValidateFormat(token) {
		err := delivery.New(delivery.KindInvalidToken, "push token has an invalid format",
			delivery.WithField("user_id", userID),
			delivery.WithField("token", mask(token)),
		)
		m.record(err)
		slog.Warn("rejected push token", "user_id", userID, "token", mask(token))
		recordTokenOp("save", "invalid")
		return PushToken{}, err
	}

	now := m.now()
	t := PushToken{
		UserID:    userID,
		Token:     token,
		Device:    device,
		CreatedAt: now,
		UpdatedAt: now,
		LastUsed:  now,
		IsValid:   true,
	}

	fields := map[string]any{"user_id": userID, "token": mask(token)}
	err := m.retry.Do(ctx, m.config.Retry, delivery.KindTokenSaveFailed, fields, func(ctx context.Context) error {
		stored := t
		if err := m.repo.UpsertToken(ctx, &stored); err != nil {
			return err
		}
		t = stored
		return nil
	})
	if err != nil {
		recordTokenOp("save", "error")
		return PushToken{}, err
	}

	m.mu.Lock()
	m.cache[keyOf(t)] = t
	m.mu.Unlock()

	recordTokenOp("save", "ok")
	slog.Info("push token saved", "user_id", userID, "token_id", t.ID, "platform", device.Platform)
	return t, nil
}

// InvalidateToken marks token invalid for every user holding it and evicts it
// from the cache. Failures are logged and recorded, never returned.
func (m *Manager) InvalidateToken(ctx context.Context, token string) {
	fields := map[string]any{"token": mask(token)}
	err := m.retry.Do(ctx, m.config.Retry, delivery.KindStorageError, fields, func(ctx context.Context) error {
		_, err := m.repo.InvalidateToken(ctx, token)
		return err
	})

	m.mu.Lock()
	for key := range m.cache {
		if key.token == token {
			delete(m.cache, key)
		}
	}
	m.mu.Unlock()

	if err != nil {
		recordTokenOp("invalidate", "error")
		slog.Error("failed to invalidate push token", "token", mask(token), "error", err)
		return
	}
	recordTokenOp("invalidate", "ok")
	slog.Info("push token invalidated", "token", mask(token))
}

// CleanupStaleTokens invalidates tokens of userID not used within the expiry
// window. An empty userID sweeps every user. It returns the number of tokens
// invalidated.
func (m *Manager) CleanupStaleTokens(ctx context.Context, userID string) (int, error) {
	cutoff := m.cutoff()
	fields := map[string]any{"user_id": userID, "cutoff": cutoff}

	affected, err := retry.Value(ctx, m.retry, m.config.Retry, delivery.KindStorageError, fields, func(ctx context.Context) (int64, error) {
		return m.repo.InvalidateStale(ctx, userID, cutoff)
	})

	m.evictUser(userID)

	if err != nil {
		recordTokenOp("cleanup", "error")
		return 0, fmt.Errorf("cleanup stale tokens: %w", err)
	}

	recordTokenOp("cleanup", "ok")
	recordStaleInvalidated(int(affected))
	slog.Info("stale push tokens invalidated", "user_id", userID, "count", affected, "cutoff", cutoff)
	return int(affected), nil
}

// TokenStats counts stored tokens for userID, or for every user when userID
// is empty. A failing count is reported as zero.
func (m *Manager) TokenStats(ctx context.Context, userID string) Stats {
	valid, invalid := true, false
	cutoff := m.cutoff()

	return Stats{
		Total:   m.count(ctx, "total", CountFilter{UserID: userID}),
		Valid:   m.count(ctx, "valid", CountFilter{UserID: userID, Valid: &valid}),
		Invalid: m.count(ctx, "invalid", CountFilter{UserID: userID, Valid: &invalid}),
		Stale:   m.count(ctx, "stale", CountFilter{UserID: userID, LastUsedBefore: &cutoff}),
	}
}

// RemoveAllUserTokens deletes every token of userID and purges them from the cache.
func (m *Manager) RemoveAllUserTokens(ctx context.Context, userID string) (int, error) {
	fields := map[string]any{"user_id": userID}
	deleted, err := retry.Value(ctx, m.retry, m.config.Retry, delivery.KindStorageError, fields, func(ctx context.Context) (int64, error) {
		return m.repo.DeleteUserTokens(ctx, userID)
	})

	m.evictUser(userID)

	if err != nil {
		recordTokenOp("remove", "error")
		return 0, fmt.Errorf("remove user tokens: %w", err)
	}

	recordTokenOp("remove", "ok")
	slog.Info("push tokens removed", "user_id", userID, "count", deleted)
	return int(deleted), nil
}

// UserTokens returns the valid tokens of userID. A store failure yields an
// empty result.
func (m *Manager) UserTokens(ctx context.Context, userID string) []PushToken {
	m.mu.RLock()
	if m.loaded[userID] {
		out := m.cachedLocked(userID)
		m.mu.RUnlock()
		recordCacheLookup(true)
		return out
	}
	m.mu.RUnlock()
	recordCacheLookup(false)

	list, err := m.repo.ListValidTokens(ctx, userID)
	if err != nil {
		slog.Warn("failed to list push tokens", "user_id", userID, "error", err)
		m.record(delivery.Wrap(err, delivery.KindStorageError, "list push tokens",
			delivery.WithField("user_id", userID)))
		return nil
	}

	m.mu.Lock()
	for _, t := range list {
		m.cache[keyOf(t)] = t
	}
	m.loaded[userID] = true
	m.mu.Unlock()

	return list
}

// TouchToken records a successful delivery to token. Failures are logged only.
func (m *Manager) TouchToken(ctx context.Context, token string) {
	now := m.now()
	if err := m.repo.TouchToken(ctx, token, now); err != nil {
		slog.Debug("failed to touch push token", "token", mask(token), "error", err)
		return
	}

	m.mu.Lock()
	for key, t := range m.cache {
		if key.token == token {
			t.LastUsed = now
			m.cache[key] = t
		}
	}
	m.mu.Unlock()
}

func (m *Manager) count(ctx context.Context, name string, filter CountFilter) int {
	n, err := m.repo.CountTokens(ctx, filter)
	if err != nil {
		slog.Warn("failed to count push tokens", "count", name, "user_id", filter.UserID, "error", err)
		return 0
	}
	return n
}

func (m *Manager) cutoff() time.Time {
	return m.now().Add(-time.Duration(m.config.ExpiryDays) * 24 * time.Hour)
}

func (m *Manager) cachedLocked(userID string) []PushToken {
	out := make([]PushToken, 0)
	for _, t := range m.cache {
		if t.UserID == userID && t.IsValid {
			out = append(out, t)
		}
	}
	return out
}

// evictUser drops cached entries of userID, or the whole cache when userID is empty.
func (m *Manager) evictUser(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if userID == "" {
		clear(m.cache)
		clear(m.loaded)
		return
	}
	for key := range m.cache {
		if key.userID == userID {
			delete(m.cache, key)
		}
	}
	delete(m.loaded, userID)
}

func (m *Manager) record(err *delivery.Error) {
	if m.errors != nil && err != nil {
		m.errors.Record(err)
	}
}

// mask hides most of a token for logging.
func mask(token string) string {
	if len(token) > 16 {
		return token[:12] + "..." + token[len(token)-4:]
	}
	return token
}
