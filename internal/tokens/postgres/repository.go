// Package postgres provides PostgreSQL implementation of tokens repository.
package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bissquit/courtside-push/internal/tokens"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository implements tokens.Repository using PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new PostgreSQL repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// UpsertToken inserts a token or refreshes the existing (user_id, token) row.
func (r *Repository) UpsertToken(ctx context.Context, t *tokens.PushToken) error {
	query := `
		INSERT INTO push_tokens (user_id, token, platform, model, os_version, app_version, is_valid, last_used)
		VALUES ($1, $2, $3, $4, $5, $6, TRUE, $7)
		ON CONFLICT (user_id, token) DO UPDATE
		SET platform = EXCLUDED.platform,
			model = EXCLUDED.model,
			os_version = EXCLUDED.os_version,
			app_version = EXCLUDED.app_version,
			is_valid = TRUE,
			last_used = EXCLUDED.last_used,
			updated_at = NOW()
		RETURNING id, is_valid, created_at, updated_at, last_used
	`
	err := r.db.QueryRow(ctx, query,
		t.UserID,
		t.Token,
		t.Device.Platform,
		t.Device.Model,
		t.Device.OSVersion,
		t.Device.AppVersion,
		t.LastUsed,
	).Scan(&t.ID, &t.IsValid, &t.CreatedAt, &t.UpdatedAt, &t.LastUsed)
	if err != nil {
		return fmt.Errorf("upsert token: %w", err)
	}
	return nil
}

// InvalidateToken marks every row with the token as invalid.
func (r *Repository) InvalidateToken(ctx context.Context, token string) (int64, error) {
	query := `UPDATE push_tokens SET is_valid = FALSE, updated_at = NOW() WHERE token = $1 AND is_valid`
	result, err := r.db.Exec(ctx, query, token)
	if err != nil {
		return 0, fmt.Errorf("invalidate token: %w", err)
	}
	return result.RowsAffected(), nil
}

// InvalidateStale marks valid tokens last used before the cutoff as invalid.
// An empty userID applies to every user.
func (r *Repository) InvalidateStale(ctx context.Context, userID string, before time.Time) (int64, error) {
	query := `
		UPDATE push_tokens SET is_valid = FALSE, updated_at = NOW()
		WHERE is_valid AND last_used < $1 AND ($2 = '' OR user_id = $2)
	`
	result, err := r.db.Exec(ctx, query, before, userID)
	if err != nil {
		return 0, fmt.Errorf("invalidate stale tokens: %w", err)
	}
	return result.RowsAffected(), nil
}

// CountTokens counts tokens matching filter.
func (r *Repository) CountTokens(ctx context.Context, filter tokens.CountFilter) (int, error) {
	var conditions []string
	var args []any

	if filter.UserID != "" {
		args = append(args, filter.UserID)
		conditions = append(conditions, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if filter.Valid != nil {
		args = append(args, *filter.Valid)
		conditions = append(conditions, fmt.Sprintf("is_valid = $%d", len(args)))
	}
	if filter.LastUsedBefore != nil {
		args = append(args, *filter.LastUsedBefore)
		conditions = append(conditions, fmt.Sprintf("last_used < $%d", len(args)))
	}

	query := `SELECT COUNT(*) FROM push_tokens`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	var count int
	if err := r.db.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count tokens: %w", err)
	}
	return count, nil
}

// DeleteUserTokens hard deletes every token of a user.
func (r *Repository) DeleteUserTokens(ctx context.Context, userID string) (int64, error) {
	result, err := r.db.Exec(ctx, `DELETE FROM push_tokens WHERE user_id = $1`, userID)
	if err != nil {
		return 0, fmt.Errorf("delete user tokens: %w", err)
	}
	return result.RowsAffected(), nil
}

// ListValidTokens returns the valid tokens of a user, most recently used first.
func (r *Repository) ListValidTokens(ctx context.Context, userID string) ([]tokens.PushToken, error) {
	query := `
		SELECT id, user_id, token, platform, model, os_version, app_version, is_valid, created_at, updated_at, last_used
		FROM push_tokens
		WHERE user_id = $1 AND is_valid
		ORDER BY last_used DESC
	`
	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("list valid tokens: %w", err)
	}
	defer rows.Close()

	list := make([]tokens.PushToken, 0)
	for rows.Next() {
		var t tokens.PushToken
		err := rows.Scan(
			&t.ID,
			&t.UserID,
			&t.Token,
			&t.Device.Platform,
			&t.Device.Model,
			&t.Device.OSVersion,
			&t.Device.AppVersion,
			&t.IsValid,
			&t.CreatedAt,
			&t.UpdatedAt,
			&t.LastUsed,
		)
		if err != nil {
			return nil, fmt.Errorf("scan token: %w", err)
		}
		list = append(list, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tokens: %w", err)
	}

	return list, nil
}

// TouchToken sets last_used for every row with the token.
func (r *Repository) TouchToken(ctx context.Context, token string, at time.Time) error {
	result, err := r.db.Exec(ctx, `UPDATE push_tokens SET last_used = $2 WHERE token = $1`, token, at)
	if err != nil {
		return fmt.Errorf("touch token: %w", err)
	}
	if result.RowsAffected() == 0 {
		return tokens.ErrTokenNotFound
	}
	return nil
}
