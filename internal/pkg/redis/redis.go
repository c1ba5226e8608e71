// Package redis provides Redis connection utilities.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Connection errors.
var (
	ErrInvalidURL = errors.New("invalid redis url")
	ErrNotReady   = errors.New("redis did not become ready")
)

// Config contains Redis connection configuration.
type Config struct {
	URL             string
	ConnectAttempts int
	RetryInterval   time.Duration
	ConnectTimeout  time.Duration
}

// Connect creates a client and pings the server, retrying up to
// ConnectAttempts times.
func Connect(ctx context.Context, cfg Config) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, errors.Join(ErrInvalidURL, err)
	}

	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}

	attempts := max(cfg.ConnectAttempts, 1)
	interval := cfg.RetryInterval
	if interval <= 0 {
		interval = time.Second
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		client := redis.NewClient(opts)
		if lastErr = client.Ping(ctx).Err(); lastErr == nil {
			slog.Info("connected to redis", "addr", opts.Addr, "db", opts.DB, "attempts", attempt)
			return client, nil
		}
		_ = client.Close()

		if attempt == attempts {
			break
		}
		slog.Warn("failed to ping redis, retrying",
			"attempt", attempt,
			"max_attempts", attempts,
			"backoff", interval,
			"error", lastErr,
		)

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, errors.Join(ErrNotReady, ctx.Err())
		case <-timer.C:
		}
	}

	return nil, errors.Join(ErrNotReady, fmt.Errorf("after %d attempts: %w", attempts, lastErr))
}

// Healthcheck returns a readiness check for client.
func Healthcheck(client redis.UniversalClient) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		return nil
	}
}
