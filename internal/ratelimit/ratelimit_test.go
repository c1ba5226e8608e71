package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bissquit/courtside-push/internal/delivery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(n int, window time.Duration) (*Limiter, *time.Time) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	l := New(Config{Name: "test", MaxRequests: n, Window: window})
	l.now = func() time.Time { return now }
	return l, &now
}

func noop(context.Context) error { return nil }

func TestLimiter_RejectsOverLimit(t *testing.T) {
	l, now := newTestLimiter(3, time.Second)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, l.Throttle(ctx, noop))
		*now = now.Add(100 * time.Millisecond)
	}

	called := false
	err := l.Throttle(ctx, func(context.Context) error {
		called = true
		return nil
	})

	require.Error(t, err)
	assert.False(t, called)
	assert.ErrorIs(t, err, ErrLimitExceeded)

	de, ok := delivery.As(err)
	require.True(t, ok)
	assert.Equal(t, delivery.KindRateLimitExceeded, de.Kind())
	assert.True(t, de.IsRetryable())

	wait, ok := WaitTime(err)
	require.True(t, ok)
	assert.Equal(t, 700*time.Millisecond, wait)
}

func TestLimiter_AdmitsAfterOldestLeavesWindow(t *testing.T) {
	l, now := newTestLimiter(2, time.Second)
	ctx := context.Background()
	start := *now

	require.NoError(t, l.Throttle(ctx, noop))
	*now = start.Add(500 * time.Millisecond)
	require.NoError(t, l.Throttle(ctx, noop))
	require.Error(t, l.Throttle(ctx, noop))

	*now = start.Add(time.Second)
	require.NoError(t, l.Throttle(ctx, noop), "oldest call expired")
	require.Error(t, l.Throttle(ctx, noop))

	*now = start.Add(1500 * time.Millisecond)
	assert.Equal(t, 1, l.Remaining())
}

func TestLimiter_PropagatesOperationError(t *testing.T) {
	l, _ := newTestLimiter(1, time.Second)
	opErr := errors.New("send failed")

	err := l.Throttle(context.Background(), func(context.Context) error { return opErr })
	assert.Same(t, opErr, err)
	assert.Equal(t, 0, l.Remaining(), "failed calls still count against the window")
}

func TestLimiter_Reset(t *testing.T) {
	l, _ := newTestLimiter(1, time.Minute)
	require.NoError(t, l.Throttle(context.Background(), noop))
	require.Error(t, l.Throttle(context.Background(), noop))

	l.Reset()
	assert.NoError(t, l.Throttle(context.Background(), noop))
}

func TestWaitTime_NonLimiterError(t *testing.T) {
	_, ok := WaitTime(errors.New("other"))
	assert.False(t, ok)

	_, ok = WaitTime(delivery.New(delivery.KindRateLimitExceeded, "breaker"))
	assert.False(t, ok)
}

func TestNew_Defaults(t *testing.T) {
	l := New(Config{Name: "defaults"})
	assert.Equal(t, DefaultConfig("defaults"), l.config)
}
