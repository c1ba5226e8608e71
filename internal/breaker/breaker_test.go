package breaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bissquit/courtside-push/internal/delivery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(threshold, halfOpen int, cooldown time.Duration) (*Breaker, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	b := New(Config{Name: "test", FailureThreshold: threshold, Cooldown: cooldown, HalfOpenAttempts: halfOpen})
	b.now = clock.Now
	return b, clock
}

var errDependency = errors.New("dependency down")

func fail(context.Context) error    { return errDependency }
func succeed(context.Context) error { return nil }

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, 1, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		err := b.Execute(ctx, fail)
		assert.ErrorIs(t, err, errDependency, "original error is re-raised")
	}
	assert.Equal(t, StateOpen, b.State())

	called := false
	err := b.Execute(ctx, func(context.Context) error {
		called = true
		return nil
	})

	require.Error(t, err)
	assert.False(t, called, "rejected call must not reach the dependency")
	assert.ErrorIs(t, err, ErrOpen)

	de, ok := delivery.As(err)
	require.True(t, ok)
	assert.Equal(t, delivery.KindRateLimitExceeded, de.Kind())
	assert.False(t, de.IsRetryable())
	next, ok := de.Field("next_attempt_time")
	require.True(t, ok)
	assert.Equal(t, b.Snapshot().NextAttemptTime.UTC(), next.(time.Time).UTC())
	retryAfter, _ := de.Field("retry_after_ms")
	assert.Equal(t, time.Minute.Milliseconds(), retryAfter)
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(3, 1, time.Minute)
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, fail)
	require.NoError(t, b.Execute(ctx, succeed))
	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, fail)

	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 2, b.Snapshot().FailureCount)
}

func TestBreaker_HalfOpenClosesAfterConsecutiveSuccesses(t *testing.T) {
	b, clock := newTestBreaker(1, 2, time.Minute)
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	require.Equal(t, StateOpen, b.State())

	clock.Advance(30 * time.Second)
	assert.ErrorIs(t, b.Execute(ctx, succeed), ErrOpen)

	clock.Advance(31 * time.Second)
	require.NoError(t, b.Execute(ctx, succeed))
	assert.Equal(t, StateHalfOpen, b.State())

	require.NoError(t, b.Execute(ctx, succeed))
	assert.Equal(t, StateClosed, b.State())

	snap := b.Snapshot()
	assert.Equal(t, 0, snap.FailureCount)
	assert.Equal(t, 0, snap.SuccessCount)
	assert.Nil(t, snap.NextAttemptTime)
}

func TestBreaker_HalfOpenFailureReopensWithFreshCooldown(t *testing.T) {
	b, clock := newTestBreaker(1, 2, time.Minute)
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	clock.Advance(time.Minute)

	err := b.Execute(ctx, fail)
	assert.ErrorIs(t, err, errDependency)
	assert.Equal(t, StateOpen, b.State())

	snap := b.Snapshot()
	require.NotNil(t, snap.NextAttemptTime)
	assert.Equal(t, clock.Now().Add(time.Minute), *snap.NextAttemptTime)

	clock.Advance(59 * time.Second)
	assert.ErrorIs(t, b.Execute(ctx, succeed), ErrOpen)
}

func TestBreaker_HalfOpenBoundsProbes(t *testing.T) {
	b, clock := newTestBreaker(1, 2, time.Second)
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	clock.Advance(time.Second)

	release := make(chan struct{})
	started := make(chan struct{}, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = b.Execute(ctx, func(context.Context) error {
				started <- struct{}{}
				<-release
				return nil
			})
		}()
	}
	<-started
	<-started

	err := b.Execute(ctx, succeed)
	assert.ErrorIs(t, err, ErrOpen, "third concurrent probe is rejected")

	de, ok := delivery.As(err)
	require.True(t, ok)
	retryAfter, _ := de.Field("retry_after_ms")
	assert.Equal(t, int64(1000), retryAfter)
	next, _ := de.Field("next_attempt_time")
	assert.True(t, next.(time.Time).After(clock.Now()))

	close(release)
	wg.Wait()
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_CallerCancellationIsNotAFailure(t *testing.T) {
	b, _ := newTestBreaker(1, 1, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := b.Execute(ctx, func(ctx context.Context) error { return ctx.Err() })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_Reset(t *testing.T) {
	b, _ := newTestBreaker(1, 1, time.Hour)
	_ = b.Execute(context.Background(), fail)
	require.Equal(t, StateOpen, b.State())

	b.Reset()
	assert.Equal(t, StateClosed, b.State())
	assert.NoError(t, b.Execute(context.Background(), succeed))
}

func TestNew_Defaults(t *testing.T) {
	b := New(Config{Name: "defaults"})
	assert.Equal(t, DefaultConfig("defaults"), b.config)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(42).String())
}

func TestBreaker_RequestErrorsDoNotTrip(t *testing.T) {
	b, _ := newTestBreaker(2, 1, time.Minute)
	ctx := context.Background()

	invalid := delivery.New(delivery.KindInvalidToken, "device not registered")
	unsupported := delivery.New(delivery.KindDeviceUnsupported, "not an expo token")
	for i := 0; i < 5; i++ {
		assert.ErrorIs(t, b.Execute(ctx, func(context.Context) error { return invalid }), invalid)
		assert.ErrorIs(t, b.Execute(ctx, func(context.Context) error { return unsupported }), unsupported)
	}
	assert.Equal(t, StateClosed, b.State())
	assert.Zero(t, b.Snapshot().FailureCount)

	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, fail)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_CustomFailureClassifier(t *testing.T) {
	b := New(Config{
		Name:             "custom",
		FailureThreshold: 1,
		IsFailure:        func(err error) bool { return !errors.Is(err, errDependency) },
	})

	_ = b.Execute(context.Background(), fail)
	assert.Equal(t, StateClosed, b.State())
}

func TestDependencyFailure(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"plain error", errDependency, true},
		{"network error", delivery.New(delivery.KindNetworkError, "connection refused"), true},
		{"retryable send failure", delivery.New(delivery.KindSendFailed, "502"), true},
		{"exhausted retries", delivery.New(delivery.KindSendFailed, "gave up",
			delivery.WithRetryable(false), delivery.WithField("exhausted", true)), true},
		{"terminal send failure", delivery.New(delivery.KindSendFailed, "400", delivery.WithRetryable(false)), false},
		{"invalid token", delivery.New(delivery.KindInvalidToken, "device not registered"), false},
		{"unsupported device", delivery.New(delivery.KindDeviceUnsupported, "fcm token"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DependencyFailure(tt.err))
		})
	}
}
