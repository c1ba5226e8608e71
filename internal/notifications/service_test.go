package notifications

import (
	"context"
	"testing"
	"time"

	"github.com/bissquit/courtside-push/internal/breaker"
	"github.com/bissquit/courtside-push/internal/delivery"
	"github.com/bissquit/courtside-push/internal/health"
	"github.com/bissquit/courtside-push/internal/kvstore"
	"github.com/bissquit/courtside-push/internal/lifecycle"
	"github.com/bissquit/courtside-push/internal/offline"
	"github.com/bissquit/courtside-push/internal/tokens"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type serviceFixture struct {
	*fixture
	queue     *offline.Queue
	lifecycle *lifecycle.Broadcaster
	service   *Service
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	f := newFixture(t)
	queue := offline.New(offline.DefaultConfig(), kvstore.NewMemory(), f.dispatcher, f.log)
	t.Cleanup(queue.Close)
	life := lifecycle.NewBroadcaster()
	t.Cleanup(life.Close)

	service := NewService(Deps{
		Dispatcher:      f.dispatcher,
		Tokens:          f.tokens,
		Queue:           queue,
		Errors:          f.log,
		Monitor:         health.NewMonitor(f.log),
		RegisterBreaker: breaker.New(breaker.DefaultConfig("register")),
		Lifecycle:       life,
	})
	return &serviceFixture{fixture: f, queue: queue, lifecycle: life, service: service}
}

func newJob() offline.NewJob {
	return offline.NewJob{Type: "round_started", UserID: "u1", Title: "Round 2", Body: "Court 3"}
}

func TestService_Send_DeliversWhenOnline(t *testing.T) {
	f := newServiceFixture(t)
	f.register(t, "u1", tokenA)
	f.queue.SetNetworkAvailable(true)

	result, err := f.service.Send(context.Background(), newJob())

	require.NoError(t, err)
	assert.True(t, result.Delivered)
	assert.False(t, result.Queued)
	assert.NotEmpty(t, result.JobID)
	assert.Equal(t, []string{tokenA}, f.pusher.sentTo())
	assert.Zero(t, f.queue.Len())
}

func TestService_Send_QueuesWhenOffline(t *testing.T) {
	f := newServiceFixture(t)
	f.register(t, "u1", tokenA)

	result, err := f.service.Send(context.Background(), newJob())

	require.NoError(t, err)
	assert.True(t, result.Queued)
	assert.Empty(t, f.pusher.sentTo())

	jobs := f.service.QueuedJobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, result.JobID, jobs[0].ID)
	assert.Equal(t, 0, jobs[0].Attempts)
}

func TestService_Send_QueuesRetryableFailure(t *testing.T) {
	f := newServiceFixture(t)
	f.register(t, "u1", tokenA)
	f.queue.SetNetworkAvailable(true)

	boom := delivery.New(delivery.KindNetworkError, "down")
	for range 20 {
		f.pusher.failNext(tokenA, boom)
	}

	result, err := f.service.Send(context.Background(), newJob())
	require.NoError(t, err)
	assert.True(t, result.Queued)

	// The enqueue starts a drain, which fails once more and keeps the job.
	require.Eventually(t, func() bool {
		jobs := f.queue.Jobs()
		return !f.queue.Processing() && len(jobs) == 1 && jobs[0].Attempts == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestService_Send_ReturnsTerminalFailure(t *testing.T) {
	f := newServiceFixture(t)
	f.queue.SetNetworkAvailable(true)

	result, err := f.service.Send(context.Background(), newJob())

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoValidTokens)
	assert.False(t, result.Queued)
	assert.Zero(t, f.queue.Len())
}

func TestService_Send_InvalidJob(t *testing.T) {
	f := newServiceFixture(t)

	_, err := f.service.Send(context.Background(), offline.NewJob{Title: "no type"})

	require.Error(t, err)
	assert.ErrorIs(t, err, offline.ErrInvalidJob)
}

func TestService_ProcessQueue_DeliversAfterReconnect(t *testing.T) {
	f := newServiceFixture(t)
	f.register(t, "u1", tokenA)

	for range 3 {
		_, err := f.service.Send(context.Background(), newJob())
		require.NoError(t, err)
	}
	assert.Equal(t, 3, f.service.QueueStatus().Total)

	f.queue.SetNetworkAvailable(true)
	summary := f.service.ProcessQueue(context.Background())

	assert.Equal(t, offline.Summary{Sent: 3}, summary)
	assert.Len(t, f.pusher.sentTo(), 3)
	assert.Zero(t, f.queue.Len())
}

func TestService_RegisterDevice(t *testing.T) {
	f := newServiceFixture(t)

	saved, err := f.service.RegisterDevice(context.Background(), "u1", tokenA, tokens.DeviceInfo{Platform: "android"})
	require.NoError(t, err)
	assert.Equal(t, "u1", saved.UserID)
	assert.True(t, saved.IsValid)

	stats := f.service.TokenStats(context.Background(), "u1")
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.Valid)
}

func TestService_RegisterDevice_InvalidFormat(t *testing.T) {
	f := newServiceFixture(t)

	_, err := f.service.RegisterDevice(context.Background(), "u1", "not-a-token", tokens.DeviceInfo{})

	require.Error(t, err)
	assert.True(t, delivery.IsKind(err, delivery.KindInvalidToken))
	assert.Zero(t, f.repo.Writes())
}

func TestService_UnregisterAndRemoveTokens(t *testing.T) {
	f := newServiceFixture(t)
	f.register(t, "u1", tokenA)
	f.register(t, "u1", tokenB)

	f.service.UnregisterToken(context.Background(), tokenA)
	stats := f.service.TokenStats(context.Background(), "u1")
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.Valid)

	n, err := f.service.RemoveUserTokens(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Zero(t, f.service.TokenStats(context.Background(), "u1").Total)
}

func TestService_Errors(t *testing.T) {
	f := newServiceFixture(t)
	f.log.Record(delivery.New(delivery.KindNetworkError, "a"))
	f.log.Record(delivery.New(delivery.KindStorageError, "b"))
	f.log.Record(delivery.New(delivery.KindNetworkError, "c"))

	all := f.service.Errors("", 0)
	assert.Len(t, all, 3)

	network := f.service.Errors(delivery.KindNetworkError, 0)
	require.Len(t, network, 2)

	limited := f.service.Errors("", 2)
	require.Len(t, limited, 2)
	assert.Equal(t, "b", limited[0].Message())
	assert.Equal(t, "c", limited[1].Message())

	f.service.ClearErrors()
	assert.Empty(t, f.service.Errors("", 0))
}

func TestService_Health(t *testing.T) {
	f := newServiceFixture(t)

	report := f.service.Health()
	assert.True(t, report.Healthy)
	assert.Equal(t, "closed", report.BreakerState)

	for range health.ErrorThreshold {
		f.log.Record(delivery.New(delivery.KindSendFailed, "failed"))
	}
	assert.False(t, f.service.Health().Healthy)
}

func TestService_SetLifecycle(t *testing.T) {
	f := newServiceFixture(t)

	assert.True(t, f.service.SetLifecycle(lifecycle.StateForeground))
	assert.False(t, f.service.SetLifecycle(lifecycle.StateForeground))
	assert.Equal(t, lifecycle.StateForeground, f.lifecycle.Current())
}

func TestService_RequeueDeadLetters(t *testing.T) {
	f := newServiceFixture(t)
	f.register(t, "u1", tokenA)
	f.dispatcher.config.MaxAttempts = 1

	boom := delivery.New(delivery.KindNetworkError, "down")
	f.pusher.failNext(tokenA, boom, boom, boom)

	_, err := f.service.Enqueue(context.Background(), newJob())
	require.NoError(t, err)

	f.queue.SetNetworkAvailable(true)
	for range offline.DefaultConfig().MaxRetryAttempts {
		f.service.ProcessQueue(context.Background())
	}
	require.Zero(t, f.queue.Len(), "job is dead-lettered at the retry cap")

	n, err := f.service.RequeueDeadLetters(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Requeueing drains in the background while online.
	require.Eventually(t, func() bool { return f.queue.Len() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{tokenA}, f.pusher.sentTo())
}
