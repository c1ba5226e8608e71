package offline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bissquit/courtside-push/internal/delivery"
	"github.com/bissquit/courtside-push/internal/kvstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSender struct {
	mu    sync.Mutex
	sent  []string
	err   func(job Job) error
	calls atomic.Int32
}

func (s *recordingSender) Send(_ context.Context, job Job) error {
	s.calls.Add(1)
	if s.err != nil {
		if err := s.err(job); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.sent = append(s.sent, job.Title)
	s.mu.Unlock()
	return nil
}

func (s *recordingSender) titles() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

type failingStore struct{ *kvstore.Memory }

func (f *failingStore) Set(context.Context, string, []byte) error {
	return errors.New("disk full")
}

func newTestQueue(t *testing.T, capacity int, sender Sender) (*Queue, *kvstore.Memory, *delivery.ErrorLog) {
	t.Helper()
	store := kvstore.NewMemory()
	log := delivery.NewErrorLog(100)
	cfg := DefaultConfig()
	cfg.Capacity = capacity
	q := New(cfg, store, sender, log)
	var seq atomic.Int32
	q.newID = func() string { return fmt.Sprintf("job-%d", seq.Add(1)) }
	t.Cleanup(q.Close)
	return q, store, log
}

func enqueue(t *testing.T, q *Queue, title string) Job {
	t.Helper()
	job, err := q.Enqueue(context.Background(), NewJob{Type: "round_started", UserID: "u1", Title: title})
	require.NoError(t, err)
	return job
}

func TestQueue_Enqueue(t *testing.T) {
	q, store, _ := newTestQueue(t, 10, &recordingSender{})

	job := enqueue(t, q, "hello")
	assert.Equal(t, "job-1", job.ID)
	assert.Zero(t, job.Attempts)
	assert.False(t, job.CreatedAt.IsZero())
	assert.Equal(t, 1, q.Len())
	assert.Equal(t, 1, store.Writes())
}

func TestQueue_Enqueue_Invalid(t *testing.T) {
	q, store, _ := newTestQueue(t, 10, &recordingSender{})

	_, err := q.Enqueue(context.Background(), NewJob{Type: "", UserID: "u1"})
	assert.ErrorIs(t, err, ErrInvalidJob)
	_, err = q.Enqueue(context.Background(), NewJob{Type: "t", UserID: " "})
	assert.ErrorIs(t, err, ErrInvalidJob)
	assert.Zero(t, q.Len())
	assert.Zero(t, store.Writes())
}

func TestQueue_Enqueue_EvictsOldestAtCapacity(t *testing.T) {
	q, _, _ := newTestQueue(t, 3, &recordingSender{})

	for i := range 5 {
		enqueue(t, q, fmt.Sprintf("n%d", i))
		assert.LessOrEqual(t, q.Len(), 3)
	}

	jobs := q.Jobs()
	require.Len(t, jobs, 3)
	assert.Equal(t, "n2", jobs[0].Title)
	assert.Equal(t, "n4", jobs[2].Title)
}

func TestQueue_Enqueue_PersistFailureIsNotReturned(t *testing.T) {
	log := delivery.NewErrorLog(10)
	q := New(DefaultConfig(), &failingStore{Memory: kvstore.NewMemory()}, &recordingSender{}, log)
	t.Cleanup(q.Close)

	_, err := q.Enqueue(context.Background(), NewJob{Type: "t", UserID: "u"})
	require.NoError(t, err)
	assert.Equal(t, 1, q.Len())
	assert.Len(t, log.ByKind(delivery.KindStorageError), 1)
}

func TestQueue_ProcessQueue_Skips(t *testing.T) {
	sender := &recordingSender{}
	q, _, _ := newTestQueue(t, 10, sender)

	enqueue(t, q, "a")
	assert.True(t, q.ProcessQueue(context.Background()).Skipped, "offline")

	assert.Equal(t, 1, q.Clear(context.Background()))
	q.SetNetworkAvailable(true)
	assert.True(t, q.ProcessQueue(context.Background()).Skipped, "empty")
	assert.Zero(t, sender.calls.Load())
}

func TestQueue_ProcessQueue_NewestFirst(t *testing.T) {
	sender := &recordingSender{}
	q, store, _ := newTestQueue(t, 10, sender)

	enqueue(t, q, "a")
	enqueue(t, q, "b")
	enqueue(t, q, "c")
	writes := store.Writes()

	q.SetNetworkAvailable(true)
	summary := q.ProcessQueue(context.Background())

	assert.Equal(t, Summary{Sent: 3}, summary)
	assert.Equal(t, []string{"c", "b", "a"}, sender.titles())
	assert.Zero(t, q.Len())
	assert.Equal(t, writes+1, store.Writes(), "persisted once per pass")
}

func TestQueue_ProcessQueue_SinglePassWhenOverlapping(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	sender := &recordingSender{err: func(Job) error {
		once.Do(func() { close(entered) })
		<-release
		return nil
	}}
	q, _, _ := newTestQueue(t, 10, sender)
	enqueue(t, q, "a")
	enqueue(t, q, "b")
	q.SetNetworkAvailable(true)

	done := make(chan Summary)
	go func() { done <- q.ProcessQueue(context.Background()) }()
	<-entered

	assert.True(t, q.Processing())
	second := q.ProcessQueue(context.Background())
	assert.True(t, second.Skipped)

	close(release)
	first := <-done
	assert.Equal(t, 2, first.Sent)
	assert.Equal(t, int32(2), sender.calls.Load())
	assert.False(t, q.Processing())
}

func TestQueue_ProcessQueue_DeadLetterAfterMaxAttempts(t *testing.T) {
	sendErr := delivery.New(delivery.KindNetworkError, "timeout")
	sender := &recordingSender{err: func(Job) error { return sendErr }}
	q, store, log := newTestQueue(t, 10, sender)
	job := enqueue(t, q, "a")
	q.SetNetworkAvailable(true)
	ctx := context.Background()

	for attempt := 1; attempt < 3; attempt++ {
		summary := q.ProcessQueue(ctx)
		assert.Equal(t, Summary{Retrying: 1}, summary)
		jobs := q.Jobs()
		require.Len(t, jobs, 1)
		assert.Equal(t, attempt, jobs[0].Attempts)
		require.NotNil(t, jobs[0].LastAttempt)
		assert.Contains(t, jobs[0].Error, "timeout")
	}

	summary := q.ProcessQueue(ctx)
	assert.Equal(t, Summary{Failed: 1}, summary)
	assert.Zero(t, q.Len())

	dead := log.ByKind(delivery.KindSendFailed)
	require.Len(t, dead, 1)
	assert.False(t, dead[0].IsRetryable())
	id, _ := dead[0].Field("job_id")
	assert.Equal(t, job.ID, id)
	assert.ErrorIs(t, dead[0], sendErr)

	// The job does not come back from storage or from a retry request.
	reloaded := New(DefaultConfig(), store, sender, delivery.NewErrorLog(10))
	t.Cleanup(reloaded.Close)
	require.NoError(t, reloaded.Load(ctx))
	assert.Zero(t, reloaded.Len())
	assert.Zero(t, q.RetryFailed(ctx))
	assert.Zero(t, q.Len())
}

func TestQueue_ProcessQueue_RateLimitedStopsPass(t *testing.T) {
	limited := delivery.New(delivery.KindRateLimitExceeded, "too many")
	var calls atomic.Int32
	sender := &recordingSender{err: func(Job) error {
		if calls.Add(1) > 1 {
			return limited
		}
		return nil
	}}
	q, _, _ := newTestQueue(t, 10, sender)
	enqueue(t, q, "a")
	enqueue(t, q, "b")
	enqueue(t, q, "c")
	q.SetNetworkAvailable(true)

	summary := q.ProcessQueue(context.Background())

	assert.Equal(t, Summary{Sent: 1, Retrying: 2}, summary)
	assert.Equal(t, int32(2), sender.calls.Load())
	for _, job := range q.Jobs() {
		assert.Zero(t, job.Attempts, "rejected before sending")
	}
}

func TestQueue_ProcessQueue_KeepsJobsEnqueuedDuringPass(t *testing.T) {
	var q *Queue
	var once sync.Once
	sender := &recordingSender{err: func(Job) error {
		once.Do(func() {
			q.SetNetworkAvailable(false)
			_, err := q.Enqueue(context.Background(), NewJob{Type: "t", UserID: "u", Title: "late"})
			require.NoError(t, err)
			q.SetNetworkAvailable(true)
		})
		return nil
	}}
	q, _, _ = newTestQueue(t, 10, sender)
	enqueue(t, q, "a")
	q.SetNetworkAvailable(true)

	summary := q.ProcessQueue(context.Background())
	assert.Equal(t, 1, summary.Sent)

	jobs := q.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, "late", jobs[0].Title)
}

func TestQueue_RetryFailed(t *testing.T) {
	fail := true
	sender := &recordingSender{err: func(Job) error {
		if fail {
			return errors.New("boom")
		}
		return nil
	}}
	q, _, _ := newTestQueue(t, 10, sender)
	enqueue(t, q, "a")
	enqueue(t, q, "b")
	q.SetNetworkAvailable(true)
	q.ProcessQueue(context.Background())
	q.SetNetworkAvailable(false)

	assert.Equal(t, 2, q.RetryFailed(context.Background()))
	for _, job := range q.Jobs() {
		assert.Zero(t, job.Attempts)
		assert.Nil(t, job.LastAttempt)
		assert.Empty(t, job.Error)
	}
	assert.Zero(t, q.RetryFailed(context.Background()))
}

func TestQueue_RequeueDeadLetters(t *testing.T) {
	fail := true
	sender := &recordingSender{err: func(Job) error {
		if fail {
			return errors.New("boom")
		}
		return nil
	}}
	q, _, _ := newTestQueue(t, 10, sender)
	enqueue(t, q, "a")
	q.SetNetworkAvailable(true)
	for range 3 {
		q.ProcessQueue(context.Background())
	}
	require.Zero(t, q.Len())
	q.SetNetworkAvailable(false)

	n, err := q.RequeueDeadLetters(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	jobs := q.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, "a", jobs[0].Title)
	assert.Zero(t, jobs[0].Attempts)
	assert.NotEqual(t, "job-1", jobs[0].ID)

	n, err = q.RequeueDeadLetters(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "each dead letter is requeued once")
}

func TestQueue_Load(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemory()
	legacy := `[
		{"id":"1","type":"t","user_id":"u","title":"old","created_at":"2026-01-01T00:00:00Z","attempts":3,"error":"boom"},
		{"id":"2","type":"t","user_id":"u","title":"x","created_at":"2026-01-01T00:01:00Z","attempts":0},
		{"id":"3","type":"t","user_id":"u","title":"y","created_at":"2026-01-01T00:02:00Z","attempts":1},
		{"id":"4","type":"t","user_id":"u","title":"z","created_at":"2026-01-01T00:03:00Z","attempts":0}
	]`
	require.NoError(t, store.Set(ctx, DefaultStorageKey, []byte(legacy)))

	log := delivery.NewErrorLog(10)
	cfg := DefaultConfig()
	cfg.Capacity = 2
	q := New(cfg, store, &recordingSender{}, log)
	t.Cleanup(q.Close)

	require.NoError(t, q.Load(ctx))

	jobs := q.Jobs()
	require.Len(t, jobs, 2)
	assert.Equal(t, "3", jobs[0].ID)
	assert.Equal(t, "4", jobs[1].ID)
	assert.Len(t, log.ByKind(delivery.KindSendFailed), 1)

	data, ok, err := store.Get(ctx, DefaultStorageKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Contains(t, string(data), `"version":1`)
}

func TestQueue_Load_Missing(t *testing.T) {
	q, _, _ := newTestQueue(t, 10, &recordingSender{})
	require.NoError(t, q.Load(context.Background()))
	assert.Zero(t, q.Len())
}

func TestQueue_Status(t *testing.T) {
	q, _, _ := newTestQueue(t, 10, &recordingSender{})
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return now }

	enqueue(t, q, "a")
	q.now = func() time.Time { return now.Add(2 * time.Hour) }
	_, err := q.Enqueue(context.Background(), NewJob{Type: "session_reminder", UserID: "u2", Title: "b"})
	require.NoError(t, err)

	status := q.Status()
	assert.Equal(t, 2, status.Total)
	assert.Equal(t, 1, status.CreatedLastHour)
	assert.False(t, status.NetworkAvailable)
	assert.False(t, status.Processing)
	assert.Zero(t, status.AtRetryCap)
	assert.Equal(t, map[string]int{"round_started": 1, "session_reminder": 1}, status.ByType)
}

func TestQueue_EnqueueOnlineDrainsInBackground(t *testing.T) {
	sender := &recordingSender{}
	q, _, _ := newTestQueue(t, 10, sender)
	q.SetNetworkAvailable(true)

	enqueue(t, q, "a")

	require.Eventually(t, func() bool { return q.Len() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"a"}, sender.titles())
}

func TestQueue_Close(t *testing.T) {
	q, _, _ := newTestQueue(t, 10, &recordingSender{})
	q.Close()

	_, err := q.Enqueue(context.Background(), NewJob{Type: "t", UserID: "u"})
	assert.ErrorIs(t, err, ErrClosed)
}
