package offline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bissquit/courtside-push/internal/delivery"
	"github.com/bissquit/courtside-push/internal/kvstore"
	"github.com/bissquit/courtside-push/internal/ratelimit"
	"github.com/google/uuid"
)

// DefaultStorageKey is the key holding the serialized queue.
const DefaultStorageKey = "offline:notification_queue"

// Config contains queue configuration.
type Config struct {
	Capacity         int
	MaxRetryAttempts int
	StorageKey       string
}

// DefaultConfig returns the default queue configuration.
func DefaultConfig() Config {
	return Config{
		Capacity:         100,
		MaxRetryAttempts: 3,
		StorageKey:       DefaultStorageKey,
	}
}

// ErrorLog records and looks up delivery errors.
type ErrorLog interface {
	Record(err *delivery.Error)
	ByKind(kind delivery.Kind) []*delivery.Error
}

// Queue is a durable FIFO of pending jobs with oldest-eviction at capacity.
// The whole queue is persisted on every mutation. Drains are mutually
// exclusive: a drain requested while one is running is a no-op.
type Queue struct {
	config Config
	store  kvstore.Store
	sender Sender
	errors ErrorLog
	now    func() time.Time
	newID  func() string

	mu       sync.Mutex
	items    []Job
	requeued map[string]struct{}
	bgCtx    context.Context
	bgCancel context.CancelFunc
	bg       sync.WaitGroup
	closed   bool

	processing atomic.Bool
	online     atomic.Bool
}

// New creates an empty queue. Call Load to restore persisted jobs.
func New(config Config, store kvstore.Store, sender Sender, errorLog ErrorLog) *Queue {
	if config.Capacity <= 0 {
		config.Capacity = 100
	}
	if config.MaxRetryAttempts <= 0 {
		config.MaxRetryAttempts = 3
	}
	if config.StorageKey == "" {
		config.StorageKey = DefaultStorageKey
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())
	return &Queue{
		config:   config,
		store:    store,
		sender:   sender,
		errors:   errorLog,
		now:      time.Now,
		newID:    func() string { return uuid.NewString() },
		requeued: make(map[string]struct{}),
		bgCtx:    bgCtx,
		bgCancel: bgCancel,
	}
}

// Load restores the persisted queue, replacing in-memory contents. Entries
// beyond capacity are dropped oldest first; entries already at the retry cap
// are dead-lettered.
func (q *Queue) Load(ctx context.Context) error {
	data, ok, err := q.store.Get(ctx, q.config.StorageKey)
	if err != nil {
		q.recordStorageError("load queue", err)
		return fmt.Errorf("load queue: %w", err)
	}
	if !ok {
		return nil
	}

	items, version, err := decodeQueue(data)
	if err != nil {
		q.recordStorageError("decode queue", err)
		return err
	}

	var dead []Job
	live := items[:0]
	for _, job := range items {
		if job.Attempts >= q.config.MaxRetryAttempts {
			dead = append(dead, job)
			continue
		}
		live = append(live, job)
	}
	if over := len(live) - q.config.Capacity; over > 0 {
		live = live[over:]
	}

	q.mu.Lock()
	q.items = slices.Clone(live)
	migrate := version != schemaVersion || len(dead) > 0 || len(live) != len(items)
	if migrate {
		q.persistLocked(ctx)
	}
	total := len(q.items)
	q.mu.Unlock()

	for _, job := range dead {
		q.deadLetter(job, errors.New(job.Error))
	}
	recordQueueSize(total)

	slog.Info("offline queue loaded",
		"jobs", total,
		"schema_version", version,
		"dead_lettered", len(dead),
	)
	return nil
}

// Enqueue appends a job. At capacity the single oldest job is evicted.
// If the network is available a drain is started in the background.
func (q *Queue) Enqueue(ctx context.Context, in NewJob) (Job, error) {
	if strings.TrimSpace(in.Type) == "" || strings.TrimSpace(in.UserID) == "" {
		return Job{}, fmt.Errorf("%w: type and user id are required", ErrInvalidJob)
	}

	job := Job{
		ID:        q.newID(),
		Type:      in.Type,
		UserID:    in.UserID,
		Title:     in.Title,
		Body:      in.Body,
		Data:      in.Data,
		CreatedAt: q.now(),
	}

	if err := q.append(ctx, job); err != nil {
		return Job{}, err
	}

	slog.Debug("notification queued", "job_id", job.ID, "type", job.Type, "user_id", job.UserID)
	recordEnqueued(job.Type)

	if q.online.Load() {
		q.drainInBackground()
	}
	return job.clone(), nil
}

func (q *Queue) append(ctx context.Context, job Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}

	if len(q.items) >= q.config.Capacity {
		evicted := q.items[0]
		q.items = slices.Delete(q.items, 0, 1)
		slog.Warn("offline queue full, evicted oldest job",
			"job_id", evicted.ID,
			"type", evicted.Type,
			"capacity", q.config.Capacity,
		)
		recordEvicted()
	}

	q.items = append(q.items, job)
	q.persistLocked(ctx)
	recordQueueSize(len(q.items))
	return nil
}

// ProcessQueue runs one drain pass over every resident job, newest first.
// It is a no-op when a drain is already running, the network is unavailable
// or the queue is empty. Delivered jobs are removed; failed jobs have their
// attempt count raised and are dead-lettered at the retry cap. The queue is
// persisted once at the end of the pass.
func (q *Queue) ProcessQueue(ctx context.Context) Summary {
	if !q.online.Load() {
		return Summary{Skipped: true}
	}
	if !q.processing.CompareAndSwap(false, true) {
		slog.Debug("offline queue drain already running")
		return Summary{Skipped: true}
	}
	defer q.processing.Store(false)

	q.mu.Lock()
	pending := make([]Job, len(q.items))
	for i, job := range q.items {
		pending[i] = job.clone()
	}
	q.mu.Unlock()

	if len(pending) == 0 {
		return Summary{Skipped: true}
	}

	start := q.now()
	slog.Info("draining offline queue", "jobs", len(pending))

	var summary Summary
	sent := make(map[string]struct{})
	updated := make(map[string]Job)
	var dead []Job
	var deadCauses []error

	for i := len(pending) - 1; i >= 0; i-- {
		job := pending[i]

		if ctx.Err() != nil {
			summary.Retrying += i + 1
			break
		}

		err := q.sender.Send(ctx, job)
		if err == nil {
			sent[job.ID] = struct{}{}
			summary.Sent++
			continue
		}

		if delivery.IsKind(err, delivery.KindRateLimitExceeded) {
			// Not admitted: the job was not attempted and neither will the rest be.
			wait, _ := ratelimit.WaitTime(err)
			slog.Info("offline queue drain deferred",
				"job_id", job.ID,
				"remaining", i+1,
				"retry_in", wait,
				"error", err,
			)
			summary.Retrying += i + 1
			break
		}

		now := q.now()
		job.Attempts++
		job.LastAttempt = &now
		job.Error = err.Error()

		if job.Attempts >= q.config.MaxRetryAttempts {
			dead = append(dead, job)
			deadCauses = append(deadCauses, err)
			summary.Failed++
			continue
		}

		updated[job.ID] = job
		summary.Retrying++
		slog.Debug("queued notification failed, will retry",
			"job_id", job.ID,
			"attempts", job.Attempts,
			"max_attempts", q.config.MaxRetryAttempts,
			"error", err,
		)
	}

	deadIDs := make(map[string]struct{}, len(dead))
	for _, job := range dead {
		deadIDs[job.ID] = struct{}{}
	}

	q.mu.Lock()
	q.items = slices.DeleteFunc(q.items, func(job Job) bool {
		_, isSent := sent[job.ID]
		_, isDead := deadIDs[job.ID]
		return isSent || isDead
	})
	for i, job := range q.items {
		if u, ok := updated[job.ID]; ok {
			q.items[i].Attempts = u.Attempts
			q.items[i].LastAttempt = u.LastAttempt
			q.items[i].Error = u.Error
		}
	}
	q.persistLocked(ctx)
	remaining := len(q.items)
	q.mu.Unlock()

	for i, job := range dead {
		q.deadLetter(job, deadCauses[i])
	}

	recordDrain(summary, q.now().Sub(start))
	recordQueueSize(remaining)

	slog.Info("offline queue drained",
		"sent", summary.Sent,
		"failed", summary.Failed,
		"retrying", summary.Retrying,
		"remaining", remaining,
	)
	return summary
}

// RetryFailed clears attempts, last attempt and error on resident jobs that
// have failed before, then starts a drain if online. Jobs already
// dead-lettered are not resident and are not affected; see RequeueDeadLetters.
func (q *Queue) RetryFailed(ctx context.Context) int {
	q.mu.Lock()
	reset := 0
	for i := range q.items {
		if q.items[i].Attempts == 0 && q.items[i].Error == "" {
			continue
		}
		q.items[i].Attempts = 0
		q.items[i].LastAttempt = nil
		q.items[i].Error = ""
		reset++
	}
	if reset > 0 {
		q.persistLocked(ctx)
	}
	q.mu.Unlock()

	slog.Info("reset failed notifications", "count", reset)
	if reset > 0 && q.online.Load() {
		q.drainInBackground()
	}
	return reset
}

// RequeueDeadLetters enqueues again every dead-lettered job still present in
// the error log, with a fresh attempt count. Each dead letter is requeued at
// most once.
func (q *Queue) RequeueDeadLetters(ctx context.Context) (int, error) {
	if q.errors == nil {
		return 0, nil
	}

	var jobs []Job
	for _, e := range q.errors.ByKind(delivery.KindSendFailed) {
		if dl, _ := e.Field(fieldDeadLetter); dl != true {
			continue
		}
		v, ok := e.Field(fieldJob)
		if !ok {
			continue
		}
		job, ok := v.(Job)
		if !ok {
			continue
		}
		jobs = append(jobs, job)
	}

	count := 0
	for _, old := range jobs {
		q.mu.Lock()
		_, done := q.requeued[old.ID]
		if !done {
			q.requeued[old.ID] = struct{}{}
		}
		q.mu.Unlock()
		if done {
			continue
		}

		job := old.clone()
		job.ID = q.newID()
		job.Attempts = 0
		job.LastAttempt = nil
		job.Error = ""
		if err := q.append(ctx, job); err != nil {
			return count, err
		}
		slog.Info("dead-lettered notification requeued", "job_id", job.ID, "original_job_id", old.ID)
		count++
	}

	if count > 0 && q.online.Load() {
		q.drainInBackground()
	}
	return count, nil
}

// SetNetworkAvailable records connectivity. It returns the previous value.
func (q *Queue) SetNetworkAvailable(online bool) bool {
	return q.online.Swap(online)
}

// NetworkAvailable reports the last recorded connectivity.
func (q *Queue) NetworkAvailable() bool {
	return q.online.Load()
}

// Processing reports whether a drain is running.
func (q *Queue) Processing() bool {
	return q.processing.Load()
}

// Len returns the number of resident jobs.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Jobs returns a copy of the resident jobs, oldest first.
func (q *Queue) Jobs() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Job, len(q.items))
	for i, job := range q.items {
		out[i] = job.clone()
	}
	return out
}

// Status returns a read-only snapshot.
func (q *Queue) Status() Status {
	q.mu.Lock()
	defer q.mu.Unlock()

	hourAgo := q.now().Add(-time.Hour)
	s := Status{
		Total:            len(q.items),
		Processing:       q.processing.Load(),
		NetworkAvailable: q.online.Load(),
		ByType:           make(map[string]int),
	}
	for _, job := range q.items {
		if job.CreatedAt.After(hourAgo) {
			s.CreatedLastHour++
		}
		if job.Attempts >= q.config.MaxRetryAttempts {
			s.AtRetryCap++
		}
		s.ByType[job.Type]++
	}
	return s
}

// Clear drops every resident job and returns how many were dropped.
func (q *Queue) Clear(ctx context.Context) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	q.items = nil
	q.persistLocked(ctx)
	recordQueueSize(0)
	if n > 0 {
		slog.Warn("offline queue cleared", "jobs", n)
	}
	return n
}

// Close stops background drains and waits for a running one to finish.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	q.bgCancel()
	q.bg.Wait()
}

func (q *Queue) drainInBackground() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.bg.Add(1)
	q.mu.Unlock()

	go func() {
		defer q.bg.Done()
		q.ProcessQueue(q.bgCtx)
	}()
}

func (q *Queue) persistLocked(ctx context.Context) {
	data, err := encodeQueue(q.items)
	if err != nil {
		q.recordStorageError("encode queue", err)
		return
	}
	if err := q.store.Set(context.WithoutCancel(ctx), q.config.StorageKey, data); err != nil {
		q.recordStorageError("persist queue", err)
	}
}

const (
	fieldDeadLetter = "dead_letter"
	fieldJob        = "job"
)

func (q *Queue) deadLetter(job Job, cause error) {
	slog.Error("notification dropped after max retry attempts",
		"job_id", job.ID,
		"type", job.Type,
		"user_id", job.UserID,
		"attempts", job.Attempts,
		"error", cause,
	)
	recordDeadLetter(job.Type)

	if q.errors == nil {
		return
	}
	q.errors.Record(delivery.New(delivery.KindSendFailed, "notification dropped after max retry attempts",
		delivery.WithCause(cause),
		delivery.WithRetryable(false),
		delivery.WithField(fieldDeadLetter, true),
		delivery.WithField(fieldJob, job.clone()),
		delivery.WithField("job_id", job.ID),
		delivery.WithField("job_type", job.Type),
		delivery.WithField("user_id", job.UserID),
		delivery.WithField("attempts", job.Attempts),
	))
}

func (q *Queue) recordStorageError(op string, err error) {
	slog.Error("offline queue storage error", "op", op, "error", err)
	if q.errors == nil {
		return
	}
	q.errors.Record(delivery.New(delivery.KindStorageError, op,
		delivery.WithCause(err),
		delivery.WithField("key", q.config.StorageKey),
	))
}
