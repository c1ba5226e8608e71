package notifications

import (
	"context"
	"fmt"
	"time"

	"github.com/bissquit/courtside-push/internal/breaker"
	"github.com/bissquit/courtside-push/internal/delivery"
	"github.com/bissquit/courtside-push/internal/health"
	"github.com/bissquit/courtside-push/internal/lifecycle"
	"github.com/bissquit/courtside-push/internal/offline"
	"github.com/bissquit/courtside-push/internal/pkg/ctxlog"
	"github.com/bissquit/courtside-push/internal/tokens"
	"github.com/google/uuid"
)

// SendResult reports how a send request was handled.
type SendResult struct {
	JobID     string `json:"job_id"`
	Delivered bool   `json:"delivered"`
	Queued    bool   `json:"queued"`
}

// Deps holds the collaborators of Service.
type Deps struct {
	Dispatcher      *Dispatcher
	Tokens          *tokens.Manager
	Queue           *offline.Queue
	Errors          *delivery.ErrorLog
	Monitor         *health.Monitor
	RegisterBreaker *breaker.Breaker
	Lifecycle       *lifecycle.Broadcaster
}

// Service provides the notification delivery operations.
type Service struct {
	dispatcher      *Dispatcher
	tokens          *tokens.Manager
	queue           *offline.Queue
	errors          *delivery.ErrorLog
	monitor         *health.Monitor
	registerBreaker *breaker.Breaker
	lifecycle       *lifecycle.Broadcaster
	newID           func() string
}

// NewService creates a new notifications service.
func NewService(deps Deps) *Service {
	return &Service{
		dispatcher:      deps.Dispatcher,
		tokens:          deps.Tokens,
		queue:           deps.Queue,
		errors:          deps.Errors,
		monitor:         deps.Monitor,
		registerBreaker: deps.RegisterBreaker,
		lifecycle:       deps.Lifecycle,
		newID:           func() string { return uuid.NewString() },
	}
}

// RegisterDevice stores a push token for userID behind the registration breaker.
func (s *Service) RegisterDevice(ctx context.Context, userID, token string, device tokens.DeviceInfo) (tokens.PushToken, error) {
	var saved tokens.PushToken
	err := s.registerBreaker.Execute(ctx, func(ctx context.Context) error {
		t, err := s.tokens.SaveToken(ctx, userID, token, device)
		if err != nil {
			return err
		}
		saved = t
		return nil
	})
	if err != nil {
		return tokens.PushToken{}, err
	}
	return saved, nil
}

// UnregisterToken invalidates a token.
func (s *Service) UnregisterToken(ctx context.Context, token string) {
	s.tokens.InvalidateToken(ctx, token)
}

// RemoveUserTokens deletes every token of userID.
func (s *Service) RemoveUserTokens(ctx context.Context, userID string) (int, error) {
	return s.tokens.RemoveAllUserTokens(ctx, userID)
}

// TokenStats returns token counts for userID, or for everyone when empty.
func (s *Service) TokenStats(ctx context.Context, userID string) tokens.Stats {
	return s.tokens.TokenStats(ctx, userID)
}

// CleanupStaleTokens invalidates tokens unused within the expiry window.
func (s *Service) CleanupStaleTokens(ctx context.Context, userID string) (int, error) {
	return s.tokens.CleanupStaleTokens(ctx, userID)
}

// Send delivers a notification now when the network is available. When it
// is not, or delivery fails for a retryable reason, the notification is
// queued for a later drain. Terminal failures are returned.
func (s *Service) Send(ctx context.Context, in offline.NewJob) (SendResult, error) {
	if !s.queue.NetworkAvailable() {
		return s.enqueue(ctx, in, "offline")
	}

	job := offline.Job{
		ID:        s.newID(),
		Type:      in.Type,
		UserID:    in.UserID,
		Title:     in.Title,
		Body:      in.Body,
		Data:      in.Data,
		CreatedAt: time.Now(),
	}

	err := s.dispatcher.Send(ctx, job)
	if err == nil {
		recordSend("delivered")
		return SendResult{JobID: job.ID, Delivered: true}, nil
	}

	if delivery.IsRetryable(err) {
		ctxlog.FromContext(ctx).Info("notification deferred to offline queue", "error", err)
		return s.enqueue(ctx, in, "retryable")
	}

	recordSend("failed")
	return SendResult{JobID: job.ID}, err
}

func (s *Service) enqueue(ctx context.Context, in offline.NewJob, reason string) (SendResult, error) {
	queued, err := s.queue.Enqueue(ctx, in)
	if err != nil {
		recordSend("failed")
		return SendResult{}, fmt.Errorf("enqueue notification: %w", err)
	}
	recordSend("queued_" + reason)
	return SendResult{JobID: queued.ID, Queued: true}, nil
}

// Enqueue adds a notification to the offline queue without attempting delivery.
func (s *Service) Enqueue(ctx context.Context, in offline.NewJob) (offline.Job, error) {
	return s.queue.Enqueue(ctx, in)
}

// QueueStatus returns the offline queue status.
func (s *Service) QueueStatus() offline.Status {
	return s.queue.Status()
}

// QueuedJobs returns the resident jobs.
func (s *Service) QueuedJobs() []offline.Job {
	return s.queue.Jobs()
}

// ClearQueue drops every resident job.
func (s *Service) ClearQueue(ctx context.Context) int {
	return s.queue.Clear(ctx)
}

// ProcessQueue runs a drain pass.
func (s *Service) ProcessQueue(ctx context.Context) offline.Summary {
	return s.queue.ProcessQueue(ctx)
}

// RetryFailed resets failed resident jobs.
func (s *Service) RetryFailed(ctx context.Context) int {
	return s.queue.RetryFailed(ctx)
}

// RequeueDeadLetters enqueues dead-lettered jobs again.
func (s *Service) RequeueDeadLetters(ctx context.Context) (int, error) {
	return s.queue.RequeueDeadLetters(ctx)
}

// Errors returns up to limit recent errors, optionally filtered by kind.
func (s *Service) Errors(kind delivery.Kind, limit int) []*delivery.Error {
	var list []*delivery.Error
	if kind != "" {
		list = s.errors.ByKind(kind)
	} else {
		list = s.errors.All()
	}
	if limit > 0 && len(list) > limit {
		list = list[len(list)-limit:]
	}
	return list
}

// ClearErrors empties the error log.
func (s *Service) ClearErrors() {
	s.errors.Clear()
}

// Health checks the error log and the push transport breaker.
func (s *Service) Health() health.Report {
	return s.monitor.Check(s.dispatcher.Breaker())
}

// PushAdmission returns the push breaker and rate limiter state.
func (s *Service) PushAdmission() AdmissionStatus {
	return s.dispatcher.Admission()
}

// ResetPushAdmission closes the push breaker and clears the rate limiter.
func (s *Service) ResetPushAdmission() AdmissionStatus {
	s.dispatcher.ResetAdmission()
	return s.dispatcher.Admission()
}

// SetLifecycle records a host application lifecycle transition.
func (s *Service) SetLifecycle(state lifecycle.State) bool {
	return s.lifecycle.Set(state)
}
