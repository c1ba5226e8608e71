package notifications

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/bissquit/courtside-push/internal/breaker"
	"github.com/bissquit/courtside-push/internal/delivery"
	"github.com/bissquit/courtside-push/internal/offline"
	"github.com/bissquit/courtside-push/internal/ratelimit"
	"github.com/bissquit/courtside-push/internal/retry"
	"github.com/bissquit/courtside-push/internal/tokens"
	"github.com/bissquit/courtside-push/internal/transport/expo"
)

// Pusher delivers a single push message to one device.
type Pusher interface {
	Send(ctx context.Context, msg expo.Message) error
}

// TokenSource resolves and maintains the devices of a user.
type TokenSource interface {
	UserTokens(ctx context.Context, userID string) []tokens.PushToken
	InvalidateToken(ctx context.Context, token string)
	TouchToken(ctx context.Context, token string)
}

// Dispatcher sends a notification job to every valid device of its user.
// Each device send passes the rate limiter, then the circuit breaker, then
// the retry policy. It implements offline.Sender.
type Dispatcher struct {
	tokens  TokenSource
	pusher  Pusher
	limiter *ratelimit.Limiter
	breaker *breaker.Breaker
	retry   *retry.Policy
	config  retry.Config
}

// NewDispatcher creates a new notification dispatcher.
func NewDispatcher(tokenSource TokenSource, pusher Pusher, limiter *ratelimit.Limiter, b *breaker.Breaker, policy *retry.Policy, config retry.Config) *Dispatcher {
	return &Dispatcher{
		tokens:  tokenSource,
		pusher:  pusher,
		limiter: limiter,
		breaker: b,
		retry:   policy,
		config:  config,
	}
}

// Breaker returns the breaker guarding the push transport.
func (d *Dispatcher) Breaker() *breaker.Breaker {
	return d.breaker
}

// AdmissionStatus describes the guards in front of the push transport.
type AdmissionStatus struct {
	Breaker            breaker.Snapshot `json:"breaker"`
	RateLimitRemaining int              `json:"rate_limit_remaining"`
}

// Admission returns the current breaker and rate limiter state.
func (d *Dispatcher) Admission() AdmissionStatus {
	return AdmissionStatus{
		Breaker:            d.breaker.Snapshot(),
		RateLimitRemaining: d.limiter.Remaining(),
	}
}

// ResetAdmission closes the breaker and empties the rate limiter window.
func (d *Dispatcher) ResetAdmission() {
	d.breaker.Reset()
	d.limiter.Reset()
	slog.Warn("push admission reset", "breaker", d.breaker.Snapshot().Name)
}

// Send delivers job to the user's devices. It succeeds when at least one
// device accepted the message. Devices reported as unregistered are
// invalidated. A rate limiter or breaker rejection is returned as soon as it
// happens so a drain can stop early.
func (d *Dispatcher) Send(ctx context.Context, job offline.Job) error {
	devices := d.tokens.UserTokens(ctx, job.UserID)
	if len(devices) == 0 {
		recordDispatch("no_tokens")
		return delivery.New(delivery.KindSendFailed, "user has no valid push tokens",
			delivery.WithCause(ErrNoValidTokens),
			delivery.WithRetryable(false),
			delivery.WithField("user_id", job.UserID),
			delivery.WithField("job_id", job.ID),
		)
	}

	start := time.Now()
	delivered := 0
	var errs []error

	for _, device := range devices {
		err := d.sendToDevice(ctx, job, device)
		switch {
		case err == nil:
			delivered++
			d.tokens.TouchToken(ctx, device.Token)
		case delivery.IsKind(err, delivery.KindInvalidToken):
			d.tokens.InvalidateToken(ctx, device.Token)
			errs = append(errs, err)
		case delivery.IsKind(err, delivery.KindRateLimitExceeded) && delivered == 0:
			recordDispatch("throttled")
			return err
		default:
			errs = append(errs, err)
		}
	}

	recordDispatchDuration(time.Since(start))

	if delivered > 0 {
		recordDispatch("sent")
		slog.Debug("notification delivered",
			"job_id", job.ID,
			"user_id", job.UserID,
			"devices", delivered,
			"failed", len(errs),
		)
		return nil
	}

	recordDispatch("failed")
	return d.failure(job, errs)
}

func (d *Dispatcher) sendToDevice(ctx context.Context, job offline.Job, device tokens.PushToken) error {
	msg := expo.Message{
		To:    device.Token,
		Title: job.Title,
		Body:  job.Body,
		Data:  job.Data,
	}
	fields := map[string]any{
		"job_id":   job.ID,
		"user_id":  job.UserID,
		"token_id": device.ID,
	}

	return d.limiter.Throttle(ctx, func(ctx context.Context) error {
		return d.breaker.Execute(ctx, func(ctx context.Context) error {
			return d.retry.Do(ctx, d.config, delivery.KindSendFailed, fields, func(ctx context.Context) error {
				return d.pusher.Send(ctx, msg)
			})
		})
	})
}

// failure folds per-device errors into one. The result is retryable when any
// device failed for a retryable reason, including retries running out.
func (d *Dispatcher) failure(job offline.Job, errs []error) error {
	joined := errors.Join(errs...)
	retryable := false
	for _, err := range errs {
		if delivery.IsRetryable(err) || retry.Exhausted(err) {
			retryable = true
			break
		}
	}

	if !retryable {
		for _, err := range errs {
			if !delivery.IsKind(err, delivery.KindInvalidToken) {
				return delivery.New(delivery.KindSendFailed, "notification rejected for every device",
					delivery.WithCause(joined),
					delivery.WithRetryable(false),
					delivery.WithField("job_id", job.ID),
				)
			}
		}
		return delivery.New(delivery.KindSendFailed, "every device token is invalid",
			delivery.WithCause(errors.Join(ErrNoValidTokens, joined)),
			delivery.WithRetryable(false),
			delivery.WithField("job_id", job.ID),
		)
	}

	return delivery.New(delivery.KindSendFailed, "notification not delivered",
		delivery.WithCause(joined),
		delivery.WithRetryable(true),
		delivery.WithField("job_id", job.ID),
	)
}
