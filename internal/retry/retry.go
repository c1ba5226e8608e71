// Package retry runs fallible operations with bounded attempts and
// exponential backoff with jitter.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"github.com/bissquit/courtside-push/internal/delivery"
)

// JitterFactor is the maximum fraction of the delay added as random jitter.
const JitterFactor = 0.1

// Config describes a retry schedule. It is passed by value and never mutated.
type Config struct {
	MaxAttempts       int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	// AttemptTimeout bounds a single attempt. Zero means no per-attempt limit.
	AttemptTimeout time.Duration
}

// DefaultConfig returns the default retry schedule.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:       3,
		BaseDelay:         1 * time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2.0,
		AttemptTimeout:    15 * time.Second,
	}
}

// Validate checks the schedule.
func (c Config) Validate() error {
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1, got %d", c.MaxAttempts)
	}
	if c.BaseDelay < 0 || c.MaxDelay < 0 {
		return errors.New("delays must not be negative")
	}
	if c.BackoffMultiplier <= 1 {
		return fmt.Errorf("backoff multiplier must be greater than 1, got %v", c.BackoffMultiplier)
	}
	if c.AttemptTimeout < 0 {
		return errors.New("attempt timeout must not be negative")
	}
	return nil
}

// Delay returns the backoff before retry number attempt (1-based), without jitter:
// min(BaseDelay * BackoffMultiplier^(attempt-1), MaxDelay).
func (c Config) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	d := float64(c.BaseDelay) * math.Pow(c.BackoffMultiplier, float64(attempt-1))
	if c.MaxDelay > 0 && d > float64(c.MaxDelay) {
		d = float64(c.MaxDelay)
	}
	return time.Duration(d)
}

// Recorder receives every failed attempt.
type Recorder interface {
	Record(err *delivery.Error)
}

// Policy executes operations according to a Config.
type Policy struct {
	recorder Recorder
	jitter   func(d time.Duration) time.Duration
	wait     func(ctx context.Context, d time.Duration) error
}

// New creates a retry policy that reports failed attempts to recorder.
func New(recorder Recorder) *Policy {
	return &Policy{
		recorder: recorder,
		jitter:   randomJitter,
		wait:     sleep,
	}
}

// Do runs op until it succeeds or cfg.MaxAttempts is reached.
//
// Every failed attempt is recorded as a delivery error of kind, retryable while
// attempts remain. When the last attempt fails Do returns a terminal delivery
// error of kind wrapping the last failure. An operation failing with a
// non-retryable delivery error stops the loop and that error is returned as is.
func (p *Policy) Do(ctx context.Context, cfg Config, kind delivery.Kind, fields map[string]any, op func(ctx context.Context) error) error {
	maxAttempts := max(cfg.MaxAttempts, 1)

	for attempt := 1; ; attempt++ {
		err := p.attempt(ctx, cfg, op)
		if err == nil {
			recordAttempt(kind, "success")
			return nil
		}

		if de, ok := delivery.As(err); ok && !de.IsRetryable() {
			recordAttempt(kind, "terminal")
			p.record(de)
			return de
		}

		final := attempt >= maxAttempts
		failure := delivery.New(kind, attemptMessage(attempt, maxAttempts, final),
			delivery.WithCause(err),
			delivery.WithRetryable(!final),
			delivery.WithContext(fields),
			delivery.WithField("attempt", attempt),
			delivery.WithField("max_attempts", maxAttempts),
			delivery.WithField("exhausted", final),
		)
		p.record(failure)

		if final {
			recordAttempt(kind, "exhausted")
			slog.Warn("retry attempts exhausted",
				"kind", kind,
				"attempts", attempt,
				"error", err,
			)
			return failure
		}
		recordAttempt(kind, "retry")

		delay := cfg.Delay(attempt)
		delay += p.jitter(delay)

		slog.Debug("retrying operation",
			"kind", kind,
			"attempt", attempt,
			"max_attempts", maxAttempts,
			"delay", delay,
			"error", err,
		)

		if waitErr := p.wait(ctx, delay); waitErr != nil {
			return delivery.New(kind, "retry cancelled",
				delivery.WithCause(errors.Join(waitErr, err)),
				delivery.WithContext(fields),
				delivery.WithField("attempt", attempt),
			)
		}
	}
}

// Value is Do for operations returning a result.
func Value[T any](ctx context.Context, p *Policy, cfg Config, kind delivery.Kind, fields map[string]any, op func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := p.Do(ctx, cfg, kind, fields, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	return result, err
}

// Exhausted reports whether err is the final failure of Do after every attempt
// failed for a retryable reason. Such work may be tried again later.
func Exhausted(err error) bool {
	de, ok := delivery.As(err)
	if !ok {
		return false
	}
	v, _ := de.Field("exhausted")
	exhausted, _ := v.(bool)
	return exhausted
}

func (p *Policy) attempt(ctx context.Context, cfg Config, op func(ctx context.Context) error) error {
	if cfg.AttemptTimeout <= 0 {
		return op(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, cfg.AttemptTimeout)
	defer cancel()
	return op(attemptCtx)
}

func (p *Policy) record(err *delivery.Error) {
	if p.recorder != nil {
		p.recorder.Record(err)
	}
}

func attemptMessage(attempt, maxAttempts int, final bool) string {
	if final {
		return fmt.Sprintf("operation failed after %d attempts", maxAttempts)
	}
	return fmt.Sprintf("attempt %d of %d failed", attempt, maxAttempts)
}

// randomJitter returns a uniform duration in [0, d*JitterFactor].
func randomJitter(d time.Duration) time.Duration {
	limit := int64(float64(d) * JitterFactor)
	if limit <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(limit + 1))
}

// sleep waits for d or context cancellation.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
