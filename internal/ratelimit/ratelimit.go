// Package ratelimit provides sliding-window admission control for outbound calls.
package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bissquit/courtside-push/internal/delivery"
)

// ErrLimitExceeded is the cause carried by every rejection.
var ErrLimitExceeded = errors.New("rate limit exceeded")

// Config contains limiter configuration.
type Config struct {
	Name        string
	MaxRequests int
	Window      time.Duration
}

// DefaultConfig returns the default limiter configuration.
func DefaultConfig(name string) Config {
	return Config{
		Name:        name,
		MaxRequests: 100,
		Window:      time.Minute,
	}
}

// Limiter admits at most MaxRequests calls per sliding Window.
// It never delays a call: it either runs it or rejects it.
type Limiter struct {
	config Config
	now    func() time.Time

	mu    sync.Mutex
	calls []time.Time
}

// New creates a limiter.
func New(config Config) *Limiter {
	if config.MaxRequests <= 0 {
		config.MaxRequests = 100
	}
	if config.Window <= 0 {
		config.Window = time.Minute
	}
	return &Limiter{
		config: config,
		now:    time.Now,
		calls:  make([]time.Time, 0, config.MaxRequests),
	}
}

// Throttle runs op if the window has room. Otherwise it returns a retryable
// rate-limit-exceeded error whose context carries wait_time_ms. The result of
// op is returned unchanged.
func (l *Limiter) Throttle(ctx context.Context, op func(ctx context.Context) error) error {
	if err := l.admit(); err != nil {
		recordDecision(l.config.Name, "rejected")
		return err
	}
	recordDecision(l.config.Name, "admitted")
	return op(ctx)
}

// Remaining returns the number of calls still admissible in the current window.
func (l *Limiter) Remaining() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneLocked(l.now())
	return l.config.MaxRequests - len(l.calls)
}

// Reset clears the window.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = l.calls[:0]
}

func (l *Limiter) admit() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.pruneLocked(now)

	if len(l.calls) >= l.config.MaxRequests {
		wait := l.calls[0].Add(l.config.Window).Sub(now)
		if wait <= 0 {
			wait = time.Millisecond
		}
		return delivery.New(delivery.KindRateLimitExceeded, "too many requests",
			delivery.WithCause(ErrLimitExceeded),
			delivery.WithRetryable(true),
			delivery.WithField("limiter", l.config.Name),
			delivery.WithField("max_requests", l.config.MaxRequests),
			delivery.WithField("window_ms", l.config.Window.Milliseconds()),
			delivery.WithField("wait_time_ms", max(wait.Milliseconds(), 1)),
		)
	}

	l.calls = append(l.calls, now)
	return nil
}

// pruneLocked drops timestamps that left the window. The slice is ordered.
func (l *Limiter) pruneLocked(now time.Time) {
	cutoff := now.Add(-l.config.Window)
	i := 0
	for i < len(l.calls) && !l.calls[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.calls = append(l.calls[:0], l.calls[i:]...)
	}
}

// WaitTime extracts the suggested wait from a rejection.
func WaitTime(err error) (time.Duration, bool) {
	de, ok := delivery.As(err)
	if !ok || !errors.Is(err, ErrLimitExceeded) {
		return 0, false
	}
	v, ok := de.Field("wait_time_ms")
	if !ok {
		return 0, false
	}
	ms, ok := v.(int64)
	if !ok {
		return 0, false
	}
	return time.Duration(ms) * time.Millisecond, true
}
