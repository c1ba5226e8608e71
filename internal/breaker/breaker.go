// Package breaker implements a three-state circuit breaker that short-circuits
// calls to a chronically failing dependency.
package breaker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/bissquit/courtside-push/internal/delivery"
	"github.com/bissquit/courtside-push/internal/retry"
)

// ErrOpen is the cause carried by every rejection.
var ErrOpen = errors.New("circuit breaker is open")

// halfOpenRetryAfter is the wait suggested when every HalfOpen slot is taken.
const halfOpenRetryAfter = time.Second

// State is the breaker state.
type State int

// Breaker states.
const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config contains breaker configuration.
type Config struct {
	// Name identifies the protected dependency in logs and metrics.
	Name             string
	FailureThreshold int
	Cooldown         time.Duration
	HalfOpenAttempts int
	// IsFailure decides whether an error returned by the protected call
	// counts against the dependency. Nil means DependencyFailure.
	IsFailure func(err error) bool
}

// DefaultConfig returns the default breaker configuration.
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		FailureThreshold: 5,
		Cooldown:         60 * time.Second,
		HalfOpenAttempts: 3,
	}
}

// Breaker guards one dependency. Safe for concurrent use.
type Breaker struct {
	config Config
	now    func() time.Time

	mu              sync.Mutex
	state           State
	failureCount    int
	successCount    int
	probes          int
	lastFailureTime time.Time
	nextAttemptTime time.Time
}

// New creates a closed breaker.
func New(config Config) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.Cooldown <= 0 {
		config.Cooldown = 60 * time.Second
	}
	if config.HalfOpenAttempts <= 0 {
		config.HalfOpenAttempts = 3
	}
	if config.IsFailure == nil {
		config.IsFailure = DependencyFailure
	}
	b := &Breaker{
		config: config,
		now:    time.Now,
		state:  StateClosed,
	}
	recordState(config.Name, StateClosed)
	return b
}

// Execute runs op if the breaker allows it. A rejected call never invokes op
// and fails with a terminal rate-limit-exceeded error whose context carries
// next_attempt_time. Errors from op are returned unchanged; only those
// Config.IsFailure accepts move the breaker. The breaker never retries.
func (b *Breaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	if err := b.acquire(); err != nil {
		recordRejection(b.config.Name)
		return err
	}

	err := op(ctx)

	switch {
	case err == nil:
		b.onSuccess()
	case ctx.Err() != nil, !b.config.IsFailure(err):
		// Caller gave up, or the call was refused for reasons local to
		// this request; neither says anything about the dependency.
		b.release()
	default:
		b.onFailure()
	}
	return err
}

// DependencyFailure reports whether err points at the dependency itself.
// Errors outside the delivery taxonomy count. A delivery error counts when it
// is retryable or when retries ran out on it; terminal errors such as an
// invalid token or an unsupported device concern one request only.
func DependencyFailure(err error) bool {
	de, ok := delivery.As(err)
	if !ok {
		return true
	}
	return de.IsRetryable() || retry.Exhausted(err)
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot is a point-in-time view of the breaker.
type Snapshot struct {
	Name            string     `json:"name"`
	State           string     `json:"state"`
	FailureCount    int        `json:"failure_count"`
	SuccessCount    int        `json:"success_count"`
	LastFailureTime *time.Time `json:"last_failure_time,omitempty"`
	NextAttemptTime *time.Time `json:"next_attempt_time,omitempty"`
}

// Snapshot returns the breaker statistics. NextAttemptTime is set only while open.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Snapshot{
		Name:         b.config.Name,
		State:        b.state.String(),
		FailureCount: b.failureCount,
		SuccessCount: b.successCount,
	}
	if !b.lastFailureTime.IsZero() {
		t := b.lastFailureTime
		s.LastFailureTime = &t
	}
	if b.state == StateOpen {
		t := b.nextAttemptTime
		s.NextAttemptTime = &t
	}
	return s
}

// Reset forces the breaker closed and clears counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitionLocked(StateClosed)
	b.failureCount = 0
	b.successCount = 0
	b.probes = 0
	b.lastFailureTime = time.Time{}
	b.nextAttemptTime = time.Time{}
}

func (b *Breaker) acquire() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if b.state == StateOpen {
		if now.Before(b.nextAttemptTime) {
			return b.rejectionLocked(now)
		}
		b.transitionLocked(StateHalfOpen)
		b.successCount = 0
		b.probes = 0
	}

	if b.state == StateHalfOpen {
		if b.probes >= b.config.HalfOpenAttempts {
			return b.rejectionLocked(now)
		}
		b.probes++
	}
	return nil
}

func (b *Breaker) release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen && b.probes > 0 {
		b.probes--
	}
}

func (b *Breaker) onSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failureCount = 0
	case StateHalfOpen:
		b.successCount++
		if b.successCount >= b.config.HalfOpenAttempts {
			b.transitionLocked(StateClosed)
			b.failureCount = 0
			b.successCount = 0
			b.probes = 0
		}
	}
}

func (b *Breaker) onFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.lastFailureTime = now
	b.failureCount++

	switch b.state {
	case StateClosed:
		if b.failureCount >= b.config.FailureThreshold {
			b.openLocked(now)
		}
	case StateHalfOpen:
		b.openLocked(now)
	}
}

func (b *Breaker) openLocked(now time.Time) {
	b.transitionLocked(StateOpen)
	b.successCount = 0
	b.probes = 0
	b.nextAttemptTime = now.Add(b.config.Cooldown)
	slog.Warn("circuit breaker opened",
		"name", b.config.Name,
		"failures", b.failureCount,
		"next_attempt_time", b.nextAttemptTime,
	)
}

func (b *Breaker) transitionLocked(to State) {
	if b.state == to {
		return
	}
	slog.Info("circuit breaker state changed",
		"name", b.config.Name,
		"from", b.state,
		"to", to,
	)
	b.state = to
	recordState(b.config.Name, to)
}

func (b *Breaker) rejectionLocked(now time.Time) *delivery.Error {
	next := b.nextAttemptTime
	if b.state == StateHalfOpen {
		// HalfOpen calls are in flight; their outcome is known well before a cooldown.
		next = now.Add(min(b.config.Cooldown, halfOpenRetryAfter))
	}
	retryAfter := max(next.Sub(now), 0)

	return delivery.New(delivery.KindRateLimitExceeded, "circuit breaker rejected call",
		delivery.WithCause(ErrOpen),
		delivery.WithRetryable(false),
		delivery.WithField("breaker", b.config.Name),
		delivery.WithField("state", b.state.String()),
		delivery.WithField("next_attempt_time", next),
		delivery.WithField("retry_after_ms", retryAfter.Milliseconds()),
	)
}
