// Package health aggregates recent delivery errors and breaker state into a
// point-in-time health verdict.
package health

import (
	"sync"
	"time"

	"github.com/bissquit/courtside-push/internal/breaker"
	"github.com/bissquit/courtside-push/internal/delivery"
)

// Verdict thresholds.
const (
	SampleSize     = 10
	ErrorThreshold = 5
)

// ErrorSource exposes recent delivery errors.
type ErrorSource interface {
	Recent(n int) []*delivery.Error
	Analytics(now time.Time) delivery.Analytics
}

// BreakerSource exposes breaker state.
type BreakerSource interface {
	State() breaker.State
	Snapshot() breaker.Snapshot
}

// Report is the result of a health check.
type Report struct {
	Healthy      bool                  `json:"healthy"`
	ErrorCount   int                   `json:"error_count"`
	ErrorsByKind map[delivery.Kind]int `json:"errors_by_kind"`
	BreakerState string                `json:"breaker_state"`
	Breaker      breaker.Snapshot      `json:"breaker"`
	Analytics    delivery.Analytics    `json:"analytics"`
	CheckedAt    time.Time             `json:"checked_at"`
}

// Monitor evaluates subsystem health. It holds no state other than the last report.
type Monitor struct {
	errors ErrorSource
	now    func() time.Time

	mu   sync.RWMutex
	last *Report
}

// NewMonitor creates a health monitor reading from errors.
func NewMonitor(errors ErrorSource) *Monitor {
	return &Monitor{errors: errors, now: time.Now}
}

// Check samples the last SampleSize errors and the breaker state.
// Healthy means fewer than ErrorThreshold sampled errors and a breaker that is not open.
func (m *Monitor) Check(b BreakerSource) Report {
	now := m.now()
	recent := m.errors.Recent(SampleSize)

	byKind := make(map[delivery.Kind]int)
	for _, e := range recent {
		byKind[e.Kind()]++
	}

	state := b.State()
	report := Report{
		Healthy:      len(recent) < ErrorThreshold && state != breaker.StateOpen,
		ErrorCount:   len(recent),
		ErrorsByKind: byKind,
		BreakerState: state.String(),
		Breaker:      b.Snapshot(),
		Analytics:    m.errors.Analytics(now),
		CheckedAt:    now,
	}

	m.mu.Lock()
	m.last = &report
	m.mu.Unlock()

	recordReport(report)
	return report
}

// Last returns the most recent report, or false if Check was never called.
func (m *Monitor) Last() (Report, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.last == nil {
		return Report{}, false
	}
	return *m.last, true
}
