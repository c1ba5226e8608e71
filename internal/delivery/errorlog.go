package delivery

import (
	"log/slog"
	"sync"
	"time"
)

// DefaultLogCapacity is the number of errors retained by NewErrorLog(0).
const DefaultLogCapacity = 100

// ErrorLog retains the most recent delivery errors in a bounded ring.
// The oldest entry is evicted first. Safe for concurrent use.
type ErrorLog struct {
	mu          sync.RWMutex
	entries     []*Error
	next        int
	size        int
	diagnostics bool
}

// NewErrorLog creates an error log holding up to capacity entries.
func NewErrorLog(capacity int) *ErrorLog {
	if capacity <= 0 {
		capacity = DefaultLogCapacity
	}
	return &ErrorLog{entries: make([]*Error, capacity)}
}

// SetDiagnostics enables writing every recorded error to slog at debug level.
func (l *ErrorLog) SetDiagnostics(enabled bool) {
	l.mu.Lock()
	l.diagnostics = enabled
	l.mu.Unlock()
}

// Record appends err to the log. It never fails; nil errors are ignored.
func (l *ErrorLog) Record(err *Error) {
	if err == nil {
		return
	}

	l.mu.Lock()
	l.entries[l.next] = err
	l.next = (l.next + 1) % len(l.entries)
	if l.size < len(l.entries) {
		l.size++
	}
	diagnostics := l.diagnostics
	l.mu.Unlock()

	recordError(err)

	if diagnostics {
		slog.Debug("delivery error",
			"kind", err.kind,
			"message", err.message,
			"retryable", err.retryable,
			"context", err.context,
			"cause", err.cause,
		)
	}
}

// Recent returns up to n most recent errors, oldest first.
func (l *ErrorLog) Recent(n int) []*Error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if n <= 0 || n > l.size {
		n = l.size
	}
	return l.lastLocked(n)
}

// All returns every retained error, oldest first.
func (l *ErrorLog) All() []*Error {
	return l.Recent(0)
}

// ByKind returns retained errors of the given kind, oldest first.
func (l *ErrorLog) ByKind(kind Kind) []*Error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []*Error
	for _, e := range l.lastLocked(l.size) {
		if e.kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// CountByKind returns the number of retained errors per kind.
func (l *ErrorLog) CountByKind() map[Kind]int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	counts := make(map[Kind]int)
	for _, e := range l.lastLocked(l.size) {
		counts[e.kind]++
	}
	return counts
}

// Len returns the number of retained errors.
func (l *ErrorLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.size
}

// Clear drops every retained error.
func (l *ErrorLog) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()

	clear(l.entries)
	l.next = 0
	l.size = 0
}

// Analytics summarizes the retained errors.
type Analytics struct {
	Total     int          `json:"total"`
	Retryable int          `json:"retryable"`
	Terminal  int          `json:"terminal"`
	LastHour  int          `json:"last_hour"`
	ByKind    map[Kind]int `json:"by_kind"`
	Newest    *time.Time   `json:"newest,omitempty"`
}

// Analytics aggregates the retained errors relative to now.
func (l *ErrorLog) Analytics(now time.Time) Analytics {
	l.mu.RLock()
	defer l.mu.RUnlock()

	a := Analytics{ByKind: make(map[Kind]int)}
	hourAgo := now.Add(-time.Hour)
	for _, e := range l.lastLocked(l.size) {
		a.Total++
		a.ByKind[e.kind]++
		if e.retryable {
			a.Retryable++
		} else {
			a.Terminal++
		}
		if e.timestamp.After(hourAgo) {
			a.LastHour++
		}
		if a.Newest == nil || e.timestamp.After(*a.Newest) {
			ts := e.timestamp
			a.Newest = &ts
		}
	}
	return a
}

// lastLocked returns the n newest entries in chronological order.
func (l *ErrorLog) lastLocked(n int) []*Error {
	out := make([]*Error, 0, n)
	capacity := len(l.entries)
	start := (l.next - n + capacity) % capacity
	for i := 0; i < n; i++ {
		out = append(out, l.entries[(start+i)%capacity])
	}
	return out
}
