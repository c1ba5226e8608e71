// Package offline provides the durable, size-bounded queue of outbound
// notification jobs that could not be delivered immediately.
package offline

import (
	"context"
	"maps"
	"time"
)

// Job is a queued outbound notification.
type Job struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	UserID      string         `json:"user_id"`
	Title       string         `json:"title"`
	Body        string         `json:"body"`
	Data        map[string]any `json:"data,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	Attempts    int            `json:"attempts"`
	LastAttempt *time.Time     `json:"last_attempt,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// NewJob describes a notification to enqueue.
type NewJob struct {
	Type   string         `json:"type" validate:"required,max=64"`
	UserID string         `json:"user_id" validate:"required,max=128"`
	Title  string         `json:"title" validate:"required,max=256"`
	Body   string         `json:"body" validate:"max=4096"`
	Data   map[string]any `json:"data"`
}

func (j Job) clone() Job {
	c := j
	c.Data = maps.Clone(j.Data)
	if j.LastAttempt != nil {
		t := *j.LastAttempt
		c.LastAttempt = &t
	}
	return c
}

// Sender delivers a job. It must tolerate repeated calls for the same job.
type Sender interface {
	Send(ctx context.Context, job Job) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, job Job) error

// Send implements Sender.
func (f SenderFunc) Send(ctx context.Context, job Job) error { return f(ctx, job) }

// Summary aggregates the outcome of one drain pass.
type Summary struct {
	Sent     int `json:"sent"`
	Failed   int `json:"failed"`
	Retrying int `json:"retrying"`
	// Skipped is true when the pass did not run: already draining, offline or empty.
	Skipped bool `json:"skipped"`
}

// Status is a read-only snapshot of the queue.
type Status struct {
	Total            int            `json:"total"`
	Processing       bool           `json:"processing"`
	NetworkAvailable bool           `json:"network_available"`
	CreatedLastHour  int            `json:"created_last_hour"`
	AtRetryCap       int            `json:"at_retry_cap"`
	ByType           map[string]int `json:"by_type"`
}
