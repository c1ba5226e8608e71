// Package connectivity reports network reachability transitions.
package connectivity

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/bissquit/courtside-push/internal/pkg/events"
)

// Event is a reachability transition.
type Event struct {
	Online bool      `json:"online"`
	At     time.Time `json:"at"`
}

// Source publishes reachability transitions.
type Source interface {
	Subscribe(ctx context.Context) <-chan Event
	Online() bool
}

// Manual is a Source driven by explicit Set calls. Only transitions are
// published; setting the current value again is a no-op.
type Manual struct {
	hub *events.Hub[Event]
	now func() time.Time

	mu     sync.Mutex
	online bool
}

// NewManual creates a Manual source with the given initial reachability.
func NewManual(online bool) *Manual {
	return &Manual{
		hub:    events.NewHub[Event](8),
		now:    time.Now,
		online: online,
	}
}

// Subscribe implements Source.
func (m *Manual) Subscribe(ctx context.Context) <-chan Event {
	return m.hub.Subscribe(ctx)
}

// Online implements Source.
func (m *Manual) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Set records reachability and reports whether it changed.
func (m *Manual) Set(online bool) bool {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return false
	}
	m.online = online
	ev := Event{Online: online, At: m.now()}
	m.mu.Unlock()

	slog.Info("network reachability changed", "online", online)
	recordOnline(online)
	m.hub.Publish(ev)
	return true
}

// Close closes every subscription.
func (m *Manual) Close() {
	m.hub.Close()
}
