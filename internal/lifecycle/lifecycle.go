// Package lifecycle tracks the host application's foreground state.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bissquit/courtside-push/internal/pkg/events"
)

// State is the application lifecycle state.
type State string

// Lifecycle states.
const (
	StateForeground State = "foreground"
	StateBackground State = "background"
	StateInactive   State = "inactive"
)

// ParseState parses a lifecycle state.
func ParseState(s string) (State, error) {
	switch State(s) {
	case StateForeground, StateBackground, StateInactive:
		return State(s), nil
	default:
		return "", fmt.Errorf("unknown lifecycle state %q", s)
	}
}

// Source publishes lifecycle transitions.
type Source interface {
	Subscribe(ctx context.Context) <-chan State
	Current() State
}

// Broadcaster is a Source driven by Set calls.
type Broadcaster struct {
	hub *events.Hub[State]

	mu      sync.Mutex
	current State
}

// NewBroadcaster creates a broadcaster in the background state.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		hub:     events.NewHub[State](8),
		current: StateBackground,
	}
}

// Subscribe implements Source.
func (b *Broadcaster) Subscribe(ctx context.Context) <-chan State {
	return b.hub.Subscribe(ctx)
}

// Current implements Source.
func (b *Broadcaster) Current() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

// Set records a state and publishes it when it differs from the current one.
func (b *Broadcaster) Set(state State) bool {
	b.mu.Lock()
	if b.current == state {
		b.mu.Unlock()
		return false
	}
	prev := b.current
	b.current = state
	b.mu.Unlock()

	slog.Debug("lifecycle state changed", "from", prev, "to", state)
	b.hub.Publish(state)
	return true
}

// Close closes every subscription.
func (b *Broadcaster) Close() {
	b.hub.Close()
}
