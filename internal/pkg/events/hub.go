// Package events provides a small in-process fan-out hub for state transition events.
package events

import (
	"context"
	"sync"
)

// Hub delivers published values to every subscriber. Publishing never blocks:
// a subscriber whose buffer is full misses the value.
type Hub[T any] struct {
	mu          sync.Mutex
	subscribers map[chan T]struct{}
	bufferSize  int
	closed      bool
}

// NewHub creates a hub with the given per-subscriber buffer.
func NewHub[T any](bufferSize int) *Hub[T] {
	return &Hub[T]{
		subscribers: make(map[chan T]struct{}),
		bufferSize:  max(bufferSize, 1),
	}
}

// Subscribe registers a subscriber. The channel is closed when ctx is done
// or the hub is closed.
func (h *Hub[T]) Subscribe(ctx context.Context) <-chan T {
	ch := make(chan T, h.bufferSize)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch
	}
	h.subscribers[ch] = struct{}{}
	h.mu.Unlock()

	if ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			h.unsubscribe(ch)
		}()
	}

	return ch
}

// Publish sends v to every subscriber.
func (h *Hub[T]) Publish(v T) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for ch := range h.subscribers {
		select {
		case ch <- v:
		default:
		}
	}
}

// Close closes every subscriber channel. Safe to call multiple times.
func (h *Hub[T]) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for ch := range h.subscribers {
		close(ch)
		delete(h.subscribers, ch)
	}
}

func (h *Hub[T]) unsubscribe(ch chan T) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.subscribers[ch]; ok {
		delete(h.subscribers, ch)
		close(ch)
	}
}
