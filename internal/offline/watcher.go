package offline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/bissquit/courtside-push/internal/connectivity"
	"github.com/bissquit/courtside-push/internal/lifecycle"
)

// DefaultSettleDelay is the pause between regaining connectivity and draining.
const DefaultSettleDelay = time.Second

// Drainer runs drain passes.
type Drainer interface {
	ProcessQueue(ctx context.Context) Summary
	SetNetworkAvailable(online bool) bool
	NetworkAvailable() bool
	Len() int
}

// Watcher turns connectivity and lifecycle transitions into drain passes.
type Watcher struct {
	queue       Drainer
	network     connectivity.Source
	lifecycle   lifecycle.Source
	settleDelay time.Duration
	onSummary   func(Summary)
	after       func(d time.Duration) <-chan time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewWatcher creates a watcher. lifecycle and onSummary may be nil.
func NewWatcher(queue Drainer, network connectivity.Source, life lifecycle.Source, settleDelay time.Duration, onSummary func(Summary)) *Watcher {
	if settleDelay < 0 {
		settleDelay = DefaultSettleDelay
	}
	return &Watcher{
		queue:       queue,
		network:     network,
		lifecycle:   life,
		settleDelay: settleDelay,
		onSummary:   onSummary,
		after:       time.After,
		stopCh:      make(chan struct{}),
	}
}

// Start subscribes to both sources and processes transitions in a
// goroutine until ctx is done or Stop is called. If the network is already
// reachable and jobs are resident, a drain is scheduled after the settle delay.
func (w *Watcher) Start(ctx context.Context) {
	netEvents := w.network.Subscribe(ctx)
	var lifeEvents <-chan lifecycle.State
	if w.lifecycle != nil {
		lifeEvents = w.lifecycle.Subscribe(ctx)
	}

	online := w.network.Online()
	w.queue.SetNetworkAvailable(online)

	var settle <-chan time.Time
	if online && w.queue.Len() > 0 {
		settle = w.after(w.settleDelay)
	}

	slog.Info("starting offline queue watcher", "online", online, "settle_delay", w.settleDelay)

	w.wg.Add(1)
	go w.run(ctx, netEvents, lifeEvents, settle)
}

// Stop stops the watcher and waits for a running drain to return.
func (w *Watcher) Stop() {
	close(w.stopCh)
	w.wg.Wait()
	slog.Info("offline queue watcher stopped")
}

func (w *Watcher) run(ctx context.Context, netEvents <-chan connectivity.Event, lifeEvents <-chan lifecycle.State, settle <-chan time.Time) {
	defer w.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return

		case ev, ok := <-netEvents:
			if !ok {
				netEvents = nil
				continue
			}
			wasOnline := w.queue.SetNetworkAvailable(ev.Online)
			switch {
			case ev.Online && !wasOnline:
				slog.Info("network restored, draining offline queue after settle delay", "settle_delay", w.settleDelay)
				settle = w.after(w.settleDelay)
			case !ev.Online:
				settle = nil
			}

		case state, ok := <-lifeEvents:
			if !ok {
				lifeEvents = nil
				continue
			}
			if state == lifecycle.StateForeground && w.queue.NetworkAvailable() && w.queue.Len() > 0 {
				w.drain(ctx, "foreground")
			}

		case <-settle:
			settle = nil
			if w.queue.NetworkAvailable() {
				w.drain(ctx, "reconnect")
			}
		}
	}
}

func (w *Watcher) drain(ctx context.Context, trigger string) {
	summary := w.queue.ProcessQueue(ctx)
	if summary.Skipped {
		slog.Debug("drain skipped", "trigger", trigger)
		return
	}
	slog.Info("drain finished",
		"trigger", trigger,
		"sent", summary.Sent,
		"failed", summary.Failed,
		"retrying", summary.Retrying,
	)
	if w.onSummary != nil {
		w.onSummary(summary)
	}
}
