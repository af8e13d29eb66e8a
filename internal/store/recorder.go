package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/jfikrat/helm-browser/internal/eventbus"
)

// recordedEvents are the bus types the recorder persists. Log entries stay out;
// they would dwarf the lifecycle history.
var recordedEvents = []string{
	eventbus.AgentConnected,
	eventbus.AgentDisconnected,
	eventbus.AgentWanted,
	eventbus.SessionRegistered,
	eventbus.SessionRemoved,
	eventbus.WindowBound,
	eventbus.CommandFailed,
}

// Recorder subscribes to the event bus and persists lifecycle events.
type Recorder struct {
	store  Store
	sub    *eventbus.Subscription
	logger *slog.Logger
}

// NewRecorder creates a recorder writing bus events to store. It subscribes
// immediately, so events published before Run starts are buffered (up to the
// subscription's buffer) rather than missed.
func NewRecorder(s Store, bus *eventbus.Bus, logger *slog.Logger) *Recorder {
	return &Recorder{
		store:  s,
		sub:    bus.Subscribe(recordedEvents...),
		logger: logger.With("component", "recorder"),
	}
}

// Run consumes bus events until ctx is canceled or the bus closes.
func (r *Recorder) Run(ctx context.Context) {
	sub := r.sub
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.C:
			if !ok {
				return
			}
			r.record(e)
		}
	}
}

func (r *Recorder) record(e eventbus.Event) {
	row := &Event{
		Kind:      e.Type,
		SessionID: e.SessionID,
		Detail:    e.Data,
		CreatedAt: e.Timestamp,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.store.LogEvent(ctx, row); err != nil {
		r.logger.Warn("failed to persist event", "kind", e.Type, "error", err)
	}
}
