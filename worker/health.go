package worker

import (
	"context"
	"time"

	"github.com/instanceforge/controlplane/coreengine/observability"
	"github.com/instanceforge/controlplane/messages"
)

// runHealthMonitor polls driver state for every tracked instance on a
// per-platform ticker (healthInterval) and emits InstanceStatusChanged
// events when the observed status differs from the last one seen. It
// blocks until ctx is cancelled.
func (w *Worker) runHealthMonitor(ctx context.Context) {
	ticker := time.NewTicker(healthInterval(w.Kind))
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.checkHealth(ctx)
		case <-ctx.Done():
			w.Logger.Info().Msg("health monitor stopped")
			return
		}
	}
}

func (w *Worker) checkHealth(ctx context.Context) {
	for _, id := range w.trackedIDs() {
		info, err := w.Driver.Status(ctx, id)
		if err != nil {
			observability.RecordHealthCheck(string(w.Kind), "unreachable")
			w.Logger.Warn().Err(err).Str("instance_id", id).Msg("health check failed to query driver")
			continue
		}

		result := "healthy"
		if info.Status == messages.StatusError {
			result = "crashed"
		}
		observability.RecordHealthCheck(string(w.Kind), result)

		w.mu.Lock()
		previous, known := w.lastStatus[id]
		w.lastStatus[id] = info.Status
		w.mu.Unlock()

		if known && previous != info.Status {
			observability.RecordStatusTransition(string(previous), string(info.Status))
			w.emitStatusChanged(ctx, id, previous, info.Status, "worker."+string(w.Kind)+".health")
		}
	}
}

// emitStatusChanged publishes an InstanceStatusChanged event to
// status.events, the channel apinode.Service.Subscribe feeds into the
// status ring. source distinguishes the health monitor from the
// command-dispatch path in the published event.
func (w *Worker) emitStatusChanged(ctx context.Context, id string, oldStatus, newStatus messages.InstanceStatus, source string) {
	event := messages.Event{
		Kind:       messages.EventInstanceStatusChanged,
		InstanceID: id,
		OldStatus:  oldStatus,
		NewStatus:  newStatus,
		Source:     source,
	}
	if err := w.Bus.Publish(ctx, messages.ChannelStatusEvents, event); err != nil {
		w.Logger.Error().Err(err).Str("instance_id", id).Msg("failed to publish status change")
	}
}
