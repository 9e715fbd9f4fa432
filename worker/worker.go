// Package worker implements the platform-sharded worker runtime: a command
// consumer that dispatches Start/Stop/Restart/Delete commands to a platform
// Driver, and a health monitor that periodically polls driver state and
// raises InstanceStatusChanged events when it observes a transition.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/instanceforge/controlplane/commbus"
	"github.com/instanceforge/controlplane/coreengine/observability"
	"github.com/instanceforge/controlplane/messages"
	"github.com/instanceforge/controlplane/messages/xerrors"
	"github.com/instanceforge/controlplane/platform"
)

// healthInterval returns the per-platform health-monitor ticker period per
// spec §4.2: 10s for bare processes, 15s for container and pod backends.
func healthInterval(kind messages.PlatformKind) time.Duration {
	if kind == messages.PlatformProcess {
		return 10 * time.Second
	}
	return 15 * time.Second
}

// Worker drives one platform kind's command channel and health monitor.
// One Worker instance is assumed per platform kind (spec §9 Open Question:
// single-worker-per-platform — decided as specified, no leader election or
// sharding across multiple worker replicas for the same platform kind).
type Worker struct {
	Kind      messages.PlatformKind
	Driver    platform.Driver
	Allocator *platform.PortAllocator
	Bus       *commbus.Bus
	Logger    zerolog.Logger

	mu         sync.Mutex
	lastStatus map[string]messages.InstanceStatus
	tracked    map[string]struct{}
}

// New creates a Worker for kind.
func New(kind messages.PlatformKind, driver platform.Driver, allocator *platform.PortAllocator, bus *commbus.Bus) *Worker {
	return &Worker{
		Kind:       kind,
		Driver:     driver,
		Allocator:  allocator,
		Bus:        bus,
		Logger:     log.With().Str("component", "worker").Str("platform", string(kind)).Logger(),
		lastStatus: make(map[string]messages.InstanceStatus),
		tracked:    make(map[string]struct{}),
	}
}

// Run subscribes to this platform's command channel and starts the health
// monitor loop. It blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	channel := messages.CommandChannelFor(w.Kind)
	if channel == "" {
		return fmt.Errorf("worker: unknown platform kind %q", w.Kind)
	}

	_, err := w.Bus.Subscribe(ctx, channel, w.handleCommand)
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", channel, err)
	}
	w.Logger.Info().Str("channel", channel).Msg("worker subscribed to command channel")

	w.runHealthMonitor(ctx)
	return nil
}

// handleCommand executes one received Command per spec §4.2's seven-step
// dispatch: decode, validate, allocate (Start only), call the driver,
// publish the resulting lifecycle event, and reply on replyChannel if the
// caller wants a synchronous response.
func (w *Worker) handleCommand(ctx context.Context, payload []byte, replyChannel string) {
	start := time.Now()

	var cmd messages.Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		w.Logger.Error().Err(err).Msg("failed to decode command")
		return
	}

	logger := w.Logger.With().Str("instance_id", cmd.InstanceID).Str("kind", string(cmd.Kind)).Logger()

	info, dispatchErr := w.dispatch(ctx, cmd)
	status := "success"
	if dispatchErr != nil {
		status = "error"
		logger.Error().Err(dispatchErr).Msg("command dispatch failed")
	}
	observability.RecordCommandProcessed(string(w.Kind), string(cmd.Kind), status, time.Since(start).Milliseconds())

	w.publishEventFor(ctx, cmd, info, dispatchErr)
	w.publishStatusChangeFor(ctx, cmd, info, dispatchErr)

	if replyChannel != "" {
		resp := messages.Response{
			InstanceID:    cmd.InstanceID,
			Success:       dispatchErr == nil,
			CorrelationID: cmd.CorrelationID,
		}
		if dispatchErr != nil {
			resp.ErrorMessage = dispatchErr.Error()
			if _, ok := dispatchErr.(*xerrors.ConflictError); ok {
				resp.ErrorKind = messages.ErrorKindConflict
			}
		} else {
			resp.RuntimeInfo = &info
		}
		if err := w.Bus.Publish(ctx, replyChannel, resp); err != nil {
			logger.Error().Err(err).Msg("failed to publish response")
		}
	}
}

func (w *Worker) dispatch(ctx context.Context, cmd messages.Command) (messages.RuntimeInfo, error) {
	switch cmd.Kind {
	case messages.CommandStart:
		if cmd.Configuration == nil {
			return messages.RuntimeInfo{}, xerrors.NewConflictError(cmd.InstanceID, "start command carries no declared configuration")
		}
		config := *cmd.Configuration
		if config.Port == 0 {
			binding, err := w.Driver.Allocate(w.Allocator)
			if err != nil {
				return messages.RuntimeInfo{}, fmt.Errorf("allocate binding: %w", err)
			}
			config.ServerBinding = binding
		}
		info, err := w.Driver.Start(ctx, cmd.InstanceID, config)
		if err == nil {
			w.markTracked(cmd.InstanceID, info.Status)
		}
		return info, err

	case messages.CommandStop:
		info, err := w.Driver.Stop(ctx, cmd.InstanceID)
		if err == nil {
			w.markTracked(cmd.InstanceID, info.Status)
		}
		return info, err

	case messages.CommandRestart:
		// Restart without configuration is a documented design gap
		// (spec §4.2 pt.4, §9): treat as stop-only and warn, rather than
		// silently restarting from the driver's own cached last-known
		// config. Callers that want a real reconfiguring restart use
		// Stop followed by Start.
		if cmd.Configuration == nil {
			w.Logger.Warn().Str("instance_id", cmd.InstanceID).
				Msg("restart command carries no configuration, treating as stop-only")
			info, err := w.Driver.Stop(ctx, cmd.InstanceID)
			if err == nil {
				w.markTracked(cmd.InstanceID, info.Status)
			}
			return info, err
		}

		info, err := w.Driver.Restart(ctx, cmd.InstanceID)
		if err == nil {
			w.markTracked(cmd.InstanceID, info.Status)
		}
		return info, err

	case messages.CommandDelete:
		info, err := w.Driver.Stop(ctx, cmd.InstanceID)
		w.forget(cmd.InstanceID)
		return info, err

	default:
		return messages.RuntimeInfo{}, fmt.Errorf("unknown command kind %q", cmd.Kind)
	}
}

func (w *Worker) publishEventFor(ctx context.Context, cmd messages.Command, info messages.RuntimeInfo, dispatchErr error) {
	if dispatchErr != nil {
		return
	}

	var kind messages.EventKind
	switch cmd.Kind {
	case messages.CommandStart:
		kind = messages.EventInstanceStarted
	case messages.CommandRestart:
		// A configless restart took the stop-only path (see dispatch),
		// so the resulting status decides which lifecycle event fired.
		if info.Status == messages.StatusStopped {
			kind = messages.EventInstanceStopped
		} else {
			kind = messages.EventInstanceStarted
		}
	case messages.CommandStop:
		kind = messages.EventInstanceStopped
	case messages.CommandDelete:
		kind = messages.EventInstanceDeleted
	default:
		return
	}

	event := messages.Event{
		Kind:          kind,
		InstanceID:    cmd.InstanceID,
		CorrelationID: cmd.CorrelationID,
		NewStatus:     info.Status,
		Source:        "worker." + string(w.Kind),
	}
	if err := w.Bus.Publish(ctx, messages.ChannelInstanceEvents, event); err != nil {
		w.Logger.Error().Err(err).Str("instance_id", cmd.InstanceID).Msg("failed to publish lifecycle event")
	}
}

// publishStatusChangeFor emits the InstanceStatusChanged record spec §4.2
// steps 2-3 require alongside the lifecycle event itself: Start publishes
// Stopped→Running, Stop publishes Running→Stopped. This is what feeds
// apinode.Service.Subscribe and, through it, the status ring.
func (w *Worker) publishStatusChangeFor(ctx context.Context, cmd messages.Command, info messages.RuntimeInfo, dispatchErr error) {
	if dispatchErr != nil {
		return
	}

	source := "worker." + string(w.Kind)
	switch cmd.Kind {
	case messages.CommandStart:
		w.emitStatusChanged(ctx, cmd.InstanceID, messages.StatusStopped, info.Status, source)
	case messages.CommandStop:
		w.emitStatusChanged(ctx, cmd.InstanceID, messages.StatusRunning, info.Status, source)
	}
}

func (w *Worker) markTracked(id string, status messages.InstanceStatus) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.tracked[id] = struct{}{}
	w.lastStatus[id] = status
}

func (w *Worker) forget(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.tracked, id)
	delete(w.lastStatus, id)
}

func (w *Worker) trackedIDs() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	ids := make([]string, 0, len(w.tracked))
	for id := range w.tracked {
		ids = append(ids, id)
	}
	return ids
}
