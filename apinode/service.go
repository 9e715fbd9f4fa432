package apinode

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/instanceforge/controlplane/commbus"
	"github.com/instanceforge/controlplane/messages"
	"github.com/instanceforge/controlplane/messages/xerrors"
)

// requestTimeout bounds every blocking bus round trip the API node makes,
// per spec §7's 30s user-visible behavior for blocking calls.
const requestTimeout = 30 * time.Second

// Service implements every API-node operation named in spec §4.3: instance
// CRUD, lifecycle commands relayed to the owning platform worker over the
// bus, declared-configuration reads/patches, and the status-ring query
// surface. It holds the node's only copy of instance metadata.
type Service struct {
	store  *store
	bus    *commbus.Bus
	ring   *StatusRing
	logger zerolog.Logger
}

// NewService creates a Service wired to bus for command dispatch and
// lifecycle/status event subscriptions.
func NewService(bus *commbus.Bus) *Service {
	return &Service{
		store:  newStore(),
		bus:    bus,
		ring:   NewStatusRing(),
		logger: log.With().Str("component", "apinode").Logger(),
	}
}

// CreateInstance registers a new instance with its declared configuration.
// The instance starts in the Created status; no command is dispatched
// until StartInstance is called.
func (s *Service) CreateInstance(name, description string, platformKind messages.PlatformKind, config messages.DeclaredConfiguration, tags map[string]string) (messages.Instance, error) {
	now := time.Now().UTC()
	instance := messages.Instance{
		ID:             uuid.NewString(),
		Name:           name,
		Description:    description,
		PlatformKind:   platformKind,
		Status:         messages.StatusCreated,
		CreatedAt:      now,
		LastModifiedAt: now,
		Tags:           tags,
	}
	s.store.put(instance, config)
	s.logOpaqueRecordTypes(instance.ID, config)
	return instance, nil
}

// logOpaqueRecordTypes reports a best-effort "type" field from each opaque
// source/query/reaction record, for operators grepping logs by record kind.
// Records are caller-supplied JSON blobs with no fixed schema, so a missing
// or non-string "type" field is not an error.
func (s *Service) logOpaqueRecordTypes(instanceID string, config messages.DeclaredConfiguration) {
	count := func(records []messages.OpaqueRecord) []string {
		types := make([]string, 0, len(records))
		for _, rec := range records {
			if t, ok := nestedString(rec, "type"); ok {
				types = append(types, t)
			}
		}
		return types
	}

	s.logger.Debug().
		Str("instance_id", instanceID).
		Strs("source_types", count(config.Sources)).
		Strs("query_types", count(config.Queries)).
		Strs("reaction_types", count(config.Reactions)).
		Msg("registered opaque records")
}

// nestedString reads a dot-separated path out of an OpaqueRecord, tolerating
// missing keys or a non-string value at the leaf.
func nestedString(rec messages.OpaqueRecord, path string) (string, bool) {
	var current any = map[string]any(rec)
	for _, key := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return "", false
		}
		current, ok = m[key]
		if !ok {
			return "", false
		}
	}
	s, ok := current.(string)
	return s, ok
}

// Subscribe wires the Service to the bus's status-event channel, turning
// every InstanceStatusChanged event into a status-ring entry. It returns
// once the subscription is registered; the subscription stays active until
// ctx is cancelled.
func (s *Service) Subscribe(ctx context.Context) error {
	_, err := s.bus.Subscribe(ctx, messages.ChannelStatusEvents, func(ctx context.Context, payload []byte, replyChannel string) {
		var event messages.Event
		if err := json.Unmarshal(payload, &event); err != nil {
			s.logger.Error().Err(err).Msg("failed to decode status event")
			return
		}
		if event.Kind != messages.EventInstanceStatusChanged {
			return
		}
		record := messages.StatusChangeRecord{
			InstanceID: event.InstanceID,
			OldStatus:  event.OldStatus,
			NewStatus:  event.NewStatus,
			Source:     event.Source,
			Timestamp:  time.Now().UTC(),
			Metadata:   event.Metadata,
		}
		if err := s.ReceiveStatusUpdate(record); err != nil {
			s.logger.Warn().Err(err).Str("instance_id", event.InstanceID).Msg("dropping status update for unknown instance")
		}
	})
	return err
}

// GetInstance returns the instance metadata for id.
func (s *Service) GetInstance(id string) (messages.Instance, error) {
	instance, ok := s.store.get(id)
	if !ok {
		return messages.Instance{}, xerrors.NewNotFoundError(id)
	}
	return instance, nil
}

// ListInstances returns every registered instance.
func (s *Service) ListInstances() []messages.Instance {
	return s.store.list()
}

// DeleteInstance stops the instance (if running) and removes it from the
// store.
func (s *Service) DeleteInstance(ctx context.Context, id string) error {
	instance, ok := s.store.get(id)
	if !ok {
		return xerrors.NewNotFoundError(id)
	}

	cmd := messages.Command{
		Kind:          messages.CommandDelete,
		InstanceID:    id,
		CorrelationID: uuid.NewString(),
	}
	if _, err := s.dispatchCommand(ctx, instance.PlatformKind, cmd); err != nil {
		if _, ok := asNotFound(err); !ok {
			return err
		}
	}

	s.store.delete(id)
	return nil
}

// StartInstance dispatches a Start command with the instance's declared
// configuration and waits for the worker's response.
func (s *Service) StartInstance(ctx context.Context, id string) (messages.RuntimeInfo, error) {
	return s.dispatchLifecycle(ctx, id, messages.CommandStart, true)
}

// StopInstance dispatches a Stop command.
func (s *Service) StopInstance(ctx context.Context, id string) (messages.RuntimeInfo, error) {
	return s.dispatchLifecycle(ctx, id, messages.CommandStop, false)
}

// RestartInstance dispatches a Restart command.
func (s *Service) RestartInstance(ctx context.Context, id string) (messages.RuntimeInfo, error) {
	return s.dispatchLifecycle(ctx, id, messages.CommandRestart, false)
}

func (s *Service) dispatchLifecycle(ctx context.Context, id string, kind messages.CommandKind, withConfig bool) (messages.RuntimeInfo, error) {
	instance, ok := s.store.get(id)
	if !ok {
		return messages.RuntimeInfo{}, xerrors.NewNotFoundError(id)
	}

	cmd := messages.Command{
		Kind:          kind,
		InstanceID:    id,
		CorrelationID: uuid.NewString(),
	}
	if withConfig {
		config, ok := s.store.getConfig(id)
		if !ok {
			return messages.RuntimeInfo{}, xerrors.NewNotFoundError(id)
		}
		cmd.Configuration = &config
	}

	info, err := s.dispatchCommand(ctx, instance.PlatformKind, cmd)
	if err != nil {
		return messages.RuntimeInfo{}, err
	}

	s.store.putRuntime(id, info)
	if _, ok := s.store.setStatus(id, info.Status, time.Now().UTC()); !ok {
		s.logger.Warn().Str("instance_id", id).Msg("instance deleted mid-dispatch")
	}
	return info, nil
}

// dispatchCommand sends cmd to the owning platform's command channel and
// decodes the worker's Response, translating bus-level failures into the
// error taxonomy from spec §7.
func (s *Service) dispatchCommand(ctx context.Context, platformKind messages.PlatformKind, cmd messages.Command) (messages.RuntimeInfo, error) {
	channel := messages.CommandChannelFor(platformKind)
	if channel == "" {
		return messages.RuntimeInfo{}, xerrors.NewValidationError("platformKind", fmt.Sprintf("unknown platform kind %q", platformKind))
	}

	raw, err := s.bus.Request(ctx, channel, cmd, requestTimeout)
	if err != nil {
		if ctx.Err() != nil {
			return messages.RuntimeInfo{}, xerrors.NewCancelledError("dispatchCommand")
		}
		if _, ok := err.(*commbus.RequestTimeoutError); ok {
			return messages.RuntimeInfo{}, xerrors.NewTimeoutError(cmd.InstanceID, string(cmd.Kind))
		}
		return messages.RuntimeInfo{}, xerrors.NewTransportError("dispatchCommand", err)
	}

	var resp messages.Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return messages.RuntimeInfo{}, xerrors.NewTransportError("decode response", err)
	}
	if !resp.Success {
		if resp.ErrorKind == messages.ErrorKindConflict {
			return messages.RuntimeInfo{}, xerrors.NewConflictError(cmd.InstanceID, resp.ErrorMessage)
		}
		return messages.RuntimeInfo{}, xerrors.NewPlatformFailureError(cmd.InstanceID, fmt.Errorf("%s", resp.ErrorMessage))
	}
	if resp.RuntimeInfo == nil {
		return messages.RuntimeInfo{}, nil
	}
	return *resp.RuntimeInfo, nil
}

// GetConfiguration returns the declared configuration for id.
func (s *Service) GetConfiguration(id string) (messages.DeclaredConfiguration, error) {
	config, ok := s.store.getConfig(id)
	if !ok {
		return messages.DeclaredConfiguration{}, xerrors.NewNotFoundError(id)
	}
	return config, nil
}

// PatchConfiguration applies an RFC-6902 JSON Patch document to id's
// declared configuration and stores the result. It does not dispatch any
// command itself; picking up the new configuration is the reconciler's
// job once it observes the resulting ConfigurationChanged event.
func (s *Service) PatchConfiguration(ctx context.Context, id string, patchDoc []byte) (messages.DeclaredConfiguration, error) {
	current, ok := s.store.getConfig(id)
	if !ok {
		return messages.DeclaredConfiguration{}, xerrors.NewNotFoundError(id)
	}

	patch, err := jsonpatch.DecodePatch(patchDoc)
	if err != nil {
		return messages.DeclaredConfiguration{}, xerrors.NewValidationError("patch", err.Error())
	}

	currentJSON, err := json.Marshal(current)
	if err != nil {
		return messages.DeclaredConfiguration{}, xerrors.NewTransportError("marshal configuration", err)
	}

	patchedJSON, err := patch.Apply(currentJSON)
	if err != nil {
		return messages.DeclaredConfiguration{}, xerrors.NewValidationError("patch", err.Error())
	}

	var patched messages.DeclaredConfiguration
	if err := json.Unmarshal(patchedJSON, &patched); err != nil {
		return messages.DeclaredConfiguration{}, xerrors.NewValidationError("patch", "result is not a valid configuration: "+err.Error())
	}

	s.store.putConfig(id, patched)

	if !current.Equal(patched) {
		instance, ok := s.store.get(id)
		oldStatus := instance.Status
		if !ok {
			oldStatus = messages.StatusConfigurationChanged
		}
		now := time.Now().UTC()

		event := messages.Event{
			Kind:       messages.EventConfigurationChanged,
			InstanceID: id,
			OldStatus:  oldStatus,
			NewStatus:  messages.StatusConfigurationChanged,
			Source:     "apinode",
		}
		if err := s.bus.Publish(ctx, messages.ChannelConfigurationEvents, event); err != nil {
			s.logger.Error().Err(err).Str("instance_id", id).Msg("failed to publish configuration changed event")
		}

		// Push straight into the ring rather than routing back through
		// ReceiveStatusUpdate: spec §4.3 puts ConfigurationChanged in the
		// ring as an observation, not a replacement for the instance's
		// actual runtime status, so store.setStatus is deliberately not
		// called here.
		s.ring.Push(messages.StatusChangeRecord{
			InstanceID: id,
			OldStatus:  oldStatus,
			NewStatus:  messages.StatusConfigurationChanged,
			Source:     "apinode",
			Timestamp:  now,
		})
	}

	return patched, nil
}

// ReceiveStatusUpdate ingests a status change reported by a worker's health
// monitor or command response path: updates the instance's stored status
// and appends the observation to the status ring.
func (s *Service) ReceiveStatusUpdate(record messages.StatusChangeRecord) error {
	if _, ok := s.store.setStatus(record.InstanceID, record.NewStatus, record.Timestamp); !ok {
		return xerrors.NewNotFoundError(record.InstanceID)
	}
	s.ring.Push(record)
	return nil
}

// GetRecentChanges returns every status change observed after since,
// optionally filtered to a single status.
func (s *Service) GetRecentChanges(since time.Time, statusFilter *messages.InstanceStatus) []messages.StatusChangeRecord {
	return s.ring.Query(since, statusFilter)
}

func asNotFound(err error) (*xerrors.NotFoundError, bool) {
	nf, ok := err.(*xerrors.NotFoundError)
	return nf, ok
}
