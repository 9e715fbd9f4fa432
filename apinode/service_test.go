package apinode_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/instanceforge/controlplane/apinode"
	"github.com/instanceforge/controlplane/commbus"
	"github.com/instanceforge/controlplane/commbus/transport/inmemory"
	"github.com/instanceforge/controlplane/messages"
	"github.com/instanceforge/controlplane/messages/xerrors"
)

func newTestService(t *testing.T) (*apinode.Service, *commbus.Bus) {
	t.Helper()
	bus := commbus.NewBusWithLogger(inmemory.New(), commbus.NoopBusLogger())
	return apinode.NewService(bus), bus
}

func testConfig() messages.DeclaredConfiguration {
	return messages.DeclaredConfiguration{
		ServerBinding: messages.ServerBinding{Host: "127.0.0.1", Port: 8080, LogLevel: "info"},
		Sources:       []messages.OpaqueRecord{{"kind": "file"}},
	}
}

func TestService_CreateAndGetInstance(t *testing.T) {
	svc, _ := newTestService(t)

	inst, err := svc.CreateInstance("my-instance", "desc", messages.PlatformProcess, testConfig(), map[string]string{"env": "test"})
	require.NoError(t, err)
	assert.NotEmpty(t, inst.ID)
	assert.Equal(t, messages.StatusCreated, inst.Status)

	fetched, err := svc.GetInstance(inst.ID)
	require.NoError(t, err)
	assert.Equal(t, inst.ID, fetched.ID)
	assert.Equal(t, "my-instance", fetched.Name)
}

func TestService_GetInstanceNotFound(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.GetInstance("missing")
	var nf *xerrors.NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestService_ListInstances(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.CreateInstance("a", "", messages.PlatformProcess, testConfig(), nil)
	require.NoError(t, err)
	_, err = svc.CreateInstance("b", "", messages.PlatformContainer, testConfig(), nil)
	require.NoError(t, err)

	list := svc.ListInstances()
	assert.Len(t, list, 2)
}

func TestService_StartInstanceDispatchesCommandAndUpdatesStatus(t *testing.T) {
	svc, bus := newTestService(t)
	inst, err := svc.CreateInstance("my-instance", "", messages.PlatformProcess, testConfig(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err = bus.Subscribe(ctx, messages.ChannelCommandsProcess, func(ctx context.Context, payload []byte, replyChannel string) {
		var cmd messages.Command
		require.NoError(t, json.Unmarshal(payload, &cmd))
		assert.Equal(t, messages.CommandStart, cmd.Kind)
		require.NotNil(t, cmd.Configuration)

		resp := messages.Response{
			InstanceID:    cmd.InstanceID,
			Success:       true,
			RuntimeInfo:   &messages.RuntimeInfo{InstanceID: cmd.InstanceID, Status: messages.StatusRunning},
			CorrelationID: cmd.CorrelationID,
		}
		raw, _ := json.Marshal(resp)
		require.NoError(t, bus.Publish(ctx, replyChannel, json.RawMessage(raw)))
	})
	require.NoError(t, err)

	info, err := svc.StartInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, messages.StatusRunning, info.Status)

	updated, err := svc.GetInstance(inst.ID)
	require.NoError(t, err)
	assert.Equal(t, messages.StatusRunning, updated.Status)
}

func TestService_StartInstanceNotFound(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	_, err := svc.StartInstance(ctx, "missing")
	var nf *xerrors.NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestService_StartInstancePlatformFailure(t *testing.T) {
	svc, bus := newTestService(t)
	inst, err := svc.CreateInstance("my-instance", "", messages.PlatformProcess, testConfig(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err = bus.Subscribe(ctx, messages.ChannelCommandsProcess, func(ctx context.Context, payload []byte, replyChannel string) {
		var cmd messages.Command
		require.NoError(t, json.Unmarshal(payload, &cmd))
		resp := messages.Response{InstanceID: cmd.InstanceID, Success: false, ErrorMessage: "boom", CorrelationID: cmd.CorrelationID}
		raw, _ := json.Marshal(resp)
		require.NoError(t, bus.Publish(ctx, replyChannel, json.RawMessage(raw)))
	})
	require.NoError(t, err)

	_, err = svc.StartInstance(ctx, inst.ID)
	require.Error(t, err)
	var pf *xerrors.PlatformFailureError
	assert.ErrorAs(t, err, &pf)
}

func TestService_DeleteInstance(t *testing.T) {
	svc, bus := newTestService(t)
	inst, err := svc.CreateInstance("my-instance", "", messages.PlatformProcess, testConfig(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err = bus.Subscribe(ctx, messages.ChannelCommandsProcess, func(ctx context.Context, payload []byte, replyChannel string) {
		var cmd messages.Command
		require.NoError(t, json.Unmarshal(payload, &cmd))
		resp := messages.Response{InstanceID: cmd.InstanceID, Success: true, CorrelationID: cmd.CorrelationID}
		raw, _ := json.Marshal(resp)
		require.NoError(t, bus.Publish(ctx, replyChannel, json.RawMessage(raw)))
	})
	require.NoError(t, err)

	require.NoError(t, svc.DeleteInstance(ctx, inst.ID))

	_, err = svc.GetInstance(inst.ID)
	var nf *xerrors.NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestService_GetConfiguration(t *testing.T) {
	svc, _ := newTestService(t)
	inst, err := svc.CreateInstance("my-instance", "", messages.PlatformProcess, testConfig(), nil)
	require.NoError(t, err)

	config, err := svc.GetConfiguration(inst.ID)
	require.NoError(t, err)
	assert.Equal(t, 8080, config.Port)
}

func TestService_PatchConfigurationAppliesJSONPatchAndPublishesEvent(t *testing.T) {
	svc, bus := newTestService(t)
	inst, err := svc.CreateInstance("my-instance", "", messages.PlatformProcess, testConfig(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := make(chan messages.Event, 1)
	_, err = bus.Subscribe(ctx, messages.ChannelConfigurationEvents, func(ctx context.Context, payload []byte, replyChannel string) {
		var ev messages.Event
		require.NoError(t, json.Unmarshal(payload, &ev))
		events <- ev
	})
	require.NoError(t, err)

	patch := []byte(`[{"op": "replace", "path": "/port", "value": 9090}]`)
	updated, err := svc.PatchConfiguration(ctx, inst.ID, patch)
	require.NoError(t, err)
	assert.Equal(t, 9090, updated.Port)

	select {
	case ev := <-events:
		assert.Equal(t, messages.EventConfigurationChanged, ev.Kind)
		assert.Equal(t, inst.ID, ev.InstanceID)
	case <-time.After(time.Second):
		t.Fatal("expected configuration changed event")
	}
}

func TestService_PatchConfigurationNoOpSkipsEvent(t *testing.T) {
	svc, bus := newTestService(t)
	inst, err := svc.CreateInstance("my-instance", "", messages.PlatformProcess, testConfig(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := make(chan messages.Event, 1)
	_, err = bus.Subscribe(ctx, messages.ChannelConfigurationEvents, func(ctx context.Context, payload []byte, replyChannel string) {
		var ev messages.Event
		require.NoError(t, json.Unmarshal(payload, &ev))
		events <- ev
	})
	require.NoError(t, err)

	patch := []byte(`[{"op": "replace", "path": "/port", "value": 8080}]`)
	_, err = svc.PatchConfiguration(ctx, inst.ID, patch)
	require.NoError(t, err)

	select {
	case <-events:
		t.Fatal("did not expect a configuration changed event for a no-op patch")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestService_ReceiveStatusUpdateAndGetRecentChanges(t *testing.T) {
	svc, _ := newTestService(t)
	inst, err := svc.CreateInstance("my-instance", "", messages.PlatformProcess, testConfig(), nil)
	require.NoError(t, err)

	since := time.Now().UTC().Add(-time.Minute)
	record := messages.StatusChangeRecord{
		InstanceID: inst.ID,
		OldStatus:  messages.StatusCreated,
		NewStatus:  messages.StatusRunning,
		Source:     "worker.process.health",
		Timestamp:  time.Now().UTC(),
	}
	require.NoError(t, svc.ReceiveStatusUpdate(record))

	updated, err := svc.GetInstance(inst.ID)
	require.NoError(t, err)
	assert.Equal(t, messages.StatusRunning, updated.Status)

	changes := svc.GetRecentChanges(since, nil)
	require.Len(t, changes, 1)
	assert.Equal(t, inst.ID, changes[0].InstanceID)
}

func TestService_ReceiveStatusUpdateUnknownInstance(t *testing.T) {
	svc, _ := newTestService(t)
	record := messages.StatusChangeRecord{InstanceID: "missing", NewStatus: messages.StatusRunning, Timestamp: time.Now().UTC()}
	err := svc.ReceiveStatusUpdate(record)
	var nf *xerrors.NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestService_SubscribePopulatesStatusRingFromBusEvents(t *testing.T) {
	svc, bus := newTestService(t)
	inst, err := svc.CreateInstance("subscribed-instance", "", messages.PlatformProcess, testConfig(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		_ = svc.Subscribe(ctx)
	}()
	time.Sleep(10 * time.Millisecond)

	since := time.Now().UTC().Add(-time.Minute)
	event := messages.Event{
		Kind:       messages.EventInstanceStatusChanged,
		InstanceID: inst.ID,
		OldStatus:  messages.StatusCreated,
		NewStatus:  messages.StatusRunning,
		Source:     "worker.process.health",
	}
	require.NoError(t, bus.Publish(ctx, messages.ChannelStatusEvents, event))

	require.Eventually(t, func() bool {
		updated, err := svc.GetInstance(inst.ID)
		return err == nil && updated.Status == messages.StatusRunning
	}, time.Second, 5*time.Millisecond)

	changes := svc.GetRecentChanges(since, nil)
	require.Len(t, changes, 1)
	assert.Equal(t, inst.ID, changes[0].InstanceID)
}
