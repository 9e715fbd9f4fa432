package messages_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/instanceforge/controlplane/messages"
)

func sampleConfig() messages.DeclaredConfiguration {
	return messages.DeclaredConfiguration{
		ServerBinding: messages.ServerBinding{Host: "127.0.0.1", Port: 8080, LogLevel: "info"},
		Sources: []messages.OpaqueRecord{
			{"kind": "file", "id": "src-1", "autoStart": true},
		},
		Queries: []messages.OpaqueRecord{
			{"id": "q-1", "queryText": "select 1"},
		},
		Reactions: []messages.OpaqueRecord{},
	}
}

func TestDeclaredConfiguration_RoundTrip(t *testing.T) {
	cfg := sampleConfig()

	raw, err := json.Marshal(cfg)
	require.NoError(t, err)

	var got messages.DeclaredConfiguration
	require.NoError(t, json.Unmarshal(raw, &got))

	assert.True(t, cfg.Equal(got), "round-tripped configuration must equal the original")
}

func TestDeclaredConfiguration_Equal(t *testing.T) {
	a := sampleConfig()
	b := sampleConfig()
	assert.True(t, a.Equal(b))

	b.Port = 9090
	assert.False(t, a.Equal(b))

	c := sampleConfig()
	c.Sources[0]["autoStart"] = false
	assert.False(t, a.Equal(c))
}

func TestCommand_RoundTrip(t *testing.T) {
	cfg := sampleConfig()
	cmd := messages.Command{
		Kind:          messages.CommandStart,
		InstanceID:    "inst-1",
		Configuration: &cfg,
		CorrelationID: "corr-1",
	}

	raw, err := json.Marshal(cmd)
	require.NoError(t, err)

	var got messages.Command
	require.NoError(t, json.Unmarshal(raw, &got))

	assert.Equal(t, cmd.Kind, got.Kind)
	assert.Equal(t, cmd.InstanceID, got.InstanceID)
	assert.Equal(t, cmd.CorrelationID, got.CorrelationID)
	require.NotNil(t, got.Configuration)
	assert.True(t, cfg.Equal(*got.Configuration))
}

func TestCommandChannelFor(t *testing.T) {
	assert.Equal(t, messages.ChannelCommandsProcess, messages.CommandChannelFor(messages.PlatformProcess))
	assert.Equal(t, messages.ChannelCommandsContainer, messages.CommandChannelFor(messages.PlatformContainer))
	assert.Equal(t, messages.ChannelCommandsPod, messages.CommandChannelFor(messages.PlatformPod))
	assert.Equal(t, "", messages.CommandChannelFor("unknown"))
}

func TestStatusChangeRecord_RoundTrip(t *testing.T) {
	rec := messages.StatusChangeRecord{
		InstanceID: "inst-1",
		OldStatus:  messages.StatusCreated,
		NewStatus:  messages.StatusRunning,
		Source:     "worker",
		Timestamp:  time.Now().UTC().Truncate(time.Second),
	}

	raw, err := json.Marshal(rec)
	require.NoError(t, err)

	var got messages.StatusChangeRecord
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, rec.InstanceID, got.InstanceID)
	assert.Equal(t, rec.OldStatus, got.OldStatus)
	assert.Equal(t, rec.NewStatus, got.NewStatus)
	assert.True(t, rec.Timestamp.Equal(got.Timestamp))
}
