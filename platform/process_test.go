package platform_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/instanceforge/controlplane/messages"
	"github.com/instanceforge/controlplane/platform"
)

func testConfig(port int) messages.DeclaredConfiguration {
	return messages.DeclaredConfiguration{
		ServerBinding: messages.ServerBinding{Host: "127.0.0.1", Port: port, LogLevel: "info"},
		Sources:       []messages.OpaqueRecord{},
		Queries:       []messages.OpaqueRecord{},
		Reactions:     []messages.OpaqueRecord{},
	}
}

func TestProcessDriver_StartWritesConfigAndTracksPID(t *testing.T) {
	dir := t.TempDir()
	driver := platform.NewProcessDriver("sleep", dir, dir, 2*time.Second)

	info, err := driver.Start(context.Background(), "inst-1", testConfig(8080))
	require.NoError(t, err)
	assert.Equal(t, messages.StatusRunning, info.Status)
	assert.Greater(t, info.ProcessID, 0)

	_, statErr := os.Stat(filepath.Join(dir, "inst-1-config.yaml"))
	assert.NoError(t, statErr)

	_, _ = driver.Stop(context.Background(), "inst-1")
}

func TestProcessDriver_StopIsIdempotentForUnknownInstance(t *testing.T) {
	dir := t.TempDir()
	driver := platform.NewProcessDriver("sleep", dir, dir, time.Second)

	info, err := driver.Stop(context.Background(), "never-started")
	require.NoError(t, err)
	assert.Equal(t, messages.StatusStopped, info.Status)
}

func TestProcessDriver_StatusReflectsExit(t *testing.T) {
	dir := t.TempDir()
	driver := platform.NewProcessDriver("true", dir, dir, time.Second)

	_, err := driver.Start(context.Background(), "inst-2", testConfig(8081))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		info, err := driver.Status(context.Background(), "inst-2")
		return err == nil && info.Status == messages.StatusError
	}, 2*time.Second, 10*time.Millisecond)
}

func TestProcessDriver_Available(t *testing.T) {
	driver := platform.NewProcessDriver("sleep", ".", ".", time.Second)
	assert.True(t, driver.Available(context.Background()))
}

func TestProcessDriver_Allocate(t *testing.T) {
	driver := platform.NewProcessDriver("sleep", ".", ".", time.Second)
	allocator := platform.NewPortAllocator(9000, 9001)

	binding, err := driver.Allocate(allocator)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", binding.Host)
	assert.True(t, binding.Port == 9000 || binding.Port == 9001)
}
