package config_test

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/instanceforge/controlplane/config"
)

func TestLoadAPINodeConfig_Defaults(t *testing.T) {
	cfg, err := config.LoadAPINodeConfig("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, "inmemory", cfg.Bus.Transport)
}

func TestLoadAPINodeConfig_EnvOverride(t *testing.T) {
	t.Setenv("INSTANCEFORGE_LISTEN_ADDR", ":9999")
	cfg, err := config.LoadAPINodeConfig("")
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.ListenAddr)
}

func TestLoadWorkerConfig_RequiresPlatform(t *testing.T) {
	_, err := config.LoadWorkerConfig("")
	assert.Error(t, err)
}

func TestLoadWorkerConfig_ProcessPlatform(t *testing.T) {
	t.Setenv("INSTANCEFORGE_PLATFORM", "process")
	t.Setenv("INSTANCEFORGE_PROCESS_EXECUTABLE", "/usr/bin/my-server")
	cfg, err := config.LoadWorkerConfig("")
	require.NoError(t, err)
	assert.Equal(t, "process", cfg.Platform)
	assert.Equal(t, "/usr/bin/my-server", cfg.Process.Executable)
	assert.Equal(t, 8080, cfg.PortRange.Start)
}

func TestLoadWorkerConfig_ContainerPlatformMissingImage(t *testing.T) {
	t.Setenv("INSTANCEFORGE_PLATFORM", "container")
	_, err := config.LoadWorkerConfig("")
	assert.Error(t, err)
}

func TestLoadReconcilerConfig_Defaults(t *testing.T) {
	t.Setenv("INSTANCEFORGE_API_BASE_URL", "http://localhost:8080")
	cfg, err := config.LoadReconcilerConfig("")
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.True(t, cfg.ReconcileErrorInstances)
	assert.False(t, cfg.ReconcileStoppedInstances)
}

func TestLoadReconcilerConfig_RequiresBaseURL(t *testing.T) {
	_, err := config.LoadReconcilerConfig("")
	assert.Error(t, err)
}

func TestLoadAPINodeConfig_FromYAMLFile(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "apinode-*.yaml")
	require.NoError(t, err)
	_, err = f.WriteString("listen_addr: \":7070\"\nbus:\n  transport: inmemory\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	cfg, err := config.LoadAPINodeConfig(f.Name())
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.ListenAddr)
}
