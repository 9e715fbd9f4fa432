package platform_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/instanceforge/controlplane/platform"
)

func TestContainerDriver_Allocate(t *testing.T) {
	driver := platform.NewContainerDriver(nil, "instanceforge/demo:latest", t.TempDir())
	allocator := platform.NewPortAllocator(8500, 8500)

	binding, err := driver.Allocate(allocator)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0", binding.Host)
	assert.Equal(t, 8500, binding.Port)
}

func TestContainerDriver_AllocateExhausted(t *testing.T) {
	driver := platform.NewContainerDriver(nil, "img", t.TempDir())
	allocator := platform.NewPortAllocator(8500, 8500)

	_, err := driver.Allocate(allocator)
	require.NoError(t, err)

	_, err = driver.Allocate(allocator)
	assert.ErrorIs(t, err, platform.ErrPoolExhausted)
}

func TestContainerDriver_RecordsDirIsCreatedLazily(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "records")
	_, statErr := os.Stat(dir)
	assert.True(t, os.IsNotExist(statErr))

	driver := platform.NewContainerDriver(nil, "img", dir)
	assert.Equal(t, dir, driver.RecordsDir)
}
