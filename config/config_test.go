package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "ooc.toml"))
	require.NoError(t, err)
	assert.Equal(t, Default().NumFibers, cfg.NumFibers)
	assert.Equal(t, "auto", cfg.AIOBackend)
}

func TestLoadValidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ooc.toml")
	content := `num_fibers = 24
block_size = 131072
aio_backend = "file"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 24, cfg.NumFibers)
	assert.Equal(t, 131072, cfg.BlockSize)
	assert.Equal(t, "file", cfg.AIOBackend)
}

func TestLoadMalformedTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ooc.toml")
	require.NoError(t, os.WriteFile(path, []byte("not valid [[ toml"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing")
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ooc.toml")
	require.NoError(t, os.WriteFile(path, []byte("num_fibers = 5\n"), 0o644))

	t.Setenv("OOC_NUM_FIBERS", "7")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.NumFibers)
}

func TestValidateRejectsBadAIOBackend(t *testing.T) {
	cfg := Default()
	cfg.AIOBackend = "bogus"
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsNonPowerOfTwoPageSize(t *testing.T) {
	cfg := Default()
	cfg.PageSize = 5000
	require.Error(t, cfg.Validate())
}
