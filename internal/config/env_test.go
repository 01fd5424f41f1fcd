package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultPathUsesSubstrateHome(t *testing.T) {
	t.Setenv("SUBSTRATE_HOME", "/tmp/substrate-home-test")
	path, err := DefaultPath()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/tmp/substrate-home-test", "config.yaml"), path)
}

func TestResolvePrefersExplicitEnvOverride(t *testing.T) {
	dir := t.TempDir()
	explicit := filepath.Join(dir, "explicit.jsonc")
	require.NoError(t, os.WriteFile(explicit, []byte(`{"shimDir": "/explicit/shims"}`), 0o600))

	t.Setenv("SUBSTRATE_CONFIG", explicit)
	cfg, err := Resolve()
	require.NoError(t, err)
	assert.Equal(t, "/explicit/shims", cfg.ShimDir)
}

func TestResolveFallsBackToDefaultWhenUnset(t *testing.T) {
	t.Setenv("SUBSTRATE_CONFIG", "")
	t.Setenv("SUBSTRATE_HOME", t.TempDir())
	cfg, err := Resolve()
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}
