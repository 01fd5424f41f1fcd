package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atomize-hq/substrate/internal/world"
)

func TestMarshalConfigJSONOmitsEmptyAnchor(t *testing.T) {
	cfg := Default()
	cfg.TraceLogPath = "/var/log/substrate/trace.jsonl"

	data, err := MarshalConfigJSON(cfg)
	require.NoError(t, err)

	output := string(data)
	assert.Contains(t, output, `"traceLogPath"`)
	assert.NotContains(t, output, `"anchor"`)
}

func TestFormatConfigForFileWithHeaderLines(t *testing.T) {
	cfg := Default()
	cfg.ShimDir = "/home/dev/.substrate/shims"

	output, err := FormatConfigForFile(cfg, FileWriteOptions{
		HeaderLines: []string{
			"// line 1",
			"// line 2",
		},
	})
	require.NoError(t, err)

	assert.Contains(t, output, "// line 1\n// line 2\n{")
	assert.Contains(t, output, `"shimDir"`)
}

func TestWriteConfigFile(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.json")

	cfg := Default()
	cfg.PolicyPath = "/workspace/.substrate/policy.yaml"

	err := WriteConfigFile(cfg, path, FileWriteOptions{})
	require.NoError(t, err)

	data, err := os.ReadFile(path) //nolint:gosec // reading test output file
	require.NoError(t, err)
	assert.Contains(t, string(data), `"policyPath"`)
}

func TestMarshalConfigJSONIncludesAnchorDefaults(t *testing.T) {
	caged := true
	cfg := Default()
	cfg.Anchor.Mode = world.AnchorModeCustom
	cfg.Anchor.Path = "/workspace"
	cfg.Anchor.Caged = &caged

	data, err := MarshalConfigJSON(cfg)
	require.NoError(t, err)

	output := string(data)
	assert.Contains(t, output, `"anchor": {`)
	assert.Contains(t, output, `"mode": "custom"`)
	assert.Contains(t, output, `"path": "/workspace"`)
	assert.Contains(t, output, `"caged": true`)
}

func TestLoadParsesJSONCWithComments(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.jsonc")
	contents := "{\n  // trace overrides\n  \"traceLogPath\": \"/tmp/trace.jsonl\",\n  \"shimDir\": \"/tmp/shims\",\n}\n"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/trace.jsonl", cfg.TraceLogPath)
	assert.Equal(t, "/tmp/shims", cfg.ShimDir)
}

func TestLoadOptionalReturnsDefaultWhenMissing(t *testing.T) {
	cfg, err := LoadOptional(filepath.Join(t.TempDir(), "missing.jsonc"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}
