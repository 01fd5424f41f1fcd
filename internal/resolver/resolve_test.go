package resolver

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeExecutable(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\necho test\n"), 0o755))
}

func TestResolveFindsExisting(t *testing.T) {
	ResetCache()
	binDir := t.TempDir()
	target := filepath.Join(binDir, "test_cmd")
	writeExecutable(t, target)

	path, ok := Resolve("test_cmd", []string{binDir})
	require.True(t, ok)
	assert.Equal(t, target, path)
}

func TestResolveReturnsFalseForMissing(t *testing.T) {
	ResetCache()
	path, ok := Resolve("nonexistent_cmd", []string{t.TempDir()})
	assert.False(t, ok)
	assert.Empty(t, path)
}

func TestResolveSkipsNonExecutableFile(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("execute-bit semantics do not apply on windows")
	}
	ResetCache()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "not_exec"), []byte("content"), 0o644))

	_, ok := Resolve("not_exec", []string{dir})
	assert.False(t, ok)
}

func TestResolveCachesResultAcrossCalls(t *testing.T) {
	ResetCache()
	dir := t.TempDir()
	target := filepath.Join(dir, "cached_cmd")
	writeExecutable(t, target)

	first, ok := Resolve("cached_cmd", []string{dir})
	require.True(t, ok)

	require.NoError(t, os.Remove(target))

	second, ok := Resolve("cached_cmd", []string{dir})
	require.True(t, ok, "cached hit should survive removal of the underlying file")
	assert.Equal(t, first, second)
}

func TestResolveCacheBustRevalidates(t *testing.T) {
	ResetCache()
	dir := t.TempDir()
	target := filepath.Join(dir, "busted_cmd")
	writeExecutable(t, target)

	_, ok := Resolve("busted_cmd", []string{dir})
	require.True(t, ok)

	require.NoError(t, os.Remove(target))
	t.Setenv(CacheBustVar, "1")

	_, ok = Resolve("busted_cmd", []string{dir})
	assert.False(t, ok, "cache-bust env var should force a fresh lookup")
}

func TestCacheKeyNormalizesTrailingSeparators(t *testing.T) {
	key1 := cacheKey("git", []string{"/usr/bin/", "/bin"})
	key2 := cacheKey("git", []string{"/usr/bin", "/bin"})
	assert.Equal(t, key1, key2)
}

func TestManagerHintEngineMatchesPermissionDenied(t *testing.T) {
	engine := NewManagerHintEngine()
	require.True(t, engine.IsActive())

	match := engine.Evaluate("bash: /usr/local/bin/tool: Permission denied")
	require.NotNil(t, match)
	assert.Equal(t, "permissions", match.ManagerName)
	assert.Contains(t, match.PrintHint(), "substrate policy show")
}

func TestManagerHintEngineReturnsNilOnNoMatch(t *testing.T) {
	engine := NewManagerHintEngine()
	assert.Nil(t, engine.Evaluate("just some ordinary output"))
}
