package main

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscoverPathCommandsFindsExecutables(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("execute-bit semantics differ on windows")
	}
	dir := t.TempDir()
	exe := filepath.Join(dir, "mytool")
	require.NoError(t, os.WriteFile(exe, []byte("#!/bin/sh\nexit 0\n"), 0o755))
	nonExe := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(nonExe, []byte("hi"), 0o644))

	names := discoverPathCommands(dir)
	assert.Contains(t, names, "mytool")
	assert.NotContains(t, names, "notes.txt")
}

func TestInstallOneShimCreatesAndRepairsLink(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need elevated privileges on windows")
	}
	shimDir := t.TempDir()
	binary := filepath.Join(t.TempDir(), "substrate-shim")
	require.NoError(t, os.WriteFile(binary, []byte("#!/bin/sh\n"), 0o755))

	created, err := installOneShim(shimDir, binary, "git")
	require.NoError(t, err)
	assert.True(t, created)

	target, err := os.Readlink(filepath.Join(shimDir, "git"))
	require.NoError(t, err)
	assert.Equal(t, binary, target)

	createdAgain, err := installOneShim(shimDir, binary, "git")
	require.NoError(t, err)
	assert.False(t, createdAgain, "repeat install of an identical link should be a no-op")
}

func TestInstallOneShimRefusesToClobberRegularFile(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need elevated privileges on windows")
	}
	shimDir := t.TempDir()
	binary := filepath.Join(t.TempDir(), "substrate-shim")
	require.NoError(t, os.WriteFile(binary, []byte("#!/bin/sh\n"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(shimDir, "git"), []byte("not a shim"), 0o755))

	_, err := installOneShim(shimDir, binary, "git")
	assert.Error(t, err)
}

func TestSkipShimNamesExcludesSelf(t *testing.T) {
	assert.True(t, skipShimNames["substrate"])
	assert.True(t, skipShimNames["substrate-shim"])
	assert.False(t, skipShimNames["git"])
}
