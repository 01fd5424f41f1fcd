package world

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/atomize-hq/substrate/internal/policy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeDiffClassifiesWritesModsAndDeletes(t *testing.T) {
	// Testable Property 7 (spec §8): whiteout markers in the overlay upper
	// layer surface as deletes, files present in both layers as mods, and
	// files only in upper as writes.
	lower := t.TempDir()
	upper := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(lower, "existing.txt"), []byte("base"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(upper, "existing.txt"), []byte("changed"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(upper, "new.txt"), []byte("fresh"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(lower, "gone.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(upper, ".wh.gone.txt"), nil, 0o644))

	diff, err := computeDiff(upper, lower)
	require.NoError(t, err)

	assert.Contains(t, diff.Mods, "existing.txt")
	assert.Contains(t, diff.Writes, "new.txt")
	assert.Contains(t, diff.Deletes, "gone.txt")
	assert.False(t, diff.Truncated)
}

func TestComputeDiffTruncatesAndHashesBeyondLimits(t *testing.T) {
	upper := t.TempDir()
	for i := 0; i < maxFileList+5; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(upper, sprintfPad(i)), []byte("x"), 0o644))
	}

	diff, err := computeDiff(upper, "")
	require.NoError(t, err)
	assert.True(t, diff.Truncated)
	assert.NotEmpty(t, diff.TreeHash)
	assert.Contains(t, diff.TreeHash, "sha256:")
}

func sprintfPad(i int) string {
	return "file-" + itoaPad(i) + ".txt"
}

func itoaPad(i int) string {
	digits := "0123456789"
	if i == 0 {
		return "0"
	}
	var buf []byte
	for i > 0 {
		buf = append([]byte{digits[i%10]}, buf...)
		i /= 10
	}
	return string(buf)
}

func TestHashTreeIsStableAcrossCalls(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("content"), 0o644))

	h1, err := hashTree(dir)
	require.NoError(t, err)
	h2, err := hashTree(dir)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestShouldGuardAnchorDefaults(t *testing.T) {
	assert.True(t, ShouldGuardAnchor(map[string]string{}))
	assert.False(t, ShouldGuardAnchor(map[string]string{"SUBSTRATE_CAGED": "0"}))
	assert.False(t, ShouldGuardAnchor(map[string]string{"SUBSTRATE_ANCHOR_MODE": "follow-cwd"}))
	assert.True(t, ShouldGuardAnchor(map[string]string{"SUBSTRATE_ANCHOR_MODE": "project"}))
}

func TestWrapWithAnchorGuardIncludesAnchorPathAndOriginalCommand(t *testing.T) {
	tmp := t.TempDir()
	command := "pwd && cd .."
	wrapped := WrapWithAnchorGuard(command, tmp)

	assert.Contains(t, wrapped, tmp)
	assert.True(t, len(wrapped) > len(command))
	assert.Contains(t, wrapped, "substrate_anchor_cd")
	assert.Equal(t, command, wrapped[len(wrapped)-len(command):])
}

func TestMandatoryDenyWritePathsCoversDangerousFiles(t *testing.T) {
	project := "/tmp/example-project"
	paths := MandatoryDenyWritePaths(project)

	assert.Contains(t, paths, filepath.Join(project, ".bashrc"))
	assert.Contains(t, paths, filepath.Join(project, ".git/hooks"))
}

func TestRuntimeDeniedExecutablePathsSkipsMultiTokenAndShellSyntax(t *testing.T) {
	p := &policy.Policy{CmdDenied: []string{"rm -rf /", "echo", "sh*ell"}}
	paths := RuntimeDeniedExecutablePaths(p)
	// "echo" resolves via PATH in virtually any test environment; the
	// multi-token and glob-shaped rules must never contribute paths.
	for _, path := range paths {
		assert.NotContains(t, path, "rf")
	}
}
