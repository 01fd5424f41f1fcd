package policy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultPolicy(t *testing.T) {
	p := Default()
	assert.Equal(t, "default", p.ID)
	assert.Equal(t, FsModeWritable, p.WorldFsMode)
	assert.Contains(t, p.CmdDenied, "rm -rf /*")
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	doc := []byte("id: x\nname: y\nbogus_field: true\n")
	_, err := Parse(doc, "test")
	require.Error(t, err)
}

func TestParseRejectsLegacyCageAlias(t *testing.T) {
	doc := []byte("id: x\nname: y\nworld_fs:\n  cage: project\n")
	_, err := Parse(doc, "test")
	require.ErrorIs(t, err, ErrLegacyCageAlias)
}

func TestParseRejectsReadOnlyWithoutRequireWorld(t *testing.T) {
	doc := []byte("id: x\nname: y\nworld_fs:\n  mode: read_only\n")
	_, err := Parse(doc, "test")
	require.Error(t, err)
}

func TestParseAcceptsReadOnlyWithRequireWorld(t *testing.T) {
	doc := []byte("id: x\nname: y\nworld_fs:\n  mode: read_only\n  require_world: true\n")
	p, err := Parse(doc, "test")
	require.NoError(t, err)
	assert.Equal(t, FsModeReadOnly, p.WorldFsMode)
}

func TestRoundTrip(t *testing.T) {
	original := Default()
	raw, err := original.ToYAML()
	require.NoError(t, err)

	reparsed, err := Parse(raw, "roundtrip")
	require.NoError(t, err)

	assert.Equal(t, original.ID, reparsed.ID)
	assert.ElementsMatch(t, original.CmdDenied, reparsed.CmdDenied)
	assert.ElementsMatch(t, original.CmdIsolated, reparsed.CmdIsolated)
	assert.Equal(t, original.WorldFsMode, reparsed.WorldFsMode)
}

func TestMergeUnionsAllowlistsAndStrictestWins(t *testing.T) {
	a := Default()
	b := Default()
	b.CmdDenied = append(b.CmdDenied, "dd if=*")
	b.RequireApproval = true
	b.AllowShellOperators = false
	b.WorldFsMode = FsModeFullIsolation
	b.WorldFs.Mode = FsModeFullIsolation

	a.Merge(b)

	assert.Contains(t, a.CmdDenied, "dd if=*")
	assert.Contains(t, a.CmdDenied, "rm -rf /*")
	assert.True(t, a.RequireApproval)
	assert.False(t, a.AllowShellOperators)
	assert.Equal(t, FsModeFullIsolation, a.WorldFsMode)
}

func TestMatchesPatternGlobAndSubstring(t *testing.T) {
	m, ok := MatchesPattern("npm install express", "npm install*")
	assert.True(t, ok)
	assert.True(t, m)

	m, ok = MatchesPattern("curl http://example.com", "curl*")
	assert.True(t, ok)
	assert.True(t, m)

	m, ok = MatchesPattern("echo test", "rm*")
	assert.True(t, ok)
	assert.False(t, m)

	m, ok = MatchesPattern("echo test", "echo")
	assert.True(t, ok)
	assert.True(t, m)
}

func TestHasWildcardNetwork(t *testing.T) {
	p := Default()
	assert.False(t, p.HasWildcardNetwork())
	p.NetAllowed = []string{"*"}
	assert.True(t, p.HasWildcardNetwork())
}

func TestFindWorkspaceRoot(t *testing.T) {
	tmp := t.TempDir()
	workspace := filepath.Join(tmp, "workspace")
	child := filepath.Join(workspace, "a", "b")
	require.NoError(t, os.MkdirAll(filepath.Join(workspace, SubstrateDirName), 0o755))
	require.NoError(t, os.MkdirAll(child, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(workspace, SubstrateDirName, WorkspaceMarkerFile), []byte("sentinel: true\n"), 0o644))

	root, ok := FindWorkspaceRoot(child)
	require.True(t, ok)
	assert.Equal(t, workspace, root)
}

func TestLoadEffectiveForCwdDefaultsWhenNothingPresent(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("SUBSTRATE_HOME", filepath.Join(tmp, "home"))

	p, path, err := LoadEffectiveForCwd(tmp)
	require.NoError(t, err)
	assert.Empty(t, path)
	assert.Equal(t, "default", p.ID)
}
