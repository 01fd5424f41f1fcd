package shell

import (
	"os"
	"testing"

	"github.com/atomize-hq/substrate/internal/world"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNeedsExternalShellDetectsMetacharacters(t *testing.T) {
	assert.True(t, needsExternalShell("ls | grep foo"))
	assert.True(t, needsExternalShell("cmd1 && cmd2"))
	assert.True(t, needsExternalShell("echo $(date)"))
	assert.True(t, needsExternalShell("echo 'quoted'"))
	assert.False(t, needsExternalShell("git status"))
	assert.False(t, needsExternalShell(""))
}

func TestNeedsPTYCoversCuratedCases(t *testing.T) {
	assert.True(t, needsPTY([]string{"vim", "file.go"}))
	assert.True(t, needsPTY([]string{"git", "add", "-p"}))
	assert.True(t, needsPTY([]string{"ssh", "-t", "host", "top"}))
	assert.True(t, needsPTY([]string{"docker", "run", "-it", "alpine"}))
	assert.True(t, needsPTY([]string{"python"}))
	assert.False(t, needsPTY([]string{"python", "script.py"}))
	assert.False(t, needsPTY([]string{"git", "status"}))
	assert.False(t, needsPTY([]string{"ls", "-la"}))
}

func TestIsPTYDisabledReadsEnv(t *testing.T) {
	t.Setenv("SUBSTRATE_NO_PTY", "1")
	assert.True(t, isPTYDisabled())
	t.Setenv("SUBSTRATE_NO_PTY", "0")
	assert.False(t, isPTYDisabled())
}

func TestDedupePathKeepsFirstOccurrence(t *testing.T) {
	sep := string(os.PathListSeparator)
	in := "/a" + sep + "/b" + sep + "/a" + sep + "/c"
	out := dedupePath(in)
	assert.Equal(t, "/a"+sep+"/b"+sep+"/c", out)
}

func TestBuildShimmedPathDisabledByNoWorldOrSkipShims(t *testing.T) {
	cfg := Config{ShimDir: "/shims", NoWorld: true}
	_, ok := cfg.BuildShimmedPath("/bin:/usr/bin")
	assert.False(t, ok)

	cfg = Config{ShimDir: "/shims", SkipShims: true}
	_, ok = cfg.BuildShimmedPath("/bin:/usr/bin")
	assert.False(t, ok)

	cfg = Config{ShimDir: "/shims"}
	shimmed, ok := cfg.BuildShimmedPath("/bin:/usr/bin")
	require.True(t, ok)
	assert.Equal(t, "/shims"+string(os.PathListSeparator)+"/bin"+string(os.PathListSeparator)+"/usr/bin", shimmed)
}

func TestEnforceCagedDestinationBouncesOutsideAnchor(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()

	anchor := AnchorSettings{Mode: world.AnchorModeProject, Path: root, Caged: true}
	destination, warning := enforceCagedDestination(anchor, root, outside)

	assert.Equal(t, root, destination)
	assert.Contains(t, warning, "caged root guard")
	assert.Contains(t, warning, root)
}

func TestEnforceCagedDestinationAllowsFollowCwd(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()

	anchor := AnchorSettings{Mode: world.AnchorModeFollowCwd, Path: root, Caged: true}
	destination, warning := enforceCagedDestination(anchor, root, outside)

	assert.Equal(t, outside, destination)
	assert.Empty(t, warning)
}

func TestRedactExportCommandMasksSensitiveKeys(t *testing.T) {
	redacted := redactExportCommand("export GITHUB_TOKEN=abc123 OTHER=1")
	assert.Contains(t, redacted, "GITHUB_TOKEN=***")
	assert.Contains(t, redacted, "OTHER=1")
	assert.NotContains(t, redacted, "abc123")
}

func TestBuiltinExportRejectsQuotesAndExpansions(t *testing.T) {
	assert.True(t, builtinExport([]string{"FOO=bar"}))
	assert.Equal(t, "bar", os.Getenv("FOO"))

	assert.False(t, builtinExport([]string{`FOO="bar"`}))
	assert.False(t, builtinExport([]string{"FOO=$HOME"}))
}

func TestHandleBuiltinUnsetRemovesVar(t *testing.T) {
	t.Setenv("SHIM_TRACE_LOG", "")
	require.NoError(t, os.Setenv("SUBSTRATE_TEST_VAR", "1"))

	sess := &Session{ID: "sess-1"}
	result, err := HandleBuiltin(sess, AnchorSettings{}, "unset SUBSTRATE_TEST_VAR")
	require.NoError(t, err)
	assert.True(t, result.Handled)
	_, ok := os.LookupEnv("SUBSTRATE_TEST_VAR")
	assert.False(t, ok)
}

func TestHandleBuiltinDefersUnknownCommand(t *testing.T) {
	sess := &Session{ID: "sess-1"}
	result, err := HandleBuiltin(sess, AnchorSettings{}, "ls -la")
	require.NoError(t, err)
	assert.False(t, result.Handled)
}
