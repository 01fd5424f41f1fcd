package shimrun

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atomize-hq/substrate/internal/broker"
	"github.com/atomize-hq/substrate/internal/policy"
	"github.com/atomize-hq/substrate/internal/resolver"
	"github.com/atomize-hq/substrate/internal/trace"
)

func resetGlobals(t *testing.T) {
	t.Helper()
	broker.ResetForTest()
	trace.ResetForTest()
	resolver.ResetCache()
	t.Cleanup(func() {
		broker.ResetForTest()
		trace.ResetForTest()
		resolver.ResetCache()
	})
}

// writeFakeBinary drops a tiny executable shell script named name into dir,
// so dir works as a PATH entry in which resolver.Resolve can find it.
func writeFakeBinary(t *testing.T, dir, name, body string) {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
}

func baseEnv(t *testing.T, binDir string) {
	t.Helper()
	home := t.TempDir()
	t.Setenv("SUBSTRATE_HOME", home)
	t.Setenv("SHIM_ORIGINAL_PATH", binDir)
	t.Setenv("PATH", binDir)
	t.Setenv("SUBSTRATE_WORLD_ENABLED", "0")
	t.Setenv("SUBSTRATE_POLICY_MODE", "enforce")
	t.Setenv(recursionGuardEnv, "unset")
	os.Unsetenv(recursionGuardEnv)
	t.Setenv(bypassEnv, "unset")
	os.Unsetenv(bypassEnv)
}

func TestRunExecutesAllowedHostCommand(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix shell scripts only")
	}
	resetGlobals(t)
	binDir := t.TempDir()
	writeFakeBinary(t, binDir, "greet", "exit 0")
	baseEnv(t, binDir)

	code := Run(filepath.Join(binDir, "greet"), nil)
	assert.Equal(t, 0, code)
}

func TestRunPropagatesNonZeroExit(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix shell scripts only")
	}
	resetGlobals(t)
	binDir := t.TempDir()
	writeFakeBinary(t, binDir, "failer", "exit 7")
	baseEnv(t, binDir)

	code := Run(filepath.Join(binDir, "failer"), nil)
	assert.Equal(t, 7, code)
}

func TestRunCommandNotFoundReturns127(t *testing.T) {
	resetGlobals(t)
	binDir := t.TempDir()
	baseEnv(t, binDir)

	code := Run(filepath.Join(binDir, "doesnotexist"), nil)
	assert.Equal(t, 127, code)
}

func TestRunDeniesCommandMatchingCmdDenied(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix shell scripts only")
	}
	resetGlobals(t)
	binDir := t.TempDir()
	writeFakeBinary(t, binDir, "rm", "exit 0")
	baseEnv(t, binDir)

	home := os.Getenv("SUBSTRATE_HOME")
	policyYAML := "id: test\nname: test\ncmd_denied:\n  - \"rm -rf /*\"\n"
	require.NoError(t, os.WriteFile(filepath.Join(home, "policy.yaml"), []byte(policyYAML), 0o644))

	code := Run(filepath.Join(binDir, "rm"), []string{"-rf", "/tmp"})
	assert.Equal(t, 126, code)
}

func TestRunBypassSkipsPolicyEvaluation(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix shell scripts only")
	}
	resetGlobals(t)
	binDir := t.TempDir()
	writeFakeBinary(t, binDir, "rm", "exit 0")
	baseEnv(t, binDir)
	t.Setenv(bypassEnv, "1")

	home := os.Getenv("SUBSTRATE_HOME")
	policyYAML := "id: test\nname: test\ncmd_denied:\n  - \"rm -rf /*\"\n"
	require.NoError(t, os.WriteFile(filepath.Join(home, "policy.yaml"), []byte(policyYAML), 0o644))

	code := Run(filepath.Join(binDir, "rm"), []string{"-rf", "/tmp"})
	assert.Equal(t, 0, code, "bypass must skip policy evaluation entirely")
}

func TestOriginalSearchPathFallsBackToStrippingSelfDir(t *testing.T) {
	resetGlobals(t)
	t.Setenv("SHIM_ORIGINAL_PATH", "")
	os.Unsetenv("SHIM_ORIGINAL_PATH")

	self, err := os.Executable()
	require.NoError(t, err)
	selfDir := filepath.Dir(self)

	t.Setenv("PATH", selfDir+string(os.PathListSeparator)+"/usr/bin")
	got := originalSearchPath()
	assert.NotContains(t, filepath.SplitList(got), selfDir)
}

func TestRouteToWorldRequiresWorldEnabledFlag(t *testing.T) {
	resetGlobals(t)
	t.Setenv("SUBSTRATE_WORLD_ENABLED", "0")

	decision := policy.AllowWithRestrictions(policy.Restriction{
		Type:  policy.RestrictionIsolatedWorld,
		Value: "ephemeral",
	})
	pol := policy.Default()
	assert.False(t, routeToWorld(decision, pol))

	t.Setenv("SUBSTRATE_WORLD_ENABLED", "1")
	assert.True(t, routeToWorld(decision, pol))
}
