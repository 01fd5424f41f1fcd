package shell

import (
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveExecutionShellDefault(t *testing.T) {
	path, flag, err := ResolveExecutionShell(ShellModeDefault, false)
	require.NoError(t, err)
	assert.Equal(t, "bash", filepath.Base(path))
	assert.Equal(t, "-c", flag)
}

func TestResolveExecutionShellDefaultLogin(t *testing.T) {
	_, flag, err := ResolveExecutionShell(ShellModeDefault, true)
	require.NoError(t, err)
	assert.Equal(t, "-lc", flag)
}

func TestResolveExecutionShellUser(t *testing.T) {
	bashPath, err := exec.LookPath("bash")
	if err != nil {
		t.Skip("bash not available in test environment")
	}
	t.Setenv("SHELL", bashPath)

	path, flag, err := ResolveExecutionShell(ShellModeUser, false)
	require.NoError(t, err)
	assert.Equal(t, bashPath, path)
	assert.Equal(t, "-c", flag)
}

func TestResolveExecutionShellUserRequiresAbsoluteShell(t *testing.T) {
	t.Setenv("SHELL", "bash")
	_, _, err := ResolveExecutionShell(ShellModeUser, false)
	assert.Error(t, err)
}

func TestResolveExecutionShellRejectsUnsupportedMode(t *testing.T) {
	_, _, err := ResolveExecutionShell("custom", false)
	assert.Error(t, err)
}
