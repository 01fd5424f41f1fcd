package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atomize-hq/substrate/internal/broker"
)

func TestPolicyShowPrintsBuiltinDefaultWhenNoFileExists(t *testing.T) {
	home := t.TempDir()
	t.Setenv("SUBSTRATE_HOME", home)
	cwd := t.TempDir()
	oldWd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(cwd))
	t.Cleanup(func() { _ = os.Chdir(oldWd) })

	cmd := policyShowCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)

	require.NoError(t, cmd.RunE(cmd, nil))
	assert.Contains(t, out.String(), "id: default")
}

func TestPolicyLoadInstallsSingletonFromPath(t *testing.T) {
	broker.ResetForTest()
	t.Cleanup(broker.ResetForTest)

	home := t.TempDir()
	policyPath := filepath.Join(home, "policy.yaml")
	require.NoError(t, os.WriteFile(policyPath, []byte("id: custom\nname: Custom\n"), 0o644))

	cmd := policyLoadCmd()
	require.NoError(t, cmd.RunE(cmd, []string{policyPath}))

	b := broker.Get()
	require.NotNil(t, b)
	assert.Equal(t, "custom", b.CurrentPolicy().ID)
}

func TestPolicyReloadFailsWithoutInitializedBroker(t *testing.T) {
	broker.ResetForTest()
	t.Cleanup(broker.ResetForTest)

	cmd := policyReloadCmd()
	err := cmd.RunE(cmd, []string{"/nonexistent/policy.yaml"})
	assert.Error(t, err)
}
