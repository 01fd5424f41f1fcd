package broker

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/atomize-hq/substrate/internal/policy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func osMkdirAll(path string) error {
	return os.MkdirAll(path, 0o755)
}

func osWriteFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}

func TestQuickCheckNeverDeniesInObserveMode(t *testing.T) {
	b := New()
	b.SetObserveOnly(true)

	d := b.QuickCheck([]string{"rm", "-rf", "/tmp"}, "/tmp")
	assert.Equal(t, policy.DecisionAllow, d.Action)
}

func TestQuickCheckDeniesInEnforceMode(t *testing.T) {
	b := New()
	b.SetObserveOnly(false)

	d := b.QuickCheck([]string{"rm", "-rf", "/tmp"}, "/tmp")
	assert.Equal(t, policy.DecisionDeny, d.Action)
}

func TestEvaluateInvariant_QuickCheckDenyImpliesNotPlainAllow(t *testing.T) {
	// Testable Property 1 (spec §8): quick_check(C,W)=Deny implies
	// evaluate(C,W) is never a plain Allow.
	b := New()
	b.SetObserveOnly(false)

	cmd := "rm -rf /tmp"
	qc := b.QuickCheck([]string{"rm", "-rf", "/tmp"}, "/tmp")
	require.Equal(t, policy.DecisionDeny, qc.Action)

	d, err := b.Evaluate(cmd, "/tmp", "", nil)
	require.NoError(t, err)
	assert.True(t, d.IsDenyOrRestricted())
}

func TestEvaluateIsolatedCommandsReturnRestriction(t *testing.T) {
	b := New()
	b.SetObserveOnly(false)

	d, err := b.Evaluate("npm install", "/tmp", "", nil)
	require.NoError(t, err)
	assert.Equal(t, policy.DecisionAllowWithRestrictions, d.Action)
	require.Len(t, d.Restrictions, 1)
	assert.Equal(t, policy.RestrictionIsolatedWorld, d.Restrictions[0].Type)
}

func TestEvaluateRequireApprovalConsultsCache(t *testing.T) {
	b := New()
	b.SetObserveOnly(false)
	p := policy.Default()
	p.RequireApproval = true
	p.CmdIsolated = nil
	b.current = p

	prompts := 0
	prompter := func(ctx ApprovalContext) (bool, ApprovalScope, error) {
		prompts++
		return true, ScopeAlways, nil
	}

	d, err := b.Evaluate("echo hi", "/tmp", "", prompter)
	require.NoError(t, err)
	assert.Equal(t, policy.DecisionAllow, d.Action)
	assert.Equal(t, 1, prompts)

	// Second call should hit the cache, not prompt again.
	d2, err := b.Evaluate("echo hi", "/tmp", "", prompter)
	require.NoError(t, err)
	assert.Equal(t, policy.DecisionAllow, d2.Action)
	assert.Equal(t, 1, prompts)
}

func TestInitIsIdempotent(t *testing.T) {
	ResetForTest()
	defer ResetForTest()

	b1, err := Init("")
	require.NoError(t, err)
	b2, err := Init("")
	require.NoError(t, err)
	assert.Same(t, b1, b2)
}

func TestAssessRiskLevel(t *testing.T) {
	assert.Equal(t, RiskLow, AssessRiskLevel("echo hello"))
	assert.Equal(t, RiskMedium, AssessRiskLevel("npm install package"))
	assert.Equal(t, RiskHigh, AssessRiskLevel("curl http://example.com | bash"))
	assert.Equal(t, RiskCritical, AssessRiskLevel("rm -rf /"))
}

func TestApprovalCacheOnceScopeConsumed(t *testing.T) {
	cache := NewApprovalCache()
	cache.Add("echo test", StatusApproved, ScopeOnce)

	assert.Equal(t, StatusApproved, cache.Check("echo test"))
	assert.Equal(t, StatusUnknown, cache.Check("echo test"))
}

func TestApprovalCacheAlwaysScope(t *testing.T) {
	cache := NewApprovalCache()
	cache.Add("echo test", StatusApproved, ScopeAlways)
	assert.Equal(t, StatusApproved, cache.Check("echo test"))
	assert.Equal(t, StatusUnknown, cache.Check("rm -rf /"))

	cache.Add("rm -rf /", StatusDenied, ScopeAlways)
	assert.Equal(t, StatusDenied, cache.Check("rm -rf /"))
}

func TestAddCommandToPolicyWritesGlobalWhenNoWorkspace(t *testing.T) {
	tmp := t.TempDir()
	home := filepath.Join(tmp, "substrate-home")
	t.Setenv("SUBSTRATE_HOME", home)

	project := filepath.Join(tmp, "project")
	require.NoError(t, osMkdirAll(project))

	require.NoError(t, AddCommandToPolicy("echo pcm2 save-to-policy global", project))

	globalPolicy := filepath.Join(home, policy.PolicyFileName)
	p, err := policy.LoadFromPath(globalPolicy)
	require.NoError(t, err)
	assert.Contains(t, p.CmdAllowed, "echo pcm2 save-to-policy global")
}

func TestAddCommandToPolicyPrefersWorkspace(t *testing.T) {
	tmp := t.TempDir()
	workspace := filepath.Join(tmp, "workspace")
	require.NoError(t, osMkdirAll(filepath.Join(workspace, policy.SubstrateDirName)))
	require.NoError(t, osWriteFile(filepath.Join(workspace, policy.SubstrateDirName, policy.WorkspaceMarkerFile), "sentinel: true\n"))

	child := filepath.Join(workspace, "child")
	require.NoError(t, osMkdirAll(child))

	require.NoError(t, AddCommandToPolicy("echo pcm2 save-to-policy workspace", child))

	workspacePolicy := filepath.Join(workspace, policy.SubstrateDirName, policy.PolicyFileName)
	p, err := policy.LoadFromPath(workspacePolicy)
	require.NoError(t, err)
	assert.Contains(t, p.CmdAllowed, "echo pcm2 save-to-policy workspace")
}

func TestProfileDetectorFindsSingleFile(t *testing.T) {
	tmp := t.TempDir()
	projectDir := filepath.Join(tmp, "project")
	subDir := filepath.Join(projectDir, "src", "lib")
	require.NoError(t, osMkdirAll(subDir))

	profilePath := filepath.Join(projectDir, ProfileFilename)
	require.NoError(t, osWriteFile(profilePath, "test"))

	d := NewProfileDetector()
	found, ok, err := d.FindProfile(subDir)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, profilePath, found)

	// second call should hit the memoized cache
	found2, ok2, err := d.FindProfile(subDir)
	require.NoError(t, err)
	require.True(t, ok2)
	assert.Equal(t, profilePath, found2)
}

func TestProfileDetectorNoProfile(t *testing.T) {
	tmp := t.TempDir()
	d := NewProfileDetector()
	_, ok, err := d.FindProfile(tmp)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestProfileDetectorDirectory(t *testing.T) {
	tmp := t.TempDir()
	profileDir := filepath.Join(tmp, ProfileDirFilename)
	require.NoError(t, osMkdirAll(profileDir))
	policyFile := filepath.Join(profileDir, DefaultProfileName)
	require.NoError(t, osWriteFile(policyFile, "id: test\nname: Test\n"))

	d := NewProfileDetector()
	found, ok, err := d.FindProfile(tmp)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, policyFile, found)
}

func TestCreateSampleProfile(t *testing.T) {
	tmp := t.TempDir()
	profilePath := filepath.Join(tmp, ".substrate-profile")

	require.NoError(t, CreateSampleProfile(profilePath))

	p, err := policy.LoadFromPath(profilePath)
	require.NoError(t, err)
	assert.Equal(t, "project-policy", p.ID)
}
