package policy

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// SubstrateDirName is the per-workspace marker directory, ".substrate".
const SubstrateDirName = ".substrate"

// WorkspaceMarkerFile is the file whose presence under SubstrateDirName
// identifies a directory as a workspace root (spec §6).
const WorkspaceMarkerFile = "workspace.yaml"

// PolicyFileName is the name a workspace or global policy file is expected
// to carry.
const PolicyFileName = "policy.yaml"

// ErrLegacyCageAlias is returned when a policy document uses the retired
// `cage` key instead of `world_fs.isolation` (spec §9 Open Question 1:
// "the specified behavior (fatal on cage) matches the tests").
var ErrLegacyCageAlias = fmt.Errorf("policy uses legacy key %q; rename to world_fs.isolation", "cage")

// LoadFromPath reads and strictly parses a policy document from path.
// Unknown keys are fatal; the legacy `cage` alias is fatal with an
// actionable message (original_source policy_loader.rs load_policy_from_path,
// generalized with strict-mode decoding for the unknown-key requirement
// spec §6 adds on top of the original).
func LoadFromPath(path string) (*Policy, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy from %s: %w", path, err)
	}
	return Parse(content, path)
}

// Parse strictly decodes a policy document's bytes. source is used only to
// annotate error messages.
func Parse(content []byte, source string) (*Policy, error) {
	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)

	var p Policy
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("failed to parse policy from %s: %w", source, err)
	}
	if p.WorldFs.Cage != "" {
		return nil, fmt.Errorf("%s: %w", source, ErrLegacyCageAlias)
	}
	if p.WorldFs.Mode == FsModeReadOnly || p.WorldFs.Mode == FsModeFullIsolation {
		if !p.WorldFs.RequireWorld {
			return nil, fmt.Errorf("%s: world_fs.mode %q requires world_fs.require_world: true", source, p.WorldFs.Mode)
		}
	}
	p.Finalize()
	return &p, nil
}

// ToYAML serializes a policy back to YAML (used for round-tripping and by
// AddCommandToPolicy when saving an approval).
func (p *Policy) ToYAML() ([]byte, error) {
	return yaml.Marshal(p)
}

// SubstrateHome resolves $SUBSTRATE_HOME, defaulting to ~/.substrate
// (spec §6 environment contract).
func SubstrateHome() (string, error) {
	if home := os.Getenv("SUBSTRATE_HOME"); home != "" {
		return home, nil
	}
	userHome, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve SUBSTRATE_HOME: %w", err)
	}
	return filepath.Join(userHome, ".substrate"), nil
}

// FindWorkspaceRoot walks upward from cwd looking for
// <dir>/.substrate/workspace.yaml, returning the directory that contains it
// (original_source policy_loader.rs find_workspace_root).
func FindWorkspaceRoot(cwd string) (string, bool) {
	current := cwd
	if info, err := os.Stat(current); err == nil && !info.IsDir() {
		current = filepath.Dir(current)
	}
	for {
		marker := filepath.Join(current, SubstrateDirName, WorkspaceMarkerFile)
		if info, err := os.Stat(marker); err == nil && !info.IsDir() {
			return current, true
		}
		parent := filepath.Dir(current)
		if parent == current {
			return "", false
		}
		current = parent
	}
}

// LoadEffectiveForCwd resolves the layered effective policy for cwd:
// workspace policy.yaml shadows the global $SUBSTRATE_HOME/policy.yaml
// shadows the built-in default (spec §6, original_source
// policy_loader.rs load_effective_policy_for_cwd). The returned path is
// empty when the built-in default applies.
func LoadEffectiveForCwd(cwd string) (*Policy, string, error) {
	home, err := SubstrateHome()
	if err != nil {
		return nil, "", err
	}

	if root, ok := FindWorkspaceRoot(cwd); ok {
		workspacePolicy := filepath.Join(root, SubstrateDirName, PolicyFileName)
		if info, statErr := os.Stat(workspacePolicy); statErr == nil && !info.IsDir() {
			p, err := LoadFromPath(workspacePolicy)
			if err != nil {
				return nil, "", err
			}
			return p, workspacePolicy, nil
		}
	}

	globalPolicy := filepath.Join(home, PolicyFileName)
	if info, statErr := os.Stat(globalPolicy); statErr == nil && !info.IsDir() {
		p, err := LoadFromPath(globalPolicy)
		if err != nil {
			return nil, "", err
		}
		return p, globalPolicy, nil
	}

	return Default(), "", nil
}

// Merge mutates p, merging other into it: allowlists union, booleans follow
// the more restrictive rule, world_fs_mode takes the strictest of the two,
// and resource limits take the minimum of each dimension
// (original_source policy.rs Policy::merge; spec §8 invariant 2).
func (p *Policy) Merge(other *Policy) {
	p.FsRead = unionStrings(p.FsRead, other.FsRead)
	p.FsWrite = unionStrings(p.FsWrite, other.FsWrite)
	p.NetAllowed = unionStrings(p.NetAllowed, other.NetAllowed)
	p.CmdAllowed = unionStrings(p.CmdAllowed, other.CmdAllowed)
	p.CmdDenied = unionStrings(p.CmdDenied, other.CmdDenied)
	p.CmdIsolated = unionStrings(p.CmdIsolated, other.CmdIsolated)

	p.RequireApproval = p.RequireApproval || other.RequireApproval
	p.AllowShellOperators = p.AllowShellOperators && other.AllowShellOperators

	p.WorldFsMode = strictestFsMode(p.WorldFsMode, other.WorldFsMode)
	p.WorldFs.Mode = p.WorldFsMode

	p.Limits = mergeLimits(p.Limits, other.Limits)
}

// strictestFsMode ranks full_isolation > read_only > writable, matching
// the spirit of original_source's merge (which only distinguishes
// ReadOnly vs Writable) extended to the third mode the Go Policy carries.
func strictestFsMode(a, b WorldFsMode) WorldFsMode {
	rank := func(m WorldFsMode) int {
		switch m {
		case FsModeFullIsolation:
			return 2
		case FsModeReadOnly:
			return 1
		default:
			return 0
		}
	}
	if rank(b) > rank(a) {
		return b
	}
	if a == "" {
		return FsModeWritable
	}
	return a
}

func mergeLimits(a, b *ResourceLimits) *ResourceLimits {
	if b == nil {
		return a
	}
	if a == nil {
		clone := *b
		return &clone
	}
	a.MaxMemoryMB = minPtr(a.MaxMemoryMB, b.MaxMemoryMB)
	a.MaxCPUPercent = minPtr32(a.MaxCPUPercent, b.MaxCPUPercent)
	a.MaxRuntimeMs = minPtr(a.MaxRuntimeMs, b.MaxRuntimeMs)
	a.MaxEgressBytes = minPtr(a.MaxEgressBytes, b.MaxEgressBytes)
	return a
}

func minPtr(a, b *uint64) *uint64 {
	if b == nil {
		return a
	}
	if a == nil {
		v := *b
		return &v
	}
	if *b < *a {
		v := *b
		return &v
	}
	return a
}

func minPtr32(a, b *uint32) *uint32 {
	if b == nil {
		return a
	}
	if a == nil {
		v := *b
		return &v
	}
	if *b < *a {
		v := *b
		return &v
	}
	return a
}

func unionStrings(a, b []string) []string {
	seen := make(map[string]bool, len(a))
	out := make([]string, 0, len(a)+len(b))
	for _, v := range a {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	for _, v := range b {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}
