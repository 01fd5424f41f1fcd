package broker

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/atomize-hq/substrate/internal/policy"
)

// ApprovalStatus is the outcome of a previous or interactive approval
// check (spec §3 ApprovalCache).
type ApprovalStatus int

const (
	StatusUnknown ApprovalStatus = iota
	StatusApproved
	StatusDenied
)

// ApprovalScope controls how long an approval entry remains valid.
// Once-scoped entries are consumed on first read (spec §3).
type ApprovalScope int

const (
	ScopeOnce ApprovalScope = iota
	ScopeSession
	ScopeAlways
)

type approvalEntry struct {
	status ApprovalStatus
	scope  ApprovalScope
}

// ApprovalCache maps a command string to its cached approval decision
// (original_source crates/broker/src/approval, grounded via approval/tests.rs).
type ApprovalCache struct {
	mu      sync.RWMutex
	entries map[string]approvalEntry
}

// NewApprovalCache returns an empty cache.
func NewApprovalCache() *ApprovalCache {
	return &ApprovalCache{entries: make(map[string]approvalEntry)}
}

// Add records an approval decision for cmd under the given scope.
func (c *ApprovalCache) Add(cmd string, status ApprovalStatus, scope ApprovalScope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[cmd] = approvalEntry{status: status, scope: scope}
}

// Check returns the cached status for cmd, consuming Once-scoped entries
// on read (spec §3: "Entries with scope Once are consumed on first read").
func (c *ApprovalCache) Check(cmd string) ApprovalStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[cmd]
	if !ok {
		return StatusUnknown
	}
	if entry.scope == ScopeOnce {
		delete(c.entries, cmd)
	}
	return entry.status
}

// RiskLevel is a best-effort classification of a command's blast radius,
// used to shape the interactive approval prompt. Supplemented feature:
// original_source's distilled spec drops this, but approval/tests.rs
// (test_risk_assessment) proves it was part of the broker's approval flow.
type RiskLevel int

const (
	RiskLow RiskLevel = iota
	RiskMedium
	RiskHigh
	RiskCritical
)

func (r RiskLevel) String() string {
	switch r {
	case RiskCritical:
		return "critical"
	case RiskHigh:
		return "high"
	case RiskMedium:
		return "medium"
	default:
		return "low"
	}
}

var (
	criticalPatterns = []string{"rm -rf /", "mkfs", ":(){ :|:& };:", "dd if=/dev/zero of=/dev/"}
	highPatterns     = []string{"| bash", "| sh", "curl * | bash", "wget * | bash"}
	mediumPrefixes   = []string{"npm install", "pip install", "cargo install", "go install", "brew install", "apt install", "apt-get install"}
)

// AssessRiskLevel classifies cmd by a small set of curated patterns
// (original_source approval/tests.rs test_risk_assessment: echo → Low,
// "npm install package" → Medium, "curl ... | bash" → High,
// "rm -rf /" → Critical).
func AssessRiskLevel(cmd string) RiskLevel {
	trimmed := strings.TrimSpace(cmd)
	for _, p := range criticalPatterns {
		if strings.Contains(trimmed, p) {
			return RiskCritical
		}
	}
	for _, p := range highPatterns {
		if matched, ok := policy.MatchesPattern(trimmed, p); ok && matched {
			return RiskHigh
		}
		if strings.Contains(trimmed, p) {
			return RiskHigh
		}
	}
	for _, prefix := range mediumPrefixes {
		if strings.HasPrefix(trimmed, prefix) {
			return RiskMedium
		}
	}
	return RiskLow
}

// ApprovalContext carries the command and cwd an interactive prompt needs
// to describe the request to the user.
type ApprovalContext struct {
	Command string
	Cwd     string
	Risk    RiskLevel
}

// NewApprovalContext builds a context, assessing the command's risk level.
func NewApprovalContext(cmd, cwd string) ApprovalContext {
	return ApprovalContext{Command: cmd, Cwd: cwd, Risk: AssessRiskLevel(cmd)}
}

// InteractivePrompter asks a yes/no question on behalf of RequestInteractiveApproval.
// Abstracted so the broker never depends directly on a terminal.
type InteractivePrompter func(ctx ApprovalContext) (approved bool, scope ApprovalScope, err error)

// DefaultPrompter prompts on stdin/stderr, defaulting to Session scope.
func DefaultPrompter(ctx ApprovalContext) (bool, ApprovalScope, error) {
	fmt.Fprintf(os.Stderr, "substrate: approval required (%s risk): %s\n", ctx.Risk, ctx.Command)
	fmt.Fprintf(os.Stderr, "substrate: allow this command? [y/N] ")
	reader := bufio.NewReader(os.Stdin)
	line, _ := reader.ReadString('\n')
	line = strings.ToLower(strings.TrimSpace(line))
	return line == "y" || line == "yes", ScopeSession, nil
}

// RequestInteractiveApproval prompts the user via prompter and records the
// result in cache under the scope the user chose.
func RequestInteractiveApproval(cmd string, ctx ApprovalContext, cache *ApprovalCache, prompter InteractivePrompter) (bool, error) {
	if prompter == nil {
		prompter = DefaultPrompter
	}
	approved, scope, err := prompter(ctx)
	if err != nil {
		return false, err
	}
	status := StatusDenied
	if approved {
		status = StatusApproved
	}
	cache.Add(cmd, status, scope)
	return approved, nil
}

// AddCommandToPolicy appends cmd to the effective policy's cmd_allowed list
// and persists it: the workspace policy.yaml if cwd is inside a workspace,
// otherwise the global $SUBSTRATE_HOME/policy.yaml. This is the
// "save-to-policy" operation supplemented from original_source
// (approval/tests.rs pcm2_save_to_policy_* tests) — the distilled spec
// names the approval cache but drops this persistence operation.
func AddCommandToPolicy(cmd, cwd string) error {
	targetPath, base, err := effectivePolicyWritePath(cwd)
	if err != nil {
		return err
	}

	var current *policy.Policy
	if info, statErr := os.Stat(targetPath); statErr == nil && !info.IsDir() {
		current, err = policy.LoadFromPath(targetPath)
		if err != nil {
			return err
		}
	} else {
		current = base
	}

	for _, existing := range current.CmdAllowed {
		if existing == cmd {
			return nil
		}
	}
	current.CmdAllowed = append(current.CmdAllowed, cmd)

	if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
		return fmt.Errorf("create policy directory: %w", err)
	}
	out, err := current.ToYAML()
	if err != nil {
		return fmt.Errorf("serialize policy: %w", err)
	}
	if err := os.WriteFile(targetPath, out, 0o600); err != nil {
		return fmt.Errorf("write policy to %s: %w", targetPath, err)
	}
	return nil
}

// effectivePolicyWritePath returns the path save-to-policy should write and
// a starting-point Policy to seed it with when that file does not yet exist.
func effectivePolicyWritePath(cwd string) (string, *policy.Policy, error) {
	if root, ok := policy.FindWorkspaceRoot(cwd); ok {
		return filepath.Join(root, policy.SubstrateDirName, policy.PolicyFileName), policy.Default(), nil
	}
	home, err := policy.SubstrateHome()
	if err != nil {
		return "", nil, err
	}
	return filepath.Join(home, policy.PolicyFileName), policy.Default(), nil
}
