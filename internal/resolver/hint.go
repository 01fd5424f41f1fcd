package resolver

import (
	"regexp"
	"strings"
)

// HintMatch is the result of a manager hint engine match against a failed
// command's captured stderr (original_source shim/src/exec/mod.rs
// ManagerHintEngine::evaluate's MatchInfo, reconstructed from its call
// sites since the engine itself was filtered from the retrieval pack).
type HintMatch struct {
	ManagerName string
	Pattern     string
	Hint        string
}

type hintRule struct {
	manager string
	pattern *regexp.Regexp
	hint    string
}

// ManagerHintEngine matches a failed command's captured stderr against a
// small curated pattern set and returns a one-line remediation hint. It is
// only ever consulted when stderr capture was requested for the command, and
// a miss is silent (spec §4.1 step 7: "checks captured stderr against a
// manager-hint pattern set and prints a hint line").
type ManagerHintEngine struct {
	rules []hintRule
}

// NewManagerHintEngine builds the engine with the default curated rule set.
func NewManagerHintEngine() *ManagerHintEngine {
	return &ManagerHintEngine{rules: defaultHintRules()}
}

// IsActive reports whether the engine has any rules to evaluate; callers use
// this to decide whether stderr capture is worth the overhead at all.
func (e *ManagerHintEngine) IsActive() bool {
	return e != nil && len(e.rules) > 0
}

// Evaluate checks stderr against every rule in priority order and returns the
// first match, or nil if nothing matched.
func (e *ManagerHintEngine) Evaluate(stderr string) *HintMatch {
	if e == nil {
		return nil
	}
	for _, r := range e.rules {
		if r.pattern.MatchString(stderr) {
			return &HintMatch{ManagerName: r.manager, Pattern: r.pattern.String(), Hint: r.hint}
		}
	}
	return nil
}

// defaultHintRules is a small, deliberately non-exhaustive table: permission
// and dependency-resolution failures common enough across npm/pip/cargo/apt
// to be worth a pointer at substrate's own controls rather than a generic
// retry suggestion.
func defaultHintRules() []hintRule {
	return []hintRule{
		{
			manager: "npm",
			pattern: regexp.MustCompile(`npm ERR!`),
			hint:    "npm failed inside this session. Check `substrate policy show` for a command allowlist that may be blocking the install step.",
		},
		{
			manager: "pip",
			pattern: regexp.MustCompile(`(?i)could not install packages|externally-managed-environment`),
			hint:    "pip failed to install. If this looks policy-related, rerun with SUBSTRATE_POLICY_MODE=observe to see what would have been denied.",
		},
		{
			manager: "cargo",
			pattern: regexp.MustCompile(`error: failed to (download|compile)`),
			hint:    "cargo failed to fetch or build a dependency. Check network egress: `substrate policy show` lists the current net_allowed domains.",
		},
		{
			manager: "apt",
			pattern: regexp.MustCompile(`(?i)unable to locate package|failed to fetch`),
			hint:    "apt failed to reach its package source. If running inside a world, its net_allowed list may not include the package mirror.",
		},
		{
			manager: "permissions",
			pattern: regexp.MustCompile(`(?i)permission denied|EACCES`),
			hint:    "permission denied. If this command was routed into an isolated world, its filesystem mode may be read_only; check `substrate policy show`.",
		},
	}
}

// PrintHint formats a match the way the interceptor prints it to stderr
// (original_source exec/mod.rs run_shim's eprintln! block).
func (m HintMatch) PrintHint() string {
	var b strings.Builder
	b.WriteString("substrate: ")
	b.WriteString(m.ManagerName)
	b.WriteString(" hint matched (pattern: ")
	b.WriteString(m.Pattern)
	b.WriteString(")\n")
	b.WriteString(strings.TrimRight(m.Hint, "\n"))
	return b.String()
}
