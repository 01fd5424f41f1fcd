package policy

import (
	"fmt"
	"regexp"
	"strings"
)

// MatchesPattern reports whether cmd matches pattern using Substrate's
// shell-style glob rules (spec §4.2): a pattern containing '*' must match
// the whole of cmd, each '*' matching any run of characters ('/' and
// spaces included) and every other character matching itself; patterns
// without '*' fall back to substring containment. Invalid patterns never
// match and are reported via the ok return so callers can log a warning
// without panicking (original_source crates/broker/src/broker.rs
// matches_pattern).
func MatchesPattern(cmd, pattern string) (matched bool, ok bool) {
	if !strings.Contains(pattern, "*") {
		return strings.Contains(cmd, pattern), true
	}
	parts := strings.Split(pattern, "*")
	for i, part := range parts {
		parts[i] = regexp.QuoteMeta(part)
	}
	re, err := regexp.Compile("(?s)^" + strings.Join(parts, ".*") + "$")
	if err != nil {
		return false, false
	}
	return re.MatchString(cmd), true
}

// MatchAny reports whether cmd matches any of patterns, invoking warn for
// every invalid pattern encountered along the way.
func MatchAny(cmd string, patterns []string, warn func(pattern string, err error)) bool {
	for _, pattern := range patterns {
		matched, ok := MatchesPattern(cmd, pattern)
		if !ok {
			if warn != nil {
				warn(pattern, fmt.Errorf("invalid glob pattern %q", pattern))
			}
			continue
		}
		if matched {
			return true
		}
	}
	return false
}

// IsPathReadable reports whether path is covered by the policy's fs_read
// allowlist (original_source policy.rs is_path_readable: "*" or prefix
// match against the pattern with its trailing '*' trimmed).
func (p *Policy) IsPathReadable(path string) bool {
	return pathAllowed(path, p.FsRead)
}

// IsPathWritable reports whether path is covered by the policy's fs_write
// allowlist.
func (p *Policy) IsPathWritable(path string) bool {
	return pathAllowed(path, p.FsWrite)
}

func pathAllowed(path string, patterns []string) bool {
	for _, pattern := range patterns {
		if pattern == "*" {
			return true
		}
		if strings.HasPrefix(path, strings.TrimSuffix(pattern, "*")) {
			return true
		}
	}
	return false
}

// IsHostAllowed reports whether host is covered by the policy's net_allowed
// list (original_source policy.rs is_host_allowed: "*" or suffix match
// against the pattern with its leading '*' trimmed, i.e. ".example.com").
func (p *Policy) IsHostAllowed(host string) bool {
	for _, pattern := range p.NetAllowed {
		if pattern == "*" {
			return true
		}
		if strings.HasSuffix(host, strings.TrimPrefix(pattern, "*")) {
			return true
		}
	}
	return false
}

// HasWildcardNetwork reports whether net_allowed contains the literal "*"
// entry that disables network namespace isolation entirely (adapted from
// the teacher's internal/sandbox/network_policy.go hasWildcardAllowedDomain,
// retargeted from fence's Config.Network.AllowedDomains to Policy.NetAllowed).
func (p *Policy) HasWildcardNetwork() bool {
	for _, d := range p.NetAllowed {
		if d == "*" {
			return true
		}
	}
	return false
}
