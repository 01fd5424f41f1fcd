package world

import (
	"fmt"
	"path/filepath"
	"strings"
)

const (
	anchorModeEnv     = "SUBSTRATE_ANCHOR_MODE"
	legacyRootModeEnv = "SUBSTRATE_WORLD_ROOT_MODE"
	cagedEnv          = "SUBSTRATE_CAGED"
)

// AnchorMode controls whether a shell is pinned to its starting directory
// (spec §4.5 anchor/caged-root guard).
type AnchorMode string

const (
	AnchorModeProject   AnchorMode = "project"
	AnchorModeFollowCwd AnchorMode = "follow-cwd"
	AnchorModeCustom    AnchorMode = "custom"
)

// ParseAnchorMode parses a mode string from SUBSTRATE_ANCHOR_MODE or a
// workspace marker file, case-insensitively, accepting the legacy
// "follow_cwd" spelling.
func ParseAnchorMode(raw string) (AnchorMode, bool) {
	return parseAnchorMode(raw)
}

func parseAnchorMode(raw string) (AnchorMode, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "project":
		return AnchorModeProject, true
	case "follow-cwd", "follow_cwd":
		return AnchorModeFollowCwd, true
	case "custom":
		return AnchorModeCustom, true
	default:
		return "", false
	}
}

// ShouldGuardAnchor reports whether the current execution should enforce
// the caged guard, reading SUBSTRATE_CAGED (default true) and
// SUBSTRATE_ANCHOR_MODE / legacy SUBSTRATE_WORLD_ROOT_MODE (default
// "project") from env (original_source guard.rs should_guard_anchor).
func ShouldGuardAnchor(env map[string]string) bool {
	caged := true
	if raw, ok := env[cagedEnv]; ok {
		if parsed, ok := parseBool(raw); ok {
			caged = parsed
		}
	}
	if !caged {
		return false
	}

	mode := AnchorModeProject
	if raw, ok := env[anchorModeEnv]; ok {
		if parsed, ok := parseAnchorMode(raw); ok {
			mode = parsed
		}
	} else if raw, ok := env[legacyRootModeEnv]; ok {
		if parsed, ok := parseAnchorMode(raw); ok {
			mode = parsed
		}
	}

	return mode != AnchorModeFollowCwd
}

// WrapWithAnchorGuard wraps command with a shell preamble that redefines cd
// so it can never leave anchorRoot, printing a guard message when it tries
// (original_source guard.rs wrap_with_anchor_guard — text and function
// names kept byte-for-byte since replay tooling and tests match on them).
func WrapWithAnchorGuard(command, anchorRoot string) string {
	anchor := canonicalOr(anchorRoot)
	displayAnchor := shellEscapeForSh(anchor)
	displayName := "[Substrate Host]"
	if strings.HasPrefix(anchor, overlayBaseDir) {
		displayName = "[Substrate World]"
	}

	guarded := fmt.Sprintf(
		`__substrate_anchor_root=%s; `+
			`__substrate_anchor_display=%s; `+
			`substrate_anchor_builtin_cd() { if builtin cd "$@" 2>/dev/null; then :; else command cd "$@"; fi; }; `+
			`substrate_anchor_cd() { substrate_anchor_builtin_cd "$@" || return $?; dest=$(pwd -P); case "$dest" in "$__substrate_anchor_root"|"$__substrate_anchor_root"/*) ;; *) printf 'substrate: info: caged root guard: returning to %%s (%%s)\n' "$__substrate_anchor_root" "$__substrate_anchor_display" >&2; substrate_anchor_builtin_cd "$__substrate_anchor_root" || return $?;; esac; unset dest; }; `+
			`cd() { substrate_anchor_cd "$@"; }; `+
			`substrate_anchor_cd .; `,
		displayAnchor, displayName,
	)
	return guarded + command
}

func canonicalOr(path string) string {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return path
	}
	return resolved
}

func parseBool(raw string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	default:
		return false, false
	}
}

func shellEscapeForSh(path string) string {
	if strings.Contains(path, "'") {
		return "'" + strings.ReplaceAll(path, "'", `'"'"'`) + "'"
	}
	return "'" + path + "'"
}
