package world

import (
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/atomize-hq/substrate/internal/policy"
)

var commonExecutableDirs = []string{
	"/usr/bin",
	"/bin",
	"/usr/local/bin",
}

// RuntimeDeniedExecutablePaths resolves policy.CmdDenied entries that are a
// single executable token (no args, no shell metacharacters) into concrete
// absolute paths (teacher's internal/sandbox/runtime_exec_deny.go
// GetRuntimeDeniedExecutablePaths, retargeted from fence's
// Config.Command.Deny to Policy.CmdDenied). It only resolves the paths:
// the world backend does not mask them, so cmd_denied is enforced by the
// broker's pattern match alone.
func RuntimeDeniedExecutablePaths(p *policy.Policy) []string {
	if p == nil {
		return nil
	}

	var paths []string
	seen := make(map[string]bool)

	for _, rule := range p.CmdDenied {
		token, ok := runtimeExecutableToken(rule)
		if !ok {
			continue
		}
		for _, resolved := range resolveExecutablePaths(token) {
			if seen[resolved] {
				continue
			}
			seen[resolved] = true
			paths = append(paths, resolved)
		}
	}

	sort.Strings(paths)
	return paths
}

func runtimeExecutableToken(rule string) (string, bool) {
	rule = strings.TrimSpace(rule)
	if rule == "" {
		return "", false
	}
	tokens := strings.Fields(rule)
	if len(tokens) != 1 {
		return "", false
	}
	token := tokens[0]
	if strings.ContainsAny(token, "*?[]|&;()<>$`=") {
		return "", false
	}
	return token, true
}

func resolveExecutablePaths(token string) []string {
	var paths []string
	seen := make(map[string]bool)
	add := func(p string) {
		if p == "" || seen[p] {
			return
		}
		seen[p] = true
		paths = append(paths, p)
	}
	addCanonical := func(p string) {
		if p == "" {
			return
		}
		add(p)
		if resolved, err := filepath.EvalSymlinks(p); err == nil {
			add(resolved)
		}
	}

	if strings.ContainsRune(token, filepath.Separator) {
		abs := token
		if !filepath.IsAbs(abs) {
			if cwd, err := os.Getwd(); err == nil {
				abs = filepath.Join(cwd, abs)
			}
		}
		if executablePathExists(abs) {
			addCanonical(abs)
		}
		return paths
	}

	if resolved, err := exec.LookPath(token); err == nil {
		addCanonical(resolved)
	}
	for _, dir := range commonExecutableDirs {
		candidate := filepath.Join(dir, token)
		if executablePathExists(candidate) {
			addCanonical(candidate)
		}
	}
	return paths
}

func executablePathExists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
