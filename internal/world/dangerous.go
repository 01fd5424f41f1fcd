package world

import (
	"os"
	"path/filepath"
)

// dangerousFiles lists files that must never be exposed writable inside a
// world regardless of policy, since they can be abused for code execution
// or credential exfiltration (teacher's internal/sandbox/dangerous.go
// DangerousFiles, carried over unchanged — the set of shell rc files and
// git hooks worth mandatory protection doesn't depend on fence's bwrap
// model vs. substrate's overlay model).
var dangerousFiles = []string{
	".gitconfig",
	".gitmodules",
	".bashrc",
	".bash_profile",
	".zshrc",
	".zprofile",
	".profile",
	".ripgreprc",
	".mcp.json",
}

// dangerousDirectories mirrors the teacher's DangerousDirectories, minus
// .git itself (needed writable for git operations inside a world).
var dangerousDirectories = []string{
	".vscode",
	".idea",
	".claude/commands",
	".claude/agents",
}

// MandatoryDenyWritePaths returns concrete paths under project (plus the
// user's home directory) built from dangerousFiles and
// dangerousDirectories. It only builds the list: session setup does not
// apply it, and nothing in the world backend masks or write-protects
// these paths.
func MandatoryDenyWritePaths(project string) []string {
	var paths []string
	for _, f := range dangerousFiles {
		paths = append(paths, filepath.Join(project, f))
	}
	for _, d := range dangerousDirectories {
		paths = append(paths, filepath.Join(project, d))
	}
	paths = append(paths, filepath.Join(project, ".git/hooks"), filepath.Join(project, ".git/config"))

	if home, err := os.UserHomeDir(); err == nil {
		for _, f := range dangerousFiles {
			paths = append(paths, filepath.Join(home, f))
		}
	}
	return paths
}
