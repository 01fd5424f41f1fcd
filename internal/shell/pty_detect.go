package shell

import (
	"os"
	"strings"
)

// forcedPTYPrograms are invoked with a full-screen TUI (or require a real
// controlling terminal) regardless of their arguments (spec §4.5 "Detect
// commands that require a PTY (curated TUIs...)").
var forcedPTYPrograms = map[string]bool{
	"vim": true, "vi": true, "nvim": true, "emacs": true, "nano": true,
	"less": true, "more": true, "man": true,
	"top": true, "htop": true, "btop": true,
	"tmux": true, "screen": true,
	"fzf": true, "lazygit": true, "lazydocker": true, "k9s": true,
}

// replProgramsNeedPTYWithoutArgs are REPLs that only need a PTY when
// launched bare (no script/eval argument), since a bare invocation drops
// the user into an interactive prompt.
var replProgramsNeedPTYWithoutArgs = map[string]bool{
	"python": true, "python3": true, "node": true, "irb": true,
	"ruby": true, "psql": true, "mysql": true, "redis-cli": true,
	"ipython": true,
}

// needsPTY reports whether argv's program requires a controlling terminal
// to behave correctly, covering the curated cases from spec §4.5: TUIs,
// `git add -p`-style interactive subcommands, SSH with a forced `-t`,
// `docker -it`/`-ti`, and REPLs invoked with no script argument
// (original_source crates/shell/src/host_decider.rs needs_pty, reconstructed
// from its call contract since plan.rs itself was filtered from the pack).
func needsPTY(argv []string) bool {
	if len(argv) == 0 {
		return false
	}
	prog := baseProgramName(argv[0])

	if forcedPTYPrograms[prog] {
		return true
	}

	switch prog {
	case "git":
		return gitNeedsPTY(argv[1:])
	case "ssh":
		return sshForcesTTY(argv[1:])
	case "docker", "podman":
		return containerRunNeedsPTY(argv[1:])
	}

	if replProgramsNeedPTYWithoutArgs[prog] {
		return len(argv) == 1
	}

	return false
}

func gitNeedsPTY(args []string) bool {
	for i, a := range args {
		switch a {
		case "add":
			if containsFlag(args[i+1:], "-p", "--patch") {
				return true
			}
		case "rebase":
			if containsFlag(args[i+1:], "-i", "--interactive") {
				return true
			}
		case "commit":
			if containsFlag(args[i+1:], "-p", "--patch", "-e", "--edit") {
				return true
			}
		}
	}
	return false
}

func sshForcesTTY(args []string) bool {
	for _, a := range args {
		if a == "-t" || a == "-tt" || strings.HasPrefix(a, "-t") && !strings.HasPrefix(a, "--") {
			return true
		}
	}
	return false
}

func containerRunNeedsPTY(args []string) bool {
	sawRun := false
	interactive, tty := false, false
	for _, a := range args {
		if a == "run" || a == "exec" {
			sawRun = true
			continue
		}
		if !sawRun {
			continue
		}
		switch {
		case a == "-it" || a == "-ti":
			interactive, tty = true, true
		case a == "-i" || a == "--interactive":
			interactive = true
		case a == "-t" || a == "--tty":
			tty = true
		}
	}
	return sawRun && interactive && tty
}

func containsFlag(args []string, flags ...string) bool {
	for _, a := range args {
		for _, f := range flags {
			if a == f {
				return true
			}
		}
	}
	return false
}

func baseProgramName(path string) string {
	idx := strings.LastIndexByte(path, '/')
	if idx >= 0 {
		path = path[idx+1:]
	}
	return path
}

// isPTYDisabled reports the global opt-out (original_source
// host_decider.rs::is_pty_disabled via crate::is_pty_disabled).
func isPTYDisabled() bool {
	v, ok := os.LookupEnv("SUBSTRATE_NO_PTY")
	if !ok {
		return false
	}
	v = strings.ToLower(strings.TrimSpace(v))
	return v == "1" || v == "true" || v == "yes"
}
