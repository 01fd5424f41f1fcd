package shell

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/atomize-hq/substrate/internal/trace"
)

// BuiltinResult carries the outcome of a locally-handled builtin, mirroring
// the `Option<ExitStatus>` contract from original_source's
// execution/routing/builtin.rs::handle_builtin: a builtin either fully
// handles the line (returning a status) or defers it to the external shell.
type BuiltinResult struct {
	Handled  bool
	ExitCode int
}

// HandleBuiltin implements the locally-dispatched builtins named in spec
// §4.5 ("cd, pwd, unset, simple export KEY=value"), enforcing the anchor
// guard on cd and emitting a builtin_command trace span for anything it
// handles. Complex export forms (quoted values, `$` expansions) are left
// unhandled so the caller falls through to the external shell, exactly as
// builtin.rs does.
func HandleBuiltin(sess *Session, anchor AnchorSettings, command string) (BuiltinResult, error) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return BuiltinResult{}, nil
	}

	var (
		handled bool
		err     error
	)

	switch parts[0] {
	case "cd":
		handled, err = builtinCd(anchor, parts[1:])
	case "pwd":
		cwd, e := os.Getwd()
		if e == nil {
			fmt.Println(cwd)
		}
		handled, err = true, e
	case "unset":
		for _, k := range parts[1:] {
			os.Unsetenv(k)
		}
		handled = true
	case "export":
		handled = builtinExport(parts[1:])
	}

	if !handled {
		return BuiltinResult{}, nil
	}
	if err != nil {
		return BuiltinResult{Handled: true, ExitCode: 1}, err
	}

	logBuiltinSpan(sess, command)
	return BuiltinResult{Handled: true, ExitCode: 0}, nil
}

func builtinCd(anchor AnchorSettings, args []string) (bool, error) {
	target := "~"
	switch {
	case len(args) == 0:
		// stays "~"
	case args[0] == "-":
		if oldpwd := os.Getenv("OLDPWD"); oldpwd != "" {
			fmt.Println(oldpwd)
			target = oldpwd
		}
	default:
		target = args[0]
	}

	expanded := expandTilde(target)
	prev, err := os.Getwd()
	if err != nil {
		return true, err
	}

	requested := canonicalizeCdTarget(prev, expanded)
	destination, warning := enforceCagedDestination(anchor, prev, requested)
	if warning != "" {
		fmt.Fprintln(os.Stderr, warning)
	}

	if err := os.Chdir(destination); err != nil {
		return true, err
	}
	os.Setenv("OLDPWD", prev)
	if cwd, err := os.Getwd(); err == nil {
		os.Setenv("PWD", cwd)
	}
	return true, nil
}

// builtinExport handles only `export KEY=value` pairs with no quoting or
// variable expansion, deferring anything fancier to the external shell
// (original_source builtin.rs: "Reject quotes or variable refs to avoid
// wrong semantics").
func builtinExport(args []string) bool {
	if len(args) == 0 {
		return false
	}
	assignments := make([][2]string, 0, len(args))
	for _, part := range args {
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			return false
		}
		if strings.ContainsAny(v, `"'$`) {
			return false
		}
		assignments = append(assignments, [2]string{k, v})
	}
	for _, kv := range assignments {
		os.Setenv(kv[0], kv[1])
	}
	return true
}

func expandTilde(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	return filepath.Join(home, path[2:])
}

func canonicalizeCdTarget(cwd, target string) string {
	abs := target
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(cwd, target)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved
	}
	return abs
}

// enforceCagedDestination bounces cd back to the anchor root when it would
// leave it (original_source execution/routing/path_env.rs
// enforce_caged_destination, ported verbatim including the message text).
func enforceCagedDestination(anchor AnchorSettings, cwd, requested string) (string, string) {
	if !anchor.ShouldGuard() {
		return requested, ""
	}

	root := anchor.AnchorRoot(cwd)
	rootClean := canonicalizeOr(root)
	if pathWithinRoot(rootClean, requested) {
		return requested, ""
	}
	return rootClean, fmt.Sprintf("substrate: info: caged root guard: returning to %s", rootClean)
}

func canonicalizeOr(path string) string {
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		return resolved
	}
	return path
}

func pathWithinRoot(root, candidate string) bool {
	return candidate == root || strings.HasPrefix(candidate, root+string(filepath.Separator))
}

func logBuiltinSpan(sess *Session, command string) {
	if sess == nil || sess.Output == nil {
		return
	}
	span := trace.Span{
		SpanID:    trace.NewSpanID(),
		SessionID: sess.ID,
		EventType: trace.EventBuiltinCommand,
		Component: "shell",
		Cmd:       redactExportCommand(command),
		Ts:        time.Now(),
	}
	_ = sess.Output.Append(span)
}

// redactExportCommand masks the value half of `export KEY=value` pairs
// whose key looks like a credential, since the generic trace-writer
// Redact pass only scrubs flag-prefixed tokens (--token foo), not
// key=value assignments embedded in a single command string
// (original_source builtin.rs inlines this same special case).
func redactExportCommand(command string) string {
	tokens := strings.Fields(command)
	if len(tokens) < 2 || tokens[0] != "export" {
		return command
	}
	for i, t := range tokens {
		k, _, ok := strings.Cut(t, "=")
		if !ok {
			continue
		}
		lk := strings.ToLower(k)
		if strings.Contains(lk, "token") || strings.Contains(lk, "password") ||
			strings.Contains(lk, "secret") || strings.Contains(lk, "apikey") || strings.Contains(lk, "api_key") {
			tokens[i] = k + "=***"
		}
	}
	return strings.Join(tokens, " ")
}
