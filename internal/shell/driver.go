// Package shell implements the supervising shell driver (C5): it launches
// the user's real shell with a front-loaded, interceptor-shimmed PATH,
// handles a small set of builtins locally, and dispatches one of four
// invocation modes (interactive, wrap, script, pipe), enforcing the
// caged anchor-root guard and PTY allocation along the way.
package shell

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/atomize-hq/substrate/internal/policy"
	"github.com/atomize-hq/substrate/internal/trace"
	"github.com/atomize-hq/substrate/internal/world"
)

// Mode is one of the four dispatch modes named in spec §4.5.
type Mode string

const (
	ModeInteractive Mode = "interactive"
	ModeWrap        Mode = "wrap"
	ModeScript      Mode = "script"
	ModePipe        Mode = "pipe"
)

const (
	anchorModeEnv     = "SUBSTRATE_ANCHOR_MODE"
	anchorPathEnv     = "SUBSTRATE_ANCHOR_PATH"
	legacyRootModeEnv = "SUBSTRATE_WORLD_ROOT_MODE"
	legacyRootPathEnv = "SUBSTRATE_WORLD_ROOT_PATH"
	cagedEnv          = "SUBSTRATE_CAGED"

	shellModeEnv     = "SUBSTRATE_SHELL_MODE"
	noWorldEnv       = "SUBSTRATE_WORLD"
	worldEnabledEnv  = "SUBSTRATE_WORLD_ENABLED"
	noShimsEnv       = "SUBSTRATE_NO_SHIMS"
	shimOriginalPath = "SHIM_ORIGINAL_PATH"
)

// AnchorSettings is the world-root settings record from spec §4.5: the
// resolved anchor mode, its directory, and whether cd is caged to it
// (original_source execution/settings WorldRootSettings).
type AnchorSettings struct {
	Mode  world.AnchorMode
	Path  string
	Caged bool
}

// AnchorRoot returns the directory cd must stay within: cwd itself in
// follow-cwd mode, the resolved settings path otherwise.
func (s AnchorSettings) AnchorRoot(cwd string) string {
	if s.Mode == world.AnchorModeFollowCwd {
		return cwd
	}
	return s.Path
}

// ShouldGuard reports whether cd should be confined to AnchorRoot at all
// (spec §4.5: caged=false or follow-cwd mode both disable the guard).
func (s AnchorSettings) ShouldGuard() bool {
	return s.Caged && s.Mode != world.AnchorModeFollowCwd
}

// anchorSettingsFromEnv derives the settings record from the ambient env
// (original_source settings/runtime.rs world_root_from_env). Its one
// caller is discoverAnchorSettings.
func anchorSettingsFromEnv(cwd string) AnchorSettings {
	mode := world.AnchorModeProject
	if raw, ok := firstEnv(anchorModeEnv, legacyRootModeEnv); ok {
		if parsed, ok := world.ParseAnchorMode(raw); ok {
			mode = parsed
		}
	}

	basePath := cwd
	if raw, ok := firstEnv(anchorPathEnv, legacyRootPathEnv); ok {
		if trimmed := strings.TrimSpace(raw); trimmed != "" {
			basePath = trimmed
		}
	}

	path := basePath
	if mode == world.AnchorModeFollowCwd {
		path = cwd
	}

	caged := true
	if raw, ok := os.LookupEnv(cagedEnv); ok {
		if parsed, ok := parseBoolEnv(raw); ok {
			caged = parsed
		}
	}

	return AnchorSettings{Mode: mode, Path: path, Caged: caged}
}

// discoverAnchorSettings resolves a settings record from the env when
// SUBSTRATE_ANCHOR_MODE (or its legacy name) holds a recognised mode, and
// otherwise from the nearest workspace marker above cwd. Nothing in the
// module calls it: cmd/substrate's discoverAnchor builds the record for a
// new shell from the workspace marker alone and ignores the env.
func discoverAnchorSettings(cwd string) AnchorSettings {
	if raw, ok := firstEnv(anchorModeEnv, legacyRootModeEnv); ok {
		if _, ok := world.ParseAnchorMode(raw); ok {
			return anchorSettingsFromEnv(cwd)
		}
	}

	settings := AnchorSettings{Mode: world.AnchorModeProject, Path: cwd, Caged: true}
	if root, ok := policy.FindWorkspaceRoot(cwd); ok {
		settings.Path = root
	}
	return settings
}

// ApplyEnv writes the settings record back to the env so child processes
// and subsequent builtin calls observe it (original_source
// settings/runtime.rs apply_world_root_env).
func (s AnchorSettings) ApplyEnv() {
	mode := string(s.Mode)
	os.Setenv(anchorModeEnv, mode)
	os.Setenv(legacyRootModeEnv, mode)
	os.Setenv(anchorPathEnv, s.Path)
	os.Setenv(legacyRootPathEnv, s.Path)
	if s.Caged {
		os.Setenv(cagedEnv, "1")
	} else {
		os.Setenv(cagedEnv, "0")
	}
}

func firstEnv(keys ...string) (string, bool) {
	for _, k := range keys {
		if v, ok := os.LookupEnv(k); ok {
			return v, true
		}
	}
	return "", false
}

func parseBoolEnv(raw string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	default:
		return false, false
	}
}

// Session is the process-wide identity created when the shell starts
// (spec §3 Session): session id, origin, trace log path, and the
// original (pre-shim) search path, all fixed for the process lifetime.
type Session struct {
	ID                 string
	Origin             Mode
	TraceLogPath       string
	OriginalSearchPath string
	StartedAt          time.Time
	Output             *trace.TraceOutput
}

// NewSession mints a fresh session identity and opens its trace log.
func NewSession(origin Mode, traceLogPath, originalSearchPath string) (*Session, error) {
	ctx, err := trace.Init(traceLogPath)
	if err != nil {
		return nil, fmt.Errorf("init trace context: %w", err)
	}
	return &Session{
		ID:                 trace.NewSessionID(),
		Origin:             origin,
		TraceLogPath:       traceLogPath,
		OriginalSearchPath: originalSearchPath,
		StartedAt:          time.Now(),
		Output:             ctx.Output,
	}, nil
}

// Config assembles everything needed to dispatch one of the four modes
// (spec §4.5). ShimDir is the directory holding interceptor binaries.
type Config struct {
	Mode        Mode
	WrapCommand string // -c <cmd>
	ScriptPath  string // -f <file>
	ShellMode   string // "default" | "user", per ResolveExecutionShell
	Login       bool
	NoWorld     bool
	SkipShims   bool
	ShimDir     string
	Anchor      AnchorSettings
}

// BuildShimmedPath returns "<shimDir><sep><deduped original>", exposing the
// pre-shim value as SHIM_ORIGINAL_PATH (spec §4.5 "Build a shimmed PATH").
// Returns ("", false) when shims are disabled.
func (c Config) BuildShimmedPath(originalPath string) (string, bool) {
	if c.SkipShims || c.NoWorld || c.ShimDir == "" {
		return "", false
	}
	joined := c.ShimDir + string(os.PathListSeparator) + originalPath
	return dedupePath(joined), true
}

// dedupePath removes repeated entries from a PATH-style string, keeping
// the first occurrence's position (original_source substrate_common
// dedupe_path).
func dedupePath(path string) string {
	sep := string(os.PathListSeparator)
	parts := strings.Split(path, sep)
	seen := make(map[string]bool, len(parts))
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		clean := p
		if clean == "" {
			continue
		}
		key := filepath.Clean(clean)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, clean)
	}
	return strings.Join(out, sep)
}

// PrepareEnv builds the environment for the launched shell: shimmed PATH
// (when enabled), the original path preserved for clean lookups, world
// enablement flags, and the anchor settings record.
func (c Config) PrepareEnv(base []string, originalPath string) []string {
	env := append([]string(nil), base...)
	env = setEnvVar(env, shimOriginalPath, originalPath)

	if shimmed, ok := c.BuildShimmedPath(originalPath); ok {
		env = setEnvVar(env, "PATH", shimmed)
		env = setEnvVar(env, noWorldEnv, "enabled")
		env = setEnvVar(env, worldEnabledEnv, "1")
	} else {
		env = setEnvVar(env, noWorldEnv, "disabled")
		env = setEnvVar(env, worldEnabledEnv, "0")
		if c.SkipShims {
			env = setEnvVar(env, noShimsEnv, "1")
		}
	}

	env = setEnvVar(env, anchorModeEnv, string(c.Anchor.Mode))
	env = setEnvVar(env, legacyRootModeEnv, string(c.Anchor.Mode))
	env = setEnvVar(env, anchorPathEnv, c.Anchor.Path)
	env = setEnvVar(env, legacyRootPathEnv, c.Anchor.Path)
	if c.Anchor.Caged {
		env = setEnvVar(env, cagedEnv, "1")
	} else {
		env = setEnvVar(env, cagedEnv, "0")
	}
	return env
}

func setEnvVar(env []string, key, value string) []string {
	prefix := key + "="
	for i, kv := range env {
		if strings.HasPrefix(kv, prefix) {
			env[i] = prefix + value
			return env
		}
	}
	return append(env, prefix+value)
}

// Dispatch launches the configured mode and returns the child's exit
// code. line is the command line for Wrap mode; it is ignored otherwise.
//
// Wrap, Interactive and Pipe modes route through the builtin/anchor-guard
// interception the original's routing layer performs before handing
// anything to the real shell (original_source execution/routing/builtin.rs +
// dispatch/shim_ops.rs::wrap_with_anchor_guard): Wrap mode tries
// HandleBuiltin on the whole line first and, when the line isn't a plain
// builtin, wraps it with the anchor guard; Interactive and Pipe modes have
// no single line to inspect up front, so the guard's cd-redefining preamble
// is injected into the shell's own input stream instead, which has the
// same effect for every line the user or pipe later sends. Script mode
// runs the script file directly, with neither builtin handling nor the
// anchor guard.
func Dispatch(sess *Session, cfg Config) (int, error) {
	shellPath, shellFlag, err := ResolveExecutionShell(cfg.ShellMode, cfg.Login)
	if err != nil {
		return 1, err
	}

	originalPath := cfg.originalSearchPath()

	cwd, err := os.Getwd()
	if err != nil {
		return 1, err
	}

	var (
		args        []string
		pty         bool
		ptyPreamble string
		pipeReader  io.Reader
	)

	streamedPreamble := ""
	if cfg.Anchor.ShouldGuard() {
		streamedPreamble = world.WrapWithAnchorGuard("", cfg.Anchor.AnchorRoot(cwd))
	}

	switch cfg.Mode {
	case ModeInteractive:
		pty = !isPTYDisabled()
	case ModeWrap:
		if !needsExternalShell(cfg.WrapCommand) {
			if result, builtinErr := HandleBuiltin(sess, cfg.Anchor, cfg.WrapCommand); result.Handled {
				logReplStatus(sess, cfg.Mode, result.ExitCode)
				return result.ExitCode, builtinErr
			}
		}
		command := cfg.WrapCommand
		if cfg.Anchor.ShouldGuard() {
			command = world.WrapWithAnchorGuard(command, cfg.Anchor.AnchorRoot(cwd))
		}
		args = []string{shellFlag, command}
		pty = !isPTYDisabled() && needsPTY(strings.Fields(cfg.WrapCommand))
		streamedPreamble = ""
	case ModeScript:
		args = []string{cfg.ScriptPath}
		streamedPreamble = ""
	case ModePipe:
		// streamedPreamble set above.
	default:
		return 1, fmt.Errorf("unknown shell mode %q", cfg.Mode)
	}

	// The guard preamble has nowhere to attach for Interactive/Pipe modes
	// other than the shell's own input stream: a live PTY session gets it
	// typed in as the first line (startCommandWithPTY); a non-PTY session
	// (Pipe mode, or Interactive mode with SUBSTRATE_NO_PTY set) gets it
	// prepended to stdin directly.
	if streamedPreamble != "" {
		if pty {
			ptyPreamble = streamedPreamble
		} else {
			pipeReader = io.MultiReader(strings.NewReader(streamedPreamble), os.Stdin)
		}
	}

	cmd := exec.Command(shellPath, args...)
	cmd.Env = cfg.PrepareEnv(os.Environ(), originalPath)

	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if pipeReader != nil {
		cmd.Stdin = pipeReader
	}

	if pty {
		cleanup, err := startCommandWithPTY(cmd, ptyPreamble)
		if err != nil {
			return 1, err
		}
		defer cleanup()
		err = cmd.Wait()
		code := exitCodeFromWaitErr(cmd, err)
		logReplStatus(sess, cfg.Mode, code)
		return code, nil
	}

	err = cmd.Run()
	code := exitCodeFromWaitErr(cmd, err)
	logReplStatus(sess, cfg.Mode, code)
	return code, nil
}

// logReplStatus emits a repl_status record marking the shell session's
// dispatch mode and exit code, for replay tooling that wants to know how a
// session ended without re-deriving it from the last command span.
func logReplStatus(sess *Session, mode Mode, exitCode int) {
	if sess == nil || sess.Output == nil {
		return
	}
	code := exitCode
	_ = sess.Output.Append(trace.Span{
		SpanID:    trace.NewSpanID(),
		SessionID: sess.ID,
		EventType: trace.EventReplStatus,
		Component: "shell",
		Cmd:       string(mode),
		Ts:        time.Now(),
		ExitCode:  &code,
	})
}

func (c Config) originalSearchPath() string {
	if v := os.Getenv(shimOriginalPath); v != "" {
		return v
	}
	return os.Getenv("PATH")
}

// exitCodeFromWaitErr mirrors the interceptor's exit-code propagation
// (spec §4.1 "propagates the child's exit semantics including signal
// translation (exit = 128 + signal)").
func exitCodeFromWaitErr(cmd *exec.Cmd, err error) int {
	if err == nil {
		if cmd.ProcessState != nil {
			return cmd.ProcessState.ExitCode()
		}
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			return 128 + int(status.Signal())
		}
		return exitErr.ExitCode()
	}
	return 1
}
