// Package shimrun implements the testable core of the interceptor (C1): the
// control flow cmd/substrate-shim's main wraps in an os.Exit call. It is
// grounded on original_source/crates/shim/src/exec/mod.rs's run_shim and
// exec/policy.rs's evaluate_policy, adapted to Go's broker/trace/resolver
// packages and to the agentsock IPC bridge a long-lived shell process
// serves its world backend over.
package shimrun

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/atomize-hq/substrate/internal/agentsock"
	"github.com/atomize-hq/substrate/internal/broker"
	"github.com/atomize-hq/substrate/internal/policy"
	"github.com/atomize-hq/substrate/internal/resolver"
	"github.com/atomize-hq/substrate/internal/trace"
	"github.com/atomize-hq/substrate/internal/world"
)

const (
	bypassEnv          = "SUBSTRATE_SHIM_BYPASS"
	recursionGuardEnv  = "SUBSTRATE_SHIM_ACTIVE"
	originalPathEnv    = "SHIM_ORIGINAL_PATH"
	worldEnabledEnv    = "SUBSTRATE_WORLD_ENABLED"
	sessionIDEnv       = "SUBSTRATE_SESSION_ID"
	parentSpanEnv      = "SHIM_PARENT_SPAN"
	traceLogEnv        = "SHIM_TRACE_LOG"
)

// bypass, original path discovery, and the trace/broker/resolver sequencing
// below all read the ambient environment directly via os.Getenv rather than
// an injected map, matching internal/shell/driver.go's convention of
// re-deriving settings from env on every invocation.

// Run executes one intercepted command end to end and returns the process
// exit code the caller should use (spec §4.1). argv0 is the name the
// interceptor was invoked as (a command-named symlink); argvTail is the
// remaining arguments. It is never called re-entrantly within the same
// environment: SUBSTRATE_SHIM_ACTIVE guards against a shimmed PATH leaking
// into a command the shim itself spawns.
func Run(argv0 string, argvTail []string) int {
	cmdName := filepath.Base(argv0)

	if os.Getenv(bypassEnv) != "" || os.Getenv(recursionGuardEnv) != "" {
		return runBypass(cmdName, argvTail)
	}

	cwd, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "substrate: %v\n", err)
		return 1
	}

	searchPaths := filepath.SplitList(originalSearchPath())

	traceCtx, err := trace.Init(os.Getenv(traceLogEnv))
	if err != nil {
		fmt.Fprintf(os.Stderr, "substrate: warn: trace init failed: %v\n", err)
	}
	var output *trace.TraceOutput
	if traceCtx != nil {
		output = traceCtx.Output
	}

	pol, polPath, err := policy.LoadEffectiveForCwd(cwd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "substrate: policy load failed: %v\n", err)
		return 2
	}

	br, err := broker.Init(polPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "substrate: policy load failed: %v\n", err)
		return 2
	}
	_ = br.DetectAndLoadProfile(cwd)
	if loaded := br.CurrentPolicy(); loaded != nil {
		pol = loaded
	}

	argv := append([]string{cmdName}, argvTail...)
	cmdStr := joinArgv(argv)

	if quick := br.QuickCheck(argv, cwd); quick.Action == policy.DecisionDeny {
		logDeniedSpan(output, cwd, cmdStr, quick)
		return 126
	}

	decision, err := br.Evaluate(cmdStr, cwd, "", nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "substrate: approval failed: %v\n", err)
		return 2
	}
	if decision.Action == policy.DecisionDeny {
		logDeniedSpan(output, cwd, cmdStr, decision)
		return 126
	}

	builder := trace.NewSpanBuilder(sessionID(), "shim").
		WithCommand(cmdStr).
		WithCwd(cwd).
		WithPolicyDecision(decision)
	if parent := os.Getenv(parentSpanEnv); parent != "" {
		builder = builder.WithParentSpan(parent)
	}

	span, spanErr := builder.Start(output, false)
	if spanErr != nil {
		fmt.Fprintf(os.Stderr, "substrate: warn: failed to start span: %v\n", spanErr)
	}
	if span != nil {
		os.Setenv(parentSpanEnv, span.SpanID())
		defer os.Unsetenv(parentSpanEnv)
	}

	hints := resolver.NewManagerHintEngine()
	captureStderr := hints.IsActive()

	var (
		exitCode       int
		scopesUsed     []string
		fsDiff         *trace.FsDiff
		origin         = trace.OriginHost
		capturedStderr string
		runErr         error
	)

	if routeToWorld(decision, pol) {
		exitCode, fsDiff, runErr = execInWorld(cmdStr, cwd, argv, pol, decision, span)
		origin = trace.OriginWorld
		if runErr != nil {
			if pol.WorldFs.RequireWorld {
				fmt.Fprintf(os.Stderr, "substrate: world execution required but unavailable: %v\n", runErr)
				finishSpan(span, output, 2, scopesUsed, fsDiff, origin)
				return 2
			}
			fmt.Fprintf(os.Stderr, "substrate: warn: world unavailable, falling back to host: %v\n", runErr)
			origin = trace.OriginHost
			exitCode, capturedStderr, runErr = execOnHost(cmdName, argvTail, searchPaths, captureStderr)
		}
	} else {
		exitCode, capturedStderr, runErr = execOnHost(cmdName, argvTail, searchPaths, captureStderr)
	}

	if runErr != nil {
		if runErr == errCommandNotFound {
			fmt.Fprintf(os.Stderr, "substrate: %s: command not found\n", cmdName)
			finishSpan(span, output, 127, scopesUsed, fsDiff, origin)
			return 127
		}
		fmt.Fprintf(os.Stderr, "substrate: %s: %v\n", cmdName, runErr)
		finishSpan(span, output, 1, scopesUsed, fsDiff, origin)
		return 1
	}

	if hints.IsActive() && exitCode != 0 && capturedStderr != "" {
		if match := hints.Evaluate(capturedStderr); match != nil {
			fmt.Fprintln(os.Stderr, match.PrintHint())
		}
	}

	finishSpan(span, output, exitCode, scopesUsed, fsDiff, origin)
	return exitCode
}

var errCommandNotFound = fmt.Errorf("command not found")

// execOnHost resolves cmdName on searchPaths and runs it directly, forwarding
// stdio (spec §4.1 steps 5-6: resolve, execute).
func execOnHost(cmdName string, argvTail []string, searchPaths []string, captureStderr bool) (int, string, error) {
	target, ok := resolver.Resolve(cmdName, searchPaths)
	if !ok {
		return 127, "", errCommandNotFound
	}

	os.Setenv(recursionGuardEnv, "1")
	defer os.Unsetenv(recursionGuardEnv)

	result, err := resolver.Execute(target, argvTail, os.Environ(), captureStderr)
	if err != nil {
		return 1, "", err
	}
	return result.ExitStatus, result.CapturedStderr, nil
}

// execInWorld dials the shell session's agent socket and runs cmd inside the
// shared world session, falling back is the caller's responsibility (spec
// §4.4 "AllowWithRestrictions{IsolatedWorld} routes a command into a
// session's world rather than directly onto the host").
func execInWorld(cmdStr, cwd string, argv []string, pol *policy.Policy, decision policy.Decision, span *trace.ActiveSpan) (int, *trace.FsDiff, error) {
	home, err := policy.SubstrateHome()
	if err != nil {
		return 0, nil, err
	}
	client := agentsock.NewClient(agentsock.SocketPath(home))
	if !client.Reachable() {
		return 0, nil, fmt.Errorf("agent socket unreachable")
	}

	ephemeral := isEphemeral(decision)
	spec := world.Spec{
		ProjectDir:     cwd,
		FsMode:         pol.WorldFsMode,
		AllowedDomains: pol.NetAllowed,
		ReuseSession:   !ephemeral,
		AlwaysIsolate:  pol.WorldFs.RequireWorld,
		AnchorMode:     os.Getenv("SUBSTRATE_ANCHOR_MODE"),
	}
	if pol.Limits != nil {
		spec.ResourceLimits = *pol.Limits
	}

	handle, err := client.EnsureSession(spec)
	if err != nil {
		return 0, nil, err
	}

	var spanID string
	if span != nil {
		spanID = span.SpanID()
	}

	result, err := client.Exec(handle, world.ExecRequest{
		Cmd:    cmdStr,
		Cwd:    cwd,
		Env:    envMap(os.Environ()),
		SpanID: spanID,
	})
	if err != nil {
		return 0, nil, err
	}

	if ephemeral {
		_ = client.Teardown(handle)
	}

	diff := result.FsDiff
	return result.ExitCode, &diff, nil
}

// runBypass skips policy evaluation and span creation entirely: either the
// caller explicitly requested SUBSTRATE_SHIM_BYPASS, or this invocation is
// itself a child of a command the shim already evaluated and must not be
// re-evaluated (spec §4.1 "the shim never shims its own children").
func runBypass(cmdName string, argvTail []string) int {
	searchPaths := filepath.SplitList(originalSearchPath())
	target, ok := resolver.Resolve(cmdName, searchPaths)
	if !ok {
		fmt.Fprintf(os.Stderr, "substrate: %s: command not found\n", cmdName)
		return 127
	}
	result, err := resolver.Execute(target, argvTail, os.Environ(), false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "substrate: %s: %v\n", cmdName, err)
		return 1
	}
	return result.ExitStatus
}

// routeToWorld decides whether a command should run inside a world rather
// than on the host: the broker's decision carries an IsolatedWorld
// restriction, or the effective policy mandates world execution outright,
// and the shell session actually has world routing enabled.
func routeToWorld(decision policy.Decision, pol *policy.Policy) bool {
	if os.Getenv(worldEnabledEnv) != "1" {
		return false
	}
	if pol.WorldFs.RequireWorld {
		return true
	}
	for _, r := range decision.Restrictions {
		if r.Type == policy.RestrictionIsolatedWorld {
			return true
		}
	}
	return false
}

func isEphemeral(decision policy.Decision) bool {
	for _, r := range decision.Restrictions {
		if r.Type == policy.RestrictionIsolatedWorld {
			return r.Value == "ephemeral"
		}
	}
	return false
}

// originalSearchPath reads the pre-shim PATH the supervising shell exported
// (spec §4.1 resolve: "must search the non-shimmed PATH to avoid resolving
// back to itself"), falling back to stripping the running executable's own
// directory out of the current PATH when the shell never set it (e.g. the
// interceptor was invoked directly rather than through a shimmed shell).
func originalSearchPath() string {
	if v := os.Getenv(originalPathEnv); v != "" {
		return v
	}

	current := os.Getenv("PATH")
	self, err := os.Executable()
	if err != nil {
		return current
	}
	selfDir := filepath.Dir(self)

	parts := filepath.SplitList(current)
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		if filepath.Clean(p) == filepath.Clean(selfDir) {
			continue
		}
		kept = append(kept, p)
	}
	return strings.Join(kept, string(os.PathListSeparator))
}

func sessionID() string {
	if v := os.Getenv(sessionIDEnv); v != "" {
		return v
	}
	return trace.NewSessionID()
}

func joinArgv(argv []string) string {
	return strings.Join(argv, " ")
}

func envMap(environ []string) map[string]string {
	out := make(map[string]string, len(environ))
	for _, kv := range environ {
		if idx := strings.IndexByte(kv, '='); idx >= 0 {
			out[kv[:idx]] = kv[idx+1:]
		}
	}
	return out
}

func logDeniedSpan(output *trace.TraceOutput, cwd, cmdStr string, decision policy.Decision) {
	fmt.Fprintf(os.Stderr, "substrate: denied: %s\n", decision.Reason)
	builder := trace.NewSpanBuilder(sessionID(), "shim").
		WithCommand(cmdStr).
		WithCwd(cwd).
		WithPolicyDecision(decision)
	span, err := builder.Start(output, false)
	if err != nil || span == nil {
		return
	}
	_ = span.Finish(output, 126, nil, nil, &trace.ReplayContext{ExecutionOrigin: trace.OriginHost})
}

func finishSpan(span *trace.ActiveSpan, output *trace.TraceOutput, exitCode int, scopesUsed []string, fsDiff *trace.FsDiff, origin trace.ExecutionOrigin) {
	if span == nil {
		return
	}
	if err := span.Finish(output, exitCode, scopesUsed, fsDiff, &trace.ReplayContext{ExecutionOrigin: origin}); err != nil {
		fmt.Fprintf(os.Stderr, "substrate: warn: failed to finish span: %v\n", err)
	}
}
