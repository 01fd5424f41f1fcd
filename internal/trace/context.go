package trace

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Context is the ambient, process-wide trace state (spec §3 TraceContext):
// the active log path and optional transport metadata, re-initialized once
// per shell invocation.
type Context struct {
	Output       *TraceOutput
	TransportMeta map[string]string
}

var (
	globalMu  sync.Mutex
	globalCtx *Context
)

// Init installs the process-wide trace context, opening the trace log at
// path (if path is empty: $SHIM_TRACE_LOG when set, else
// $SUBSTRATE_HOME/trace.jsonl). Idempotent: a
// second call returns the already-installed context (spec §4.3 init_trace,
// spec §9 "global singletons... set-once holders with explicit init
// functions").
func Init(path string) (*Context, error) {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalCtx != nil {
		return globalCtx, nil
	}

	resolved := path
	if resolved == "" {
		resolved = os.Getenv("SHIM_TRACE_LOG")
	}
	if resolved == "" {
		home, err := defaultSubstrateHome()
		if err != nil {
			return nil, err
		}
		resolved = filepath.Join(home, "trace.jsonl")
	}

	out, err := InitTrace(resolved)
	if err != nil {
		return nil, err
	}

	globalCtx = &Context{Output: out}
	return globalCtx, nil
}

// Get returns the installed context, or nil if Init has not run.
func Get() *Context {
	globalMu.Lock()
	defer globalMu.Unlock()
	return globalCtx
}

// ResetForTest clears the global singleton. Test-only.
func ResetForTest() {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalCtx != nil && globalCtx.Output != nil {
		_ = globalCtx.Output.Close()
	}
	globalCtx = nil
}

func defaultSubstrateHome() (string, error) {
	if home := os.Getenv("SUBSTRATE_HOME"); home != "" {
		return home, nil
	}
	userHome, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve SUBSTRATE_HOME: %w", err)
	}
	return filepath.Join(userHome, ".substrate"), nil
}
