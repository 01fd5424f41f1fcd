// Package world implements the Linux world execution backend (C4): overlay
// or FUSE filesystem isolation, network namespaces with DNS-pinned egress
// allowlisting, cgroup v2 resource limits, and filesystem-diff computation
// for completed spans.
package world

import (
	"errors"
	"time"

	"github.com/atomize-hq/substrate/internal/policy"
	"github.com/atomize-hq/substrate/internal/trace"
)

// FsMode selects how aggressively a world's filesystem view diverges from
// the host (spec §4.4, mirrors policy.WorldFsMode).
type FsMode = policy.WorldFsMode

// Strategy names the overlay implementation actually mounted for a world.
type Strategy string

const (
	StrategyOverlay Strategy = "overlay"
	StrategyFuse    Strategy = "fuse"
	StrategyHost    Strategy = "host"
)

func (s Strategy) String() string { return string(s) }

// FallbackReason explains why the final strategy differs from the primary
// one requested, surfaced in span metadata for observability.
type FallbackReason string

const (
	FallbackNone               FallbackReason = "none"
	FallbackPrimaryMountFailed FallbackReason = "primary_mount_failed"
	FallbackPrimaryProbeFailed FallbackReason = "primary_probe_failed"
	FallbackFuseMountFailed    FallbackReason = "fallback_mount_failed"
	FallbackFuseProbeFailed    FallbackReason = "fallback_probe_failed"
	FallbackUnavailable        FallbackReason = "fallback_unavailable"
)

func (r FallbackReason) String() string { return string(r) }

// ProbeResult is pass/fail for the enumeration probe.
type ProbeResult string

const (
	ProbePass ProbeResult = "pass"
	ProbeFail ProbeResult = "fail"
)

// StrategyProbe records the outcome of the mandatory enumeration probe run
// against a mounted overlay before it is trusted (ADR-style contract ported
// from original_source overlayfs/strategy.rs).
type StrategyProbe struct {
	ID            string
	ProbeFile     string
	Result        ProbeResult
	FailureReason string
}

// StrategyMeta is recorded per world_id so later spans can report which
// strategy actually backs their filesystem view.
type StrategyMeta struct {
	Primary        Strategy
	FinalStrategy  Strategy
	FallbackReason FallbackReason
	Probe          StrategyProbe
}

// Spec describes the world a caller wants executed against (spec §4.4).
type Spec struct {
	ProjectDir      string
	FsMode          FsMode
	AllowedDomains  []string
	ReuseSession    bool
	AlwaysIsolate   bool
	ResourceLimits  policy.ResourceLimits
	AnchorMode      string
}

// Handle is the opaque reference returned to callers after a world is
// ensured; it never carries live resources so it is cheap to pass around.
type Handle struct {
	ID string
}

// ExecRequest asks a world to run one command.
type ExecRequest struct {
	Cmd    string
	Cwd    string
	Env    map[string]string
	PTY    bool
	SpanID string
}

// ExecResult reports the outcome of one world-executed command.
type ExecResult struct {
	ExitCode int
	FsDiff   trace.FsDiff
	Duration time.Duration
}

// Error taxonomy (spec §7 IsolationSetupFailed family). Backends return one
// of these sentinel-wrapped errors so callers (and the shim's exit-code
// translation) can distinguish setup failure classes.
var (
	ErrMountFailed       = errors.New("world: mount failed")
	ErrNetnsUnavailable  = errors.New("world: network namespace unavailable")
	ErrCgroupsUnavailable = errors.New("world: cgroups unavailable")
	ErrPolicyViolation   = errors.New("world: policy violation")
	ErrSpawnFailed       = errors.New("world: spawn failed")
	ErrTimeout           = errors.New("world: timeout")
	ErrBackendUnavailable = errors.New("world: backend unavailable on this platform")
	ErrStrategyUnavailable = errors.New("world: WORLD_FS_STRATEGY_UNAVAILABLE")
	ErrWorldNotFound     = errors.New("world: not found in session cache")
)

// Backend is the dynamic-dispatch seam between the shell/broker layer and a
// concrete OS implementation (spec §9: "the world backend is selected once
// per process and dispatched through an interface, never a type switch in
// the hot path"). Only one real implementation exists (Linux); other
// platforms get BackendUnavailable.
type Backend interface {
	EnsureSession(spec Spec) (Handle, error)
	Exec(handle Handle, req ExecRequest) (ExecResult, error)
	FsDiff(handle Handle, spanID string) (trace.FsDiff, error)
	ApplyPolicy(handle Handle, spec Spec) error
	Teardown(handle Handle) error
}
