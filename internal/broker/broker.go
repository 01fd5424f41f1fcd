package broker

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/atomize-hq/substrate/internal/policy"
)

// Broker is the process-wide policy evaluator (spec §4.2). All public
// methods are safe for concurrent use; getters degrade to safe defaults
// rather than panicking on an unlikely lock failure, matching
// original_source's "let Ok(policy) = ... else { return default }" idiom
// (Go's sync.RWMutex cannot be poisoned the way a Rust RwLock can, so the
// degrade path here exists for forward-compatibility with that contract
// rather than a reachable failure mode).
type Broker struct {
	mu      sync.RWMutex
	current *policy.Policy

	approvals *ApprovalCache

	observeOnly atomic.Bool

	profileDetector *ProfileDetector
}

// New returns a Broker seeded with the built-in default policy and started
// in observe mode (original_source broker.rs Broker::new).
func New() *Broker {
	b := &Broker{
		current:         policy.Default(),
		approvals:       NewApprovalCache(),
		profileDetector: NewProfileDetector(),
	}
	b.observeOnly.Store(true)
	return b
}

var (
	globalMu     sync.Mutex
	globalBroker *Broker
)

// Init installs the process-wide Broker singleton if one is not already
// installed, loading path (if non-empty) and applying SUBSTRATE_POLICY_MODE
// from the environment (spec §4.2 initialize). Idempotent: once an instance
// is installed, later calls return it with a nil error and ignore path; a
// failed load installs nothing, so the next call starts over.
func Init(path string) (*Broker, error) {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalBroker != nil {
		return globalBroker, nil
	}

	b := New()
	if path != "" {
		if err := b.LoadPolicy(path); err != nil {
			return nil, err
		}
	}
	b.SetObserveOnly(ModeFromEnv() != ModeEnforce)
	globalBroker = b
	return b, nil
}

// Get returns the installed singleton, or nil if Init has not run yet
// (spec §7 BrokerUnavailable).
func Get() *Broker {
	globalMu.Lock()
	defer globalMu.Unlock()
	return globalBroker
}

// ResetForTest clears the global singleton. Test-only.
func ResetForTest() {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalBroker = nil
}

// LoadPolicy reads and atomically swaps in a policy document. Parse errors
// are fatal to the load but never clobber the previously active policy
// (spec §4.2 error handling; original_source broker.rs load_policy).
func (b *Broker) LoadPolicy(path string) error {
	newPolicy, err := policy.LoadFromPath(path)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.current = newPolicy
	b.mu.Unlock()
	return nil
}

// ReloadPolicy is an alias for LoadPolicy used by the hot-reload watcher
// and the explicit `substrate policy reload` operation (spec §4.2).
func (b *Broker) ReloadPolicy(path string) error {
	return b.LoadPolicy(path)
}

// DetectAndLoadProfile walks upward from cwd for a project profile and, if
// found, loads it as the active policy (spec §4.2 detect_profile).
func (b *Broker) DetectAndLoadProfile(cwd string) error {
	path, found, err := b.profileDetector.FindProfile(cwd)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	return b.LoadPolicy(path)
}

// snapshot returns a read-locked copy of the pointer to the current policy.
// Safe because Policy is treated as immutable once installed by LoadPolicy.
func (b *Broker) snapshot() *policy.Policy {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.current
}

// QuickCheck is the deny-only fast path used by the interceptor before it
// has created a span (spec §4.1, §4.2). In observe mode a matching deny
// pattern is logged but never denies (Testable Property 1 still holds:
// neither QuickCheck nor Evaluate returns Deny once observe is on).
func (b *Broker) QuickCheck(argv []string, cwd string) policy.Decision {
	cmd := joinArgv(argv)
	p := b.snapshot()

	denied := policy.MatchAny(cmd, p.CmdDenied, warnInvalidPattern)
	if denied {
		if !b.observeOnly.Load() {
			return policy.Deny("Command denied by policy")
		}
		fmt.Fprintf(os.Stderr, "[substrate:broker] [OBSERVE] would deny in quick_check: %s\n", cmd)
	}
	return policy.Allow()
}

// Evaluate performs the full evaluation order from spec §4.2: deny
// patterns, then allowlist (when non-empty), then isolation patterns
// (always returns AllowWithRestrictions regardless of mode, since routing
// to an isolated world is not itself an enforcement action), then
// interactive approval when require_approval is set and not observing
// (original_source broker.rs evaluate).
func (b *Broker) Evaluate(cmd, cwd string, worldID string, prompter InteractivePrompter) (policy.Decision, error) {
	p := b.snapshot()

	if policy.MatchAny(cmd, p.CmdDenied, warnInvalidPattern) {
		if !b.observeOnly.Load() {
			logViolation(cmd, "Command explicitly denied")
			return policy.Deny("Command explicitly denied"), nil
		}
		fmt.Fprintf(os.Stderr, "[substrate:broker] [OBSERVE] would deny command: %s\n", cmd)
	}

	if len(p.CmdAllowed) > 0 && !policy.MatchAny(cmd, p.CmdAllowed, warnInvalidPattern) {
		if !b.observeOnly.Load() {
			logViolation(cmd, "Command not in allowlist")
			return policy.Deny("Command not explicitly allowed"), nil
		}
		fmt.Fprintf(os.Stderr, "[substrate:broker] [OBSERVE] would deny command: %s (not in allowlist)\n", cmd)
	}

	if policy.MatchAny(cmd, p.CmdIsolated, warnInvalidPattern) {
		return policy.AllowWithRestrictions(policy.Restriction{
			Type:  policy.RestrictionIsolatedWorld,
			Value: "ephemeral",
		}), nil
	}

	if p.RequireApproval && !b.observeOnly.Load() {
		switch b.approvals.Check(cmd) {
		case StatusApproved:
			// pre-approved, fall through to Allow
		case StatusDenied:
			return policy.Deny("User denied approval"), nil
		case StatusUnknown:
			ctx := NewApprovalContext(cmd, cwd)
			approved, err := RequestInteractiveApproval(cmd, ctx, b.approvals, prompter)
			if err != nil {
				return policy.Decision{}, err
			}
			if !approved {
				return policy.Deny("User denied approval"), nil
			}
		}
	}

	return policy.Allow(), nil
}

// SetObserveOnly flips enforcement mode.
func (b *Broker) SetObserveOnly(observe bool) {
	b.observeOnly.Store(observe)
}

// IsObserveOnly reports the current enforcement mode.
func (b *Broker) IsObserveOnly() bool {
	return b.observeOnly.Load()
}

// AllowedDomains returns the active policy's net_allowed list, degrading to
// empty rather than panicking (spec §4.2 accessors).
func (b *Broker) AllowedDomains() []string {
	p := b.snapshot()
	if p == nil {
		return nil
	}
	return append([]string(nil), p.NetAllowed...)
}

// WorldFsMode returns the active policy's world_fs_mode, degrading to
// writable.
func (b *Broker) WorldFsMode() policy.WorldFsMode {
	p := b.snapshot()
	if p == nil {
		return policy.FsModeWritable
	}
	return p.WorldFsMode
}

// CurrentPolicy returns a copy-free reference to the active policy for
// read-only inspection by callers (e.g. `substrate policy show`).
func (b *Broker) CurrentPolicy() *policy.Policy {
	return b.snapshot()
}

// Approvals exposes the approval cache for the interceptor's interactive
// flow.
func (b *Broker) Approvals() *ApprovalCache {
	return b.approvals
}

func joinArgv(argv []string) string {
	out := ""
	for i, a := range argv {
		if i > 0 {
			out += " "
		}
		out += a
	}
	return out
}

func warnInvalidPattern(pattern string, err error) {
	fmt.Fprintf(os.Stderr, "[substrate:broker] warn: %v\n", err)
}

func logViolation(cmd, reason string) {
	fmt.Fprintf(os.Stderr, "[substrate:broker] policy violation: %s - command: %s\n", reason, cmd)
}
