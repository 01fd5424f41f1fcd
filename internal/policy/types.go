// Package policy defines Substrate's declarative policy model: the ruleset
// the broker evaluates every intercepted command against.
package policy

// WorldFsMode controls how restrictive a session world's merged filesystem
// view is for commands executed under this policy.
type WorldFsMode string

const (
	FsModeWritable      WorldFsMode = "writable"
	FsModeReadOnly      WorldFsMode = "read_only"
	FsModeFullIsolation WorldFsMode = "full_isolation"
)

// Isolation describes how broadly a world's filesystem view should be scoped.
type Isolation string

const (
	IsolationProject   Isolation = "project"
	IsolationWorkspace Isolation = "workspace"
	IsolationFull      Isolation = "full"
)

// ResourceLimits caps a world's resource consumption. All fields optional;
// zero means "no limit imposed by this policy".
type ResourceLimits struct {
	MaxMemoryMB    *uint64 `yaml:"max_memory_mb,omitempty" json:"max_memory_mb,omitempty"`
	MaxCPUPercent  *uint32 `yaml:"max_cpu_percent,omitempty" json:"max_cpu_percent,omitempty"`
	MaxRuntimeMs   *uint64 `yaml:"max_runtime_ms,omitempty" json:"max_runtime_ms,omitempty"`
	MaxEgressBytes *uint64 `yaml:"max_egress_bytes,omitempty" json:"max_egress_bytes,omitempty"`
}

// WorldFs groups the world-filesystem-shaped fields of a policy, matching
// the nested `world_fs:` block in the YAML schema (spec §6).
type WorldFs struct {
	Mode          WorldFsMode `yaml:"mode,omitempty" json:"mode,omitempty"`
	Isolation     Isolation   `yaml:"isolation,omitempty" json:"isolation,omitempty"`
	RequireWorld  bool        `yaml:"require_world,omitempty" json:"require_world,omitempty"`
	ReadAllowlist []string    `yaml:"read_allowlist,omitempty" json:"read_allowlist,omitempty"`
	WriteAllowlist []string   `yaml:"write_allowlist,omitempty" json:"write_allowlist,omitempty"`

	// Cage is the legacy alias for Isolation. It is fatal at load time
	// (spec §6, §9 Open Question 1) but the field exists so the strict
	// YAML decoder can recognize the key and produce an actionable error
	// instead of a generic "unknown field" message.
	Cage string `yaml:"cage,omitempty" json:"-"`
}

// Policy is a named ruleset. See spec §3 Data Model and §6 External
// Interfaces for the full field contract.
type Policy struct {
	ID   string `yaml:"id" json:"id"`
	Name string `yaml:"name" json:"name"`

	FsRead  []string `yaml:"fs_read,omitempty" json:"fs_read,omitempty"`
	FsWrite []string `yaml:"fs_write,omitempty" json:"fs_write,omitempty"`

	NetAllowed []string `yaml:"net_allowed,omitempty" json:"net_allowed,omitempty"`

	CmdAllowed  []string `yaml:"cmd_allowed,omitempty" json:"cmd_allowed,omitempty"`
	CmdDenied   []string `yaml:"cmd_denied,omitempty" json:"cmd_denied,omitempty"`
	CmdIsolated []string `yaml:"cmd_isolated,omitempty" json:"cmd_isolated,omitempty"`

	RequireApproval     bool `yaml:"require_approval,omitempty" json:"require_approval,omitempty"`
	AllowShellOperators bool `yaml:"allow_shell_operators,omitempty" json:"allow_shell_operators,omitempty"`

	WorldFs WorldFs `yaml:"world_fs,omitempty" json:"world_fs,omitempty"`

	// WorldFsMode mirrors WorldFs.Mode for callers that only care about the
	// flattened field named in spec §3 ("world_fs_mode ∈ {writable,
	// read_only, full_isolation}"). Populated by Finalize after load.
	WorldFsMode WorldFsMode `yaml:"-" json:"world_fs_mode,omitempty"`

	Limits *ResourceLimits `yaml:"limits,omitempty" json:"limits,omitempty"`

	Metadata map[string]string `yaml:"metadata,omitempty" json:"metadata,omitempty"`
}

// Default returns the built-in fallback policy (original_source
// crates/broker/src/policy.rs Policy::default).
func Default() *Policy {
	return &Policy{
		ID:                  "default",
		Name:                "Default Policy",
		FsRead:              []string{"*"},
		FsWrite:             nil,
		NetAllowed:          nil,
		CmdAllowed:          nil,
		CmdDenied:           []string{"rm -rf /*", "curl * | bash", "wget * | bash"},
		CmdIsolated:         []string{"npm install", "pip install", "cargo install"},
		RequireApproval:     false,
		AllowShellOperators: true,
		WorldFs: WorldFs{
			Mode: FsModeWritable,
		},
		WorldFsMode: FsModeWritable,
	}
}

// Finalize normalizes derived fields after a Policy is decoded or merged:
// it mirrors WorldFs.Mode onto WorldFsMode and defaults an empty mode to
// writable.
func (p *Policy) Finalize() {
	if p.WorldFs.Mode == "" {
		p.WorldFs.Mode = FsModeWritable
	}
	p.WorldFsMode = p.WorldFs.Mode
}

// Decision is the outcome of evaluating a command against a policy.
type Decision struct {
	Action       DecisionAction `json:"action"`
	Restrictions []Restriction  `json:"restrictions,omitempty"`
	Reason       string         `json:"reason,omitempty"`
}

type DecisionAction string

const (
	DecisionAllow               DecisionAction = "allow"
	DecisionAllowWithRestrictions DecisionAction = "allow_with_restrictions"
	DecisionDeny                DecisionAction = "deny"
)

// Allow is the zero-restriction Allow decision.
func Allow() Decision { return Decision{Action: DecisionAllow} }

// Deny builds a Deny decision carrying a human-readable reason.
func Deny(reason string) Decision {
	return Decision{Action: DecisionDeny, Reason: reason}
}

// AllowWithRestrictions builds an AllowWithRestrictions decision.
func AllowWithRestrictions(restrictions ...Restriction) Decision {
	return Decision{Action: DecisionAllowWithRestrictions, Restrictions: restrictions}
}

// IsDenyOrRestricted reports whether the decision is anything other than a
// plain Allow — used to check Testable Property 1 (spec §8).
func (d Decision) IsDenyOrRestricted() bool {
	return d.Action == DecisionDeny || d.Action == DecisionAllowWithRestrictions
}

type RestrictionType string

const (
	RestrictionIsolatedWorld RestrictionType = "IsolatedWorld"
	RestrictionOverlayFS     RestrictionType = "OverlayFS"
	RestrictionNetworkFilter RestrictionType = "NetworkFilter"
	RestrictionResourceLimit RestrictionType = "ResourceLimit"
	RestrictionCapability    RestrictionType = "Capability"
)

// Restriction is a tagged (type, value) pair attached to an
// AllowWithRestrictions decision.
type Restriction struct {
	Type  RestrictionType `json:"type"`
	Value string          `json:"value"`
}
