// Package trace implements the append-only JSON-lines span writer (C3):
// session/span correlation, rotation, redaction, and the ActiveSpan
// builder used by the interceptor and world backend.
package trace

import (
	"time"

	"github.com/atomize-hq/substrate/internal/policy"
	"github.com/google/uuid"
)

// EventType enumerates the record kinds a trace log carries (spec §4.3).
type EventType string

const (
	EventCommandStart    EventType = "command_start"
	EventCommandComplete EventType = "command_complete"
	EventBuiltinCommand  EventType = "builtin_command"
	EventReplStatus      EventType = "repl_status"
	EventSpanStart       EventType = "span_start"
	EventSpanEnd         EventType = "span_end"
)

// ExecutionOrigin records whether a span's command actually ran on the host
// or inside a world (spec §3 TraceContext, §7 IsolationSetupFailed).
type ExecutionOrigin string

const (
	OriginHost  ExecutionOrigin = "host"
	OriginWorld ExecutionOrigin = "world"
)

// ReplayContext is attached to a finished span when its execution origin
// matters for later replay/regression tooling (spec §3).
type ReplayContext struct {
	ExecutionOrigin ExecutionOrigin `json:"execution_origin"`
}

// FsDiff mirrors original_source's common::FsDiff — the unified diff type
// shared between the trace and world packages (spec §3).
type FsDiff struct {
	Writes      []string          `json:"writes,omitempty"`
	Mods        []string          `json:"mods,omitempty"`
	Deletes     []string          `json:"deletes,omitempty"`
	Truncated   bool              `json:"truncated,omitempty"`
	TreeHash    string            `json:"tree_hash,omitempty"`
	Summary     string            `json:"summary,omitempty"`
	DisplayPath map[string]string `json:"display_path,omitempty"`
}

// IsEmpty reports whether the diff carries no changes.
func (d *FsDiff) IsEmpty() bool {
	return d == nil || (len(d.Writes) == 0 && len(d.Mods) == 0 && len(d.Deletes) == 0)
}

// Span is one record of one command execution (spec §3). It is created via
// a SpanBuilder just before execution and finalized immediately after via
// ActiveSpan.Finish; it is write-once past that point.
type Span struct {
	SpanID       string           `json:"span_id"`
	ParentSpanID string           `json:"parent_span_id,omitempty"`
	SessionID    string           `json:"session_id"`
	EventType    EventType        `json:"event_type"`
	Component    string           `json:"component"`
	Cmd          string           `json:"cmd"`
	Cwd          string           `json:"cwd,omitempty"`
	Ts           time.Time        `json:"ts"`
	StartTs      time.Time        `json:"start_ts,omitempty"`
	ExitCode     *int             `json:"exit_code,omitempty"`
	DurationMs   *int64           `json:"duration_ms,omitempty"`
	PTY          bool             `json:"pty,omitempty"`
	ScopesUsed   []string         `json:"scopes_used,omitempty"`
	FsDiff       *FsDiff          `json:"fs_diff,omitempty"`
	Decision     *policy.Decision `json:"policy_decision,omitempty"`
	Replay       *ReplayContext   `json:"replay_context,omitempty"`
}

// NewSpanID returns a fresh time-ordered span identifier.
func NewSpanID() string { return uuid.Must(uuid.NewV7()).String() }

// NewSessionID returns a fresh time-ordered session identifier.
func NewSessionID() string { return uuid.Must(uuid.NewV7()).String() }

// SpanBuilder accumulates the fields of an in-flight span (spec §4.3
// "create_span_builder().with_command(...).with_cwd(...)... .start()").
type SpanBuilder struct {
	sessionID    string
	parentSpanID string
	component    string
	cmd          string
	cwd          string
	decision     *policy.Decision
}

// NewSpanBuilder seeds a builder for the given session/component.
func NewSpanBuilder(sessionID, component string) *SpanBuilder {
	return &SpanBuilder{sessionID: sessionID, component: component}
}

func (b *SpanBuilder) WithParentSpan(id string) *SpanBuilder { b.parentSpanID = id; return b }
func (b *SpanBuilder) WithCommand(cmd string) *SpanBuilder    { b.cmd = cmd; return b }
func (b *SpanBuilder) WithCwd(cwd string) *SpanBuilder        { b.cwd = cwd; return b }
func (b *SpanBuilder) WithPolicyDecision(d policy.Decision) *SpanBuilder {
	b.decision = &d
	return b
}

// ActiveSpan is a started-but-not-yet-finished span.
type ActiveSpan struct {
	span  Span
	start time.Time
}

// Start begins the span, recording its start timestamp and writing the
// command_start record via output.
func (b *SpanBuilder) Start(output *TraceOutput, pty bool) (*ActiveSpan, error) {
	now := nowFunc()
	active := &ActiveSpan{
		start: now,
		span: Span{
			SpanID:       NewSpanID(),
			ParentSpanID: b.parentSpanID,
			SessionID:    b.sessionID,
			EventType:    EventCommandStart,
			Component:    b.component,
			Cmd:          b.cmd,
			Cwd:          b.cwd,
			Ts:           now,
			StartTs:      now,
			PTY:          pty,
			Decision:     b.decision,
		},
	}
	if output != nil {
		if err := output.Append(active.span); err != nil {
			return active, err
		}
	}
	return active, nil
}

// Finish writes the terminal command_complete record, computing duration
// from the span's recorded start time (spec §8 Testable Property 4:
// command_complete.ts >= command_start.ts, both share span_id, complete
// carries exit_code).
func (s *ActiveSpan) Finish(output *TraceOutput, exitCode int, scopesUsed []string, fsDiff *FsDiff, replay *ReplayContext) error {
	end := nowFunc()
	duration := end.Sub(s.start).Milliseconds()

	final := s.span
	final.EventType = EventCommandComplete
	final.Ts = end
	final.ExitCode = &exitCode
	final.DurationMs = &duration
	final.ScopesUsed = scopesUsed
	final.FsDiff = fsDiff
	final.Replay = replay

	if output == nil {
		return nil
	}
	return output.Append(final)
}

// SpanID returns the identifier assigned at Start, stable through Finish.
func (s *ActiveSpan) SpanID() string { return s.span.SpanID }

// nowFunc exists so tests can freeze time; production code always uses
// time.Now.
var nowFunc = time.Now
