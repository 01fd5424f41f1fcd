//go:build !linux

package world

import "github.com/atomize-hq/substrate/internal/trace"

// StubBackend reports BackendUnavailable for every operation on non-Linux
// hosts (spec §4.4 Non-goals: "world isolation is Linux-only").
type StubBackend struct{}

// NewLinuxBackend keeps the constructor name stable across build tags so
// callers never need a platform switch.
func NewLinuxBackend() *StubBackend { return &StubBackend{} }

func (b *StubBackend) EnsureSession(spec Spec) (Handle, error) {
	return Handle{}, ErrBackendUnavailable
}

func (b *StubBackend) Exec(handle Handle, req ExecRequest) (ExecResult, error) {
	return ExecResult{}, ErrBackendUnavailable
}

func (b *StubBackend) FsDiff(handle Handle, spanID string) (trace.FsDiff, error) {
	return trace.FsDiff{}, ErrBackendUnavailable
}

func (b *StubBackend) ApplyPolicy(handle Handle, spec Spec) error {
	return ErrBackendUnavailable
}

func (b *StubBackend) Teardown(handle Handle) error { return nil }
