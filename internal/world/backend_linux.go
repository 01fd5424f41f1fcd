//go:build linux

package world

import (
	"fmt"
	"sync"

	"github.com/atomize-hq/substrate/internal/trace"
)

// LinuxBackend implements Backend using namespaces, overlayfs/FUSE, cgroups
// v2, and nftables (original_source crates/world/src/lib.rs LinuxLocalBackend).
type LinuxBackend struct {
	mu    sync.RWMutex
	cache map[string]*SessionWorld
}

// NewLinuxBackend constructs an empty-cache backend.
func NewLinuxBackend() *LinuxBackend {
	return &LinuxBackend{cache: make(map[string]*SessionWorld)}
}

// EnsureSession returns an existing cached world when spec.ReuseSession is
// set and one exists, else starts a new one (lib.rs ensure_session).
func (b *LinuxBackend) EnsureSession(spec Spec) (Handle, error) {
	if spec.ReuseSession {
		b.mu.RLock()
		for _, w := range b.cache {
			id := w.ID
			b.mu.RUnlock()
			return Handle{ID: id}, nil
		}
		b.mu.RUnlock()
	}

	world, err := StartSessionWorld(spec)
	if err != nil {
		return Handle{}, fmt.Errorf("create session world: %w", err)
	}

	b.mu.Lock()
	b.cache[world.ID] = world
	b.mu.Unlock()

	return Handle{ID: world.ID}, nil
}

func (b *LinuxBackend) get(id string) (*SessionWorld, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	w, ok := b.cache[id]
	if !ok {
		return nil, ErrWorldNotFound
	}
	return w, nil
}

func (b *LinuxBackend) Exec(handle Handle, req ExecRequest) (ExecResult, error) {
	w, err := b.get(handle.ID)
	if err != nil {
		return ExecResult{}, err
	}
	return w.Execute(req)
}

func (b *LinuxBackend) FsDiff(handle Handle, spanID string) (trace.FsDiff, error) {
	w, err := b.get(handle.ID)
	if err != nil {
		return trace.FsDiff{}, err
	}
	return w.ComputeFsDiff(spanID)
}

func (b *LinuxBackend) ApplyPolicy(handle Handle, spec Spec) error {
	w, err := b.get(handle.ID)
	if err != nil {
		return err
	}
	return w.ApplyPolicy(spec)
}

// Teardown stops and evicts a cached world (not present in the original
// lib.rs, which relies on process exit — the shim's interceptor model runs
// one process per command, so this is a SPEC_FULL.md supplement needed for
// long-lived `substrate shell` sessions that must release a world early).
func (b *LinuxBackend) Teardown(handle Handle) error {
	b.mu.Lock()
	w, ok := b.cache[handle.ID]
	if ok {
		delete(b.cache, handle.ID)
	}
	b.mu.Unlock()
	if !ok {
		return nil
	}
	return w.Close()
}
