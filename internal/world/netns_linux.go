//go:build linux

package world

import (
	"fmt"
	"os/exec"
)

// NetNs wraps a named Linux network namespace managed via iproute2. Best
// effort only: callers degrade gracefully on privilege or availability
// issues rather than failing the whole world (original_source netns.rs).
type NetNs struct {
	name   string
	active bool
}

// NewNetNs names but does not yet create a namespace.
func NewNetNs(name string) *NetNs { return &NetNs{name: name} }

func (n *NetNs) Name() string    { return n.name }
func (n *NetNs) IsActive() bool  { return n.active }

// IPAvailable reports whether the `ip` binary is on PATH.
func IPAvailable() bool {
	_, err := exec.LookPath("ip")
	return err == nil
}

// Add creates the named namespace.
func (n *NetNs) Add() error {
	if err := exec.Command("ip", "netns", "add", n.name).Run(); err != nil {
		return fmt.Errorf("ip netns add %s: %w", n.name, err)
	}
	n.active = true
	return nil
}

// LoUp brings the namespace's loopback interface up.
func (n *NetNs) LoUp() error {
	if !n.active {
		return fmt.Errorf("netns %s not active", n.name)
	}
	if err := exec.Command("ip", "-n", n.name, "link", "set", "lo", "up").Run(); err != nil {
		return fmt.Errorf("ip -n %s link set lo up: %w", n.name, err)
	}
	return nil
}

// Delete removes the namespace, best-effort.
func (n *NetNs) Delete() error {
	if !n.active {
		return nil
	}
	_ = exec.Command("ip", "netns", "delete", n.name).Run()
	n.active = false
	return nil
}
