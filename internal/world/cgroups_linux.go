//go:build linux

package world

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/atomize-hq/substrate/internal/policy"
)

const cgroupBaseDir = "/sys/fs/cgroup/substrate"

// defaultPidsMax caps a world's process count even when a policy sets no
// explicit limit; policy.ResourceLimits carries no pids field of its own
// (spec §6 exposes only memory/cpu/runtime/egress), but spec §4.4.3 still
// requires pids.max to be written for every world.
const defaultPidsMax = 512

// cpuPeriodUs is the period half of cgroup v2's "<quota> <period>" cpu.max
// pair, fixed at the kernel's own default so MaxCPUPercent converts to a
// quota by simple percentage of this period.
const cpuPeriodUs = 100000

// CgroupManager owns a per-world cgroup v2 subtree at
// /sys/fs/cgroup/substrate/<world_id>. Best effort only: failures are
// reported so callers can warn, never so they fail the whole world
// (original_source cgroups.rs CgroupManager).
type CgroupManager struct {
	worldID string
	path    string
	active  bool
}

// NewCgroupManager names but does not yet create a world's cgroup.
func NewCgroupManager(worldID string) *CgroupManager {
	return &CgroupManager{worldID: worldID, path: filepath.Join(cgroupBaseDir, worldID)}
}

func (m *CgroupManager) Path() string   { return m.path }
func (m *CgroupManager) IsActive() bool { return m.active }

// Setup enables the pids/cpu/memory controllers on the root cgroup
// (permission errors tolerated there) and creates the per-world subtree.
// Returns (false, nil) when cgroup v2 isn't mounted at all, and a non-nil
// error only for unexpected failures creating the subtree itself.
func (m *CgroupManager) Setup() (bool, error) {
	if _, err := os.Stat("/sys/fs/cgroup/cgroup.controllers"); err != nil {
		return false, nil
	}

	subtreeCtrl := "/sys/fs/cgroup/cgroup.subtree_control"
	if _, err := os.Stat(subtreeCtrl); err == nil {
		_ = os.WriteFile(subtreeCtrl, []byte("+pids +cpu +memory"), 0o644)
	}

	if err := os.MkdirAll(cgroupBaseDir, 0o755); err != nil {
		if isPermOrReadOnly(err) {
			return false, fmt.Errorf("create %s: %w", cgroupBaseDir, err)
		}
		return false, fmt.Errorf("create cgroup base dir: %w", err)
	}
	if err := os.MkdirAll(m.path, 0o755); err != nil {
		if isPermOrReadOnly(err) {
			return false, fmt.Errorf("create %s: %w", m.path, err)
		}
		return false, fmt.Errorf("create per-world cgroup dir: %w", err)
	}

	m.active = true
	return true, nil
}

func isPermOrReadOnly(err error) bool {
	return errors.Is(err, os.ErrPermission) || errors.Is(err, fs.ErrPermission)
}

// AttachPid writes pid to the world's cgroup.procs. Returns (false, nil) on
// permission denial or an inactive manager.
func (m *CgroupManager) AttachPid(pid int) (bool, error) {
	if !m.active {
		return false, nil
	}
	procs := filepath.Join(m.path, "cgroup.procs")
	if err := os.WriteFile(procs, []byte(strconv.Itoa(pid)), 0o644); err != nil {
		if errors.Is(err, os.ErrPermission) {
			return false, nil
		}
		return false, fmt.Errorf("attach pid to cgroup: %w", err)
	}
	return true, nil
}

// AttachCurrent attaches the running process.
func (m *CgroupManager) AttachCurrent() (bool, error) {
	return m.AttachPid(os.Getpid())
}

// ApplyLimits writes limits into the per-world cgroup's control files
// (spec §4.4.3: pids.max, memory.max, cpu.max), translating policy's
// optional, human-scaled fields into the units each control file expects.
// Best-effort like the rest of the package: a write failure is reported but
// never aborts world startup, since a host without a writable cgroup
// hierarchy (e.g. under an existing container runtime) still has to run.
func (m *CgroupManager) ApplyLimits(limits policy.ResourceLimits) error {
	if !m.active {
		return nil
	}

	var errs []error

	if err := m.writeControl("pids.max", strconv.Itoa(defaultPidsMax)); err != nil {
		errs = append(errs, err)
	}

	if limits.MaxMemoryMB != nil {
		bytes := *limits.MaxMemoryMB * 1024 * 1024
		if err := m.writeControl("memory.max", strconv.FormatUint(bytes, 10)); err != nil {
			errs = append(errs, err)
		}
	}

	if limits.MaxCPUPercent != nil {
		quota := uint64(*limits.MaxCPUPercent) * cpuPeriodUs / 100
		if quota == 0 {
			quota = 1
		}
		if err := m.writeControl("cpu.max", fmt.Sprintf("%d %d", quota, cpuPeriodUs)); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (m *CgroupManager) writeControl(file, value string) error {
	path := filepath.Join(m.path, file)
	if err := os.WriteFile(path, []byte(value), 0o644); err != nil {
		if errors.Is(err, os.ErrPermission) || errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// Teardown removes the world's cgroup directory, tolerating NotFound,
// PermissionDenied, and "busy" (non-empty) errors by leaving it for the
// kernel/GC rather than failing replay.
func (m *CgroupManager) Teardown() error {
	if _, err := os.Stat(m.path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := os.Remove(m.path); err != nil {
		if errors.Is(err, os.ErrNotExist) || errors.Is(err, os.ErrPermission) {
			m.active = false
			return nil
		}
		_ = os.RemoveAll(m.path)
		return nil
	}
	m.active = false
	return nil
}
