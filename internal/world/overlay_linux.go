//go:build linux

package world

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

func newProbeSuffix() string { return uuid.Must(uuid.NewV7()).String() }

const (
	enumerationProbeID   = "enumeration_v1"
	enumerationProbeFile = ".substrate_enum_probe"
	overlayBaseDir       = "/var/lib/substrate/overlay"
)

// OverlayFs owns the upper/work/merged directory triad for one world and the
// mount it ends up using (original_source overlayfs mod, name inferred from
// strategy.rs's `OverlayFs::new`/`mount_kernel_only`/`mount_fuse_only`/`cleanup`
// calls — the concrete file implementing OverlayFs was filtered from the
// retrieval pack, so its body here is written against that call contract).
type OverlayFs struct {
	id       string
	upper    string
	work     string
	merged   string
	lower    string
	mounted  bool
	fuseProc *exec.Cmd
}

// NewOverlayFs creates the directory triad for id under overlayBaseDir.
func NewOverlayFs(id string) (*OverlayFs, error) {
	dir := filepath.Join(overlayBaseDir, id)
	o := &OverlayFs{
		id:     id,
		upper:  filepath.Join(dir, "upper"),
		work:   filepath.Join(dir, "work"),
		merged: filepath.Join(dir, "merged"),
	}
	for _, d := range []string{o.upper, o.work, o.merged} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("create overlay dir %s: %w", d, err)
		}
	}
	return o, nil
}

// UpperDir is the directory that receives all writes; diffing walks this.
func (o *OverlayFs) UpperDir() string { return o.upper }

// MergedDir is the view a world's commands actually execute against.
func (o *OverlayFs) MergedDir() string { return o.merged }

// mountKernelOnly mounts a true overlay filesystem (lowerdir=project,
// upperdir/workdir under our scratch area) via the overlay mount(2) type.
// Requires CAP_SYS_ADMIN; callers fall back to FUSE on EPERM.
func (o *OverlayFs) mountKernelOnly(project string) (string, error) {
	o.lower = project
	opts := fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s", project, o.upper, o.work)
	if err := unix.Mount("overlay", o.merged, "overlay", 0, opts); err != nil {
		return "", fmt.Errorf("mount overlay: %w", err)
	}
	o.mounted = true
	return o.merged, nil
}

// mountFuseOnly mounts fuse-overlayfs as a fallback when the kernel overlay
// driver is unavailable (containerized hosts without CAP_SYS_ADMIN for
// mount(2), nested overlay-on-overlay restrictions, etc).
func (o *OverlayFs) mountFuseOnly(project string) (string, error) {
	o.lower = project
	opts := fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s", project, o.upper, o.work)
	cmd := exec.Command("fuse-overlayfs", "-o", opts, o.merged)
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("fuse-overlayfs: %w", err)
	}
	o.fuseProc = cmd
	o.mounted = true
	return o.merged, nil
}

// mountForSession mounts project using strategy, then (per ADR-0004) remounts
// the merged view read-only when mode requires it. The enumeration probe
// always runs against its own throwaway writable overlay before this is
// called, so read_only/full_isolation sessions are never probed directly —
// they are proven workable by the probe overlay and only then locked down.
func (o *OverlayFs) mountForSession(project string, strategy Strategy, mode FsMode) (string, error) {
	var (
		merged string
		err    error
	)
	switch strategy {
	case StrategyFuse:
		merged, err = o.mountFuseOnly(project)
	default:
		merged, err = o.mountKernelOnly(project)
	}
	if err != nil {
		return "", err
	}

	if mode == FsModeReadOnly || mode == FsModeFullIsolation {
		if err := unix.Mount("", merged, "", unix.MS_REMOUNT|unix.MS_RDONLY, ""); err != nil {
			return "", fmt.Errorf("remount merged view read-only: %w", err)
		}
	}
	return merged, nil
}

// cleanup unmounts (if mounted) and removes the world's scratch directories.
func (o *OverlayFs) cleanup() error {
	if o.mounted {
		_ = unix.Unmount(o.merged, unix.MNT_DETACH)
		o.mounted = false
	}
	return os.RemoveAll(filepath.Join(overlayBaseDir, o.id))
}

func fuseAvailable() bool {
	if _, err := os.Stat("/dev/fuse"); err != nil {
		return false
	}
	_, err := exec.LookPath("fuse-overlayfs")
	return err == nil
}

type probeOutcome struct {
	mountOK bool
	probe   StrategyProbe
}

func probeEnumerationInDir(dir string) StrategyProbe {
	probePath := filepath.Join(dir, enumerationProbeFile)
	var failureReason string

	if err := os.WriteFile(probePath, []byte("probe"), 0o644); err != nil {
		failureReason = fmt.Sprintf("failed to create probe file: %v", err)
	} else {
		out, err := exec.Command("ls", "-a1", dir).Output()
		if err != nil {
			failureReason = fmt.Sprintf("ls -a1 failed: %v", err)
		} else {
			found := false
			for _, line := range strings.Split(string(out), "\n") {
				if line == enumerationProbeFile {
					found = true
					break
				}
			}
			if !found {
				failureReason = "probe file missing from directory enumeration"
			}
		}
	}
	_ = os.Remove(probePath)

	result := ProbePass
	if failureReason != "" {
		result = ProbeFail
	}
	return StrategyProbe{
		ID:            enumerationProbeID,
		ProbeFile:     enumerationProbeFile,
		Result:        result,
		FailureReason: failureReason,
	}
}

func probeStrategy(worldID string, strategy Strategy, project string) probeOutcome {
	probeID := fmt.Sprintf("%s-probe-%s-%s", worldID, strategy, newProbeSuffix())

	overlay, err := NewOverlayFs(probeID)
	if err != nil {
		return probeOutcome{
			mountOK: false,
			probe: StrategyProbe{
				ID:            enumerationProbeID,
				ProbeFile:     enumerationProbeFile,
				Result:        ProbeFail,
				FailureReason: fmt.Sprintf("failed to initialize probe overlay: %v", err),
			},
		}
	}
	defer overlay.cleanup()

	var mountErr error
	switch strategy {
	case StrategyOverlay:
		_, mountErr = overlay.mountKernelOnly(project)
	case StrategyFuse:
		_, mountErr = overlay.mountFuseOnly(project)
	default:
		mountErr = fmt.Errorf("%s is not a probeable world fs strategy", strategy)
	}

	if mountErr != nil {
		return probeOutcome{
			mountOK: false,
			probe: StrategyProbe{
				ID:            enumerationProbeID,
				ProbeFile:     enumerationProbeFile,
				Result:        ProbeFail,
				FailureReason: fmt.Sprintf("mount failed: %v", mountErr),
			},
		}
	}

	return probeOutcome{mountOK: true, probe: probeEnumerationInDir(overlay.merged)}
}

// selectStrategy mounts and enumeration-probes the kernel overlay driver
// first, falling back to FUSE, and fails closed with ErrStrategyUnavailable
// when neither passes (original_source overlayfs/strategy.rs select_strategy;
// ADR-0004: the probe must run against a writable overlay regardless of the
// session's configured fs_mode, since read_only/full_isolation remount to
// read-only happens only after the probe has validated enumeration).
func selectStrategy(worldID, project string) (StrategySelection, error) {
	primaryOutcome := probeStrategy(worldID, StrategyOverlay, project)
	if primaryOutcome.mountOK && primaryOutcome.probe.Result == ProbePass {
		return StrategySelection{
			Primary:        StrategyOverlay,
			FinalStrategy:  StrategyOverlay,
			FallbackReason: FallbackNone,
			Probe:          primaryOutcome.probe,
		}, nil
	}

	primaryFailure := FallbackPrimaryMountFailed
	if primaryOutcome.mountOK {
		primaryFailure = FallbackPrimaryProbeFailed
	}

	if !fuseAvailable() {
		return StrategySelection{}, fmt.Errorf("%w: fallback_reason=%s primary_failure_reason=%s",
			ErrStrategyUnavailable, FallbackUnavailable, primaryOutcome.probe.FailureReason)
	}

	fallbackOutcome := probeStrategy(worldID, StrategyFuse, project)
	if fallbackOutcome.mountOK && fallbackOutcome.probe.Result == ProbePass {
		return StrategySelection{
			Primary:        StrategyOverlay,
			FinalStrategy:  StrategyFuse,
			FallbackReason: primaryFailure,
			Probe:          fallbackOutcome.probe,
		}, nil
	}

	fallbackFailure := FallbackFuseMountFailed
	if fallbackOutcome.mountOK {
		fallbackFailure = FallbackFuseProbeFailed
	}

	return StrategySelection{}, fmt.Errorf("%w: fallback_reason=%s primary_failure_reason=%s fallback_failure_reason=%s",
		ErrStrategyUnavailable, fallbackFailure, primaryOutcome.probe.FailureReason, fallbackOutcome.probe.FailureReason)
}

// StrategySelection is the outcome of selectStrategy, exported so the
// session layer can record it for trace/observability purposes.
type StrategySelection struct {
	Primary        Strategy
	FinalStrategy  Strategy
	FallbackReason FallbackReason
	Probe          StrategyProbe
}
