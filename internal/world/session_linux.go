//go:build linux

package world

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"

	"github.com/atomize-hq/substrate/internal/trace"
)

func hasWildcardDomain(domains []string) bool {
	for _, d := range domains {
		if d == "*" {
			return true
		}
	}
	return false
}

// SessionWorld owns the live resources backing one world: its overlay
// mount, network namespace, DNS resolver, nftables rules, and cgroup
// (original_source crates/world/src/session.rs — filtered from the
// retrieval pack; reconstructed here from lib.rs's SessionWorld call
// contract: ensure_started/execute/compute_fs_diff/apply_policy, plus the
// per-concern modules that do survive in the pack).
type SessionWorld struct {
	ID      string
	spec    Spec
	overlay *OverlayFs
	netns   *NetNs
	cgroup  *CgroupManager
	dns     *DnsResolver
	meta    StrategyMeta
}

// StartSessionWorld provisions every resource for a new world: overlay
// strategy selection (fail-closed on WORLD_FS_STRATEGY_UNAVAILABLE), a
// named netns with loopback up (skipped when AllowedDomains holds "*"), a
// DNS resolver with nftables egress allowlisting, and a best-effort cgroup
// subtree.
func StartSessionWorld(spec Spec) (*SessionWorld, error) {
	id := "w_" + uuid.Must(uuid.NewV7()).String()

	overlay, err := NewOverlayFs(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMountFailed, err)
	}

	selection, err := selectStrategy(id, spec.ProjectDir)
	if err != nil {
		_ = overlay.cleanup()
		return nil, err
	}

	_, mountErr := overlay.mountForSession(spec.ProjectDir, selection.FinalStrategy, spec.FsMode)
	if mountErr != nil {
		_ = overlay.cleanup()
		return nil, fmt.Errorf("%w: %v", ErrMountFailed, mountErr)
	}

	world := &SessionWorld{
		ID:      id,
		spec:    spec,
		overlay: overlay,
		meta: StrategyMeta{
			Primary:        selection.Primary,
			FinalStrategy:  selection.FinalStrategy,
			FallbackReason: selection.FallbackReason,
			Probe:          selection.Probe,
		},
	}

	if IPAvailable() && !hasWildcardDomain(spec.AllowedDomains) {
		netns := NewNetNs(id)
		if err := netns.Add(); err != nil {
			fmt.Fprintf(os.Stderr, "substrate: warn: netns unavailable: %v\n", err)
		} else {
			if err := netns.LoUp(); err != nil {
				fmt.Fprintf(os.Stderr, "substrate: warn: netns loopback setup failed: %v\n", err)
			}
			world.netns = netns
		}
	}

	if len(spec.AllowedDomains) > 0 && !hasWildcardDomain(spec.AllowedDomains) {
		if err := ensureNftablesOutputChain(); err != nil {
			fmt.Fprintf(os.Stderr, "substrate: warn: nftables bootstrap failed: %v\n", err)
		} else {
			resolver := NewDnsResolver(spec.AllowedDomains, "")
			resolver.SpawnResolver()
			if err := resolver.SetupDnsStub(overlay.MergedDir()); err != nil {
				fmt.Fprintf(os.Stderr, "substrate: warn: DNS stub setup failed: %v\n", err)
			}
			world.dns = resolver
		}
	}

	cgroup := NewCgroupManager(id)
	if ok, err := cgroup.Setup(); err != nil {
		fmt.Fprintf(os.Stderr, "substrate: warn: cgroups unavailable: %v\n", err)
	} else if ok {
		if err := cgroup.ApplyLimits(spec.ResourceLimits); err != nil {
			fmt.Fprintf(os.Stderr, "substrate: warn: cgroup limits not fully applied: %v\n", err)
		}
		world.cgroup = cgroup
	}

	return world, nil
}

// Execute runs one command inside the world's merged view, anchor-guarding
// cd, streaming output chunks to the installed sink, and attaching the
// spawned process to the world's cgroup once its PID is known.
func (w *SessionWorld) Execute(req ExecRequest) (ExecResult, error) {
	started := time.Now()

	anchorMode := w.spec.AnchorMode
	env := map[string]string{anchorModeEnv: anchorMode}
	for k, v := range req.Env {
		env[k] = v
	}

	cmdStr := req.Cmd
	if ShouldGuardAnchor(env) {
		cmdStr = WrapWithAnchorGuard(cmdStr, w.overlay.MergedDir())
	}

	cwd := req.Cwd
	if cwd == "" || !filepath.IsAbs(cwd) {
		cwd = w.overlay.MergedDir()
	}

	cmd := exec.Command("sh", "-c", cmdStr)
	cmd.Dir = cwd
	cmd.Env = envSlice(req.Env)
	if w.netns != nil && w.netns.IsActive() {
		cmd = exec.Command("ip", append([]string{"netns", "exec", w.netns.Name(), "sh", "-c"}, cmdStr)...)
		cmd.Dir = cwd
		cmd.Env = envSlice(req.Env)
	}

	exitCode, err := w.run(cmd, req.PTY)
	if err != nil {
		return ExecResult{}, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}

	diff, diffErr := w.ComputeFsDiff(req.SpanID)
	if diffErr != nil {
		fmt.Fprintf(os.Stderr, "substrate: warn: fs diff computation failed: %v\n", diffErr)
	}

	return ExecResult{
		ExitCode: exitCode,
		FsDiff:   diff,
		Duration: time.Since(started),
	}, nil
}

func (w *SessionWorld) run(cmd *exec.Cmd, usePTY bool) (int, error) {
	if usePTY {
		f, err := pty.Start(cmd)
		if err != nil {
			return -1, err
		}
		defer f.Close()

		if w.cgroup != nil && cmd.Process != nil {
			_, _ = w.cgroup.AttachPid(cmd.Process.Pid)
		}

		go streamCopy(StreamStdout, f)

		err = cmd.Wait()
		return exitCodeFromErr(cmd, err), nil
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return -1, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return -1, err
	}
	if err := cmd.Start(); err != nil {
		return -1, err
	}
	if w.cgroup != nil && cmd.Process != nil {
		_, _ = w.cgroup.AttachPid(cmd.Process.Pid)
	}

	go streamCopy(StreamStdout, stdout)
	go streamCopy(StreamStderr, stderr)

	err = cmd.Wait()
	return exitCodeFromErr(cmd, err), nil
}

func streamCopy(kind StreamKind, r io.Reader) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			EmitChunk(kind, chunk)
		}
		if err != nil {
			return
		}
	}
}

func exitCodeFromErr(cmd *exec.Cmd, err error) int {
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return -1
}

func envSlice(env map[string]string) []string {
	if len(env) == 0 {
		return os.Environ()
	}
	merged := append([]string{}, os.Environ()...)
	for k, v := range env {
		merged = append(merged, fmt.Sprintf("%s=%s", k, v))
	}
	return merged
}

// ComputeFsDiff diffs the overlay's upper layer against its lower (project)
// layer. spanID is accepted for interface symmetry with the original's
// per-span call signature; the underlying upper directory accumulates
// changes across an entire session, so every call reflects the session's
// changes to date.
func (w *SessionWorld) ComputeFsDiff(spanID string) (trace.FsDiff, error) {
	return computeDiff(w.overlay.UpperDir(), w.overlay.lower)
}

// ApplyPolicy records spec on a running world when its policy hot-reloads
// mid-session and, if the world has a DNS resolver, hands it the new
// allowed domains, which its next refresh writes into the nftables set.
// The overlay keeps the fs mode it was mounted with.
func (w *SessionWorld) ApplyPolicy(spec Spec) error {
	w.spec = spec
	if w.dns != nil {
		w.dns.allowedDomains = spec.AllowedDomains
	}
	return nil
}

// Close tears down every resource owned by the world, best-effort.
func (w *SessionWorld) Close() error {
	if w.dns != nil {
		w.dns.Stop()
	}
	if w.cgroup != nil {
		_ = w.cgroup.Teardown()
	}
	if w.netns != nil {
		_ = w.netns.Delete()
	}
	return w.overlay.cleanup()
}
