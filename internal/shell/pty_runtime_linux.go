//go:build linux

package shell

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

const maxSIGWINCHSignalsPerResize = 256

// resizeDebouncer coalesces a burst of SIGWINCH deliveries into a single
// resize forward, since a drag-resize in most terminals fires the signal
// many times per second (spec §5 "process-group and signal discipline").
type resizeDebouncer struct {
	timer *time.Timer
	ch    <-chan time.Time
	delay time.Duration
}

func newResizeDebouncer(delay time.Duration) *resizeDebouncer {
	return &resizeDebouncer{delay: delay}
}

func (d *resizeDebouncer) Queue() {
	if d.timer == nil {
		d.timer = time.NewTimer(d.delay)
	} else {
		d.timer.Reset(d.delay)
	}
	d.ch = d.timer.C
}

func (d *resizeDebouncer) Channel() <-chan time.Time {
	return d.ch
}

func (d *resizeDebouncer) MarkHandled() {
	d.ch = nil
}

func (d *resizeDebouncer) Stop() {
	if d.timer != nil {
		d.timer.Stop()
	}
}

// startCommandWithPTY allocates a controlling PTY for execCmd, puts the
// local terminal into raw mode, and relays stdin/stdout plus SIGINT/
// SIGTERM/SIGWINCH for the lifetime of the child (spec §4.4.4 "For PTY
// commands, allocate a PTY, forward resize/input/output events, and read
// until the child exits"). The returned func tears the relay down; callers
// must invoke it once the child has exited.
//
// initialInput, when non-empty, is written to the PTY before the terminal
// relay starts, as if the user had typed it: the caged-root guard's
// cd-redefining preamble (internal/shell/driver.go) has no single command
// line to wrap for an interactive session, so it rides in as the first
// line of input instead, submitted with a trailing newline so the shell's
// line discipline executes it before anything the user types.
func startCommandWithPTY(execCmd *exec.Cmd, initialInput string) (func(), error) {
	ptmx, err := pty.Start(execCmd)
	if err != nil {
		return nil, err
	}

	// Best-effort initial sizing (only matters when stdin is a terminal).
	_ = pty.InheritSize(os.Stdin, ptmx)

	if initialInput != "" {
		if !strings.HasSuffix(initialInput, "\n") {
			initialInput += "\n"
		}
		_, _ = ptmx.Write([]byte(initialInput))
	}

	restoreTTY := func() {}
	if term.IsTerminal(int(os.Stdin.Fd())) {
		if oldState, err := term.MakeRaw(int(os.Stdin.Fd())); err == nil {
			restoreTTY = func() {
				_ = term.Restore(int(os.Stdin.Fd()), oldState)
			}
		}
	}

	done := make(chan struct{})
	var doneOnce sync.Once
	var cleanupOnce sync.Once

	// Signal relay: especially SIGWINCH (resize).
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGWINCH)
		defer signal.Stop(sigChan)

		debouncer := newResizeDebouncer(30 * time.Millisecond)
		defer debouncer.Stop()

		forwardResize := func() {
			debouncer.MarkHandled()
			_ = pty.InheritSize(os.Stdin, ptmx)
			fgPgid, signaledPgrp := forwardSIGWINCHToPTYForegroundPgrp(ptmx)

			// The anchor guard and netns exec wrapper both re-parent the
			// child through an extra sh -c / ip netns exec hop, so it can
			// end up outside the PTY's own foreground process group. Fall
			// back to walking the process tree so resize still reaches
			// TUIs running a few levels down from the wrapper.
			if execCmd.Process != nil {
				if !signaledPgrp || !pidInProcessGroup(execCmd.Process.Pid, fgPgid) {
					_ = execCmd.Process.Signal(syscall.SIGWINCH)
				}
				signalSIGWINCHProcessTree(execCmd.Process.Pid, maxSIGWINCHSignalsPerResize)
			}
		}

		sigCount := 0
		for {
			select {
			case <-done:
				return
			case sig := <-sigChan:
				if execCmd.Process == nil {
					continue
				}

				if sig == syscall.SIGWINCH {
					debouncer.Queue()
					continue
				}

				sigCount++
				if sigCount >= 2 {
					_ = execCmd.Process.Kill()
					continue
				}

				// Prefer sending signals to the PTY foreground process
				// group so Ctrl-C/etc behave like a normal interactive
				// terminal.
				if pgid, ok := ptyForegroundPgrp(ptmx); ok {
					_ = syscall.Kill(-pgid, sig.(syscall.Signal))
				} else {
					_ = execCmd.Process.Signal(sig)
				}
			case <-debouncer.Channel():
				forwardResize()
			}
		}
	}()

	// PTY I/O relay.
	go func() { _, _ = io.Copy(ptmx, os.Stdin) }()

	go func() {
		_, _ = io.Copy(os.Stdout, ptmx)
		cleanupOnce.Do(func() {
			restoreTTY()
			_ = ptmx.Close()
		})
	}()

	return func() {
		doneOnce.Do(func() { close(done) })
		cleanupOnce.Do(func() {
			restoreTTY()
			_ = ptmx.Close()
		})
	}, nil
}

func forwardSIGWINCHToPTYForegroundPgrp(ptmx *os.File) (int, bool) {
	if pgid, ok := ptyForegroundPgrp(ptmx); ok {
		_ = syscall.Kill(-pgid, syscall.SIGWINCH)
		return pgid, true
	}
	return 0, false
}

func ptyForegroundPgrp(ptmx *os.File) (int, bool) {
	pgid, err := unix.IoctlGetInt(int(ptmx.Fd()), unix.TIOCGPGRP)
	if err != nil || pgid <= 0 {
		return 0, false
	}
	return pgid, true
}

func pidInProcessGroup(pid int, pgid int) bool {
	if pid <= 0 || pgid <= 0 {
		return false
	}
	got, err := syscall.Getpgid(pid)
	return err == nil && got == pgid
}

func signalSIGWINCHProcessTree(rootPID int, maxSignals int) {
	if rootPID <= 0 || maxSignals <= 0 {
		return
	}

	children, parentPID := buildProcChildrenMap("/proc")
	if len(children) == 0 {
		return
	}

	queue := []int{rootPID}
	visited := make(map[int]bool)
	signaled := 0

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		if visited[current] {
			continue
		}
		visited[current] = true

		for _, child := range children[current] {
			if !visited[child] {
				queue = append(queue, child)
			}
		}

		if current == rootPID {
			continue
		}

		// Guard against pid reuse / partial maps: only signal nodes that
		// still trace back to root in the parent map.
		if !isDescendantOfRoot(current, rootPID, parentPID) {
			continue
		}

		_ = syscall.Kill(current, syscall.SIGWINCH)
		signaled++
		if signaled >= maxSignals {
			return
		}
	}
}

func buildProcChildrenMap(procBasePath string) (map[int][]int, map[int]int) {
	children := make(map[int][]int)
	parentPID := make(map[int]int)

	entries, err := os.ReadDir(procBasePath)
	if err != nil {
		return children, parentPID
	}

	for _, entry := range entries {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil || pid <= 0 {
			continue
		}
		ppid, ok := readProcPPID(procBasePath, pid)
		if !ok || ppid <= 0 {
			continue
		}
		parentPID[pid] = ppid
		children[ppid] = append(children[ppid], pid)
	}

	return children, parentPID
}

func isDescendantOfRoot(pid, rootPID int, parentPID map[int]int) bool {
	if pid <= 0 || rootPID <= 0 {
		return false
	}
	current := pid
	for current > 0 {
		parent, ok := parentPID[current]
		if !ok {
			return false
		}
		if parent == rootPID {
			return true
		}
		if parent == current {
			return false
		}
		current = parent
	}
	return false
}

func readProcPPID(procBasePath string, pid int) (int, bool) {
	statusPath := fmt.Sprintf("%s/%d/status", procBasePath, pid)
	data, err := os.ReadFile(statusPath)
	if err != nil {
		return 0, false
	}
	return parsePPIDFromStatus(string(data))
}

func parsePPIDFromStatus(status string) (int, bool) {
	lines := strings.Split(status, "\n")
	for _, line := range lines {
		if !strings.HasPrefix(line, "PPid:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0, false
		}
		ppid, err := strconv.Atoi(fields[1])
		if err != nil {
			return 0, false
		}
		return ppid, true
	}
	return 0, false
}
