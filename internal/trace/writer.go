package trace

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/gofrs/flock"
	"github.com/klauspost/compress/gzip"
)

const defaultMaxMB = 100
const defaultKeepFiles = 3

// TraceOutput is an append-only, buffered, rotating JSON-lines writer over
// a single path (spec §4.3; original_source crates/trace/src/output.rs).
// Every interceptor invocation is a separate OS process sharing the same
// trace log, so the in-process mutex alone cannot serialize Append/rotation
// across them; flock guards the critical section with an inter-process
// advisory lock on a sibling `.lock` file.
type TraceOutput struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	writer *bufio.Writer
	lock   *flock.Flock
}

// InitTrace opens (creating parent directories as needed) the trace log at
// path, appending to any existing content (spec §4.3 init_trace — idempotent).
func InitTrace(path string) (*TraceOutput, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create trace log directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open trace log %s: %w", path, err)
	}
	return &TraceOutput{
		path:   path,
		file:   file,
		writer: bufio.NewWriter(file),
		lock:   flock.New(path + ".lock"),
	}, nil
}

func maxBytes() int64 {
	mb := envUint("TRACE_LOG_MAX_MB", envUint("SHIM_TRACE_LOG_MAX_MB", defaultMaxMB))
	return int64(mb) * 1024 * 1024
}

func keepFiles() int {
	return int(envUint("TRACE_LOG_KEEP", defaultKeepFiles))
}

func envUint(key string, fallback uint64) uint64 {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return fallback
	}
	return v
}

// rotateIfNeeded shifts `<base>.1 .. .keep` and reopens a fresh file once
// the current file reaches maxBytes. Rotated files beyond .1 are gzipped
// (SPEC_FULL.md domain-stack supplement over original_source, which leaves
// rotated files uncompressed) — Testable Property 8: after N rotations, at
// most keep_files remain and their names are `<base>.1 ... <base>.keep[.gz]`.
// Every slot past .1 is already gzipped from a prior rotation, so shifting
// it up one slot is a rename, not a re-gzip: gzipping an already-gzipped
// file would nest a second gzip layer that nothing in the package ever
// reads back through.
func (t *TraceOutput) rotateIfNeeded() error {
	if err := t.writer.Flush(); err != nil {
		return err
	}

	info, err := os.Stat(t.path)
	if err != nil {
		return nil
	}
	if info.Size() < maxBytes() {
		return nil
	}

	keep := keepFiles()
	if keep > 0 {
		oldest := rotatedName(t.path, keep)
		_ = os.Remove(oldest)
		for i := keep; i >= 2; i-- {
			from := rotatedName(t.path, i-1)
			to := rotatedName(t.path, i)
			if _, statErr := os.Stat(from); statErr != nil {
				continue
			}
			if strings.HasSuffix(from, ".gz") {
				_ = os.Rename(from, to)
				continue
			}
			if err := compressRotated(from, to); err != nil {
				_ = os.Rename(from, to)
			}
		}
	}

	if err := t.file.Close(); err != nil {
		return fmt.Errorf("close trace log before rotation: %w", err)
	}
	bak := t.path + ".1"
	if err := os.Rename(t.path, bak); err != nil {
		return fmt.Errorf("rotate trace log: %w", err)
	}

	file, err := os.OpenFile(t.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("reopen trace log after rotation: %w", err)
	}
	t.file = file
	t.writer = bufio.NewWriter(file)
	return nil
}

func rotatedName(base string, n int) string {
	if n <= 1 {
		return base + ".1"
	}
	return fmt.Sprintf("%s.%d.gz", base, n)
}

func compressRotated(from, to string) error {
	src, err := os.Open(from)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(to)
	if err != nil {
		return err
	}
	defer dst.Close()

	gw := gzip.NewWriter(dst)
	if _, err := io.Copy(gw, src); err != nil {
		_ = gw.Close()
		return err
	}
	if err := gw.Close(); err != nil {
		return err
	}
	return os.Remove(from)
}

// Append serializes event as JSON, mirrors `cmd` to `command` for
// compatibility (spec §4.3), redacts sensitive values unless
// SHIM_LOG_OPTS=raw, writes a line, and flushes (fsyncing when SHIM_FSYNC=1).
func (t *TraceOutput) Append(span Span) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.lock.Lock(); err != nil {
		return fmt.Errorf("acquire trace log lock: %w", err)
	}
	defer t.lock.Unlock()

	if err := t.rotateIfNeeded(); err != nil {
		return err
	}

	raw, err := json.Marshal(span)
	if err != nil {
		return fmt.Errorf("marshal span: %w", err)
	}

	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return fmt.Errorf("remarshal span: %w", err)
	}
	if _, hasCommand := obj["command"]; !hasCommand {
		if cmd, hasCmd := obj["cmd"]; hasCmd {
			obj["command"] = cmd
		}
	}

	if os.Getenv("SHIM_LOG_OPTS") != "raw" {
		Redact(obj)
	}

	line, err := json.Marshal(obj)
	if err != nil {
		return fmt.Errorf("marshal trace line: %w", err)
	}
	if _, err := t.writer.Write(line); err != nil {
		return err
	}
	if err := t.writer.WriteByte('\n'); err != nil {
		return err
	}

	if os.Getenv("SHIM_FSYNC") == "1" {
		if err := t.writer.Flush(); err != nil {
			return err
		}
		return t.file.Sync()
	}
	return t.writer.Flush()
}

// Close flushes and closes the underlying file.
func (t *TraceOutput) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.writer.Flush(); err != nil {
		return err
	}
	return t.file.Close()
}

// Path returns the trace log's primary (unrotated) path.
func (t *TraceOutput) Path() string { return t.path }
