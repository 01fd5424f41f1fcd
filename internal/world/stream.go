package world

import "sync"

// StreamKind distinguishes stdout from stderr payloads when forwarding
// incremental output to an installed sink.
type StreamKind int

const (
	StreamStdout StreamKind = iota
	StreamStderr
)

// Sink receives incremental output chunks from a running world command.
type Sink interface {
	Write(kind StreamKind, chunk []byte)
}

var (
	sinkMu sync.Mutex
	sink   Sink
)

// SinkGuard clears the global sink when released (original_source
// stream.rs StreamSinkGuard, realized here as an explicit-release RAII
// value per spec §9's "set-once holders with explicit init functions" —
// Go has no Drop, so callers must defer Clear()).
type SinkGuard struct {
	cleared bool
}

// InstallSink installs the process-wide stream sink, returning a guard that
// clears it when the caller is done.
func InstallSink(s Sink) *SinkGuard {
	sinkMu.Lock()
	sink = s
	sinkMu.Unlock()
	return &SinkGuard{}
}

// Clear releases the sink early; safe to call multiple times.
func (g *SinkGuard) Clear() {
	if g.cleared {
		return
	}
	sinkMu.Lock()
	sink = nil
	sinkMu.Unlock()
	g.cleared = true
}

// EmitChunk forwards chunk to the installed sink, if any. No-op for empty
// chunks or when nothing is installed.
func EmitChunk(kind StreamKind, chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	sinkMu.Lock()
	s := sink
	sinkMu.Unlock()
	if s != nil {
		s.Write(kind, chunk)
	}
}
