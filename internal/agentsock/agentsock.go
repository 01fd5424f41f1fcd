// Package agentsock implements the IPC boundary between the short-lived
// interceptor process (cmd/substrate-shim) and the long-lived supervising
// shell (cmd/substrate), which is the only process whose lifetime matches
// the world backend's in-memory session cache (spec §3 SessionWorld:
// "Owner is the world backend's session cache; lifetime = backend process
// or until explicit teardown"; spec §6 filesystem layout names
// "sock/agent.sock (IPC socket if used)" for exactly this purpose).
//
// The protocol is one request per connection: the client dials, writes a
// single JSON request line, then reads a stream of newline-delimited JSON
// frames back — zero or more "chunk" frames carrying incremental
// stdout/stderr (spec §4.4.4 Streaming) followed by exactly one "result"
// frame. This keeps the server trivially concurrent (one goroutine per
// connection, no multiplexed request IDs) at the cost of a connection per
// call, which is negligible next to the cost of the exec itself.
package agentsock

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/atomize-hq/substrate/internal/trace"
	"github.com/atomize-hq/substrate/internal/world"
)

// DefaultSocketName is the filename under $SUBSTRATE_HOME/sock used when a
// caller does not override the path explicitly (spec §6).
const DefaultSocketName = "agent.sock"

// SocketPath returns the conventional socket path for a given
// $SUBSTRATE_HOME, honoring the SUBSTRATE_WORLD_SOCK override the shell
// driver exports for child processes (interceptors, nested shells) so they
// find the same agent without recomputing SUBSTRATE_HOME.
func SocketPath(substrateHome string) string {
	if v := os.Getenv("SUBSTRATE_WORLD_SOCK"); v != "" {
		return v
	}
	return filepath.Join(substrateHome, "sock", DefaultSocketName)
}

// op enumerates the Backend methods exposed over the socket.
type op string

const (
	opEnsureSession op = "ensure_session"
	opExec          op = "exec"
	opFsDiff        op = "fs_diff"
	opApplyPolicy   op = "apply_policy"
	opTeardown      op = "teardown"
)

// request is the single line a client sends after dialing.
type request struct {
	Op     op              `json:"op"`
	Spec   *world.Spec     `json:"spec,omitempty"`
	Handle world.Handle    `json:"handle,omitempty"`
	Exec   *world.ExecRequest `json:"exec,omitempty"`
	SpanID string          `json:"span_id,omitempty"`
}

// frame is one line the server writes back. Kind/Data carry a streamed
// output chunk (frameType "chunk"); the rest populate the terminal
// "result" frame, exactly one of which always ends the exchange.
type frame struct {
	Type     string        `json:"type"`
	Kind     world.StreamKind `json:"kind,omitempty"`
	Data     []byte        `json:"data,omitempty"`
	Handle   world.Handle  `json:"handle,omitempty"`
	Result   *world.ExecResult `json:"result,omitempty"`
	FsDiff   *trace.FsDiff `json:"fs_diff,omitempty"`
	Err      string        `json:"err,omitempty"`
}

const (
	frameChunk  = "chunk"
	frameResult = "result"
)

// Server wraps a world.Backend and serves it over a unix socket. Exactly
// one Server should run per $SUBSTRATE_HOME for the lifetime of a shell
// session (spec §9 "global singletons... realize them as set-once holders
// with explicit init functions" — applied here at the process-group
// level, since the backend singleton itself now spans several processes).
type Server struct {
	backend  world.Backend
	listener net.Listener
	path     string
	done     chan struct{}
}

// Listen creates (or replaces) the unix socket at path and returns a Server
// ready for Serve. A stale socket file from a crashed prior session is
// removed first.
func Listen(path string, backend world.Backend) (*Server, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create socket directory: %w", err)
	}
	_ = os.Remove(path)

	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", path, err)
	}
	return &Server{backend: backend, listener: l, path: path, done: make(chan struct{})}, nil
}

// Serve accepts connections until Close is called. Intended to run in its
// own goroutine for the life of the supervising shell process.
func (s *Server) Serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				continue
			}
		}
		go s.handleConn(conn)
	}
}

// Close stops accepting connections and removes the socket file.
func (s *Server) Close() error {
	close(s.done)
	err := s.listener.Close()
	_ = os.Remove(s.path)
	return err
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	reader := bufio.NewReader(conn)
	line, err := reader.ReadBytes('\n')
	if err != nil {
		return
	}
	var req request
	if err := json.Unmarshal(line, &req); err != nil {
		writeFrame(conn, frame{Type: frameResult, Err: fmt.Sprintf("decode request: %v", err)})
		return
	}

	enc := json.NewEncoder(conn)

	switch req.Op {
	case opEnsureSession:
		handle, err := s.backend.EnsureSession(*req.Spec)
		if err != nil {
			_ = enc.Encode(frame{Type: frameResult, Err: err.Error()})
			return
		}
		_ = enc.Encode(frame{Type: frameResult, Handle: handle})

	case opExec:
		guard := world.InstallSink(connSink{enc: enc})
		result, err := s.backend.Exec(req.Handle, *req.Exec)
		guard.Clear()
		if err != nil {
			_ = enc.Encode(frame{Type: frameResult, Err: err.Error()})
			return
		}
		_ = enc.Encode(frame{Type: frameResult, Result: &result})

	case opFsDiff:
		diff, err := s.backend.FsDiff(req.Handle, req.SpanID)
		if err != nil {
			_ = enc.Encode(frame{Type: frameResult, Err: err.Error()})
			return
		}
		_ = enc.Encode(frame{Type: frameResult, FsDiff: &diff})

	case opApplyPolicy:
		if err := s.backend.ApplyPolicy(req.Handle, *req.Spec); err != nil {
			_ = enc.Encode(frame{Type: frameResult, Err: err.Error()})
			return
		}
		_ = enc.Encode(frame{Type: frameResult})

	case opTeardown:
		if err := s.backend.Teardown(req.Handle); err != nil {
			_ = enc.Encode(frame{Type: frameResult, Err: err.Error()})
			return
		}
		_ = enc.Encode(frame{Type: frameResult})

	default:
		_ = enc.Encode(frame{Type: frameResult, Err: fmt.Sprintf("unknown op %q", req.Op)})
	}
}

func writeFrame(conn net.Conn, f frame) {
	_ = json.NewEncoder(conn).Encode(f)
}

// connSink forwards streamed output chunks to the connection as "chunk"
// frames, ahead of the final "result" frame the handler writes once Exec
// returns (spec §4.4.4 Streaming: "callers use an RAII guard that clears
// the sink on drop").
type connSink struct {
	enc *json.Encoder
}

func (c connSink) Write(kind world.StreamKind, chunk []byte) {
	_ = c.enc.Encode(frame{Type: frameChunk, Kind: kind, Data: chunk})
}

// Client is a world.Backend implementation that dials path fresh for every
// call. It satisfies world.Backend so callers (the interceptor) can use it
// interchangeably with a direct in-process backend.
type Client struct {
	path    string
	timeout time.Duration
	// Sink receives streamed chunks from Exec calls. Nil means chunks are
	// dropped (acceptable for non-interactive callers that only care about
	// the final exit code).
	Sink world.Sink
}

// NewClient returns a Client dialing path, with a short connect timeout so
// a missing or wedged agent fails fast rather than hanging a command.
func NewClient(path string) *Client {
	return &Client{path: path, timeout: 2 * time.Second}
}

// Reachable reports whether a Server is listening at the client's path,
// without otherwise affecting state. Used by callers deciding whether to
// fall back to host execution (spec §7 IsolationSetupFailed).
func (c *Client) Reachable() bool {
	conn, err := net.DialTimeout("unix", c.path, c.timeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func (c *Client) call(req request) (frame, error) {
	conn, err := net.DialTimeout("unix", c.path, c.timeout)
	if err != nil {
		return frame{}, fmt.Errorf("%w: dial agent socket: %v", world.ErrBackendUnavailable, err)
	}
	defer conn.Close()

	payload, err := json.Marshal(req)
	if err != nil {
		return frame{}, err
	}
	payload = append(payload, '\n')
	if _, err := conn.Write(payload); err != nil {
		return frame{}, fmt.Errorf("write request: %w", err)
	}

	dec := json.NewDecoder(conn)
	for {
		var f frame
		if err := dec.Decode(&f); err != nil {
			return frame{}, fmt.Errorf("read response: %w", err)
		}
		if f.Type == frameChunk {
			if c.Sink != nil {
				c.Sink.Write(f.Kind, f.Data)
			}
			continue
		}
		if f.Err != "" {
			return frame{}, fmt.Errorf("%s", f.Err)
		}
		return f, nil
	}
}

func (c *Client) EnsureSession(spec world.Spec) (world.Handle, error) {
	f, err := c.call(request{Op: opEnsureSession, Spec: &spec})
	if err != nil {
		return world.Handle{}, err
	}
	return f.Handle, nil
}

func (c *Client) Exec(handle world.Handle, req world.ExecRequest) (world.ExecResult, error) {
	f, err := c.call(request{Op: opExec, Handle: handle, Exec: &req})
	if err != nil {
		return world.ExecResult{}, err
	}
	if f.Result == nil {
		return world.ExecResult{}, fmt.Errorf("agent returned no result")
	}
	return *f.Result, nil
}

func (c *Client) FsDiff(handle world.Handle, spanID string) (trace.FsDiff, error) {
	f, err := c.call(request{Op: opFsDiff, Handle: handle, SpanID: spanID})
	if err != nil {
		return trace.FsDiff{}, err
	}
	if f.FsDiff == nil {
		return trace.FsDiff{}, nil
	}
	return *f.FsDiff, nil
}

func (c *Client) ApplyPolicy(handle world.Handle, spec world.Spec) error {
	_, err := c.call(request{Op: opApplyPolicy, Handle: handle, Spec: &spec})
	return err
}

func (c *Client) Teardown(handle world.Handle) error {
	_, err := c.call(request{Op: opTeardown, Handle: handle})
	return err
}

var _ world.Backend = (*Client)(nil)
