package agentsock

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atomize-hq/substrate/internal/trace"
	"github.com/atomize-hq/substrate/internal/world"
)

// fakeBackend is a minimal world.Backend double so these tests exercise the
// wire protocol without depending on Linux-only mount/netns/cgroup syscalls.
type fakeBackend struct {
	ensureCalls int
	execHandle  world.Handle
	streamWords []string
}

func (f *fakeBackend) EnsureSession(spec world.Spec) (world.Handle, error) {
	f.ensureCalls++
	return world.Handle{ID: "w_test"}, nil
}

func (f *fakeBackend) Exec(handle world.Handle, req world.ExecRequest) (world.ExecResult, error) {
	f.execHandle = handle
	for _, w := range f.streamWords {
		world.EmitChunk(world.StreamStdout, []byte(w))
	}
	return world.ExecResult{ExitCode: 0, FsDiff: trace.FsDiff{Writes: []string{"new.txt"}}}, nil
}

func (f *fakeBackend) FsDiff(handle world.Handle, spanID string) (trace.FsDiff, error) {
	return trace.FsDiff{Writes: []string{"new.txt"}}, nil
}

func (f *fakeBackend) ApplyPolicy(handle world.Handle, spec world.Spec) error { return nil }

func (f *fakeBackend) Teardown(handle world.Handle) error { return nil }

func startTestServer(t *testing.T, backend world.Backend) (string, *Server) {
	t.Helper()
	sockPath := filepath.Join(t.TempDir(), "agent.sock")
	srv, err := Listen(sockPath, backend)
	require.NoError(t, err)
	go srv.Serve()
	t.Cleanup(func() { _ = srv.Close() })
	return sockPath, srv
}

func TestClientEnsureSessionRoundTrip(t *testing.T) {
	backend := &fakeBackend{}
	sockPath, _ := startTestServer(t, backend)

	client := NewClient(sockPath)
	handle, err := client.EnsureSession(world.Spec{ProjectDir: "/tmp/proj"})
	require.NoError(t, err)
	assert.Equal(t, "w_test", handle.ID)
	assert.Equal(t, 1, backend.ensureCalls)
}

func TestClientExecStreamsChunksBeforeResult(t *testing.T) {
	backend := &fakeBackend{streamWords: []string{"hello ", "world"}}
	sockPath, _ := startTestServer(t, backend)

	var received []string
	client := NewClient(sockPath)
	client.Sink = sinkFunc(func(kind world.StreamKind, chunk []byte) {
		received = append(received, string(chunk))
	})

	result, err := client.Exec(world.Handle{ID: "w_test"}, world.ExecRequest{Cmd: "echo hi"})
	require.NoError(t, err)
	assert.Equal(t, 0, result.ExitCode)
	assert.Equal(t, []string{"new.txt"}, result.FsDiff.Writes)
	assert.Equal(t, []string{"hello ", "world"}, received)
}

func TestClientFsDiffAndTeardown(t *testing.T) {
	backend := &fakeBackend{}
	sockPath, _ := startTestServer(t, backend)

	client := NewClient(sockPath)
	diff, err := client.FsDiff(world.Handle{ID: "w_test"}, "span-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"new.txt"}, diff.Writes)

	require.NoError(t, client.Teardown(world.Handle{ID: "w_test"}))
}

func TestClientReachable(t *testing.T) {
	backend := &fakeBackend{}
	sockPath, srv := startTestServer(t, backend)

	client := NewClient(sockPath)
	assert.True(t, client.Reachable())

	require.NoError(t, srv.Close())
	// Give the listener a moment to actually release the socket file.
	time.Sleep(20 * time.Millisecond)
	assert.False(t, client.Reachable())
}

// sinkFunc adapts a function literal to world.Sink for tests.
type sinkFunc func(kind world.StreamKind, chunk []byte)

func (f sinkFunc) Write(kind world.StreamKind, chunk []byte) { f(kind, chunk) }
