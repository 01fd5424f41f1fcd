package trace

import (
	"bufio"
	"compress/gzip"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpanLifecycleOrderingAndCorrelation(t *testing.T) {
	// Testable Property 4 (spec §8): command_complete.ts >= command_start.ts,
	// both share span_id, and the complete record carries exit_code.
	tmp := t.TempDir()
	out, err := InitTrace(filepath.Join(tmp, "trace.jsonl"))
	require.NoError(t, err)
	defer out.Close()

	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	restore := freezeNow(t0)
	defer restore()

	active, err := NewSpanBuilder("session-1", "shim").
		WithCommand("echo hi").
		WithCwd("/tmp").
		Start(out, false)
	require.NoError(t, err)
	startSpanID := active.SpanID()

	freezeNow(t0.Add(50 * time.Millisecond))
	require.NoError(t, active.Finish(out, 0, []string{"tcp:example.com:443"}, nil, nil))

	records := readJSONLines(t, out.Path())
	require.Len(t, records, 2)

	start := records[0]
	complete := records[1]

	assert.Equal(t, "command_start", start["event_type"])
	assert.Equal(t, "command_complete", complete["event_type"])
	assert.Equal(t, startSpanID, start["span_id"])
	assert.Equal(t, startSpanID, complete["span_id"])

	startTs, err := time.Parse(time.RFC3339Nano, start["ts"].(string))
	require.NoError(t, err)
	completeTs, err := time.Parse(time.RFC3339Nano, complete["ts"].(string))
	require.NoError(t, err)
	assert.False(t, completeTs.Before(startTs))

	assert.EqualValues(t, 0, complete["exit_code"])
}

func TestAppendMirrorsCmdToCommand(t *testing.T) {
	tmp := t.TempDir()
	out, err := InitTrace(filepath.Join(tmp, "trace.jsonl"))
	require.NoError(t, err)
	defer out.Close()

	require.NoError(t, out.Append(Span{SpanID: "s1", SessionID: "sess", EventType: EventCommandStart, Cmd: "echo hi"}))

	records := readJSONLines(t, out.Path())
	require.Len(t, records, 1)
	assert.Equal(t, "echo hi", records[0]["cmd"])
	assert.Equal(t, "echo hi", records[0]["command"])
}

func TestRedactionStripsSecretsFromKeysAndCommandFlags(t *testing.T) {
	// Testable Property 6 (spec §8): no substring of a known-secret-prefixed
	// value survives redaction.
	tmp := t.TempDir()
	out, err := InitTrace(filepath.Join(tmp, "trace.jsonl"))
	require.NoError(t, err)
	defer out.Close()

	require.NoError(t, out.Append(Span{
		SpanID:    "s1",
		SessionID: "sess",
		EventType: EventCommandStart,
		Cmd:       "curl --token sk-supersecretvalue123 --header X-Foo:bar https://example.com",
	}))

	raw, err := os.ReadFile(out.Path())
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "sk-supersecretvalue123")

	records := readJSONLines(t, out.Path())
	cmd := records[0]["cmd"].(string)
	assert.Contains(t, cmd, "***")
	assert.NotContains(t, cmd, "sk-supersecretvalue123")
}

func TestRedactionSkippedWhenRawRequested(t *testing.T) {
	t.Setenv("SHIM_LOG_OPTS", "raw")

	tmp := t.TempDir()
	out, err := InitTrace(filepath.Join(tmp, "trace.jsonl"))
	require.NoError(t, err)
	defer out.Close()

	require.NoError(t, out.Append(Span{
		SpanID:    "s1",
		SessionID: "sess",
		EventType: EventCommandStart,
		Cmd:       "curl --token sk-rawvalue",
	}))

	raw, err := os.ReadFile(out.Path())
	require.NoError(t, err)
	assert.Contains(t, string(raw), "sk-rawvalue")
}

func TestRotationKeepsAtMostKeepFilesAndCompressesOlder(t *testing.T) {
	// Testable Property 8 (spec §8): after N rotations, at most keep_files
	// remain.
	tmp := t.TempDir()
	t.Setenv("TRACE_LOG_MAX_MB", "0")
	t.Setenv("TRACE_LOG_KEEP", "2")

	path := filepath.Join(tmp, "trace.jsonl")
	out, err := InitTrace(path)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, out.Append(Span{SpanID: "s", SessionID: "sess", EventType: EventCommandStart, Cmd: "x"}))
	}
	require.NoError(t, out.Close())

	_, err = os.Stat(path)
	assert.NoError(t, err)
	_, err = os.Stat(path + ".1")
	assert.NoError(t, err)
	_, err = os.Stat(path + ".3")
	assert.True(t, os.IsNotExist(err))

	if _, err := os.Stat(path + ".2.gz"); err == nil {
		f, err := os.Open(path + ".2.gz")
		require.NoError(t, err)
		defer f.Close()
		gr, err := gzip.NewReader(f)
		require.NoError(t, err)
		defer gr.Close()
	}
}

func TestContextInitIsIdempotent(t *testing.T) {
	ResetForTest()
	defer ResetForTest()

	tmp := t.TempDir()
	path := filepath.Join(tmp, "trace.jsonl")

	c1, err := Init(path)
	require.NoError(t, err)
	c2, err := Init(path)
	require.NoError(t, err)
	assert.Same(t, c1, c2)
}

func freezeNow(at time.Time) func() {
	nowFunc = func() time.Time { return at }
	return func() { nowFunc = time.Now }
}

func readJSONLines(t *testing.T, path string) []map[string]any {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var out []map[string]any
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var obj map[string]any
		require.NoError(t, json.Unmarshal(line, &obj))
		out = append(out, obj)
	}
	require.NoError(t, scanner.Err())
	return out
}
