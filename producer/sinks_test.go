package producer

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracefabric/tracefabric/schema"
)

func TestRenderLineEntryExit(t *testing.T) {
	ts := time.Date(2026, 1, 1, 9, 5, 3, 125_000_000, time.UTC)
	entry := &schema.Event{Type: schema.EventTrace, Timestamp: ts, NestingLevel: 1, Message: ">>> Call a"}
	assert.Equal(t, "[09.05.03.125] |>>> Call a", RenderLine(entry))

	exit := &schema.Event{Type: schema.EventTrace, Timestamp: ts, NestingLevel: 1, Message: "<<< Exit a"}
	assert.Equal(t, "[09.05.03.125] |<<< Exit a", RenderLine(exit))
}

func TestRenderLineNestedLogIndentation(t *testing.T) {
	ts := time.Date(2026, 1, 1, 9, 5, 3, 0, time.UTC)
	ev := &schema.Event{Type: schema.EventLog, Timestamp: ts, NestingLevel: 2, Message: "hi"}
	assert.Equal(t, "[09.05.03.000] || hi", RenderLine(ev))
}

func TestRenderLineTopLevelLogNoIndent(t *testing.T) {
	ts := time.Date(2026, 1, 1, 9, 5, 3, 0, time.UTC)
	ev := &schema.Event{Type: schema.EventLog, Timestamp: ts, NestingLevel: 0, Message: "hi"}
	assert.Equal(t, "[09.05.03.000] hi", RenderLine(ev))
}

func TestConsoleSinkWritesTaggedLine(t *testing.T) {
	var buf bytes.Buffer
	s := newConsoleSinkTo("[TRACE]", &buf)
	ev := &schema.Event{Type: schema.EventLog, Timestamp: time.Now(), Message: "hello"}
	s.Write(ev)
	assert.Contains(t, buf.String(), "[TRACE] [")
	assert.Contains(t, buf.String(), "hello")
	assert.NoError(t, s.Close())
}

func TestFileSinkCreatesParentDirAndAppends(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "out.log")
	s := NewFileSink(path, false)

	s.Write(&schema.Event{Type: schema.EventLog, Timestamp: time.Now(), Message: "one"})
	s.Write(&schema.Event{Type: schema.EventLog, Timestamp: time.Now(), Message: "two"})
	require.NoError(t, s.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "one")
	assert.Contains(t, string(data), "two")
}

func TestFileSinkTruncateVsAppend(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.log")
	require.NoError(t, os.WriteFile(path, []byte("stale\n"), 0o644))

	appended := NewFileSink(path, false)
	appended.Write(&schema.Event{Type: schema.EventLog, Timestamp: time.Now(), Message: "fresh"})
	require.NoError(t, appended.Close())
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "stale")
	assert.Contains(t, string(data), "fresh")

	require.NoError(t, os.WriteFile(path, []byte("stale\n"), 0o644))
	truncated := NewFileSink(path, true)
	truncated.Write(&schema.Event{Type: schema.EventLog, Timestamp: time.Now(), Message: "fresh"})
	require.NoError(t, truncated.Close())
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "stale")
	assert.Contains(t, string(data), "fresh")
}
