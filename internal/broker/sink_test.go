package broker

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracefabric/tracefabric/internal/config"
	"github.com/tracefabric/tracefabric/internal/obslog"
	"github.com/tracefabric/tracefabric/schema"
)

func TestBuildRecordFullIncludesEnvelope(t *testing.T) {
	ev := &schema.Event{ID: "evt_1", Message: "hi"}
	rec := buildRecord(config.CaptureFull, "link_1", "/trace", "log", ev)
	out, ok := rec.(record)
	require.True(t, ok)
	assert.Equal(t, "link_1", out.ClientID)
	assert.Equal(t, "/trace", out.Route)
	assert.Equal(t, "log", out.Type)
	assert.Same(t, ev, out.Data)
}

func TestBuildRecordBodyOnlyIsBareEvent(t *testing.T) {
	ev := &schema.Event{ID: "evt_1", Message: "hi"}
	rec := buildRecord(config.CaptureBodyOnly, "link_1", "/trace", "log", ev)
	assert.Same(t, ev, rec)
}

func TestBuildRecordPayloadOnlyOmitsEnvelopeFields(t *testing.T) {
	ev := &schema.Event{ID: "evt_1", Message: "hi"}
	rec := buildRecord(config.CapturePayloadOnly, "link_1", "/trace", "log", ev)
	raw, err := json.Marshal(rec)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "clientId")
	assert.NotContains(t, string(raw), "\"route\"")
	assert.Contains(t, string(raw), "\"data\"")
}

func TestSinkPersistWritesRecordLineToFile(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "events.jsonl")
	s := NewSink(obslog.NewDefault(), false)
	defer s.Close()

	route := config.Route{RoutePrefix: "/trace", Output: out, Capture: config.CaptureFull}
	ev := &schema.Event{ID: "evt_1", Type: schema.EventLog, Message: "hello"}
	require.NoError(t, s.Persist(route, "link_1", "log", ev))

	f, err := os.Open(out)
	require.NoError(t, err)
	defer f.Close()

	scanner := bufio.NewScanner(f)
	require.True(t, scanner.Scan())
	var rec record
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
	assert.Equal(t, "hello", rec.Data.Message)
	assert.Equal(t, "link_1", rec.ClientID)
}

func TestSinkPersistAppendsAcrossMultipleCalls(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "events.jsonl")
	s := NewSink(obslog.NewDefault(), false)
	defer s.Close()

	route := config.Route{RoutePrefix: "/trace", Output: out, Capture: config.CaptureBodyOnly}
	require.NoError(t, s.Persist(route, "link_1", "log", &schema.Event{ID: "evt_1", Message: "first"}))
	require.NoError(t, s.Persist(route, "link_1", "log", &schema.Event{ID: "evt_2", Message: "second"}))
	require.NoError(t, s.Close())

	raw, err := os.ReadFile(out)
	require.NoError(t, err)
	lines := 0
	for _, b := range raw {
		if b == '\n' {
			lines++
		}
	}
	assert.Equal(t, 2, lines)
}

func TestSinkPersistCreatesParentDirectories(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "nested", "deep", "events.jsonl")
	s := NewSink(obslog.NewDefault(), false)
	defer s.Close()

	route := config.Route{RoutePrefix: "/", Output: out, Capture: config.CaptureFull}
	require.NoError(t, s.Persist(route, "link_1", "log", &schema.Event{ID: "evt_1"}))

	_, err := os.Stat(out)
	assert.NoError(t, err)
}
