package logger_test

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/orgloop/orgloop/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFanout_DeliversToAllSinks(t *testing.T) {
	a := logger.NewMemory()
	b := logger.NewMemory()
	f := logger.NewFanout(a, b)

	f.Emit(logger.Entry{Phase: logger.PhaseSourceEmit, EventID: "evt_x", TraceID: "trc_x"})

	require.Len(t, a.Entries(), 1)
	require.Len(t, b.Entries(), 1)
	assert.Equal(t, logger.PhaseSourceEmit, a.Entries()[0].Phase)
}

func TestFanout_StampsTimestamp(t *testing.T) {
	m := logger.NewMemory()
	f := logger.NewFanout(m)

	f.Emit(logger.Entry{Phase: logger.PhaseRouteMatch})

	assert.False(t, m.Entries()[0].Timestamp.IsZero())
}

func TestFanout_KeepsExplicitTimestamp(t *testing.T) {
	m := logger.NewMemory()
	f := logger.NewFanout(m)
	ts := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	f.Emit(logger.Entry{Phase: logger.PhaseRouteMatch, Timestamp: ts})

	assert.Equal(t, ts, m.Entries()[0].Timestamp)
}

type panickySink struct{}

func (panickySink) Init(context.Context, map[string]any) error { return nil }
func (panickySink) Log(logger.Entry)                           { panic("sink exploded") }
func (panickySink) Shutdown(context.Context) error             { return nil }

func TestFanout_SinkPanicDoesNotStopOthers(t *testing.T) {
	m := logger.NewMemory()
	f := logger.NewFanout(panickySink{}, m)

	f.Emit(logger.Entry{Phase: logger.PhaseDeliverSuccess})

	require.Len(t, m.Entries(), 1)
}

func TestJSONL_WritesOneEntryPerLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "orgloop.jsonl")
	j := &logger.JSONL{}
	require.NoError(t, j.Init(context.Background(), map[string]any{"path": path}))

	j.Log(logger.Entry{Phase: logger.PhaseSourceEmit, EventID: "evt_1", TraceID: "trc_1", Timestamp: time.Now().UTC()})
	j.Log(logger.Entry{Phase: logger.PhaseDeliverSuccess, EventID: "evt_1", TraceID: "trc_1", DurationMs: 42, Timestamp: time.Now().UTC()})
	require.NoError(t, j.Shutdown(context.Background()))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var phases []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var entry map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &entry))
		phases = append(phases, entry["phase"].(string))
	}
	assert.Equal(t, []string{"source.emit", "deliver.success"}, phases)
}

func TestJSONL_MissingPath_FailsInit(t *testing.T) {
	j := &logger.JSONL{}

	assert.Error(t, j.Init(context.Background(), map[string]any{}))
}

func TestRegistry_BuiltinsAndUnknown(t *testing.T) {
	r := logger.NewRegistry()

	for _, name := range []string{"slog", "jsonl"} {
		l, err := r.New(name)
		require.NoError(t, err, name)
		assert.NotNil(t, l, name)
	}

	_, err := r.New("syslog")
	assert.Error(t, err)
}

func TestMemory_ByPhase(t *testing.T) {
	m := logger.NewMemory()
	m.Log(logger.Entry{Phase: logger.PhaseRouteMatch, Route: "r1"})
	m.Log(logger.Entry{Phase: logger.PhaseRouteNoMatch})
	m.Log(logger.Entry{Phase: logger.PhaseRouteMatch, Route: "r2"})

	matches := m.ByPhase(logger.PhaseRouteMatch)
	require.Len(t, matches, 2)
	assert.Equal(t, "r1", matches[0].Route)
	assert.Equal(t, "r2", matches[1].Route)
}
