package logger

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// Slog emits entries through the process slog logger, so pipeline phases
// land in the daemon's own JSON log stream.
type Slog struct {
	log *slog.Logger
}

// NewSlog creates a sink over slog.Default. Init may override nothing; the
// sink has no config.
func NewSlog() *Slog {
	return &Slog{log: slog.Default()}
}

func (s *Slog) Init(context.Context, map[string]any) error {
	s.log = slog.Default()
	return nil
}

func (s *Slog) Log(entry Entry) {
	attrs := []any{
		"phase", string(entry.Phase),
		"event_id", entry.EventID,
		"trace_id", entry.TraceID,
	}
	if entry.Source != "" {
		attrs = append(attrs, "source", entry.Source)
	}
	if entry.Target != "" {
		attrs = append(attrs, "target", entry.Target)
	}
	if entry.Route != "" {
		attrs = append(attrs, "route", entry.Route)
	}
	if entry.Transform != "" {
		attrs = append(attrs, "transform", entry.Transform)
	}
	if entry.Result != "" {
		attrs = append(attrs, "result", entry.Result)
	}
	if entry.DurationMs > 0 {
		attrs = append(attrs, "duration_ms", entry.DurationMs)
	}
	if entry.Error != "" {
		attrs = append(attrs, "error", entry.Error)
		s.log.Warn("pipeline", attrs...)
		return
	}
	s.log.Info("pipeline", attrs...)
}

func (s *Slog) Shutdown(context.Context) error { return nil }

// JSONL appends entries to a file, one JSON object per line. The canonical
// on-disk log format; config: {path}.
type JSONL struct {
	mu     sync.Mutex
	file   *os.File
	writer *bufio.Writer
}

func (j *JSONL) Init(_ context.Context, cfg map[string]any) error {
	path, _ := cfg["path"].(string)
	if path == "" {
		return fmt.Errorf("jsonl logger: path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("jsonl logger: create dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("jsonl logger: open %s: %w", path, err)
	}
	j.file = f
	j.writer = bufio.NewWriter(f)
	return nil
}

func (j *JSONL) Log(entry Entry) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.writer == nil {
		return
	}
	data, err := json.Marshal(entry)
	if err != nil {
		slog.Warn("jsonl logger: encode failed", "error", err)
		return
	}
	j.writer.Write(data)
	j.writer.WriteByte('\n')
	j.writer.Flush()
}

func (j *JSONL) Shutdown(context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	j.writer.Flush()
	err := j.file.Close()
	j.file = nil
	j.writer = nil
	return err
}

// Memory records entries for tests.
type Memory struct {
	mu      sync.Mutex
	entries []Entry
}

// NewMemory creates an empty recording sink.
func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Init(context.Context, map[string]any) error { return nil }

func (m *Memory) Log(entry Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
}

func (m *Memory) Shutdown(context.Context) error { return nil }

// Entries returns a snapshot of everything logged.
func (m *Memory) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out
}

// ByPhase returns recorded entries with the given phase.
func (m *Memory) ByPhase(p Phase) []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Entry
	for _, e := range m.entries {
		if e.Phase == p {
			out = append(out, e)
		}
	}
	return out
}
