package bus

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/orgloop/orgloop/internal/event"
)

// WAL is the durable bus. Every published event is appended to a JSONL file
// before fan-out; acks are appended as tombstone records to the same file.
// Keeping both record kinds in one append-only file means there is a single
// write path and recovery is one forward scan.
type WAL struct {
	subscribers

	path string

	mu      sync.Mutex
	file    *os.File
	writer  *bufio.Writer
	entries map[string]*memEntry
	order   []string
	closed  bool
}

// walRecord is one line of the log: either an event or an ack tombstone.
type walRecord struct {
	Event *event.Event `json:"event,omitempty"`
	Ack   string       `json:"ack,omitempty"`
}

// OpenWAL opens (or creates) the log at path and loads existing entries.
// Ack tombstones are applied during the scan, so Unacked reflects the state
// as of the last run. A trailing partial line (torn write on crash) is
// dropped with the remainder of the file intact.
func OpenWAL(path string) (*WAL, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create wal dir: %w", err)
	}

	w := &WAL{path: path, entries: make(map[string]*memEntry)}
	if err := w.load(); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open wal %s: %w", path, err)
	}
	w.file = f
	w.writer = bufio.NewWriter(f)
	return w, nil
}

func (w *WAL) load() error {
	f, err := os.Open(w.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open wal %s: %w", w.path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec walRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			// Torn final write from a crash; everything before it
			// already loaded.
			break
		}
		switch {
		case rec.Event != nil:
			if _, ok := w.entries[rec.Event.ID]; !ok {
				w.entries[rec.Event.ID] = &memEntry{event: rec.Event}
				w.order = append(w.order, rec.Event.ID)
			}
		case rec.Ack != "":
			if e, ok := w.entries[rec.Ack]; ok {
				e.acked = true
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan wal %s: %w", w.path, err)
	}
	return nil
}

func (w *WAL) append(rec walRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode wal record: %w", err)
	}
	if _, err := w.writer.Write(data); err != nil {
		return fmt.Errorf("append wal %s: %w", w.path, err)
	}
	if err := w.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("append wal %s: %w", w.path, err)
	}
	return w.writer.Flush()
}

func (w *WAL) Publish(ctx context.Context, e *event.Event) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return fmt.Errorf("bus closed")
	}
	if _, ok := w.entries[e.ID]; !ok {
		if err := w.append(walRecord{Event: e}); err != nil {
			w.mu.Unlock()
			return err
		}
		w.entries[e.ID] = &memEntry{event: e}
		w.order = append(w.order, e.ID)
	}
	w.mu.Unlock()

	return w.dispatch(ctx, e)
}

func (w *WAL) Subscribe(f Filter, h Handler) {
	w.add(f, h)
}

func (w *WAL) Ack(id string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	entry, ok := w.entries[id]
	if !ok {
		return fmt.Errorf("ack unknown event %s", id)
	}
	if entry.acked {
		return nil
	}
	if err := w.append(walRecord{Ack: id}); err != nil {
		return err
	}
	entry.acked = true
	return nil
}

func (w *WAL) Unacked() ([]*event.Event, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []*event.Event
	for _, id := range w.order {
		if e := w.entries[id]; !e.acked {
			out = append(out, e.event)
		}
	}
	return out, nil
}

func (w *WAL) Replay(ctx context.Context) error {
	pending, err := w.Unacked()
	if err != nil {
		return err
	}
	for _, e := range pending {
		if err := w.dispatch(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.writer.Flush(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}
