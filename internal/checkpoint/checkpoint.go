// Package checkpoint persists per-source poll cursors. Each module owns one
// store backed by a single JSON file; entries are written eagerly after every
// successful poll so a restart resumes close to where it left off.
//
// Cursors are opaque strings. For time-based connectors they are RFC 3339
// timestamps, which makes "new >= old" a lexicographic comparison, but the
// store itself never interprets them.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Store is a file-backed map of source id to cursor.
type Store struct {
	path    string
	mu      sync.Mutex
	entries map[string]string
}

// Open loads the store at path, creating parent directories as needed.
// A missing file is an empty store, not an error.
func Open(path string) (*Store, error) {
	s := &Store{path: path, entries: make(map[string]string)}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read checkpoints %s: %w", path, err)
	}
	if len(data) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(data, &s.entries); err != nil {
		return nil, fmt.Errorf("parse checkpoints %s: %w", path, err)
	}
	return s, nil
}

// Get returns the cursor for a source, or "" if none has been recorded.
func (s *Store) Get(sourceID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries[sourceID]
}

// Set records a cursor and persists the whole store. The write is eager
// best-effort: the file is replaced atomically via rename but not fsync'd.
func (s *Store) Set(sourceID, cursor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[sourceID] = cursor
	return s.persistLocked()
}

// All returns a snapshot of every recorded cursor.
func (s *Store) All() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.entries))
	for k, v := range s.entries {
		out[k] = v
	}
	return out
}

// Restore seeds cursors without overwriting existing entries. Used on
// hot-reload to carry checkpoints across module instances.
func (s *Store) Restore(entries map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := false
	for k, v := range entries {
		if _, ok := s.entries[k]; !ok {
			s.entries[k] = v
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return s.persistLocked()
}

func (s *Store) persistLocked() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}
	data, err := json.MarshalIndent(s.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encode checkpoints: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write checkpoints %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace checkpoints %s: %w", s.path, err)
	}
	return nil
}
