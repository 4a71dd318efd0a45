// Package bus provides the per-module event bus: publish, filtered
// subscribe, acknowledge, and replay of unacknowledged entries. Two
// implementations exist behind the Bus interface — a plain in-memory bus and
// a write-ahead-log bus that appends every event and ack to a JSONL file and
// re-delivers unacked entries after a restart.
//
// Semantics are at-least-once: publish fans out to all matching subscribers
// and an entry is only acked explicitly, so a crash between delivery and ack
// re-delivers on recovery. Downstream transforms carry dedup responsibility.
package bus

import (
	"context"
	"errors"
	"sync"

	"github.com/orgloop/orgloop/internal/event"
)

// Handler consumes one published event. An error leaves the entry unacked.
type Handler func(ctx context.Context, e *event.Event) error

// Filter selects which events a subscriber receives. Zero fields match
// everything.
type Filter struct {
	Source string
	Type   event.Type
}

// Matches reports whether the filter accepts the event.
func (f Filter) Matches(e *event.Event) bool {
	if f.Source != "" && f.Source != e.Source {
		return false
	}
	if f.Type != "" && f.Type != e.Type {
		return false
	}
	return true
}

// Bus is the per-module event bus contract.
type Bus interface {
	// Publish appends the event and fans out to matching subscribers,
	// waiting for all of them. A handler error is returned and leaves the
	// entry unacked.
	Publish(ctx context.Context, e *event.Event) error

	// Subscribe registers a handler for events matching the filter.
	Subscribe(f Filter, h Handler)

	// Ack marks the entry durably acknowledged.
	Ack(id string) error

	// Unacked returns all pending entries in ingest order.
	Unacked() ([]*event.Event, error)

	// Replay re-delivers every unacked entry to current subscribers in
	// ingest order. Called once at module start for crash recovery.
	Replay(ctx context.Context) error

	// Close releases resources. Publish after Close is an error.
	Close() error
}

// subscription pairs a filter with its handler.
type subscription struct {
	filter  Filter
	handler Handler
}

// subscribers is the shared fan-out mechanism for both implementations.
type subscribers struct {
	mu   sync.RWMutex
	subs []subscription
}

func (s *subscribers) add(f Filter, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, subscription{filter: f, handler: h})
}

// dispatch runs all matching handlers in parallel and waits. Handler errors
// are joined; any error means the caller must not ack.
func (s *subscribers) dispatch(ctx context.Context, e *event.Event) error {
	s.mu.RLock()
	matched := make([]Handler, 0, len(s.subs))
	for _, sub := range s.subs {
		if sub.filter.Matches(e) {
			matched = append(matched, sub.handler)
		}
	}
	s.mu.RUnlock()

	if len(matched) == 0 {
		return nil
	}

	errs := make([]error, len(matched))
	var wg sync.WaitGroup
	for i, h := range matched {
		i, h := i, h
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = h(ctx, e)
		}()
	}
	wg.Wait()

	return errors.Join(errs...)
}
