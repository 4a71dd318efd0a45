package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/orgloop/orgloop/internal/event"
)

// Memory is the in-memory bus. Entries do not survive a restart; it serves
// tests and modules that opt out of durability.
type Memory struct {
	subscribers

	mu      sync.Mutex
	entries map[string]*memEntry
	order   []string
	closed  bool
}

type memEntry struct {
	event *event.Event
	acked bool
}

// NewMemory creates an empty in-memory bus.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]*memEntry)}
}

func (b *Memory) Publish(ctx context.Context, e *event.Event) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("bus closed")
	}
	if _, ok := b.entries[e.ID]; !ok {
		b.entries[e.ID] = &memEntry{event: e}
		b.order = append(b.order, e.ID)
	}
	b.mu.Unlock()

	return b.dispatch(ctx, e)
}

func (b *Memory) Subscribe(f Filter, h Handler) {
	b.add(f, h)
}

func (b *Memory) Ack(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.entries[id]
	if !ok {
		return fmt.Errorf("ack unknown event %s", id)
	}
	entry.acked = true
	return nil
}

func (b *Memory) Unacked() ([]*event.Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*event.Event
	for _, id := range b.order {
		if e := b.entries[id]; !e.acked {
			out = append(out, e.event)
		}
	}
	return out, nil
}

func (b *Memory) Replay(ctx context.Context) error {
	pending, err := b.Unacked()
	if err != nil {
		return err
	}
	for _, e := range pending {
		if err := b.dispatch(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

func (b *Memory) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
