// Package connectortest provides in-memory connector doubles for tests:
// a queue-backed source, a recording actor, and a function-backed
// transformer. They implement the same contracts as real connectors so
// module and runtime tests exercise the production pipeline unchanged.
package connectortest

import (
	"context"
	"sync"

	"github.com/orgloop/orgloop/internal/connector"
	"github.com/orgloop/orgloop/internal/event"
)

// MemorySource is a poll source fed by tests. Each Poll drains the queue.
type MemorySource struct {
	mu         sync.Mutex
	queue      []*event.Event
	checkpoint string
	polls      int
	initErr    error
	pollErr    error
	shutdowns  int
}

// NewMemorySource creates an empty MemorySource.
func NewMemorySource() *MemorySource { return &MemorySource{} }

// FailInit makes Init return err.
func (s *MemorySource) FailInit(err error) { s.initErr = err }

// FailPoll makes the next polls return err.
func (s *MemorySource) FailPoll(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pollErr = err
}

// Enqueue adds events for the next poll to return.
func (s *MemorySource) Enqueue(events ...*event.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, events...)
}

func (s *MemorySource) Init(_ context.Context, _ map[string]any) error { return s.initErr }

func (s *MemorySource) Poll(_ context.Context, checkpoint string) (*connector.PollResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.polls++
	if s.pollErr != nil {
		return nil, s.pollErr
	}
	events := s.queue
	s.queue = nil
	cp := checkpoint
	for _, e := range events {
		if ts := e.Timestamp.UTC().Format("2006-01-02T15:04:05Z07:00"); ts > cp {
			cp = ts
		}
	}
	s.checkpoint = cp
	return &connector.PollResult{Events: events, Checkpoint: cp}, nil
}

func (s *MemorySource) Shutdown(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shutdowns++
	return nil
}

// Polls returns how many times Poll ran.
func (s *MemorySource) Polls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.polls
}

// Shutdowns returns how many times Shutdown ran.
func (s *MemorySource) Shutdowns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdowns
}

// CaptureActor records every delivery it receives.
type CaptureActor struct {
	mu        sync.Mutex
	delivered []Delivery
	result    *connector.DeliveryResult
	shutdowns int
}

// Delivery is one recorded Deliver call.
type Delivery struct {
	Event  *event.Event
	Config map[string]any
}

// NewCaptureActor creates an actor that reports every event as delivered.
func NewCaptureActor() *CaptureActor { return &CaptureActor{} }

// Respond makes subsequent deliveries return res instead of the default
// delivered result.
func (a *CaptureActor) Respond(res *connector.DeliveryResult) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.result = res
}

func (a *CaptureActor) Init(context.Context, map[string]any) error { return nil }

func (a *CaptureActor) Deliver(_ context.Context, e *event.Event, cfg map[string]any) (*connector.DeliveryResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.delivered = append(a.delivered, Delivery{Event: e, Config: cfg})
	if a.result != nil {
		return a.result, nil
	}
	return &connector.DeliveryResult{Status: connector.StatusDelivered}, nil
}

func (a *CaptureActor) Shutdown(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.shutdowns++
	return nil
}

// Delivered returns a snapshot of recorded deliveries.
func (a *CaptureActor) Delivered() []Delivery {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Delivery, len(a.delivered))
	copy(out, a.delivered)
	return out
}

// Shutdowns returns how many times Shutdown ran.
func (a *CaptureActor) Shutdowns() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.shutdowns
}

// FuncTransformer adapts a function into a Transformer.
type FuncTransformer struct {
	Fn func(e *event.Event, tc connector.TransformContext) connector.Outcome
}

func (t *FuncTransformer) Init(context.Context, map[string]any) error { return nil }

func (t *FuncTransformer) Execute(_ context.Context, e *event.Event, tc connector.TransformContext) connector.Outcome {
	return t.Fn(e, tc)
}

func (t *FuncTransformer) Shutdown(context.Context) error { return nil }
