// Package schedule runs the poll tickers for all loaded sources. One
// goroutine per source fires the poll callback at the source's interval;
// sources are isolated from each other — a slow, failing, or panicking poll
// never affects another source's cadence.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

// PollFunc is invoked once per due tick with the source id. The callback
// looks up the owning module and runs the poll inside it.
type PollFunc func(ctx context.Context, sourceID string)

// Scheduler owns one ticker goroutine per registered source.
//
// Tick discipline: the first tick fires immediately on start; ticks are not
// re-entrant (a tick that elapses while a poll is still running is dropped,
// not queued); cancellation is prompt on Stop or Remove.
type Scheduler struct {
	mu      sync.Mutex
	sources map[string]*sourceTicker
	cb      PollFunc
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

type sourceTicker struct {
	interval time.Duration
	cancel   context.CancelFunc
}

// New creates an empty scheduler.
func New() *Scheduler {
	return &Scheduler{sources: make(map[string]*sourceTicker)}
}

// Start launches tickers for every registered source and arms the scheduler
// so later AddSource calls launch immediately.
func (s *Scheduler) Start(ctx context.Context, cb PollFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cb = cb
	s.started = true
	for id, st := range s.sources {
		s.launchLocked(id, st)
	}
}

// AddSource registers a poll ticker. Adding an id that is already registered
// is an error; the runtime enforces source-id uniqueness across modules at
// module load.
func (s *Scheduler) AddSource(sourceID string, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("source %s: non-positive interval %v", sourceID, interval)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sources[sourceID]; exists {
		return fmt.Errorf("source %s already scheduled", sourceID)
	}
	st := &sourceTicker{interval: interval}
	s.sources[sourceID] = st
	if s.started {
		s.launchLocked(sourceID, st)
	}
	return nil
}

// Remove stops and deregisters a source's ticker. No-op for unknown ids.
func (s *Scheduler) Remove(sourceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sources[sourceID]
	if !ok {
		return
	}
	if st.cancel != nil {
		st.cancel()
	}
	delete(s.sources, sourceID)
}

// Stop cancels all tickers and waits for in-flight polls to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
}

// Sources returns the ids of all registered sources.
func (s *Scheduler) Sources() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.sources))
	for id := range s.sources {
		out = append(out, id)
	}
	return out
}

// launchLocked starts the ticker goroutine for one source. Caller holds s.mu.
func (s *Scheduler) launchLocked(sourceID string, st *sourceTicker) {
	ctx, cancel := context.WithCancel(s.ctx)
	st.cancel = cancel
	cb := s.cb

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(st.interval)
		defer ticker.Stop()

		// First tick fires immediately.
		s.poll(ctx, cb, sourceID)

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.poll(ctx, cb, sourceID)
				// Drop the tick that may have elapsed while the
				// poll was running: polls are never queued.
				select {
				case <-ticker.C:
				default:
				}
			}
		}
	}()
}

// poll runs one callback invocation with panic isolation.
func (s *Scheduler) poll(ctx context.Context, cb PollFunc, sourceID string) {
	if ctx.Err() != nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("scheduler: poll panicked",
				"source", sourceID, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	cb(ctx, sourceID)
}
