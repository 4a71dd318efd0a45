// Package logger defines the structured per-phase log entries emitted as an
// event moves through the pipeline, the Logger sink contract, and the
// fan-out that delivers each entry to every configured sink. Sinks are
// per-module; a failing sink never affects event processing.
package logger

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Phase identifies where in the pipeline an entry was emitted.
type Phase string

const (
	PhaseSourceEmit     Phase = "source.emit"
	PhaseTransformStart Phase = "transform.start"
	PhaseTransformPass  Phase = "transform.pass"
	PhaseTransformDrop  Phase = "transform.drop"
	PhaseTransformError Phase = "transform.error"
	PhaseRouteMatch     Phase = "route.match"
	PhaseRouteNoMatch   Phase = "route.no_match"
	PhaseDeliverAttempt Phase = "deliver.attempt"
	PhaseDeliverSuccess Phase = "deliver.success"
	PhaseDeliverFailure Phase = "deliver.failure"
	PhaseDeliverRetry   Phase = "deliver.retry"
	PhaseSystemStart    Phase = "system.start"
	PhaseSystemStop     Phase = "system.stop"
	PhaseSystemError    Phase = "system.error"
)

// Entry is one structured log record. All entries for one event's journey
// share the event's trace id.
type Entry struct {
	Timestamp  time.Time      `json:"timestamp"`
	EventID    string         `json:"event_id,omitempty"`
	TraceID    string         `json:"trace_id,omitempty"`
	Phase      Phase          `json:"phase"`
	Source     string         `json:"source,omitempty"`
	Target     string         `json:"target,omitempty"`
	Route      string         `json:"route,omitempty"`
	Transform  string         `json:"transform,omitempty"`
	EventType  string         `json:"event_type,omitempty"`
	Result     string         `json:"result,omitempty"`
	DurationMs int64          `json:"duration_ms,omitempty"`
	QueueDepth int            `json:"queue_depth,omitempty"`
	Error      string         `json:"error,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Workspace  string         `json:"workspace,omitempty"`
}

// Logger is one log sink.
type Logger interface {
	Init(ctx context.Context, cfg map[string]any) error
	Log(entry Entry)
	Shutdown(ctx context.Context) error
}

// Ctor builds a fresh, uninitialized logger instance.
type Ctor func() Logger

// Registry maps logger type names to constructors.
type Registry struct {
	mu    sync.RWMutex
	ctors map[string]Ctor
}

// NewRegistry returns a registry pre-loaded with the built-in sinks.
func NewRegistry() *Registry {
	r := &Registry{ctors: make(map[string]Ctor)}
	r.Register("slog", func() Logger { return NewSlog() })
	r.Register("jsonl", func() Logger { return &JSONL{} })
	return r
}

// Register adds a logger type, replacing any prior registration.
func (r *Registry) Register(name string, ctor Ctor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ctors[name] = ctor
}

// New instantiates the named logger type.
func (r *Registry) New(name string) (Logger, error) {
	r.mu.RLock()
	ctor, ok := r.ctors[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown logger type %q", name)
	}
	return ctor(), nil
}
