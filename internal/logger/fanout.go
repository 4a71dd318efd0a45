package logger

import (
	"context"
	"log/slog"
	"time"
)

// Fanout delivers each entry to every sink. A sink that panics is logged
// and skipped; the pipeline never observes sink failures.
type Fanout struct {
	sinks []Logger
}

// NewFanout creates a fan-out over the given sinks.
func NewFanout(sinks ...Logger) *Fanout {
	return &Fanout{sinks: sinks}
}

// Emit stamps the entry (timestamp, if unset) and sends it to all sinks.
func (f *Fanout) Emit(entry Entry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	for _, sink := range f.sinks {
		f.emitOne(sink, entry)
	}
}

func (f *Fanout) emitOne(sink Logger, entry Entry) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("logger sink panicked", "phase", entry.Phase, "panic", r)
		}
	}()
	sink.Log(entry)
}

// Shutdown closes all sinks in reverse order.
func (f *Fanout) Shutdown(ctx context.Context) {
	for i := len(f.sinks) - 1; i >= 0; i-- {
		if err := f.sinks[i].Shutdown(ctx); err != nil {
			slog.Warn("logger sink shutdown failed", "error", err)
		}
	}
}
