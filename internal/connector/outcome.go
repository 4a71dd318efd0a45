package connector

import (
	"fmt"

	"github.com/orgloop/orgloop/internal/event"
)

// Outcome is the result of one transform step: pass (with a possibly
// replaced event), drop, or error. It replaces exception-style control flow
// with an explicit closed set of results.
type Outcome struct {
	kind   outcomeKind
	event  *event.Event
	reason string
}

type outcomeKind int

const (
	outcomePass outcomeKind = iota
	outcomeDrop
	outcomeError
)

// Pass continues the pipeline with e (which may be the unchanged input or a
// replacement).
func Pass(e *event.Event) Outcome {
	return Outcome{kind: outcomePass, event: e}
}

// Drop stops the pipeline for this route; the event is not delivered.
func Drop() Outcome {
	return Outcome{kind: outcomeDrop}
}

// Errorf records a transform failure. The pipeline logs it and continues
// with the input event unchanged (fail-open).
func Errorf(format string, args ...any) Outcome {
	return Outcome{kind: outcomeError, reason: fmt.Sprintf(format, args...)}
}

// Passed reports whether the step passed, and if so with which event.
func (o Outcome) Passed() (*event.Event, bool) {
	return o.event, o.kind == outcomePass
}

// Dropped reports whether the step dropped the event.
func (o Outcome) Dropped() bool { return o.kind == outcomeDrop }

// Failed reports whether the step errored, and why.
func (o Outcome) Failed() (string, bool) {
	return o.reason, o.kind == outcomeError
}
