package event

import (
	"errors"
	"fmt"
)

// Phase is a coding-harness session lifecycle phase.
type Phase string

const (
	PhaseStarted   Phase = "started"
	PhaseActive    Phase = "active"
	PhaseCompleted Phase = "completed"
	PhaseFailed    Phase = "failed"
	PhaseStopped   Phase = "stopped"
)

// Terminal reports whether the phase ends a session. Terminal phases map to
// actor.stopped envelopes; non-terminal phases map to resource.changed.
func (p Phase) Terminal() bool {
	switch p {
	case PhaseCompleted, PhaseFailed, PhaseStopped:
		return true
	}
	return false
}

// ValidPhase checks if a string is a valid lifecycle phase.
func ValidPhase(s string) bool {
	switch Phase(s) {
	case PhaseStarted, PhaseActive, PhaseCompleted, PhaseFailed, PhaseStopped:
		return true
	}
	return false
}

// Outcome is the result of a terminal lifecycle phase.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeFailure   Outcome = "failure"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeUnknown   Outcome = "unknown"
)

// ValidOutcome checks if a string is a valid outcome.
func ValidOutcome(s string) bool {
	switch Outcome(s) {
	case OutcomeSuccess, OutcomeFailure, OutcomeCancelled, OutcomeUnknown:
		return true
	}
	return false
}

// Harness identifies the coding harness that produced a session.
type Harness string

const (
	HarnessClaudeCode Harness = "claude-code"
	HarnessCodex      Harness = "codex"
	HarnessOpenCode   Harness = "opencode"
	HarnessPi         Harness = "pi"
	HarnessPiRust     Harness = "pi-rust"
	HarnessOther      Harness = "other"
)

// ValidHarness checks if a string is a known harness name.
func ValidHarness(s string) bool {
	switch Harness(s) {
	case HarnessClaudeCode, HarnessCodex, HarnessOpenCode, HarnessPi, HarnessPiRust, HarnessOther:
		return true
	}
	return false
}

// Lifecycle is the payload.lifecycle sub-object carried by harness events.
// Outcome is required iff the phase is terminal.
type Lifecycle struct {
	Phase     Phase   `json:"phase"`
	Terminal  bool    `json:"terminal"`
	Outcome   Outcome `json:"outcome,omitempty"`
	Reason    string  `json:"reason,omitempty"`
	DedupeKey string  `json:"dedupe_key,omitempty"`
}

// Validate enforces the lifecycle contract: known phase, terminal flag
// consistent with the phase, outcome present exactly when terminal.
func (l *Lifecycle) Validate() error {
	if !ValidPhase(string(l.Phase)) {
		return fmt.Errorf("invalid phase %q", l.Phase)
	}
	if l.Terminal != l.Phase.Terminal() {
		return fmt.Errorf("terminal=%v conflicts with phase %q", l.Terminal, l.Phase)
	}
	if l.Terminal {
		if !ValidOutcome(string(l.Outcome)) {
			return fmt.Errorf("terminal phase %q requires an outcome", l.Phase)
		}
	} else if l.Outcome != "" {
		return errors.New("outcome set on non-terminal phase")
	}
	return nil
}

// DedupeKeyFor builds the canonical lifecycle dedupe key.
func DedupeKeyFor(harness Harness, sessionID string, phase Phase) string {
	return fmt.Sprintf("%s:%s:%s", harness, sessionID, phase)
}

// Session is the payload.session sub-object carried by harness events.
type Session struct {
	ID         string  `json:"id"`
	Adapter    string  `json:"adapter"`
	Harness    Harness `json:"harness"`
	Cwd        string  `json:"cwd,omitempty"`
	StartedAt  string  `json:"started_at,omitempty"`
	EndedAt    string  `json:"ended_at,omitempty"`
	ExitStatus *int    `json:"exit_status,omitempty"`
}

// TypeForPhase maps a lifecycle phase to the envelope type it must carry.
func TypeForPhase(p Phase) Type {
	if p.Terminal() {
		return TypeActorStopped
	}
	return TypeResourceChanged
}

// Lifecycle extracts the lifecycle sub-object from the payload, if present.
// The payload stores it as a decoded JSON map; this re-reads the known keys.
func (e *Event) Lifecycle() (*Lifecycle, bool) {
	raw, ok := e.Payload["lifecycle"].(map[string]any)
	if !ok {
		return nil, false
	}
	lc := &Lifecycle{}
	if v, ok := raw["phase"].(string); ok {
		lc.Phase = Phase(v)
	}
	if v, ok := raw["terminal"].(bool); ok {
		lc.Terminal = v
	}
	if v, ok := raw["outcome"].(string); ok {
		lc.Outcome = Outcome(v)
	}
	if v, ok := raw["reason"].(string); ok {
		lc.Reason = v
	}
	if v, ok := raw["dedupe_key"].(string); ok {
		lc.DedupeKey = v
	}
	return lc, true
}
