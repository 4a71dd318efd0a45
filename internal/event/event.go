// Package event defines the canonical event envelope shared across orgloopd.
// Every connector, route, transform, and logger speaks this shape — sources
// construct envelopes, transforms replace them, actors consume them.
//
// Envelopes are immutable after construction. Code that needs a modified
// event builds a new one (see Clone); the pipeline enforces this at the
// transform boundary.
package event

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

// Type classifies an envelope for routing.
type Type string

const (
	// TypeResourceChanged signals a change to an external resource
	// (PR updated, review submitted, non-terminal session phase).
	TypeResourceChanged Type = "resource.changed"
	// TypeActorStopped signals a terminal lifecycle phase of a
	// coding-harness session or actor.
	TypeActorStopped Type = "actor.stopped"
	// TypeMessageReceived signals an inbound message or tick
	// (chat message, cron firing, generic webhook).
	TypeMessageReceived Type = "message.received"
)

// ValidType checks if a string is a valid envelope type.
func ValidType(s string) bool {
	switch Type(s) {
	case TypeResourceChanged, TypeActorStopped, TypeMessageReceived:
		return true
	}
	return false
}

// AuthorType classifies the author recorded in provenance.
type AuthorType string

const (
	AuthorTeamMember AuthorType = "team_member"
	AuthorExternal   AuthorType = "external"
	AuthorBot        AuthorType = "bot"
	AuthorSystem     AuthorType = "system"
	AuthorUnknown    AuthorType = "unknown"
)

// Well-known provenance keys. Connectors may add their own on top.
const (
	ProvPlatform      = "platform"
	ProvPlatformEvent = "platform_event"
	ProvAuthor        = "author"
	ProvAuthorType    = "author_type"
)

// Event is the canonical envelope. Timestamp is event time (source-assigned),
// not ingest time. TraceID groups every log entry for this event's journey.
type Event struct {
	ID         string         `json:"id"`
	Timestamp  time.Time      `json:"timestamp"`
	Source     string         `json:"source"`
	Type       Type           `json:"type"`
	Provenance map[string]any `json:"provenance"`
	Payload    map[string]any `json:"payload"`
	TraceID    string         `json:"trace_id,omitempty"`
}

var (
	// ErrMissingPlatform indicates provenance lacks the required platform key.
	ErrMissingPlatform = errors.New("provenance missing platform")

	eventIDRe = regexp.MustCompile(`^evt_[a-zA-Z0-9]{16,}$`)
	traceIDRe = regexp.MustCompile(`^trc_[a-zA-Z0-9]{16,}$`)
)

// Validate checks the envelope against the wire contract: id and trace_id
// shapes, a known type, a platform key in provenance, and the lifecycle
// terminal invariant when a lifecycle sub-object is present.
func (e *Event) Validate() error {
	if !eventIDRe.MatchString(e.ID) {
		return fmt.Errorf("invalid event id %q", e.ID)
	}
	if e.TraceID != "" && !traceIDRe.MatchString(e.TraceID) {
		return fmt.Errorf("invalid trace id %q", e.TraceID)
	}
	if e.Timestamp.IsZero() {
		return errors.New("missing timestamp")
	}
	if e.Source == "" {
		return errors.New("missing source")
	}
	if !ValidType(string(e.Type)) {
		return fmt.Errorf("invalid event type %q", e.Type)
	}
	if e.Provenance == nil || e.Provenance[ProvPlatform] == nil {
		return ErrMissingPlatform
	}
	if lc, ok := e.Lifecycle(); ok {
		if err := lc.Validate(); err != nil {
			return fmt.Errorf("lifecycle: %w", err)
		}
		if lc.Terminal != (e.Type == TypeActorStopped) {
			return fmt.Errorf("lifecycle terminal=%v conflicts with type %q", lc.Terminal, e.Type)
		}
	}
	return nil
}

// Clone returns a deep copy of the envelope. Transforms that want to change
// an event clone it first; the original is never mutated.
func (e *Event) Clone() *Event {
	c := *e
	c.Provenance = cloneMap(e.Provenance)
	c.Payload = cloneMap(e.Payload)
	return &c
}

// cloneMap deep-copies nested map[string]any / []any structures. Scalar
// values are shared (they are immutable once decoded from JSON).
func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
