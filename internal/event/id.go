package event

import (
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// Id generation for envelopes and traces. ULIDs are time-sortable, so a
// directory of WAL files or a stream of log entries sorts in rough ingest
// order by id alone. Prefixes make the id kind self-describing in logs.

// NewEventID returns a fresh evt_-prefixed id.
func NewEventID() string {
	return "evt_" + newULID()
}

// NewTraceID returns a fresh trc_-prefixed id.
func NewTraceID() string {
	return "trc_" + newULID()
}

func newULID() string {
	return strings.ToLower(ulid.Make().String())
}

// New constructs an envelope with fresh id, the given source-assigned
// timestamp normalized to UTC, and no trace id (the runtime assigns one at
// ingest).
func New(source string, typ Type, ts time.Time, provenance, payload map[string]any) *Event {
	if provenance == nil {
		provenance = map[string]any{}
	}
	if payload == nil {
		payload = map[string]any{}
	}
	return &Event{
		ID:         NewEventID(),
		Timestamp:  ts.UTC(),
		Source:     source,
		Type:       typ,
		Provenance: provenance,
		Payload:    payload,
	}
}
