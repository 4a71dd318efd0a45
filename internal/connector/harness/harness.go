// Package harness implements the coding-harness lifecycle source. Harness
// adapters post session lifecycle updates over HTTP; each post becomes one
// envelope whose type follows the lifecycle contract: terminal phases emit
// actor.stopped, non-terminal phases emit resource.changed.
package harness

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/orgloop/orgloop/internal/connector"
	"github.com/orgloop/orgloop/internal/event"
)

// Source accepts lifecycle posts from harness adapters.
//
// Config:
//
//	token: shared bearer token; unset disables authentication
type Source struct {
	sourceID string
	token    string
}

func New() *Source { return &Source{} }

func (s *Source) Init(_ context.Context, cfg map[string]any) error {
	s.sourceID, _ = cfg["source_id"].(string)
	s.token, _ = cfg["token"].(string)
	return nil
}

// Poll is a no-op: lifecycle updates are push-only.
func (s *Source) Poll(context.Context, string) (*connector.PollResult, error) {
	return &connector.PollResult{}, nil
}

func (s *Source) Shutdown(context.Context) error { return nil }

// post is the wire shape a harness adapter sends.
type post struct {
	Timestamp string          `json:"timestamp,omitempty"`
	Lifecycle event.Lifecycle `json:"lifecycle"`
	Session   event.Session   `json:"session"`
	Extra     map[string]any  `json:"extra,omitempty"`
}

func (s *Source) HandleWebhook(_ context.Context, r *http.Request) ([]*event.Event, error) {
	if s.token != "" && !s.authorized(r) {
		return nil, &connector.WebhookError{Status: http.StatusUnauthorized, Message: "invalid token"}
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, &connector.WebhookError{Status: http.StatusBadRequest, Message: "read request body failed"}
	}
	var p post
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, &connector.WebhookError{Status: http.StatusBadRequest, Message: "request body is not valid JSON"}
	}

	if p.Session.ID == "" {
		return nil, &connector.WebhookError{Status: http.StatusBadRequest, Message: "session.id is required"}
	}
	if !event.ValidHarness(string(p.Session.Harness)) {
		return nil, &connector.WebhookError{Status: http.StatusBadRequest,
			Message: fmt.Sprintf("unknown harness %q", p.Session.Harness)}
	}
	if err := p.Lifecycle.Validate(); err != nil {
		return nil, &connector.WebhookError{Status: http.StatusBadRequest,
			Message: fmt.Sprintf("lifecycle: %v", err)}
	}

	if p.Lifecycle.DedupeKey == "" {
		p.Lifecycle.DedupeKey = event.DedupeKeyFor(p.Session.Harness, p.Session.ID, p.Lifecycle.Phase)
	}

	ts := time.Now()
	if p.Timestamp != "" {
		parsed, err := time.Parse(time.RFC3339, p.Timestamp)
		if err != nil {
			return nil, &connector.WebhookError{Status: http.StatusBadRequest,
				Message: "timestamp must be RFC 3339"}
		}
		ts = parsed
	}

	payload := map[string]any{
		"lifecycle": lifecycleDoc(p.Lifecycle),
		"session":   sessionDoc(p.Session),
	}
	for k, v := range p.Extra {
		if k != "lifecycle" && k != "session" {
			payload[k] = v
		}
	}

	e := event.New(s.sourceID, event.TypeForPhase(p.Lifecycle.Phase), ts, map[string]any{
		event.ProvPlatform:      string(p.Session.Harness),
		event.ProvPlatformEvent: "session." + string(p.Lifecycle.Phase),
		event.ProvAuthorType:    string(event.AuthorSystem),
	}, payload)
	return []*event.Event{e}, nil
}

func (s *Source) authorized(r *http.Request) bool {
	token := r.Header.Get("X-Orgloop-Token")
	if token == "" {
		token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.token)) == 1
}

// lifecycleDoc and sessionDoc flatten the typed structs into the payload's
// map form, which is what filters and transforms resolve against.
func lifecycleDoc(lc event.Lifecycle) map[string]any {
	doc := map[string]any{
		"phase":      string(lc.Phase),
		"terminal":   lc.Terminal,
		"dedupe_key": lc.DedupeKey,
	}
	if lc.Outcome != "" {
		doc["outcome"] = string(lc.Outcome)
	}
	if lc.Reason != "" {
		doc["reason"] = lc.Reason
	}
	return doc
}

func sessionDoc(sess event.Session) map[string]any {
	doc := map[string]any{
		"id":      sess.ID,
		"adapter": sess.Adapter,
		"harness": string(sess.Harness),
	}
	if sess.Cwd != "" {
		doc["cwd"] = sess.Cwd
	}
	if sess.StartedAt != "" {
		doc["started_at"] = sess.StartedAt
	}
	if sess.EndedAt != "" {
		doc["ended_at"] = sess.EndedAt
	}
	if sess.ExitStatus != nil {
		doc["exit_status"] = *sess.ExitStatus
	}
	return doc
}
