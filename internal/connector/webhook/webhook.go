// Package webhook implements the generic push source: one event per inbound
// HTTP request, optionally authenticated with an HMAC-SHA256 body signature.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/orgloop/orgloop/internal/connector"
	"github.com/orgloop/orgloop/internal/event"
)

// signatureHeaders are checked in order for the "sha256=<hex>" signature.
var signatureHeaders = []string{"X-Hub-Signature-256", "X-Signature"}

// Source accepts JSON posts and turns each into one event.
//
// Config:
//
//	secret:       HMAC-SHA256 signing secret; unset disables verification
//	platform:     provenance.platform value (default "webhook")
//	event_header: header carrying the platform event name (default X-Event-Type)
//	event_field:  top-level body field carrying it when the header is absent
//	event_type:   envelope type to emit (default resource.changed)
type Source struct {
	sourceID    string
	secret      string
	platform    string
	eventHeader string
	eventField  string
	eventType   event.Type
}

func New() *Source { return &Source{} }

func (s *Source) Init(_ context.Context, cfg map[string]any) error {
	s.sourceID, _ = cfg["source_id"].(string)
	s.secret, _ = cfg["secret"].(string)

	s.platform, _ = cfg["platform"].(string)
	if s.platform == "" {
		s.platform = "webhook"
	}
	s.eventHeader, _ = cfg["event_header"].(string)
	if s.eventHeader == "" {
		s.eventHeader = "X-Event-Type"
	}
	s.eventField, _ = cfg["event_field"].(string)

	if t, ok := cfg["event_type"].(string); ok && t != "" {
		if !event.ValidType(t) {
			return fmt.Errorf("event_type %q is not a valid envelope type", t)
		}
		s.eventType = event.Type(t)
	} else {
		s.eventType = event.TypeResourceChanged
	}
	return nil
}

// Poll is a no-op: the source is push-only.
func (s *Source) Poll(context.Context, string) (*connector.PollResult, error) {
	return &connector.PollResult{}, nil
}

func (s *Source) Shutdown(context.Context) error { return nil }

func (s *Source) HandleWebhook(_ context.Context, r *http.Request) ([]*event.Event, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, &connector.WebhookError{Status: http.StatusBadRequest, Message: "read request body failed"}
	}

	if s.secret != "" {
		if !s.verify(r, body) {
			return nil, &connector.WebhookError{Status: http.StatusUnauthorized, Message: "signature verification failed"}
		}
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, &connector.WebhookError{Status: http.StatusBadRequest, Message: "request body is not valid JSON"}
	}

	provenance := map[string]any{
		event.ProvPlatform:   s.platform,
		event.ProvAuthorType: string(event.AuthorUnknown),
	}
	if pe := s.platformEvent(r, payload); pe != "" {
		provenance[event.ProvPlatformEvent] = pe
	}

	return []*event.Event{
		event.New(s.sourceID, s.eventType, time.Now(), provenance, payload),
	}, nil
}

// verify compares the HMAC-SHA256 of the raw body against the signature
// header, constant-time.
func (s *Source) verify(r *http.Request, body []byte) bool {
	mac := hmac.New(sha256.New, []byte(s.secret))
	mac.Write(body)
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	for _, header := range signatureHeaders {
		if got := r.Header.Get(header); got != "" {
			return hmac.Equal([]byte(want), []byte(got))
		}
	}
	return false
}

func (s *Source) platformEvent(r *http.Request, payload map[string]any) string {
	if v := r.Header.Get(s.eventHeader); v != "" {
		return v
	}
	if s.eventField != "" {
		if v, ok := payload[s.eventField].(string); ok {
			return v
		}
	}
	return ""
}
