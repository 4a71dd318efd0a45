// Package httpactor implements the worked actor: each delivery is a JSON
// POST of {event, config} to a configured URL. The HTTP status maps onto the
// delivery result: 2xx delivered, 4xx rejected, anything else an error. A
// 2xx body that parses as an event envelope is returned as the response
// event and re-enters the module's bus.
package httpactor

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/http2"

	"github.com/orgloop/orgloop/internal/connector"
	"github.com/orgloop/orgloop/internal/event"
)

// DefaultTimeout bounds one delivery request.
const DefaultTimeout = 30 * time.Second

// maxResponseBytes caps how much of a response body is read.
const maxResponseBytes = 1 << 20

// Actor delivers events over HTTP.
//
// Config:
//
//	url:        target endpoint (required)
//	headers:    map of extra request headers
//	h2c:        true to speak cleartext HTTP/2 (agent endpoints on loopback)
//	timeout_ms: per-delivery timeout override
type Actor struct {
	url     string
	headers map[string]string
	timeout time.Duration
	client  *http.Client
}

func New() *Actor { return &Actor{} }

func (a *Actor) Init(_ context.Context, cfg map[string]any) error {
	a.url, _ = cfg["url"].(string)
	if a.url == "" {
		return fmt.Errorf("http actor: url is required")
	}

	a.headers = make(map[string]string)
	if h, ok := cfg["headers"].(map[string]any); ok {
		for k, v := range h {
			if s, ok := v.(string); ok {
				a.headers[k] = s
			}
		}
	}

	a.timeout = DefaultTimeout
	if ms, ok := asInt(cfg["timeout_ms"]); ok && ms > 0 {
		a.timeout = time.Duration(ms) * time.Millisecond
	}

	if h2c, _ := cfg["h2c"].(bool); h2c {
		a.client = newH2CClient(a.timeout)
	} else {
		a.client = &http.Client{Timeout: a.timeout}
	}
	return nil
}

// delivery is the document posted for each event.
type delivery struct {
	Event  *event.Event   `json:"event"`
	Config map[string]any `json:"config,omitempty"`
}

func (a *Actor) Deliver(ctx context.Context, e *event.Event, cfg map[string]any) (*connector.DeliveryResult, error) {
	body, err := json.Marshal(delivery{Event: e, Config: cfg})
	if err != nil {
		return nil, fmt.Errorf("encode delivery: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range a.headers {
		req.Header.Set(k, v)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return &connector.DeliveryResult{
			Status: connector.StatusError,
			Err:    fmt.Sprintf("post %s: %v", a.url, err),
		}, nil
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return &connector.DeliveryResult{
			Status:        connector.StatusDelivered,
			ResponseEvent: parseResponseEvent(respBody),
		}, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return &connector.DeliveryResult{
			Status: connector.StatusRejected,
			Err:    fmt.Sprintf("http %d: %s", resp.StatusCode, truncate(respBody, 512)),
		}, nil
	default:
		return &connector.DeliveryResult{
			Status: connector.StatusError,
			Err:    fmt.Sprintf("http %d: %s", resp.StatusCode, truncate(respBody, 512)),
		}, nil
	}
}

func (a *Actor) Shutdown(context.Context) error {
	a.client.CloseIdleConnections()
	return nil
}

// parseResponseEvent accepts either a bare envelope or {event: envelope}.
// Anything that does not look like an envelope is ignored: most endpoints
// answer with an acknowledgement body, not a loop event.
func parseResponseEvent(body []byte) *event.Event {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}

	var wrapped struct {
		Event *event.Event `json:"event"`
	}
	if err := json.Unmarshal(body, &wrapped); err == nil && wrapped.Event != nil && wrapped.Event.Source != "" {
		return wrapped.Event
	}

	var e event.Event
	if err := json.Unmarshal(body, &e); err == nil && e.Source != "" && e.Type != "" {
		return &e
	}
	return nil
}

// newH2CClient speaks cleartext HTTP/2 for endpoints that skip TLS on
// loopback.
func newH2CClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
				return (&net.Dialer{}).DialContext(ctx, network, addr)
			},
		},
	}
}

func truncate(b []byte, n int) string {
	s := string(bytes.TrimSpace(b))
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}
