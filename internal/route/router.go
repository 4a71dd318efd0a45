// Package route evaluates declarative routes against event envelopes.
// A route matches when its source equals the event's source, the event type
// is in its event set, and every filter entry matches. All matching routes
// are returned in declaration order; each runs its own transform pipeline
// and delivery.
package route

import (
	"strings"

	"github.com/orgloop/orgloop/internal/config"
	"github.com/orgloop/orgloop/internal/event"
)

// Router holds a module's routes in declaration order.
type Router struct {
	routes []config.Route
}

// New creates a router over the given routes.
func New(routes []config.Route) *Router {
	return &Router{routes: routes}
}

// Match returns the ordered subset of routes whose when-clause accepts e.
func (r *Router) Match(e *event.Event) []config.Route {
	var out []config.Route
	for _, rt := range r.routes {
		if Matches(e, rt.When) {
			out = append(out, rt)
		}
	}
	return out
}

// Matches evaluates a single when-clause against an event.
func Matches(e *event.Event, when config.When) bool {
	if when.Source != e.Source {
		return false
	}
	typeOK := false
	for _, t := range when.Events {
		if t == string(e.Type) {
			typeOK = true
			break
		}
	}
	if !typeOK {
		return false
	}
	if len(when.Filter) == 0 {
		return true
	}
	doc := docOf(e)
	for path, expected := range when.Filter {
		if !FilterMatch(doc, path, expected) {
			return false
		}
	}
	return true
}

// docOf exposes the envelope as a nested map for dot-path resolution.
func docOf(e *event.Event) map[string]any {
	return map[string]any{
		"id":         e.ID,
		"timestamp":  e.Timestamp.UTC().Format("2006-01-02T15:04:05Z07:00"),
		"source":     e.Source,
		"type":       string(e.Type),
		"provenance": e.Provenance,
		"payload":    e.Payload,
		"trace_id":   e.TraceID,
	}
}

// FilterMatch evaluates one filter entry. Paths are dot-separated; a segment
// suffix of [] splits the path: the prefix must resolve to an array, and the
// entry matches when any element satisfies the remainder (or equals the
// expected value when there is no remainder).
func FilterMatch(doc map[string]any, path string, expected any) bool {
	if idx := strings.Index(path, "[]"); idx >= 0 {
		arrayPath := path[:idx]
		remainder := strings.TrimPrefix(path[idx+2:], ".")

		target, ok := resolve(doc, arrayPath)
		if !ok {
			return false
		}
		arr, ok := target.([]any)
		if !ok {
			return false
		}
		for _, elem := range arr {
			if remainder == "" {
				if valueEqual(elem, expected) {
					return true
				}
				continue
			}
			if m, ok := elem.(map[string]any); ok && FilterMatch(m, remainder, expected) {
				return true
			}
		}
		return false
	}

	got, ok := resolve(doc, path)
	return ok && valueEqual(got, expected)
}

// resolve walks dot-separated segments through nested maps.
func resolve(doc map[string]any, path string) (any, bool) {
	var current any = doc
	for _, seg := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// valueEqual compares a resolved value against an expected config value.
// Numbers compare numerically regardless of Go type: JSON decoding yields
// float64 while YAML yields int, and 1 must equal 1.0.
func valueEqual(got, expected any) bool {
	if gf, ok := asFloat(got); ok {
		if ef, ok := asFloat(expected); ok {
			return gf == ef
		}
		return false
	}
	return got == expected
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}
