package api

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// requestIDHeader is the canonical header recognised by proxies and
// observability tools.
const requestIDHeader = "X-Request-ID"

// requestIDKey is the context key for the request id. Unexported so external
// packages cannot construct it.
type requestIDKey struct{}

// RequestIDFromContext extracts the request id, or "" if absent.
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}

// RequestID propagates an inbound X-Request-ID or generates a UUID v4, stores
// it in the context, and reflects it on the response so clients can correlate.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
