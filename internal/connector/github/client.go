package github

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// apiError is a non-2xx API response with the rate-limit state at the time.
type apiError struct {
	status    int
	remaining int
	url       string
	body      string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("github api %s: http %d: %s", e.url, e.status, e.body)
}

// rateLimited covers both the explicit 429 and GitHub's 403-with-zero-remaining
// form of rate limiting.
func (e *apiError) rateLimited() bool {
	return e.status == http.StatusTooManyRequests ||
		(e.status == http.StatusForbidden && e.remaining == 0)
}

func (e *apiError) authFailure() bool {
	return e.status == http.StatusUnauthorized ||
		(e.status == http.StatusForbidden && !e.rateLimited())
}

func (e *apiError) retryable() bool {
	return e.status == http.StatusTooManyRequests ||
		e.status == http.StatusBadGateway ||
		e.status == http.StatusServiceUnavailable
}

func asAPIError(err error, target **apiError) bool {
	return errors.As(err, target)
}

// doJSON issues one API request, tracks the rate-limit headers, and decodes a
// JSON response into out.
func (s *Source) doJSON(ctx context.Context, method, url string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	s.apiCalls++
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("github api %s: %w", url, err)
	}
	defer resp.Body.Close()

	s.observeRateHeaders(resp.Header)

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &apiError{
			status:    resp.StatusCode,
			remaining: s.remaining(),
			url:       url,
			body:      truncate(respBody, 256),
		}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("github api %s: decode response: %w", url, err)
	}
	return nil
}

// observeRateHeaders keeps the rate snapshot current from every response.
func (s *Source) observeRateHeaders(h http.Header) {
	rem := h.Get("X-RateLimit-Remaining")
	if rem == "" {
		return
	}
	remaining, err := strconv.Atoi(rem)
	if err != nil {
		return
	}
	rl := &rateLimit{remaining: remaining}
	if reset := h.Get("X-RateLimit-Reset"); reset != "" {
		if epoch, err := strconv.ParseInt(reset, 10, 64); err == nil {
			rl.resetAt = time.Unix(epoch, 0).UTC()
		}
	}
	s.rate = rl
}

func truncate(b []byte, n int) string {
	s := string(bytes.TrimSpace(b))
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
