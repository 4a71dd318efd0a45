// Package github implements the batched GitHub poller. One GraphQL query
// fetches recently-updated pull requests with their reviews; review comments,
// issue comments, workflow runs, and check suites come from the REST API.
// The poller budgets its API calls against the reported rate limit and skips
// non-essential event classes when the budget runs low.
package github

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/orgloop/orgloop/internal/cache"
	"github.com/orgloop/orgloop/internal/config"
	"github.com/orgloop/orgloop/internal/connector"
	"github.com/orgloop/orgloop/internal/event"
)

const (
	// DefaultInitialLookback bounds the first poll when no checkpoint exists.
	DefaultInitialLookback = 7 * 24 * time.Hour

	// DefaultRateBudget is the fraction of the rate limit the poller is
	// willing to spend.
	DefaultRateBudget = 0.8

	// prCacheTTL is how long a PR's updated_at stays cached for review
	// suppression.
	prCacheTTL = 30 * 24 * time.Hour

	// cacheEvictionInterval throttles the amortized cache sweep.
	cacheEvictionInterval = time.Hour

	// lowRemainingWarn is where the poller starts warning about the limit.
	lowRemainingWarn = 100
)

// epochFloor: checkpoints at or before this are "no checkpoint".
var epochFloor = time.Date(1970, 1, 2, 0, 0, 0, 0, time.UTC)

var envRefRe = regexp.MustCompile(`^\$\{([A-Za-z_][A-Za-z0-9_]*)\}$`)

// Event classes the poller understands.
const (
	classPROpened         = "pull_request.opened"
	classPRClosed         = "pull_request.closed"
	classPRReady          = "pull_request.ready_for_review"
	classReviewSubmitted  = "pull_request.review_submitted"
	classReviewComment    = "pull_request.review_comment"
	classIssueComment     = "issue_comment"
	classWorkflowRun      = "workflow_run"
	classCheckSuite       = "check_suite"
)

type rateLimit struct {
	remaining int
	resetAt   time.Time
}

// Source polls one repository.
//
// Config:
//
//	repo:             "owner/name" (required)
//	events:           list of event classes to emit (required)
//	authors:          allow-list of provenance.author logins
//	token:            API token, or "${ENV_NAME}" re-resolved every poll
//	token_env:        env var re-read every poll (rotation without restart)
//	team_members:     logins classified as author_type team_member
//	initial_lookback: duration, default 7d
//	rate_budget:      fraction of rate limit to spend, default 0.8
//	api_url:          API base override (tests, GitHub Enterprise)
type Source struct {
	sourceID string
	owner    string
	name     string
	classes  map[string]bool
	authors  map[string]bool
	team     map[string]bool

	rawToken string
	tokenEnv string
	token    string

	lookback   time.Duration
	rateBudget float64
	apiURL     string

	client *http.Client

	rate         *rateLimit
	prCache      *cache.Cache[int, string]
	lastEviction time.Time
	apiCalls     int

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration)
}

func New() *Source {
	return &Source{
		now: time.Now,
		sleep: func(ctx context.Context, d time.Duration) {
			select {
			case <-ctx.Done():
			case <-time.After(d):
			}
		},
	}
}

func (s *Source) Init(_ context.Context, cfg map[string]any) error {
	s.sourceID, _ = cfg["source_id"].(string)

	repo, _ := cfg["repo"].(string)
	owner, name, ok := strings.Cut(repo, "/")
	if !ok || owner == "" || name == "" {
		return fmt.Errorf("github source: repo must be \"owner/name\", got %q", repo)
	}
	s.owner, s.name = owner, name

	s.classes = stringSet(cfg["events"])
	if len(s.classes) == 0 {
		return fmt.Errorf("github source: events is required")
	}
	s.authors = stringSet(cfg["authors"])
	s.team = stringSet(cfg["team_members"])

	s.rawToken, _ = cfg["token"].(string)
	s.tokenEnv, _ = cfg["token_env"].(string)
	if s.rawToken == "" && s.tokenEnv == "" {
		return fmt.Errorf("github source: token or token_env is required")
	}

	s.lookback = DefaultInitialLookback
	if v, ok := cfg["initial_lookback"].(string); ok && v != "" {
		d, err := config.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("github source: initial_lookback: %w", err)
		}
		s.lookback = d
	}

	s.rateBudget = DefaultRateBudget
	if v, ok := cfg["rate_budget"].(float64); ok {
		if v <= 0 || v > 1 {
			return fmt.Errorf("github source: rate_budget must be in (0,1], got %v", v)
		}
		s.rateBudget = v
	}

	s.apiURL, _ = cfg["api_url"].(string)
	if s.apiURL == "" {
		s.apiURL = "https://api.github.com"
	}
	s.apiURL = strings.TrimSuffix(s.apiURL, "/")

	s.token = s.resolveToken()
	s.client = newClient()
	s.prCache = cache.New[int, string](cache.Options{TTL: prCacheTTL, MaxEntries: 10000})
	s.lastEviction = s.now()
	return nil
}

func (s *Source) Shutdown(context.Context) error {
	if s.client != nil {
		s.client.CloseIdleConnections()
	}
	return nil
}

// Poll runs the batched algorithm: token refresh, rate-limit gate, GraphQL
// batch, REST supplements, author filter, checkpoint advance.
func (s *Source) Poll(ctx context.Context, checkpoint string) (*connector.PollResult, error) {
	// Token rotation: a changed credential rebuilds the client so stale
	// keep-alive connections are not reused with the old authorization.
	if tok := s.resolveToken(); tok != s.token {
		slog.Info("github token rotated, rebuilding client", "repo", s.repo())
		s.token = tok
		s.client.CloseIdleConnections()
		s.client = newClient()
	}

	s.apiCalls = 0
	now := s.now().UTC()
	since := s.since(checkpoint, now)

	if s.rate != nil {
		if s.rate.remaining == 0 && s.rate.resetAt.After(now) {
			wait := s.rate.resetAt.Sub(now)
			slog.Warn("github rate limit exhausted, sleeping until reset",
				"repo", s.repo(), "wait", wait.String())
			s.sleep(ctx, wait)
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
		} else if s.rate.remaining > 0 && s.rate.remaining <= lowRemainingWarn {
			slog.Warn("github rate limit low", "repo", s.repo(), "remaining", s.rate.remaining)
		}
	}

	var events []*event.Event
	var batch *batchResult

	if s.wantsPRClass() {
		var err error
		batch, err = s.queryPullRequests(ctx, since)
		if err != nil {
			return s.handlePollError(err, since, events)
		}
		events = append(events, s.eventsFromBatch(batch, since)...)
	}

	if s.classes[classReviewComment] {
		evs, err := s.pollReviewComments(ctx, since, batch)
		if err != nil {
			return s.handlePollError(err, since, events)
		}
		events = append(events, evs...)
	}

	if s.classes[classIssueComment] {
		evs, err := s.pollIssueComments(ctx, since)
		if err != nil {
			return s.handlePollError(err, since, events)
		}
		events = append(events, evs...)
	}

	for _, class := range []string{classWorkflowRun, classCheckSuite} {
		if !s.classes[class] {
			continue
		}
		if s.budgetExhausted() {
			slog.Warn("github rate budget low, skipping non-essential class",
				"repo", s.repo(), "class", class, "remaining", s.remaining())
			continue
		}
		var evs []*event.Event
		var err error
		if class == classWorkflowRun {
			evs, err = s.pollWorkflowRuns(ctx, since)
		} else {
			evs, err = s.pollCheckSuites(ctx, since)
		}
		if err != nil {
			return s.handlePollError(err, since, events)
		}
		events = append(events, evs...)
	}

	events = s.filterAuthors(events)
	s.evictCacheAmortized(now)

	return &connector.PollResult{
		Events:     events,
		Checkpoint: s.advance(since, events),
	}, nil
}

// since computes the poll window start. An epoch-ish checkpoint means "no
// checkpoint": use the configured lookback instead of replaying all history.
func (s *Source) since(checkpoint string, now time.Time) time.Time {
	if checkpoint != "" {
		if t, err := time.Parse(time.RFC3339, checkpoint); err == nil && t.After(epochFloor) {
			return t.UTC()
		}
	}
	return now.Add(-s.lookback)
}

// advance returns max(since, max(event timestamp)) as the new checkpoint.
func (s *Source) advance(since time.Time, events []*event.Event) string {
	cp := since
	for _, e := range events {
		if ts := e.Timestamp.UTC(); ts.After(cp) {
			cp = ts
		}
	}
	return cp.Format(time.RFC3339)
}

// handlePollError implements the error policy: rate-limit exhaustion returns
// partial results with an advanced checkpoint; auth failures refresh the
// token and return empty; anything else propagates.
func (s *Source) handlePollError(err error, since time.Time, partial []*event.Event) (*connector.PollResult, error) {
	var apiErr *apiError
	switch {
	case asAPIError(err, &apiErr) && apiErr.rateLimited():
		slog.Warn("github rate limited mid-poll, returning partial results",
			"repo", s.repo(), "status", apiErr.status, "events", len(partial))
		partial = s.filterAuthors(partial)
		return &connector.PollResult{
			Events:     partial,
			Checkpoint: s.advance(since, partial),
		}, nil
	case asAPIError(err, &apiErr) && apiErr.authFailure():
		slog.Warn("github auth failure, refreshing token", "repo", s.repo(), "status", apiErr.status)
		s.token = s.resolveToken()
		s.client.CloseIdleConnections()
		s.client = newClient()
		return &connector.PollResult{Checkpoint: since.Format(time.RFC3339)}, nil
	default:
		return nil, err
	}
}

func (s *Source) filterAuthors(events []*event.Event) []*event.Event {
	if len(s.authors) == 0 {
		return events
	}
	kept := events[:0]
	for _, e := range events {
		author, _ := e.Provenance[event.ProvAuthor].(string)
		if s.authors[author] {
			kept = append(kept, e)
		}
	}
	return kept
}

// evictCacheAmortized sweeps expired PR cache entries at most once per
// interval rather than every poll.
func (s *Source) evictCacheAmortized(now time.Time) {
	if now.Sub(s.lastEviction) < cacheEvictionInterval {
		return
	}
	s.lastEviction = now
	if removed := s.prCache.EvictExpired(); removed > 0 {
		slog.Debug("github pr cache swept", "repo", s.repo(), "removed", removed)
	}
}

func (s *Source) wantsPRClass() bool {
	for class := range s.classes {
		if strings.HasPrefix(class, "pull_request.") {
			return true
		}
	}
	return false
}

// budgetExhausted reports whether remaining calls dipped below the floor the
// rate budget reserves for essential classes.
func (s *Source) budgetExhausted() bool {
	if s.rate == nil {
		return false
	}
	return s.rate.remaining <= int(math.Floor(50/s.rateBudget))
}

func (s *Source) remaining() int {
	if s.rate == nil {
		return -1
	}
	return s.rate.remaining
}

func (s *Source) repo() string { return s.owner + "/" + s.name }

// resolveToken re-reads the credential so a rotated env var takes effect on
// the next poll without a daemon restart.
func (s *Source) resolveToken() string {
	if s.tokenEnv != "" {
		return os.Getenv(s.tokenEnv)
	}
	if m := envRefRe.FindStringSubmatch(s.rawToken); m != nil {
		return os.Getenv(m[1])
	}
	return s.rawToken
}

// authorType classifies a login for provenance.
func (s *Source) authorType(login string) event.AuthorType {
	switch {
	case login == "":
		return event.AuthorUnknown
	case strings.HasSuffix(strings.ToLower(login), "[bot]"):
		return event.AuthorBot
	case s.team[login]:
		return event.AuthorTeamMember
	default:
		return event.AuthorExternal
	}
}

func newClient() *http.Client {
	return &http.Client{Timeout: 30 * time.Second}
}

func stringSet(v any) map[string]bool {
	out := make(map[string]bool)
	list, ok := v.([]any)
	if !ok {
		return out
	}
	for _, item := range list {
		if st, ok := item.(string); ok {
			out[st] = true
		}
	}
	return out
}

// sortByTimestamp keeps emitted events in source order within a poll.
func sortByTimestamp(events []*event.Event) {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})
}
