package github

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/orgloop/orgloop/internal/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

func rfc(t time.Time) string { return t.Format(time.RFC3339) }

type fakeAPI struct {
	mu       sync.Mutex
	requests []string
	routes   map[string]http.HandlerFunc
}

func newFakeAPI(routes map[string]http.HandlerFunc) (*fakeAPI, *httptest.Server) {
	f := &fakeAPI{routes: routes}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.requests = append(f.requests, r.URL.Path)
		f.mu.Unlock()
		if h, ok := f.routes[r.URL.Path]; ok {
			h(w, r)
			return
		}
		http.NotFound(w, r)
	}))
	return f, ts
}

func (f *fakeAPI) count(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, p := range f.requests {
		if p == path {
			n++
		}
	}
	return n
}

func jsonHandler(v any) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(v)
	}
}

func gqlBody(prs ...map[string]any) map[string]any {
	return gqlPage(false, prs...)
}

func gqlPage(hasNext bool, prs ...map[string]any) map[string]any {
	nodes := make([]any, 0, len(prs))
	for _, pr := range prs {
		nodes = append(nodes, pr)
	}
	return map[string]any{
		"data": map[string]any{
			"repository": map[string]any{
				"pullRequests": map[string]any{
					"pageInfo": map[string]any{"hasNextPage": hasNext, "endCursor": "cur"},
					"nodes":    nodes,
				},
			},
			"rateLimit": map[string]any{
				"remaining": 4000,
				"resetAt":   rfc(testNow.Add(time.Hour)),
			},
		},
	}
}

func prNode(number int, author string, created, updated time.Time, mutate func(map[string]any)) map[string]any {
	pr := map[string]any{
		"number":    number,
		"title":     "change things",
		"url":       "https://example.test/pr",
		"state":     "OPEN",
		"isDraft":   false,
		"createdAt": rfc(created),
		"updatedAt": rfc(updated),
		"merged":    false,
		"author":    map[string]any{"login": author},
		"reviews":   map[string]any{"nodes": []any{}},
	}
	if mutate != nil {
		mutate(pr)
	}
	return pr
}

func newTestSource(t *testing.T, ts *httptest.Server, overrides map[string]any) *Source {
	t.Helper()
	cfg := map[string]any{
		"source_id": "gh",
		"repo":      "acme/widgets",
		"token":     "tok",
	}
	if ts != nil {
		cfg["api_url"] = ts.URL
	}
	for k, v := range overrides {
		cfg[k] = v
	}
	s := New()
	require.NoError(t, s.Init(context.Background(), cfg))
	s.now = func() time.Time { return testNow }
	s.sleep = func(context.Context, time.Duration) {}
	t.Cleanup(func() { s.Shutdown(context.Background()) })
	return s
}

func TestInit_Validation(t *testing.T) {
	cases := map[string]map[string]any{
		"missing repo":      {"events": []any{"issue_comment"}, "token": "t"},
		"bad repo format":   {"repo": "widgets", "events": []any{"issue_comment"}, "token": "t"},
		"missing events":    {"repo": "a/b", "token": "t"},
		"missing token":     {"repo": "a/b", "events": []any{"issue_comment"}},
		"bad rate budget":   {"repo": "a/b", "events": []any{"issue_comment"}, "token": "t", "rate_budget": 1.5},
		"bad lookback":      {"repo": "a/b", "events": []any{"issue_comment"}, "token": "t", "initial_lookback": "soon"},
	}
	for name, cfg := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, New().Init(context.Background(), cfg))
		})
	}
}

func TestPoll_PullRequestBatch(t *testing.T) {
	created := testNow.Add(-time.Hour)
	reviewed := testNow.Add(-20 * time.Minute)
	pr := prNode(7, "octo", created, testNow.Add(-30*time.Minute), func(m map[string]any) {
		m["reviews"] = map[string]any{"nodes": []any{map[string]any{
			"state":       "APPROVED",
			"body":        "lgtm",
			"url":         "https://example.test/review",
			"submittedAt": rfc(reviewed),
			"author":      map[string]any{"login": "alice"},
		}}}
	})
	_, ts := newFakeAPI(map[string]http.HandlerFunc{
		"/graphql": jsonHandler(gqlBody(pr)),
	})
	defer ts.Close()

	s := newTestSource(t, ts, map[string]any{
		"events": []any{"pull_request.opened", "pull_request.review_submitted"},
	})

	res, err := s.Poll(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, res.Events, 2)

	opened := res.Events[0]
	assert.Equal(t, event.TypeResourceChanged, opened.Type)
	assert.Equal(t, "gh", opened.Source)
	assert.Equal(t, "github", opened.Provenance[event.ProvPlatform])
	assert.Equal(t, "pull_request.opened", opened.Provenance[event.ProvPlatformEvent])
	assert.Equal(t, "octo", opened.Provenance[event.ProvAuthor])
	assert.Equal(t, string(event.AuthorExternal), opened.Provenance[event.ProvAuthorType])
	assert.Equal(t, created.UTC(), opened.Timestamp)
	assert.Equal(t, "acme/widgets", opened.Payload["repo"])
	assert.Equal(t, 7, opened.Payload["pr_number"])

	review := res.Events[1]
	assert.Equal(t, "pull_request.review_submitted", review.Provenance[event.ProvPlatformEvent])
	assert.Equal(t, "alice", review.Provenance[event.ProvAuthor])
	assert.Equal(t, "approved", review.Payload["state"])

	assert.Equal(t, rfc(reviewed), res.Checkpoint, "checkpoint advances to the newest event timestamp")
}

func TestPoll_EpochCheckpointUsesLookback(t *testing.T) {
	stale := testNow.Add(-10 * 24 * time.Hour)
	_, ts := newFakeAPI(map[string]http.HandlerFunc{
		"/graphql": jsonHandler(gqlBody(prNode(1, "octo", stale, stale, nil))),
	})
	defer ts.Close()

	s := newTestSource(t, ts, map[string]any{"events": []any{"pull_request.opened"}})

	res, err := s.Poll(context.Background(), "1970-01-01T00:00:00Z")
	require.NoError(t, err)
	assert.Empty(t, res.Events)
	assert.Equal(t, rfc(testNow.Add(-DefaultInitialLookback)), res.Checkpoint)
}

func TestPoll_GraphQLEarlyTermination(t *testing.T) {
	stale := testNow.Add(-10 * 24 * time.Hour)
	api, ts := newFakeAPI(map[string]http.HandlerFunc{
		"/graphql": jsonHandler(gqlPage(true, prNode(1, "octo", stale, stale, nil))),
	})
	defer ts.Close()

	s := newTestSource(t, ts, map[string]any{"events": []any{"pull_request.opened"}})

	res, err := s.Poll(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, res.Events)
	assert.Equal(t, 1, api.count("/graphql"), "newest-first order past the checkpoint stops pagination")
}

func TestPoll_ReviewSuppressionAcrossOverlappingWindows(t *testing.T) {
	updated := testNow.Add(-30 * time.Minute)
	pr := prNode(9, "octo", testNow.Add(-2*time.Hour), updated, func(m map[string]any) {
		m["reviews"] = map[string]any{"nodes": []any{map[string]any{
			"state":       "CHANGES_REQUESTED",
			"submittedAt": rfc(testNow.Add(-40 * time.Minute)),
			"author":      map[string]any{"login": "alice"},
		}}}
	})
	_, ts := newFakeAPI(map[string]http.HandlerFunc{
		"/graphql": jsonHandler(gqlBody(pr)),
	})
	defer ts.Close()

	s := newTestSource(t, ts, map[string]any{"events": []any{"pull_request.review_submitted"}})

	res, err := s.Poll(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, res.Events, 1)

	// Same PR, same updated_at: the window overlaps but the reviews were
	// already emitted.
	res, err = s.Poll(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, res.Events)
}

func TestPoll_ReviewCommentPRAuthorLookup(t *testing.T) {
	comment := map[string]any{
		"id":               int64(11),
		"body":             "nit",
		"html_url":         "https://example.test/comment",
		"path":             "main.go",
		"user":             map[string]any{"login": "alice"},
		"pull_request_url": "https://api.example.test/repos/acme/widgets/pulls/42",
		"created_at":       rfc(testNow.Add(-time.Hour)),
		"updated_at":       rfc(testNow.Add(-time.Hour)),
	}

	t.Run("transient failure retried once", func(t *testing.T) {
		attempts := 0
		api, ts := newFakeAPI(map[string]http.HandlerFunc{
			"/graphql":                      jsonHandler(gqlBody()),
			"/repos/acme/widgets/pulls/comments": jsonHandler([]any{comment}),
			"/repos/acme/widgets/pulls/42": func(w http.ResponseWriter, _ *http.Request) {
				attempts++
				if attempts < 2 {
					w.WriteHeader(http.StatusBadGateway)
					return
				}
				json.NewEncoder(w).Encode(map[string]any{"number": 42, "user": map[string]any{"login": "boss"}})
			},
		})
		defer ts.Close()

		s := newTestSource(t, ts, map[string]any{"events": []any{"pull_request.review_comment"}})
		res, err := s.Poll(context.Background(), "")
		require.NoError(t, err)
		require.Len(t, res.Events, 1)
		assert.Equal(t, "boss", res.Events[0].Payload["pr_author"])
		assert.Equal(t, 2, api.count("/repos/acme/widgets/pulls/42"))
		assert.Equal(t, event.TypeMessageReceived, res.Events[0].Type)
	})

	t.Run("persistent failure marks author unknown after two attempts", func(t *testing.T) {
		api, ts := newFakeAPI(map[string]http.HandlerFunc{
			"/graphql":                      jsonHandler(gqlBody()),
			"/repos/acme/widgets/pulls/comments": jsonHandler([]any{comment}),
			"/repos/acme/widgets/pulls/42": func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusServiceUnavailable)
			},
		})
		defer ts.Close()

		s := newTestSource(t, ts, map[string]any{"events": []any{"pull_request.review_comment"}})
		res, err := s.Poll(context.Background(), "")
		require.NoError(t, err)
		require.Len(t, res.Events, 1)
		assert.Equal(t, "unknown", res.Events[0].Payload["pr_author"])
		assert.Equal(t, 2, api.count("/repos/acme/widgets/pulls/42"))
	})
}

func TestPoll_AuthorClassificationAndFilter(t *testing.T) {
	mkComment := func(id int64, login string) map[string]any {
		return map[string]any{
			"id":         id,
			"body":       "hello",
			"html_url":   "https://example.test/c",
			"issue_url":  "https://api.example.test/repos/acme/widgets/issues/3",
			"user":       map[string]any{"login": login},
			"updated_at": rfc(testNow.Add(-time.Hour)),
		}
	}
	comments := []any{
		mkComment(1, "alice"),
		mkComment(2, "dependabot[bot]"),
		mkComment(3, "rando"),
		mkComment(4, "renovate[Bot]"),
	}
	_, ts := newFakeAPI(map[string]http.HandlerFunc{
		"/repos/acme/widgets/issues/comments": jsonHandler(comments),
	})
	defer ts.Close()

	t.Run("classification", func(t *testing.T) {
		s := newTestSource(t, ts, map[string]any{
			"events":       []any{"issue_comment"},
			"team_members": []any{"alice"},
		})
		res, err := s.Poll(context.Background(), "")
		require.NoError(t, err)
		require.Len(t, res.Events, 4)

		types := make(map[string]string)
		for _, e := range res.Events {
			types[e.Provenance[event.ProvAuthor].(string)] = e.Provenance[event.ProvAuthorType].(string)
		}
		assert.Equal(t, string(event.AuthorTeamMember), types["alice"])
		assert.Equal(t, string(event.AuthorBot), types["dependabot[bot]"])
		assert.Equal(t, string(event.AuthorExternal), types["rando"])
		assert.Equal(t, string(event.AuthorBot), types["renovate[Bot]"],
			"bot suffix matches regardless of case")
	})

	t.Run("allow-list filter", func(t *testing.T) {
		s := newTestSource(t, ts, map[string]any{
			"events":  []any{"issue_comment"},
			"authors": []any{"alice"},
		})
		res, err := s.Poll(context.Background(), "")
		require.NoError(t, err)
		require.Len(t, res.Events, 1)
		assert.Equal(t, "alice", res.Events[0].Provenance[event.ProvAuthor])
	})
}

func TestPoll_WorkflowRuns(t *testing.T) {
	runs := []any{
		map[string]any{
			"id": int64(100), "name": "ci", "run_number": 12,
			"head_branch": "main", "event": "push",
			"status": "completed", "conclusion": "failure",
			"html_url":   "https://example.test/run",
			"actor":      map[string]any{"login": "octo"},
			"created_at": rfc(testNow.Add(-time.Hour)),
			"updated_at": rfc(testNow.Add(-30 * time.Minute)),
		},
		map[string]any{
			"id": int64(99), "name": "ci", "run_number": 11,
			"status":     "completed",
			"created_at": rfc(testNow.Add(-10 * 24 * time.Hour)),
			"updated_at": rfc(testNow.Add(-10 * 24 * time.Hour)),
		},
	}
	_, ts := newFakeAPI(map[string]http.HandlerFunc{
		"/repos/acme/widgets/actions/runs": jsonHandler(map[string]any{"workflow_runs": runs}),
	})
	defer ts.Close()

	s := newTestSource(t, ts, map[string]any{"events": []any{"workflow_run"}})
	res, err := s.Poll(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, res.Events, 1)
	assert.Equal(t, "failure", res.Events[0].Payload["conclusion"])
	assert.Equal(t, "workflow_run", res.Events[0].Provenance[event.ProvPlatformEvent])
}

func TestPoll_CheckSuites(t *testing.T) {
	suites := []any{
		map[string]any{
			"id": int64(5), "status": "completed", "conclusion": "success",
			"head_branch": "main",
			"app":         map[string]any{"name": "GitHub Actions", "slug": "github-actions"},
			"updated_at":  rfc(testNow.Add(-time.Hour)),
		},
		map[string]any{
			"id": int64(6), "status": "queued",
			"updated_at": rfc(testNow.Add(-time.Minute)),
		},
	}
	_, ts := newFakeAPI(map[string]http.HandlerFunc{
		"/repos/acme/widgets/commits/HEAD/check-suites": jsonHandler(map[string]any{"check_suites": suites}),
	})
	defer ts.Close()

	s := newTestSource(t, ts, map[string]any{"events": []any{"check_suite"}})
	res, err := s.Poll(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, res.Events, 1, "only completed suites are emitted")
	assert.Equal(t, "success", res.Events[0].Payload["conclusion"])
}

func TestPoll_RateBudgetSkipsNonEssentialClasses(t *testing.T) {
	api, ts := newFakeAPI(map[string]http.HandlerFunc{
		"/repos/acme/widgets/issues/comments": func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("X-RateLimit-Remaining", "10")
			w.Write([]byte("[]"))
		},
	})
	defer ts.Close()

	s := newTestSource(t, ts, map[string]any{"events": []any{"issue_comment", "workflow_run"}})
	res, err := s.Poll(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, res.Events)
	assert.Equal(t, 0, api.count("/repos/acme/widgets/actions/runs"),
		"workflow runs are skipped once the rate budget floor is hit")
}

func TestPoll_RateLimitedMidPollReturnsPartial(t *testing.T) {
	_, ts := newFakeAPI(map[string]http.HandlerFunc{
		"/repos/acme/widgets/issues/comments": func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("X-RateLimit-Remaining", "0")
			w.WriteHeader(http.StatusForbidden)
		},
	})
	defer ts.Close()

	s := newTestSource(t, ts, map[string]any{"events": []any{"issue_comment"}})
	since := testNow.Add(-time.Hour)

	res, err := s.Poll(context.Background(), rfc(since))
	require.NoError(t, err, "rate exhaustion is not a poll failure")
	assert.Empty(t, res.Events)
	assert.Equal(t, rfc(since), res.Checkpoint)
}

func TestPoll_AuthFailureRefreshesToken(t *testing.T) {
	t.Setenv("GH_TEST_TOKEN", "stale")
	_, ts := newFakeAPI(map[string]http.HandlerFunc{
		"/repos/acme/widgets/issues/comments": func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("X-RateLimit-Remaining", "4000")
			w.WriteHeader(http.StatusUnauthorized)
		},
	})
	defer ts.Close()

	s := newTestSource(t, ts, map[string]any{
		"events":    []any{"issue_comment"},
		"token_env": "GH_TEST_TOKEN",
	})
	t.Setenv("GH_TEST_TOKEN", "fresh")

	since := testNow.Add(-time.Hour)
	res, err := s.Poll(context.Background(), rfc(since))
	require.NoError(t, err)
	assert.Empty(t, res.Events)
	assert.Equal(t, rfc(since), res.Checkpoint, "checkpoint does not advance on auth failure")
	assert.Equal(t, "fresh", s.token)
}

func TestPoll_TokenRotationRebuildsClient(t *testing.T) {
	t.Setenv("GH_ROT_TOKEN", "first")
	var mu sync.Mutex
	var seen []string
	_, ts := newFakeAPI(map[string]http.HandlerFunc{
		"/repos/acme/widgets/issues/comments": func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			seen = append(seen, r.Header.Get("Authorization"))
			mu.Unlock()
			w.Write([]byte("[]"))
		},
	})
	defer ts.Close()

	s := newTestSource(t, ts, map[string]any{
		"events": []any{"issue_comment"},
		"token":  "${GH_ROT_TOKEN}",
	})

	_, err := s.Poll(context.Background(), "")
	require.NoError(t, err)

	t.Setenv("GH_ROT_TOKEN", "second")
	_, err = s.Poll(context.Background(), "")
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 2)
	assert.Equal(t, "Bearer first", seen[0])
	assert.Equal(t, "Bearer second", seen[1])
}

func TestPoll_SleepsWhenRateExhausted(t *testing.T) {
	_, ts := newFakeAPI(map[string]http.HandlerFunc{
		"/repos/acme/widgets/issues/comments": jsonHandler([]any{}),
	})
	defer ts.Close()

	s := newTestSource(t, ts, map[string]any{"events": []any{"issue_comment"}})

	var slept time.Duration
	s.sleep = func(_ context.Context, d time.Duration) { slept = d }
	s.rate = &rateLimit{remaining: 0, resetAt: testNow.Add(5 * time.Minute)}

	_, err := s.Poll(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, slept)
}
