package github

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/orgloop/orgloop/internal/event"
)

const restPageSize = 100

// maxRESTPages bounds pagination for repo-level comment listings.
const maxRESTPages = 20

type restUser struct {
	Login string `json:"login"`
}

type restReviewComment struct {
	ID             int64     `json:"id"`
	Body           string    `json:"body"`
	HTMLURL        string    `json:"html_url"`
	Path           string    `json:"path"`
	User           restUser  `json:"user"`
	PullRequestURL string    `json:"pull_request_url"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type restIssueComment struct {
	ID        int64     `json:"id"`
	Body      string    `json:"body"`
	HTMLURL   string    `json:"html_url"`
	IssueURL  string    `json:"issue_url"`
	User      restUser  `json:"user"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type restWorkflowRun struct {
	ID         int64     `json:"id"`
	Name       string    `json:"name"`
	RunNumber  int       `json:"run_number"`
	HeadBranch string    `json:"head_branch"`
	Event      string    `json:"event"`
	Status     string    `json:"status"`
	Conclusion string    `json:"conclusion"`
	HTMLURL    string    `json:"html_url"`
	Actor      restUser  `json:"actor"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type restCheckSuite struct {
	ID         int64  `json:"id"`
	Status     string `json:"status"`
	Conclusion string `json:"conclusion"`
	HeadBranch string `json:"head_branch"`
	App        struct {
		Name string `json:"name"`
		Slug string `json:"slug"`
	} `json:"app"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type restPullRequest struct {
	Number int      `json:"number"`
	User   restUser `json:"user"`
}

// pollReviewComments lists repo-level review comments updated since the
// checkpoint. Each comment carries the owning PR's author in its payload; the
// batch query usually already knows it, otherwise the single PR is fetched.
func (s *Source) pollReviewComments(ctx context.Context, since time.Time, batch *batchResult) ([]*event.Event, error) {
	base := fmt.Sprintf("%s/repos/%s/%s/pulls/comments?sort=updated&direction=asc&since=%s&per_page=%d",
		s.apiURL, s.owner, s.name, url.QueryEscape(since.Format(time.RFC3339)), restPageSize)

	// Per-poll memo so one slow PR is fetched at most once.
	fetched := make(map[int]string)

	var events []*event.Event
	for page := 1; page <= maxRESTPages; page++ {
		var comments []restReviewComment
		if err := s.doJSON(ctx, http.MethodGet, base+"&page="+strconv.Itoa(page), nil, &comments); err != nil {
			return events, err
		}
		for _, c := range comments {
			if !c.UpdatedAt.After(since) {
				continue
			}
			number := prNumberFromURL(c.PullRequestURL)
			prAuthor, ok := batch.author(number)
			if !ok {
				if prAuthor, ok = fetched[number]; !ok {
					prAuthor = s.fetchPRAuthor(ctx, number)
					fetched[number] = prAuthor
				}
			}
			events = append(events, s.reviewCommentEvent(c, number, prAuthor))
		}
		if len(comments) < restPageSize {
			break
		}
	}
	sortByTimestamp(events)
	return events, nil
}

// fetchPRAuthor fetches one PR for its author login, attempting the fetch
// twice when the failure is transient. A PR that cannot be fetched does not
// fail the poll: the comment goes out with the author marked unknown.
func (s *Source) fetchPRAuthor(ctx context.Context, number int) string {
	u := fmt.Sprintf("%s/repos/%s/%s/pulls/%d", s.apiURL, s.owner, s.name, number)

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		var pr restPullRequest
		err := s.doJSON(ctx, http.MethodGet, u, nil, &pr)
		if err == nil {
			return pr.User.Login
		}
		lastErr = err

		var apiErr *apiError
		if !asAPIError(err, &apiErr) || !apiErr.retryable() || attempt == 1 {
			break
		}
		wait := time.Second
		if apiErr.status == http.StatusTooManyRequests {
			wait = 2 * time.Second
		}
		s.sleep(ctx, wait)
		if ctx.Err() != nil {
			break
		}
	}
	slog.Warn("github pr author lookup failed, marking unknown",
		"repo", s.repo(), "pr", number, "error", lastErr)
	return "unknown"
}

func (s *Source) pollIssueComments(ctx context.Context, since time.Time) ([]*event.Event, error) {
	base := fmt.Sprintf("%s/repos/%s/%s/issues/comments?sort=updated&direction=asc&since=%s&per_page=%d",
		s.apiURL, s.owner, s.name, url.QueryEscape(since.Format(time.RFC3339)), restPageSize)

	var events []*event.Event
	for page := 1; page <= maxRESTPages; page++ {
		var comments []restIssueComment
		if err := s.doJSON(ctx, http.MethodGet, base+"&page="+strconv.Itoa(page), nil, &comments); err != nil {
			return events, err
		}
		for _, c := range comments {
			if c.UpdatedAt.After(since) {
				events = append(events, s.issueCommentEvent(c))
			}
		}
		if len(comments) < restPageSize {
			break
		}
	}
	sortByTimestamp(events)
	return events, nil
}

// pollWorkflowRuns lists runs newest-created first, terminating as soon as a
// page crosses the checkpoint.
func (s *Source) pollWorkflowRuns(ctx context.Context, since time.Time) ([]*event.Event, error) {
	base := fmt.Sprintf("%s/repos/%s/%s/actions/runs?per_page=%d", s.apiURL, s.owner, s.name, restPageSize)

	var events []*event.Event
	for page := 1; page <= maxRESTPages; page++ {
		var resp struct {
			WorkflowRuns []restWorkflowRun `json:"workflow_runs"`
		}
		if err := s.doJSON(ctx, http.MethodGet, base+"&page="+strconv.Itoa(page), nil, &resp); err != nil {
			return events, err
		}
		crossed := false
		for _, run := range resp.WorkflowRuns {
			if !run.CreatedAt.After(since) {
				crossed = true
				break
			}
			if run.UpdatedAt.After(since) {
				events = append(events, s.workflowRunEvent(run))
			}
		}
		if crossed || len(resp.WorkflowRuns) < restPageSize {
			break
		}
	}
	sortByTimestamp(events)
	return events, nil
}

// pollCheckSuites inspects the check suites on the default branch head. HEAD
// is a valid ref alias for the default branch on this endpoint.
func (s *Source) pollCheckSuites(ctx context.Context, since time.Time) ([]*event.Event, error) {
	u := fmt.Sprintf("%s/repos/%s/%s/commits/HEAD/check-suites?per_page=%d",
		s.apiURL, s.owner, s.name, restPageSize)

	var resp struct {
		CheckSuites []restCheckSuite `json:"check_suites"`
	}
	if err := s.doJSON(ctx, http.MethodGet, u, nil, &resp); err != nil {
		return nil, err
	}

	var events []*event.Event
	for _, suite := range resp.CheckSuites {
		if suite.UpdatedAt.After(since) && suite.Status == "completed" {
			events = append(events, s.checkSuiteEvent(suite))
		}
	}
	sortByTimestamp(events)
	return events, nil
}

// prNumberFromURL extracts the PR number from an api pull_request_url.
func prNumberFromURL(u string) int {
	idx := strings.LastIndexByte(u, '/')
	if idx < 0 {
		return 0
	}
	n, err := strconv.Atoi(u[idx+1:])
	if err != nil {
		return 0
	}
	return n
}
