package github

import (
	"strings"
	"time"

	"github.com/orgloop/orgloop/internal/event"
)

// Normalization from raw API shapes into envelopes. PR state and CI results
// are resource changes; comments are inbound messages.

// eventsFromBatch derives the PR-class events from one batched query: opens,
// closes, ready-for-review transitions, and submitted reviews. Reviews on a
// PR whose updated_at matches the cached value were already emitted by an
// earlier overlapping window and are suppressed.
func (s *Source) eventsFromBatch(batch *batchResult, since time.Time) []*event.Event {
	var events []*event.Event
	for _, pr := range batch.prs {
		if s.classes[classPROpened] && pr.CreatedAt.After(since) && pr.State == "OPEN" {
			events = append(events, s.prEvent(classPROpened, pr, pr.CreatedAt))
		}
		if s.classes[classPRClosed] && !pr.ClosedAt.IsZero() && pr.ClosedAt.After(since) {
			events = append(events, s.prEvent(classPRClosed, pr, pr.ClosedAt))
		}
		if s.classes[classPRReady] && !pr.IsDraft && pr.State == "OPEN" && !pr.CreatedAt.After(since) {
			events = append(events, s.prEvent(classPRReady, pr, pr.UpdatedAt))
		}
		if s.classes[classReviewSubmitted] {
			events = append(events, s.reviewEvents(pr, since)...)
		}
		s.prCache.Set(pr.Number, pr.UpdatedAt.Format(time.RFC3339Nano))
	}
	sortByTimestamp(events)
	return events
}

func (s *Source) reviewEvents(pr gqlPullRequest, since time.Time) []*event.Event {
	if cached, ok := s.prCache.Get(pr.Number); ok && cached == pr.UpdatedAt.Format(time.RFC3339Nano) {
		return nil
	}
	var events []*event.Event
	for _, review := range pr.Reviews.Nodes {
		if review.SubmittedAt.IsZero() || !review.SubmittedAt.After(since) {
			continue
		}
		login := ""
		if review.Author != nil {
			login = review.Author.Login
		}
		events = append(events, event.New(s.sourceID, event.TypeResourceChanged, review.SubmittedAt,
			s.provenance(classReviewSubmitted, login),
			map[string]any{
				"repo":      s.repo(),
				"pr_number": pr.Number,
				"pr_title":  pr.Title,
				"pr_author": authorLogin(pr.Author),
				"state":     strings.ToLower(review.State),
				"body":      review.Body,
				"url":       review.URL,
			}))
	}
	return events
}

func (s *Source) prEvent(class string, pr gqlPullRequest, ts time.Time) *event.Event {
	payload := map[string]any{
		"repo":      s.repo(),
		"pr_number": pr.Number,
		"pr_title":  pr.Title,
		"pr_author": authorLogin(pr.Author),
		"state":     strings.ToLower(pr.State),
		"draft":     pr.IsDraft,
		"url":       pr.URL,
	}
	if class == classPRClosed {
		payload["merged"] = pr.Merged
	}
	return event.New(s.sourceID, event.TypeResourceChanged, ts,
		s.provenance(class, authorLogin(pr.Author)), payload)
}

func (s *Source) reviewCommentEvent(c restReviewComment, prNumber int, prAuthor string) *event.Event {
	return event.New(s.sourceID, event.TypeMessageReceived, c.UpdatedAt,
		s.provenance(classReviewComment, c.User.Login),
		map[string]any{
			"repo":      s.repo(),
			"pr_number": prNumber,
			"pr_author": prAuthor,
			"body":      c.Body,
			"path":      c.Path,
			"url":       c.HTMLURL,
		})
}

func (s *Source) issueCommentEvent(c restIssueComment) *event.Event {
	return event.New(s.sourceID, event.TypeMessageReceived, c.UpdatedAt,
		s.provenance(classIssueComment, c.User.Login),
		map[string]any{
			"repo":         s.repo(),
			"issue_number": prNumberFromURL(c.IssueURL),
			"body":         c.Body,
			"url":          c.HTMLURL,
		})
}

func (s *Source) workflowRunEvent(run restWorkflowRun) *event.Event {
	return event.New(s.sourceID, event.TypeResourceChanged, run.UpdatedAt,
		s.provenance(classWorkflowRun, run.Actor.Login),
		map[string]any{
			"repo":       s.repo(),
			"run_id":     run.ID,
			"run_number": run.RunNumber,
			"workflow":   run.Name,
			"branch":     run.HeadBranch,
			"trigger":    run.Event,
			"status":     run.Status,
			"conclusion": run.Conclusion,
			"url":        run.HTMLURL,
		})
}

func (s *Source) checkSuiteEvent(suite restCheckSuite) *event.Event {
	return event.New(s.sourceID, event.TypeResourceChanged, suite.UpdatedAt,
		s.provenance(classCheckSuite, suite.App.Slug),
		map[string]any{
			"repo":       s.repo(),
			"suite_id":   suite.ID,
			"branch":     suite.HeadBranch,
			"app":        suite.App.Name,
			"status":     suite.Status,
			"conclusion": suite.Conclusion,
		})
}

func (s *Source) provenance(class, login string) map[string]any {
	return map[string]any{
		event.ProvPlatform:      "github",
		event.ProvPlatformEvent: class,
		event.ProvAuthor:        login,
		event.ProvAuthorType:    string(s.authorType(login)),
	}
}

func authorLogin(a *gqlActor) string {
	if a == nil {
		return ""
	}
	return a.Login
}
