package github

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// The batched query fetches recently-updated pull requests with their reviews
// in one round trip, newest update first. Pagination terminates as soon as a
// page crosses the checkpoint, and is capped so a pathological repository
// cannot pin the poller.
const (
	prPageSize = 50
	maxPRPages = 50
)

const pullRequestQuery = `
query($owner: String!, $name: String!, $first: Int!, $after: String) {
  repository(owner: $owner, name: $name) {
    pullRequests(orderBy: {field: UPDATED_AT, direction: DESC}, first: $first, after: $after) {
      pageInfo { hasNextPage endCursor }
      nodes {
        number
        title
        url
        state
        isDraft
        createdAt
        updatedAt
        closedAt
        merged
        author { login }
        reviews(last: 30) {
          nodes {
            state
            body
            url
            submittedAt
            author { login }
          }
        }
      }
    }
  }
  rateLimit { remaining resetAt }
}`

type gqlActor struct {
	Login string `json:"login"`
}

type gqlReview struct {
	State       string    `json:"state"`
	Body        string    `json:"body"`
	URL         string    `json:"url"`
	SubmittedAt time.Time `json:"submittedAt"`
	Author      *gqlActor `json:"author"`
}

type gqlPullRequest struct {
	Number    int       `json:"number"`
	Title     string    `json:"title"`
	URL       string    `json:"url"`
	State     string    `json:"state"`
	IsDraft   bool      `json:"isDraft"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	ClosedAt  time.Time `json:"closedAt"`
	Merged    bool      `json:"merged"`
	Author    *gqlActor `json:"author"`
	Reviews   struct {
		Nodes []gqlReview `json:"nodes"`
	} `json:"reviews"`
}

type gqlResponse struct {
	Data struct {
		Repository struct {
			PullRequests struct {
				PageInfo struct {
					HasNextPage bool   `json:"hasNextPage"`
					EndCursor   string `json:"endCursor"`
				} `json:"pageInfo"`
				Nodes []gqlPullRequest `json:"nodes"`
			} `json:"pullRequests"`
		} `json:"repository"`
		RateLimit struct {
			Remaining int       `json:"remaining"`
			ResetAt   time.Time `json:"resetAt"`
		} `json:"rateLimit"`
	} `json:"data"`
	Errors []struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"errors"`
}

// batchResult is the outcome of the batched query: every PR updated since the
// checkpoint, plus the author index the REST supplements use.
type batchResult struct {
	prs       []gqlPullRequest
	prAuthors map[int]string
}

func (b *batchResult) author(number int) (string, bool) {
	if b == nil {
		return "", false
	}
	login, ok := b.prAuthors[number]
	return login, ok
}

// queryPullRequests pages through the batch query until it crosses since.
func (s *Source) queryPullRequests(ctx context.Context, since time.Time) (*batchResult, error) {
	result := &batchResult{prAuthors: make(map[int]string)}

	var after *string
	for page := 0; page < maxPRPages; page++ {
		vars := map[string]any{
			"owner": s.owner,
			"name":  s.name,
			"first": prPageSize,
		}
		if after != nil {
			vars["after"] = *after
		}

		var resp gqlResponse
		err := s.doJSON(ctx, http.MethodPost, s.apiURL+"/graphql",
			map[string]any{"query": pullRequestQuery, "variables": vars}, &resp)
		if err != nil {
			return nil, err
		}
		if len(resp.Errors) > 0 {
			first := resp.Errors[0]
			if first.Type == "RATE_LIMITED" {
				return nil, &apiError{status: http.StatusTooManyRequests, url: s.apiURL + "/graphql", body: first.Message}
			}
			return nil, fmt.Errorf("github graphql: %s: %s", first.Type, first.Message)
		}

		if rl := resp.Data.RateLimit; rl.Remaining > 0 || !rl.ResetAt.IsZero() {
			s.rate = &rateLimit{remaining: rl.Remaining, resetAt: rl.ResetAt.UTC()}
		}

		prs := resp.Data.Repository.PullRequests
		crossed := false
		for _, pr := range prs.Nodes {
			if !pr.UpdatedAt.After(since) {
				// Newest-first ordering: everything past this point
				// predates the checkpoint.
				crossed = true
				break
			}
			result.prs = append(result.prs, pr)
			if pr.Author != nil {
				result.prAuthors[pr.Number] = pr.Author.Login
			}
		}
		if crossed || !prs.PageInfo.HasNextPage {
			break
		}
		cursor := prs.PageInfo.EndCursor
		after = &cursor
	}
	return result, nil
}
