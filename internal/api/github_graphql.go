package api

import (
	"context"
	"errors"
	"net/url"
	"time"

	"github.com/shurcooL/githubv4"
)

// Viewer is the authenticated user of a server along with its GraphQL quota
type Viewer struct {
	ID    int64
	Login string

	RateLimit     int
	RateRemaining int
	RateResetAt   time.Time
}

// Viewer resolves the identity behind the server's token
func (c *GitHubClient) Viewer(ctx context.Context) (*Viewer, error) {
	var query struct {
		Viewer struct {
			Login      githubv4.String
			DatabaseID githubv4.Int `graphql:"databaseId"`
		}
		RateLimit struct {
			Limit     githubv4.Int
			Remaining githubv4.Int
			ResetAt   githubv4.DateTime
		}
	}

	if err := c.graphql.Query(ctx, &query, nil); err != nil {
		fe := classify("graphql viewer", nil, err)
		var urlErr *url.Error
		if fe.Kind == KindNetwork && ctx.Err() == nil && !errors.As(err, &urlErr) {
			// githubv4 reports non-200 answers and GraphQL errors as plain errors
			fe.Kind = KindHTTP
		}
		return nil, fe
	}
	if query.Viewer.Login == "" {
		return nil, decodeError("graphql viewer", "viewer login missing from response")
	}

	return &Viewer{
		ID:            int64(query.Viewer.DatabaseID),
		Login:         string(query.Viewer.Login),
		RateLimit:     int(query.RateLimit.Limit),
		RateRemaining: int(query.RateLimit.Remaining),
		RateResetAt:   query.RateLimit.ResetAt.Time,
	}, nil
}
