package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/go-github/v57/github"
	"github.com/shurcooL/githubv4"
	"golang.org/x/oauth2"
)

// DefaultAPIPath is the public GitHub REST endpoint
const DefaultAPIPath = "https://api.github.com"

// Quota response headers
const (
	HeaderRateRemaining = "X-RateLimit-Remaining"
	HeaderRateLimit     = "X-RateLimit-Limit"
	HeaderRateReset     = "X-RateLimit-Reset"
)

// Observer receives the raw quota headers of every response
type Observer interface {
	RecordResponse(serverID int64, remaining, limit, reset string)
}

// Options configures a Client
type Options struct {
	Timeout  time.Duration
	PageSize int
	Observer Observer
}

// GitHubClient talks to one server over REST and GraphQL
type GitHubClient struct {
	serverID int64
	client   *github.Client
	graphql  *githubv4.Client
	observer Observer
	pageSize int
}

// NewGitHubClient creates an authenticated client for one server
func NewGitHubClient(ctx context.Context, serverID int64, apiPath, token string, opts Options) (*GitHubClient, error) {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	httpClient := oauth2.NewClient(ctx, ts)
	httpClient.Timeout = opts.Timeout

	client := github.NewClient(httpClient)
	var gql *githubv4.Client

	apiPath = strings.TrimSuffix(apiPath, "/")
	if apiPath == "" || apiPath == DefaultAPIPath {
		gql = githubv4.NewClient(httpClient)
	} else {
		base, err := url.Parse(apiPath + "/")
		if err != nil {
			return nil, fmt.Errorf("invalid api path %q: %w", apiPath, err)
		}
		client.BaseURL = base
		gql = githubv4.NewEnterpriseClient(graphqlEndpoint(apiPath), httpClient)
	}

	pageSize := opts.PageSize
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 100
	}
	return &GitHubClient{
		serverID: serverID,
		client:   client,
		graphql:  gql,
		observer: opts.Observer,
		pageSize: pageSize,
	}, nil
}

// graphqlEndpoint maps an enterprise REST root (…/api/v3) to …/api/graphql.
func graphqlEndpoint(apiPath string) string {
	if strings.HasSuffix(apiPath, "/v3") {
		return strings.TrimSuffix(apiPath, "/v3") + "/graphql"
	}
	return apiPath + "/graphql"
}

func (c *GitHubClient) observe(resp *github.Response) {
	if c.observer == nil || resp == nil || resp.Response == nil {
		return
	}
	c.observer.RecordResponse(c.serverID,
		resp.Header.Get(HeaderRateRemaining),
		resp.Header.Get(HeaderRateLimit),
		resp.Header.Get(HeaderRateReset))
}

// get fetches a single object.
func (c *GitHubClient) get(ctx context.Context, path string, v any) error {
	req, err := c.client.NewRequest(http.MethodGet, path, nil)
	if err != nil {
		return &FetchError{Kind: KindNetwork, Path: path, Err: err}
	}
	resp, err := c.client.Do(ctx, req, v)
	c.observe(resp)
	if err != nil {
		return classify(path, resp, err)
	}
	return nil
}

func repoPath(fullName string) string {
	return "repos/" + fullName
}

// Organizations lists the organizations the user belongs to
func (c *GitHubClient) Organizations(etag string) *Feed[*github.Organization] {
	return newFeed[*github.Organization](c, "user/orgs", etag)
}

// Watched lists the repositories the user watches
func (c *GitHubClient) Watched(etag string) *Feed[*github.Repository] {
	return newFeed[*github.Repository](c, "user/subscriptions", etag)
}

// PullRequests lists the open pull requests of a repository
func (c *GitHubClient) PullRequests(fullName, etag string) *Feed[*github.PullRequest] {
	return newFeed[*github.PullRequest](c, repoPath(fullName)+"/pulls?state=open", etag)
}

// IssueComments lists the conversation comments of a pull request
func (c *GitHubClient) IssueComments(fullName string, number int, etag string) *Feed[*github.IssueComment] {
	return newFeed[*github.IssueComment](c, fmt.Sprintf("%s/issues/%d/comments", repoPath(fullName), number), etag)
}

// ReviewComments lists the review comments of a pull request
func (c *GitHubClient) ReviewComments(fullName string, number int, etag string) *Feed[*github.PullRequestComment] {
	return newFeed[*github.PullRequestComment](c, fmt.Sprintf("%s/pulls/%d/comments", repoPath(fullName), number), etag)
}

// Statuses lists the commit statuses of a pull request head
func (c *GitHubClient) Statuses(fullName, sha, etag string) *Feed[*github.RepoStatus] {
	return newFeed[*github.RepoStatus](c, fmt.Sprintf("%s/commits/%s/statuses", repoPath(fullName), sha), etag)
}

// ReceivedEvents lists events from the repositories and people the user follows
func (c *GitHubClient) ReceivedEvents(login, etag string) *Feed[*github.Event] {
	return newFeed[*github.Event](c, "users/"+login+"/received_events", etag)
}

// GetRepository gets a repository by its full name
func (c *GitHubClient) GetRepository(ctx context.Context, fullName string) (*github.Repository, error) {
	var repo github.Repository
	if err := c.get(ctx, repoPath(fullName), &repo); err != nil {
		return nil, err
	}
	return &repo, nil
}

// GetPullRequest gets a single pull request, used to learn how it was closed
func (c *GitHubClient) GetPullRequest(ctx context.Context, fullName string, number int) (*github.PullRequest, error) {
	var pr github.PullRequest
	if err := c.get(ctx, fmt.Sprintf("%s/pulls/%d", repoPath(fullName), number), &pr); err != nil {
		return nil, err
	}
	return &pr, nil
}
