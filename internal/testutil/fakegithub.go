// Package testutil provides a fake GitHub server speaking enough of the REST
// and GraphQL dialects (ETag, Link paging, quota headers) for sync tests.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-github/v57/github"
)

// Route is the canned answer for one REST path
type Route struct {
	// Pages are served in order; an empty route answers [].
	Pages [][]any
	// Object answers single-object GETs instead of Pages.
	Object any
	ETag   string
	// Status forces an error answer.
	Status int
	// FailPage makes that page (1-based) answer 500.
	FailPage int
	// Delay stalls every answer.
	Delay time.Duration
}

// FakeGitHub is an httptest server standing in for one GitHub server
type FakeGitHub struct {
	Server *httptest.Server

	mu        sync.Mutex
	routes    map[string]*Route
	hits      map[string]int
	login     string
	userID    int64
	limit     int
	remaining int
	reset     time.Time
	noQuota   bool
	graphqlOK bool

	// GraphQL point budget, independent of the REST quota
	pointsLimit     int
	pointsRemaining int
}

func NewFakeGitHub(t *testing.T, login string, userID int64) *FakeGitHub {
	t.Helper()
	f := &FakeGitHub{
		routes:    make(map[string]*Route),
		hits:      make(map[string]int),
		login:     login,
		userID:    userID,
		limit:     5000,
		remaining: 5000,
		reset:     time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC),
		graphqlOK: true,

		pointsLimit:     5000,
		pointsRemaining: 5000,
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.Server.Close)
	return f
}

// APIPath is the REST root to configure a server with.
func (f *FakeGitHub) APIPath() string { return f.Server.URL + "/api/v3" }

// Set installs or replaces the route for path, e.g. "user/subscriptions".
func (f *FakeGitHub) Set(path string, r *Route) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routes["/"+strings.TrimPrefix(path, "/")] = r
}

// Remove makes path answer 404.
func (f *FakeGitHub) Remove(path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.routes, "/"+strings.TrimPrefix(path, "/"))
}

// Hits returns how many requests reached path.
func (f *FakeGitHub) Hits(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits["/"+strings.TrimPrefix(path, "/")]
}

// SetQuota sets the quota reported on the next responses.
func (f *FakeGitHub) SetQuota(remaining, limit int, reset time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remaining, f.limit, f.reset = remaining, limit, reset
}

// SetGraphQLPoints sets the rateLimit answered by GraphQL queries.
func (f *FakeGitHub) SetGraphQLPoints(remaining, limit int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pointsRemaining, f.pointsLimit = remaining, limit
}

// OmitQuotaHeaders stops sending X-RateLimit-* headers.
func (f *FakeGitHub) OmitQuotaHeaders() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.noQuota = true
}

// FailGraphQL makes the viewer query answer 502.
func (f *FakeGitHub) FailGraphQL() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.graphqlOK = false
}

func (f *FakeGitHub) serve(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if r.URL.Path == "/api/graphql" {
		f.serveGraphQL(w)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api/v3")
	f.hits[path]++
	if !f.noQuota {
		if f.remaining > 0 {
			f.remaining--
		}
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(f.limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(f.remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(f.reset.Unix(), 10))
	}

	route, ok := f.routes[path]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
		return
	}
	if route.Delay > 0 {
		f.mu.Unlock()
		time.Sleep(route.Delay)
		f.mu.Lock()
	}
	if route.Status != 0 {
		writeJSON(w, route.Status, map[string]string{"message": http.StatusText(route.Status)})
		return
	}
	if route.Object != nil {
		writeJSON(w, http.StatusOK, route.Object)
		return
	}

	page := 1
	if p, err := strconv.Atoi(r.URL.Query().Get("page")); err == nil && p > 0 {
		page = p
	}
	if page == 1 && route.ETag != "" && r.Header.Get("If-None-Match") == route.ETag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	if route.FailPage == page {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "boom"})
		return
	}
	if route.ETag != "" {
		w.Header().Set("ETag", route.ETag)
	}

	var items []any
	if page <= len(route.Pages) {
		items = route.Pages[page-1]
	}
	if page < len(route.Pages) {
		next := *r.URL
		q := next.Query()
		q.Set("page", strconv.Itoa(page+1))
		next.RawQuery = q.Encode()
		w.Header().Set("Link", fmt.Sprintf(`<%s%s>; rel="next"`, f.Server.URL, next.RequestURI()))
	}
	if items == nil {
		items = []any{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (f *FakeGitHub) serveGraphQL(w http.ResponseWriter) {
	if !f.graphqlOK {
		writeJSON(w, http.StatusBadGateway, map[string]string{"message": "bad gateway"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data": map[string]any{
			"viewer": map[string]any{"login": f.login, "databaseId": f.userID},
			"rateLimit": map[string]any{
				"limit":     f.pointsLimit,
				"remaining": f.pointsRemaining,
				"resetAt":   f.reset.Format(time.RFC3339),
			},
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Items converts a typed slice into a page.
func Items[T any](items ...T) []any {
	out := make([]any, len(items))
	for i, it := range items {
		out[i] = it
	}
	return out
}

func ts(t time.Time) *github.Timestamp { return &github.Timestamp{Time: t} }

func User(id int64, login string) *github.User {
	return &github.User{ID: github.Int64(id), Login: github.String(login)}
}

func Repo(id int64, fullName string, updated time.Time) *github.Repository {
	owner, _, _ := strings.Cut(fullName, "/")
	return &github.Repository{
		ID:        github.Int64(id),
		FullName:  github.String(fullName),
		Owner:     User(id*1000, owner),
		CreatedAt: ts(updated.Add(-24 * time.Hour)),
		UpdatedAt: ts(updated),
	}
}

func Org(id int64, login string) *github.Organization {
	return &github.Organization{ID: github.Int64(id), Login: github.String(login)}
}

// PR builds an open pull request belonging to repo.
func PR(id int64, repoID int64, number int, title string, author *github.User, updated time.Time) *github.PullRequest {
	return &github.PullRequest{
		ID:        github.Int64(id),
		Number:    github.Int(number),
		Title:     github.String(title),
		State:     github.String("open"),
		User:      author,
		Head:      &github.PullRequestBranch{SHA: github.String(fmt.Sprintf("sha%d", id))},
		Base:      &github.PullRequestBranch{Repo: &github.Repository{ID: github.Int64(repoID)}},
		CreatedAt: ts(updated.Add(-time.Hour)),
		UpdatedAt: ts(updated),
	}
}

// Merged returns a copy of pr as merged by mergedBy.
func Merged(pr *github.PullRequest, mergedBy *github.User, at time.Time) *github.PullRequest {
	out := *pr
	out.State = github.String("closed")
	out.Merged = github.Bool(true)
	out.MergedAt = ts(at)
	out.ClosedAt = ts(at)
	out.MergedBy = mergedBy
	out.UpdatedAt = ts(at)
	return &out
}

// Closed returns a copy of pr as closed without merge.
func Closed(pr *github.PullRequest, at time.Time) *github.PullRequest {
	out := *pr
	out.State = github.String("closed")
	out.ClosedAt = ts(at)
	out.UpdatedAt = ts(at)
	return &out
}

func IssueComment(id int64, author *github.User, body string, at time.Time) *github.IssueComment {
	return &github.IssueComment{
		ID:        github.Int64(id),
		User:      author,
		Body:      github.String(body),
		CreatedAt: ts(at),
		UpdatedAt: ts(at),
	}
}

func Status(id int64, state, description string, at time.Time) *github.RepoStatus {
	return &github.RepoStatus{
		ID:          github.Int64(id),
		State:       github.String(state),
		Description: github.String(description),
		Context:     github.String("ci"),
		CreatedAt:   ts(at),
		UpdatedAt:   ts(at),
	}
}

func Event(id string, repoFullName string, at time.Time) *github.Event {
	return &github.Event{
		ID:        github.String(id),
		Type:      github.String("PushEvent"),
		Repo:      &github.Repository{Name: github.String(repoFullName)},
		CreatedAt: ts(at),
	}
}
