package api

import (
	"context"
	"errors"
	"iter"
	"net/http"
	"net/url"
	"strconv"
)

var errFeedConsumed = errors.New("feed already consumed")

// Feed is a lazy, paginated, conditional listing. It can be walked once;
// afterwards ETag and Unmodified describe what the server reported.
type Feed[T any] struct {
	client *GitHubClient
	path   string
	etag   string

	used       bool
	unmodified bool
	newETag    string
}

func newFeed[T any](c *GitHubClient, path, etag string) *Feed[T] {
	return &Feed[T]{client: c, path: path, etag: etag}
}

// Path identifies the feed; it is the key its ETag is stored under.
func (f *Feed[T]) Path() string { return f.path }

// ETag is the validator to send next time. It keeps the previous one when
// the server answered "not modified".
func (f *Feed[T]) ETag() string {
	if f.unmodified {
		return f.etag
	}
	return f.newETag
}

// Unmodified reports a conditional-fetch hit: no pages were produced and
// nothing under this feed should be treated as gone.
func (f *Feed[T]) Unmodified() bool { return f.unmodified }

// Pages yields one decoded page at a time until the server reports no
// further pages. Iteration stops at the first error.
func (f *Feed[T]) Pages(ctx context.Context) iter.Seq2[[]T, error] {
	return func(yield func([]T, error) bool) {
		if f.used {
			yield(nil, &FetchError{Kind: KindNetwork, Path: f.path, Err: errFeedConsumed})
			return
		}
		f.used = true

		page := 1
		for {
			path, err := f.pagePath(page)
			if err != nil {
				yield(nil, &FetchError{Kind: KindNetwork, Path: f.path, Err: err})
				return
			}
			req, err := f.client.client.NewRequest(http.MethodGet, path, nil)
			if err != nil {
				yield(nil, &FetchError{Kind: KindNetwork, Path: f.path, Err: err})
				return
			}
			if page == 1 && f.etag != "" {
				req.Header.Set("If-None-Match", f.etag)
			}

			var items []T
			resp, err := f.client.client.Do(ctx, req, &items)
			f.client.observe(resp)
			if page == 1 && resp != nil && resp.Response != nil && resp.StatusCode == http.StatusNotModified {
				f.unmodified = true
				return
			}
			if err != nil {
				yield(nil, classify(f.path, resp, err))
				return
			}
			if page == 1 {
				f.newETag = resp.Header.Get("ETag")
			}
			if !yield(items, nil) {
				return
			}
			if resp.NextPage == 0 {
				return
			}
			page = resp.NextPage
		}
	}
}

// Collect drains every page. A failure on any page discards everything.
func (f *Feed[T]) Collect(ctx context.Context) ([]T, error) {
	var all []T
	for items, err := range f.Pages(ctx) {
		if err != nil {
			return nil, err
		}
		all = append(all, items...)
	}
	return all, nil
}

func (f *Feed[T]) pagePath(page int) (string, error) {
	u, err := url.Parse(f.path)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("per_page", strconv.Itoa(f.client.pageSize))
	if page > 1 {
		q.Set("page", strconv.Itoa(page))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
