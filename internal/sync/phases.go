package sync

import (
	"cmp"
	"context"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/google/go-github/v57/github"
	"golang.org/x/sync/errgroup"

	"github.com/wesm/prtrail/internal/api"
	"github.com/wesm/prtrail/internal/models"
	"github.com/wesm/prtrail/internal/reconcile"
	"github.com/wesm/prtrail/internal/replica"
)

// Pair kinds
const (
	kindIdentity      = "identity"
	kindEvents        = "events"
	kindOrganizations = "organizations"
	kindRepositories  = "repositories"
	kindRepository    = "repository"
	kindPullRequests  = "pull_requests"
	kindComments      = "comments"
	kindStatuses      = "statuses"
)

// applyFunc mutates the replica with the result of one fetch. It runs on
// the cycle's single writer.
type applyFunc func(r *replica.Replica) error

// pair is one (server, kind) unit of work. fetch runs concurrently and must
// not touch the replica; everything it needs is captured when the phase is
// planned. retain restores what the pair owns when it fails.
type pair struct {
	run    *serverRun
	kind   string
	scope  string
	fetch  func(ctx context.Context) (applyFunc, error)
	retain func(r *replica.Replica)
}

// fetch runs the phases in order. Each phase is planned from the replica as
// the previous phase left it.
func (c *cycle) fetch(ctx context.Context) error {
	if err := c.runPhase(ctx, c.identityPairs()); err != nil {
		return err
	}
	c.dropUnidentified()
	for _, plan := range []func() []pair{c.accountPairs, c.pullRequestPairs, c.detailPairs} {
		if err := c.runPhase(ctx, plan()); err != nil {
			return err
		}
	}
	return nil
}

// runPhase fans the pairs out to at most Workers fetch tasks and applies
// their results one at a time in arrival order.
func (c *cycle) runPhase(ctx context.Context, pairs []pair) error {
	if len(pairs) == 0 {
		return ctx.Err()
	}
	type result struct {
		pair  pair
		apply applyFunc
		err   error
	}
	results := make(chan result)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.syncer.opts.Workers)
	go func() {
		defer close(results)
		for _, p := range pairs {
			if gctx.Err() != nil {
				break
			}
			g.Go(func() error {
				apply, err := p.fetch(gctx)
				select {
				case results <- result{pair: p, apply: apply, err: err}:
					return nil
				case <-gctx.Done():
					return gctx.Err()
				}
			})
		}
		_ = g.Wait()
	}()

	for res := range results {
		if ctx.Err() != nil {
			continue
		}
		c.settle(res.pair, res.apply, res.err)
	}
	return ctx.Err()
}

func (c *cycle) settle(p pair, apply applyFunc, err error) {
	c.report.Pairs++
	if err == nil && apply != nil {
		err = apply(c.rep)
	}
	if err == nil {
		p.run.succeeded++
		return
	}

	if p.retain != nil {
		p.retain(c.rep)
	}
	p.run.failed++
	c.report.Failures = append(c.report.Failures, PairFailure{
		Server: p.run.srv.Label,
		Kind:   p.kind,
		Scope:  p.scope,
		Error:  err.Error(),
	})
	c.logger.Warn("sync pair failed",
		"server", p.run.srv.Label,
		"kind", p.kind,
		"scope", p.scope,
		"error_kind", api.KindOf(err),
		"error", err)
}

func (c *cycle) identityPairs() []pair {
	var pairs []pair
	for _, run := range c.runs {
		pairs = append(pairs, pair{
			run:  run,
			kind: kindIdentity,
			fetch: func(ctx context.Context) (applyFunc, error) {
				viewer, err := run.client.Viewer(ctx)
				if err != nil {
					return nil, err
				}
				return func(r *replica.Replica) error {
					srv := run.srv
					if srv.UserID != viewer.ID || srv.UserLogin != viewer.Login {
						srv.UserID = viewer.ID
						srv.UserLogin = viewer.Login
						r.TouchServer(srv.ID)
					}
					run.login = viewer.Login
					c.syncer.registry.SetIdentity(srv.ID, viewer.ID, viewer.Login)
					// GraphQL points are a separate budget from the REST quota
					c.logger.Debug("server identified", "server", srv.Label, "login", viewer.Login,
						"graphql_remaining", viewer.RateRemaining, "graphql_limit", viewer.RateLimit)
					return nil
				}, nil
			},
		})
	}
	return pairs
}

// dropUnidentified stops refreshing servers whose user is still unknown;
// nothing can be classified for them.
func (c *cycle) dropUnidentified() {
	runs := c.runs[:0]
	for _, run := range c.runs {
		if run.login != "" {
			runs = append(runs, run)
			continue
		}
		retainServer(c.rep, run.srv.ID)
		c.report.Skipped = append(c.report.Skipped, run.srv.Label)
		c.dropped = append(c.dropped, run)
	}
	c.runs = runs
}

func (c *cycle) accountPairs() []pair {
	var pairs []pair
	settings := c.syncer.opts.Settings
	for _, run := range c.runs {
		id := run.srv.ID
		client := run.client

		events, eventsKey := conditional(c.rep, id, func(etag string) *api.Feed[*github.Event] {
			return client.ReceivedEvents(run.login, etag)
		})
		pairs = append(pairs, pair{
			run:  run,
			kind: kindEvents,
			fetch: func(ctx context.Context) (applyFunc, error) {
				items, err := events.Collect(ctx)
				if err != nil {
					return nil, err
				}
				converted := make([]reconcile.Event, 0, len(items))
				for _, ev := range items {
					converted = append(converted, reconcile.Event{
						Repository: ev.GetRepo().GetName(),
						At:         ev.GetCreatedAt().Time,
					})
				}
				return func(r *replica.Replica) error {
					if n := reconcile.ApplyEvents(r, id, converted, c.syncer.now()); n > 0 {
						c.logger.Debug("repositories marked dirty", "server", run.srv.Label, "count", n)
					}
					r.SetCursor(eventsKey, events.ETag())
					return nil
				}, nil
			},
		})

		retainOrgs := func(r *replica.Replica) {
			r.Orgs.Retain(func(o *models.Organization) bool { return o.ServerID == id })
		}
		orgs, orgsKey := conditional(c.rep, id, client.Organizations)
		pairs = append(pairs, pair{
			run:    run,
			kind:   kindOrganizations,
			retain: retainOrgs,
			fetch: func(ctx context.Context) (applyFunc, error) {
				items, err := orgs.Collect(ctx)
				if err != nil {
					return nil, err
				}
				converted := make([]*models.Organization, 0, len(items))
				for _, o := range items {
					org, err := api.ConvertGitHubOrganization(id, o)
					if err != nil {
						return nil, err
					}
					converted = append(converted, org)
				}
				return func(r *replica.Replica) error {
					if orgs.Unmodified() {
						retainOrgs(r)
						return nil
					}
					if _, err := reconcile.Apply(r.Orgs, converted); err != nil {
						return err
					}
					r.SetCursor(orgsKey, orgs.ETag())
					return nil
				}, nil
			},
		})

		retainWatched := func(r *replica.Replica) {
			r.Repos.Retain(func(o *models.Repository) bool { return o.ServerID == id && !o.ManuallyAdded })
		}
		watched, watchedKey := conditional(c.rep, id, client.Watched)
		pairs = append(pairs, pair{
			run:    run,
			kind:   kindRepositories,
			retain: retainWatched,
			fetch: func(ctx context.Context) (applyFunc, error) {
				items, err := watched.Collect(ctx)
				if err != nil {
					return nil, err
				}
				converted, err := convertRepositories(id, items...)
				if err != nil {
					return nil, err
				}
				return func(r *replica.Replica) error {
					if watched.Unmodified() {
						retainWatched(r)
						return nil
					}
					if _, err := reconcile.ApplyRepositories(r, converted, settings.HideNewRepos, false); err != nil {
						return err
					}
					r.SetCursor(watchedKey, watched.ETag())
					return nil
				}, nil
			},
		})

		ep, _ := c.syncer.registry.Endpoint(id)
		for _, fullName := range ep.Repositories {
			pairs = append(pairs, c.manualRepositoryPair(run, fullName))
		}
	}
	return pairs
}

func (c *cycle) manualRepositoryPair(run *serverRun, fullName string) pair {
	id := run.srv.ID
	sameRepo := func(o *models.Repository) bool {
		return o.ServerID == id && strings.EqualFold(o.FullName, fullName)
	}
	return pair{
		run:   run,
		kind:  kindRepository,
		scope: fullName,
		retain: func(r *replica.Replica) {
			r.Repos.Retain(sameRepo)
		},
		fetch: func(ctx context.Context) (applyFunc, error) {
			repo, err := run.client.GetRepository(ctx, fullName)
			if status := api.StatusOf(err); status == http.StatusNotFound || status == http.StatusGone {
				return func(r *replica.Replica) error {
					for _, local := range r.Repos.Where(sameRepo) {
						reconcile.ApplyRepositoryGone(r, local.Key(), status)
					}
					return nil
				}, nil
			}
			if err != nil {
				return nil, err
			}
			converted, err := convertRepositories(id, repo)
			if err != nil {
				return nil, err
			}
			return func(r *replica.Replica) error {
				_, err := reconcile.ApplyRepositories(r, converted, false, true)
				return err
			}, nil
		},
	}
}

// pullRequestPairs plans one pair per repository that survived the account
// phase, dirty repositories first. Hidden and inactive repositories keep
// their pull requests without a fetch.
func (c *cycle) pullRequestPairs() []pair {
	var pairs []pair
	for _, run := range c.runs {
		id := run.srv.ID
		repos := c.rep.Repos.Where(func(o *models.Repository) bool {
			return o.ServerID == id && o.Action != models.ActionPendingDelete
		})
		slices.SortStableFunc(repos, func(a, b *models.Repository) int {
			if a.Dirty != b.Dirty {
				if a.Dirty {
					return -1
				}
				return 1
			}
			return cmp.Or(b.LastDirtied.Compare(a.LastDirtied), cmp.Compare(a.FullName, b.FullName))
		})

		for _, repo := range repos {
			// inaccessible repositories are asked again; a 404 keeps the flag
			if repo.Hidden || !repo.Active {
				retainRepositoryPullRequests(c.rep, repo.Key())
				continue
			}
			pairs = append(pairs, c.pullRequestPair(run, repo))
		}
	}
	return pairs
}

type openPR struct {
	key    models.Key
	number int
}

func (c *cycle) pullRequestPair(run *serverRun, repo *models.Repository) pair {
	id := run.srv.ID
	repoKey := repo.Key()
	fullName := repo.FullName
	dirty := repo.Dirty

	feed, feedKey := conditional(c.rep, id, func(etag string) *api.Feed[*github.PullRequest] {
		if dirty {
			etag = ""
		}
		return run.client.PullRequests(fullName, etag)
	})

	var open []openPR
	for _, pr := range c.rep.PullRequests.Where(func(p *models.PullRequest) bool {
		return p.ServerID == id && p.RepositoryID == repoKey.ExternalID && p.IsOpen()
	}) {
		open = append(open, openPR{key: pr.Key(), number: pr.Number})
	}

	clearDirty := func(r *replica.Replica) {
		if repo, ok := r.Repos.Find(repoKey); ok && (repo.Dirty || repo.Inaccessible) {
			repo.Dirty = false
			repo.Inaccessible = false
			r.Repos.Touch(repo)
		}
	}

	return pair{
		run:   run,
		kind:  kindPullRequests,
		scope: fullName,
		retain: func(r *replica.Replica) {
			retainRepositoryPullRequests(r, repoKey)
		},
		fetch: func(ctx context.Context) (applyFunc, error) {
			items, err := feed.Collect(ctx)
			if status := api.StatusOf(err); status == http.StatusNotFound || status == http.StatusGone {
				return func(r *replica.Replica) error {
					reconcile.ApplyRepositoryGone(r, repoKey, status)
					r.DropCursor(feedKey)
					return nil
				}, nil
			}
			if err != nil {
				return nil, err
			}
			if feed.Unmodified() {
				return func(r *replica.Replica) error {
					retainRepositoryPullRequests(r, repoKey)
					clearDirty(r)
					return nil
				}, nil
			}

			records := make([]reconcile.PullRequestRecord, 0, len(items))
			listed := make(map[int64]bool, len(items))
			for _, item := range items {
				pr, labels, err := api.ConvertGitHubPullRequest(id, repoKey.ExternalID, item)
				if err != nil {
					return nil, err
				}
				records = append(records, reconcile.PullRequestRecord{PullRequest: pr, Labels: labels})
				listed[pr.ExternalID] = true
			}

			closures, err := investigateClosures(ctx, run, fullName, repoKey.ExternalID, open, listed, c.syncer.now())
			if err != nil {
				return nil, err
			}

			return func(r *replica.Replica) error {
				var remotes []*models.PullRequest
				for _, cl := range closures {
					if cl.Remote != nil {
						remotes = append(remotes, cl.Remote)
					}
				}
				if err := reconcile.Validate[models.PullRequest](remotes); err != nil {
					return err
				}
				if _, err := reconcile.ApplyPullRequests(r, run.login, records); err != nil {
					return err
				}
				if err := reconcile.ApplyClosures(r, closures); err != nil {
					return err
				}
				r.SetCursor(feedKey, feed.ETag())
				clearDirty(r)
				return nil
			}, nil
		},
	}
}

// investigateClosures looks up the pull requests that were open locally
// but are missing from the open list, to learn how they were closed.
func investigateClosures(ctx context.Context, run *serverRun, fullName string, repoID int64, open []openPR, listed map[int64]bool, at time.Time) ([]reconcile.Closure, error) {
	var closures []reconcile.Closure
	for _, pr := range open {
		if listed[pr.key.ExternalID] {
			continue
		}
		remote, err := run.client.GetPullRequest(ctx, fullName, pr.number)
		if status := api.StatusOf(err); status == http.StatusNotFound || status == http.StatusGone {
			closures = append(closures, reconcile.Closure{Key: pr.key, At: at})
			continue
		}
		if err != nil {
			return nil, err
		}
		converted, _, err := api.ConvertGitHubPullRequest(run.srv.ID, repoID, remote)
		if err != nil {
			return nil, err
		}
		closures = append(closures, reconcile.Closure{Key: pr.key, Remote: converted, At: at})
	}
	return closures, nil
}

// detailPairs plans comment and status fetches for the pull requests that
// are new or changed in this cycle, or whose details failed to refresh
// before. Other pull requests keep theirs.
func (c *cycle) detailPairs() []pair {
	var pairs []pair
	for _, run := range c.runs {
		id := run.srv.ID
		for _, pr := range c.rep.PullRequests.Where(func(p *models.PullRequest) bool { return p.ServerID == id }) {
			switch {
			case pr.Action == models.ActionPendingDelete:
				continue
			case pr.Action == models.ActionNone && !pr.DetailsStale:
				retainDetails(c.rep, pr.Key())
				continue
			}
			repo, ok := c.rep.RepositoryOf(pr)
			if !ok || !pr.IsOpen() || repo.Hidden || repo.Inaccessible || !repo.Active {
				retainDetails(c.rep, pr.Key())
				continue
			}
			if pr.DetailsStale {
				pr.DetailsStale = false
				c.rep.PullRequests.Touch(pr)
			}
			pairs = append(pairs, c.commentsPair(run, repo.FullName, pr))
			if pr.HeadSHA != "" {
				pairs = append(pairs, c.statusesPair(run, repo.FullName, pr))
			}
		}
	}
	return pairs
}

func (c *cycle) commentsPair(run *serverRun, fullName string, pr *models.PullRequest) pair {
	id := run.srv.ID
	prKey := pr.Key()
	number := pr.Number

	issue, issueKey := conditional(c.rep, id, func(etag string) *api.Feed[*github.IssueComment] {
		return run.client.IssueComments(fullName, number, etag)
	})
	review, reviewKey := conditional(c.rep, id, func(etag string) *api.Feed[*github.PullRequestComment] {
		return run.client.ReviewComments(fullName, number, etag)
	})
	isReview := func(review bool) func(*models.Comment) bool {
		return func(cm *models.Comment) bool { return cm.Review == review }
	}

	return pair{
		run:   run,
		kind:  kindComments,
		scope: prScope(fullName, number),
		retain: func(r *replica.Replica) {
			r.Comments.Retain(childOf[models.Comment](prKey, nil))
			markStale(r, prKey)
		},
		fetch: func(ctx context.Context) (applyFunc, error) {
			issueItems, err := issue.Collect(ctx)
			if err != nil {
				return nil, err
			}
			reviewItems, err := review.Collect(ctx)
			if err != nil {
				return nil, err
			}
			converted := make([]*models.Comment, 0, len(issueItems)+len(reviewItems))
			for _, item := range issueItems {
				cm, err := api.ConvertGitHubIssueComment(id, prKey.ExternalID, item)
				if err != nil {
					return nil, err
				}
				converted = append(converted, cm)
			}
			for _, item := range reviewItems {
				cm, err := api.ConvertGitHubReviewComment(id, prKey.ExternalID, item)
				if err != nil {
					return nil, err
				}
				converted = append(converted, cm)
			}
			return func(r *replica.Replica) error {
				if _, err := reconcile.Apply(r.Comments, converted); err != nil {
					return err
				}
				if issue.Unmodified() {
					r.Comments.Retain(childOf(prKey, isReview(false)))
				}
				if review.Unmodified() {
					r.Comments.Retain(childOf(prKey, isReview(true)))
				}
				r.SetCursor(issueKey, issue.ETag())
				r.SetCursor(reviewKey, review.ETag())
				return nil
			}, nil
		},
	}
}

func (c *cycle) statusesPair(run *serverRun, fullName string, pr *models.PullRequest) pair {
	id := run.srv.ID
	prKey := pr.Key()
	sha := pr.HeadSHA

	feed, feedKey := conditional(c.rep, id, func(etag string) *api.Feed[*github.RepoStatus] {
		return run.client.Statuses(fullName, sha, etag)
	})
	retain := func(r *replica.Replica) {
		r.Statuses.Retain(childOf[models.Status](prKey, nil))
	}

	return pair{
		run:   run,
		kind:  kindStatuses,
		scope: prScope(fullName, pr.Number),
		retain: func(r *replica.Replica) {
			retain(r)
			markStale(r, prKey)
		},
		fetch: func(ctx context.Context) (applyFunc, error) {
			items, err := feed.Collect(ctx)
			if err != nil {
				return nil, err
			}
			converted := make([]*models.Status, 0, len(items))
			for _, item := range items {
				st, err := api.ConvertGitHubStatus(id, prKey.ExternalID, item)
				if err != nil {
					return nil, err
				}
				converted = append(converted, st)
			}
			return func(r *replica.Replica) error {
				if feed.Unmodified() {
					retain(r)
					return nil
				}
				if _, err := reconcile.Apply(r.Statuses, converted); err != nil {
					return err
				}
				r.SetCursor(feedKey, feed.ETag())
				return nil
			}, nil
		},
	}
}

func conditional[T any](r *replica.Replica, serverID int64, open func(etag string) *api.Feed[T]) (*api.Feed[T], models.FeedKey) {
	key := models.FeedKey{ServerID: serverID, Path: open("").Path()}
	return open(r.Cursor(key)), key
}

func convertRepositories(serverID int64, items ...*github.Repository) ([]*models.Repository, error) {
	out := make([]*models.Repository, 0, len(items))
	for _, item := range items {
		repo, err := api.ConvertGitHubRepository(serverID, item)
		if err != nil {
			return nil, err
		}
		out = append(out, repo)
	}
	return out, nil
}

func prScope(fullName string, number int) string {
	return fmt.Sprintf("%s#%d", fullName, number)
}

// childOf matches the records owned by a pull request, narrowed by match
// when it is not nil.
func childOf[T any, P replica.Entity[T]](parent models.Key, match func(P) bool) func(P) bool {
	return func(rec P) bool {
		k := rec.Key()
		if k.ServerID != parent.ServerID || k.Parent != parent.ExternalID {
			return false
		}
		return match == nil || match(rec)
	}
}

// retainServer keeps everything a server owns for another cycle.
func retainServer(r *replica.Replica, serverID int64) {
	r.Orgs.Retain(func(o *models.Organization) bool { return o.ServerID == serverID })
	r.Repos.Retain(func(o *models.Repository) bool { return o.ServerID == serverID })
	r.PullRequests.Retain(func(o *models.PullRequest) bool { return o.ServerID == serverID })
	r.Comments.Retain(func(o *models.Comment) bool { return o.ServerID == serverID })
	r.Statuses.Retain(func(o *models.Status) bool { return o.ServerID == serverID })
	r.Labels.Retain(func(o *models.Label) bool { return o.ServerID == serverID })
}

// retainRepositoryPullRequests keeps the pull requests of a repository and
// everything they own.
func retainRepositoryPullRequests(r *replica.Replica, repo models.Key) {
	owned := func(p *models.PullRequest) bool {
		return p.ServerID == repo.ServerID && p.RepositoryID == repo.ExternalID
	}
	r.PullRequests.Retain(owned)
	keys := make(map[models.Key]bool)
	for _, pr := range r.PullRequests.Where(owned) {
		keys[pr.Key()] = true
	}
	r.RetainChildren(func(parent models.Key) bool { return keys[parent] })
}

func retainDetails(r *replica.Replica, pr models.Key) {
	r.Comments.Retain(childOf[models.Comment](pr, nil))
	r.Statuses.Retain(childOf[models.Status](pr, nil))
}

// markStale flags a pull request whose details could not be refreshed so
// the next cycle fetches them even if the pull request itself is unchanged.
func markStale(r *replica.Replica, key models.Key) {
	if pr, ok := r.PullRequests.Find(key); ok && !pr.DetailsStale {
		pr.DetailsStale = true
		r.PullRequests.Touch(pr)
	}
}
