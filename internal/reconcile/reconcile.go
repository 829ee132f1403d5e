// Package reconcile merges fetched records into a replica.
//
// Every operation validates its whole batch before touching the replica, so
// a batch that fails validation leaves the replica exactly as it was and the
// caller can treat the (server, kind) pair as failed.
package reconcile

import (
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/wesm/prtrail/internal/models"
	"github.com/wesm/prtrail/internal/replica"
)

// ErrInvalidRecord marks a batch that cannot be reconciled
var ErrInvalidRecord = errors.New("invalid record")

// Result counts the actions taken for a batch
type Result struct {
	New       int
	Updated   int
	Unchanged int
}

func (r *Result) add(action models.LifecycleAction) {
	switch action {
	case models.ActionNoteNew:
		r.New++
	case models.ActionNoteUpdated:
		r.Updated++
	default:
		r.Unchanged++
	}
}

// Validate checks that every record can be reconciled.
func Validate[T any, P replica.Entity[T]](records []P) error {
	for _, rec := range records {
		meta := rec.Meta()
		switch {
		case meta.ServerID == 0:
			return fmt.Errorf("%w: record %d has no server", ErrInvalidRecord, meta.ExternalID)
		case meta.ExternalID == 0:
			return fmt.Errorf("%w: record without id", ErrInvalidRecord)
		case rec.Timestamped() && meta.UpdatedAt.IsZero():
			// last-write-wins cannot be decided
			return fmt.Errorf("%w: record %d has no update time", ErrInvalidRecord, meta.ExternalID)
		}
	}
	return nil
}

// Apply upserts records into table and reports what happened to each.
func Apply[T any, P replica.Entity[T]](table replica.Table[T, P], records []P) (Result, error) {
	var res Result
	if err := Validate[T](records); err != nil {
		return res, err
	}
	for _, rec := range records {
		_, action := table.Upsert(rec)
		res.add(action)
	}
	return res, nil
}

// PullRequestRecord is a fetched pull request with the labels it carried
type PullRequestRecord struct {
	PullRequest *models.PullRequest
	Labels      []*models.Label
}

// ApplyPullRequests reconciles the open pull requests of one repository.
// It notes reopened pull requests and new assignments to login, and
// reconciles the labels of every returned pull request.
func ApplyPullRequests(r *replica.Replica, login string, records []PullRequestRecord) (Result, error) {
	var res Result
	prs := make([]*models.PullRequest, 0, len(records))
	var labels []*models.Label
	for _, rec := range records {
		prs = append(prs, rec.PullRequest)
		labels = append(labels, rec.Labels...)
	}
	if err := Validate[models.PullRequest](prs); err != nil {
		return res, err
	}
	if err := Validate[models.Label](labels); err != nil {
		return res, err
	}

	for _, rec := range records {
		incoming := rec.PullRequest
		var (
			wasOpen     = true
			wasAssigned bool
		)
		if cur, ok := r.PullRequests.Find(incoming.Key()); ok {
			wasOpen = cur.IsOpen()
			wasAssigned = cur.AssignedToMe
		}

		pr, action := r.PullRequests.Upsert(incoming)
		res.add(action)

		if !wasOpen && pr.IsOpen() {
			pr.Reopened = true
			pr.StateChanged = true
		}
		assigned := login != "" && slices.ContainsFunc(pr.Assignees, func(a string) bool {
			return strings.EqualFold(a, login)
		})
		if assigned != pr.AssignedToMe {
			pr.AssignedToMe = assigned
			r.PullRequests.Touch(pr)
		}
		if assigned && !wasAssigned {
			pr.NewAssignment = true
		}

		for _, l := range rec.Labels {
			r.Labels.Upsert(l)
		}
	}
	return res, nil
}

// Closure is the result of looking up a pull request that disappeared from
// its repository's open list
type Closure struct {
	Key models.Key
	// Remote is the pull request as the server reports it now; nil when
	// the server no longer knows it.
	Remote *models.PullRequest
	At     time.Time
}

// ApplyClosures records how pull requests left the open list. They stay
// pending delete so that retention decides whether they are kept, unless
// the server reports them still open.
func ApplyClosures(r *replica.Replica, closures []Closure) error {
	var remotes []*models.PullRequest
	for _, c := range closures {
		if c.Remote != nil {
			remotes = append(remotes, c.Remote)
		}
	}
	if err := Validate[models.PullRequest](remotes); err != nil {
		return err
	}

	for _, c := range closures {
		pr, ok := r.PullRequests.Find(c.Key)
		if !ok {
			continue
		}
		wasOpen := pr.IsOpen()
		action := pr.Action

		if c.Remote != nil {
			pr.Absorb(c.Remote)
		} else if pr.IsOpen() {
			pr.State = models.StateClosed
			if pr.ClosedAt.IsZero() {
				pr.ClosedAt = c.At
			}
		}
		r.PullRequests.Touch(pr)

		if pr.IsOpen() {
			r.PullRequests.Retain(func(p *models.PullRequest) bool { return p == pr })
			continue
		}
		pr.Action = action
		if wasOpen {
			pr.StateChanged = true
		}
	}
	return nil
}

// ApplyRepositoryGone handles a repository the server refused to list.
// Not found means it is no longer accessible to the user and it is kept but
// flagged; gone means it was deleted and it stays pending delete.
func ApplyRepositoryGone(r *replica.Replica, key models.Key, status int) {
	repo, ok := r.Repos.Find(key)
	if !ok {
		return
	}
	if status == http.StatusGone {
		repo.Action = models.ActionPendingDelete
		return
	}
	r.Repos.Retain(func(o *models.Repository) bool { return o == repo })
	if !repo.Inaccessible {
		repo.Inaccessible = true
		r.Repos.Touch(repo)
	}
	r.PullRequests.Retain(func(pr *models.PullRequest) bool {
		return pr.ServerID == key.ServerID && pr.RepositoryID == key.ExternalID
	})
	r.RetainChildren(func(parent models.Key) bool {
		pr, ok := r.PullRequests.Find(parent)
		return ok && pr.RepositoryID == key.ExternalID
	})
}

// Event is the part of a received event that matters for scheduling
type Event struct {
	Repository string
	At         time.Time
}

// ApplyEvents marks the repositories named by events newer than the
// server's cursor dirty and advances the cursor. It returns how many
// repositories were dirtied.
func ApplyEvents(r *replica.Replica, serverID int64, events []Event, now time.Time) int {
	srv, ok := r.Servers[serverID]
	if !ok {
		return 0
	}
	byName := make(map[string]*models.Repository)
	for _, repo := range r.Repos.Where(func(o *models.Repository) bool { return o.ServerID == serverID }) {
		byName[strings.ToLower(repo.FullName)] = repo
	}

	latest := srv.LastEventAt
	dirtied := 0
	for _, ev := range events {
		if !ev.At.After(srv.LastEventAt) {
			continue
		}
		if ev.At.After(latest) {
			latest = ev.At
		}
		repo, ok := byName[strings.ToLower(ev.Repository)]
		if !ok || repo.Dirty {
			continue
		}
		repo.Dirty = true
		repo.LastDirtied = now
		r.Repos.Touch(repo)
		dirtied++
	}
	if latest.After(srv.LastEventAt) {
		srv.LastEventAt = latest
		r.TouchServer(serverID)
	}
	return dirtied
}

// ApplyRepositories reconciles a batch of repositories. New repositories
// become active and are hidden when hideNew is set. manual marks them as
// added by hand rather than through the watch list.
func ApplyRepositories(r *replica.Replica, repos []*models.Repository, hideNew, manual bool) (Result, error) {
	var res Result
	if err := Validate[models.Repository](repos); err != nil {
		return res, err
	}
	for _, in := range repos {
		repo, action := r.Repos.Upsert(in)
		res.add(action)
		touched := false
		if action == models.ActionNoteNew {
			repo.Active = true
			repo.Hidden = hideNew && !manual
			touched = true
		}
		if manual && !repo.ManuallyAdded {
			repo.ManuallyAdded = true
			touched = true
		}
		if repo.Inaccessible {
			repo.Inaccessible = false
			touched = true
		}
		if touched {
			r.Repos.Touch(repo)
		}
	}
	return res, nil
}
