// Package notify turns the outcome of a cycle into activity notifications
// and fans them out to subscribers.
package notify

import (
	"cmp"
	"slices"
	"strings"

	"github.com/wesm/prtrail/internal/classify"
	"github.com/wesm/prtrail/internal/models"
	"github.com/wesm/prtrail/internal/replica"
)

// Derive lists the notifications for a replica that has been reconciled,
// pruned and classified but not yet reset. Servers that have never
// completed a cycle stay quiet so the first import does not notify.
func Derive(r *replica.Replica, s models.Settings) []models.Notification {
	var out []models.Notification
	quiet := func(serverID int64) bool {
		srv, ok := r.Servers[serverID]
		return !ok || srv.LastSyncAt.IsZero()
	}

	for _, pr := range r.PullRequests.All() {
		if quiet(pr.ServerID) || pr.Section == models.SectionNone {
			continue
		}
		srv := r.Servers[pr.ServerID]
		n := models.Notification{
			ServerID:      pr.ServerID,
			RepositoryID:  pr.RepositoryID,
			PullRequestID: pr.ExternalID,
			Title:         pr.Title,
			URL:           pr.WebURL,
			At:            pr.UpdatedAt,
		}
		mine := classify.AuthoredByMe(srv, pr)

		switch {
		case pr.NewAssignment && pr.IsOpen():
			n.Type = models.NewPRAssigned
		case pr.Action == models.ActionNoteNew && !mine && pr.IsOpen():
			n.Type = models.NewPR
			n.Actor = pr.UserLogin
		case pr.Reopened:
			n.Type = models.PRReopened
		case pr.StateChanged && pr.State == models.StateMerged:
			n.Type = models.PRMerged
			n.Actor = pr.MergedByLogin
			n.At = pr.MergedAt
		case pr.StateChanged && pr.State == models.StateClosed:
			n.Type = models.PRClosed
			n.At = pr.ClosedAt
		default:
			continue
		}
		out = append(out, n)
	}

	out = append(out, comments(r, s, quiet)...)
	out = append(out, repositories(r, quiet)...)
	slices.SortStableFunc(out, func(a, b models.Notification) int {
		return cmp.Or(a.At.Compare(b.At), cmp.Compare(a.ServerID, b.ServerID))
	})
	return out
}

func comments(r *replica.Replica, s models.Settings, quiet func(int64) bool) []models.Notification {
	var out []models.Notification
	for _, c := range r.Comments.All() {
		if c.Action != models.ActionNoteNew || quiet(c.ServerID) {
			continue
		}
		pr, ok := r.PullRequests.Find(models.Key{ServerID: c.ServerID, ExternalID: c.PullRequestID})
		if !ok || pr.Action == models.ActionNoteNew {
			continue
		}
		srv := r.Servers[c.ServerID]
		if classify.IsMe(srv, c.UserID, c.UserLogin) || s.Blacklisted(c.UserLogin) {
			continue
		}
		loud := pr.Section == models.SectionMine || pr.Section == models.SectionParticipated
		if !loud && !(s.ShowCommentsEverywhere && pr.Section != models.SectionNone) {
			continue
		}

		typ := models.NewComment
		if classify.Mentions(c.Body, srv.UserLogin) {
			typ = models.NewMention
		}
		out = append(out, models.Notification{
			Type:          typ,
			ServerID:      c.ServerID,
			RepositoryID:  pr.RepositoryID,
			PullRequestID: pr.ExternalID,
			CommentID:     c.ExternalID,
			Title:         pr.Title,
			Actor:         c.UserLogin,
			URL:           c.WebURL,
			At:            c.CreatedAt,
		})
	}
	return out
}

func repositories(r *replica.Replica, quiet func(int64) bool) []models.Notification {
	orgs := make(map[int64]map[string]bool)
	for _, o := range r.Orgs.All() {
		if orgs[o.ServerID] == nil {
			orgs[o.ServerID] = make(map[string]bool)
		}
		orgs[o.ServerID][strings.ToLower(o.Login)] = true
	}

	var out []models.Notification
	for _, repo := range r.Repos.All() {
		if repo.Action != models.ActionNoteNew || repo.ManuallyAdded || quiet(repo.ServerID) {
			continue
		}
		typ := models.NewRepoSubscribed
		if orgs[repo.ServerID][strings.ToLower(repo.Owner)] {
			typ = models.NewRepoAnnouncement
		}
		out = append(out, models.Notification{
			Type:         typ,
			ServerID:     repo.ServerID,
			RepositoryID: repo.ExternalID,
			Title:        repo.FullName,
			Actor:        repo.Owner,
			URL:          repo.WebURL,
			At:           repo.CreatedAt,
		})
	}
	return out
}
