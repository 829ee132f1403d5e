// Package prune removes what a cycle did not see again, subject to the
// retention policy for merged and closed pull requests.
package prune

import (
	"github.com/wesm/prtrail/internal/classify"
	"github.com/wesm/prtrail/internal/models"
	"github.com/wesm/prtrail/internal/replica"
)

// Report counts what a prune removed and kept
type Report struct {
	Organizations int
	Repositories  int
	PullRequests  int
	Comments      int
	Statuses      int
	Labels        int
	// Kept counts pending-delete pull requests retained by policy.
	Kept int
}

// Total is the number of records purged.
func (r Report) Total() int {
	return r.Organizations + r.Repositories + r.PullRequests + r.Comments + r.Statuses + r.Labels
}

// Keep decides whether a pull request that the last fetch did not report
// as open is retained.
func Keep(srv *models.Server, pr *models.PullRequest, comments []*models.Comment, s models.Settings) bool {
	mine := classify.AuthoredByMe(srv, pr)
	switch pr.State {
	case models.StateOpen:
		return mine
	case models.StateMerged:
		if s.DontKeepPRsMergedByMe && classify.MergedByMe(srv, pr) {
			return false
		}
		return policyKeeps(s.MergeHandling, srv, pr, comments, s)
	default:
		return policyKeeps(s.CloseHandling, srv, pr, comments, s)
	}
}

func policyKeeps(p models.HandlingPolicy, srv *models.Server, pr *models.PullRequest, comments []*models.Comment, s models.Settings) bool {
	switch p {
	case models.KeepAll:
		return true
	case models.KeepNone:
		return false
	case models.KeepMineAndParticipated:
		sec := classify.OpenSection(srv, pr, comments, s)
		return sec == models.SectionMine || sec == models.SectionParticipated
	default:
		return classify.AuthoredByMe(srv, pr)
	}
}

// Prune purges every record of r still pending delete, except pull requests
// retained by Keep together with what they own.
func Prune(r *replica.Replica, s models.Settings) Report {
	var rep Report
	byPR := r.Comments.ByParent()

	kept := make(map[models.Key]bool)
	for _, pr := range r.PullRequests.Where(pending[models.PullRequest]) {
		if Keep(r.Servers[pr.ServerID], pr, byPR[pr.Key()], s) {
			kept[pr.Key()] = true
		}
	}
	if len(kept) > 0 {
		r.PullRequests.Retain(func(pr *models.PullRequest) bool { return kept[pr.Key()] })
		r.RetainChildren(func(parent models.Key) bool { return kept[parent] })
	}
	rep.Kept = len(kept)

	prs, comments, statuses, labels := r.PullRequests.Len(), r.Comments.Len(), r.Statuses.Len(), r.Labels.Len()
	rep.Repositories = len(r.PurgeRepositories(pending[models.Repository]))
	r.PurgePullRequests(pending[models.PullRequest])
	r.Comments.Purge(pending[models.Comment])
	r.Statuses.Purge(pending[models.Status])
	r.Labels.Purge(pending[models.Label])
	rep.PullRequests = prs - r.PullRequests.Len()
	rep.Comments = comments - r.Comments.Len()
	rep.Statuses = statuses - r.Statuses.Len()
	rep.Labels = labels - r.Labels.Len()

	rep.Organizations = len(r.Orgs.Purge(pending[models.Organization]))
	return rep
}

func pending[T any, P replica.Entity[T]](rec P) bool {
	return rec.Meta().Action == models.ActionPendingDelete
}
