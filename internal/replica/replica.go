package replica

import (
	"cmp"
	"slices"

	"github.com/wesm/prtrail/internal/models"
)

type (
	Organizations = Collection[models.Organization, *models.Organization]
	Repositories  = Collection[models.Repository, *models.Repository]
	PullRequests  = Collection[models.PullRequest, *models.PullRequest]
	Comments      = Collection[models.Comment, *models.Comment]
	Statuses      = Collection[models.Status, *models.Status]
	Labels        = Collection[models.Label, *models.Label]
)

// Replica is the working copy of the local store for one cycle. A cycle
// mutates only its replica; the store sees the result when it is committed.
type Replica struct {
	Servers map[int64]*models.Server

	Orgs         *Organizations
	Repos        *Repositories
	PullRequests *PullRequests
	Comments     *Comments
	Statuses     *Statuses
	Labels       *Labels

	cursors      map[models.FeedKey]string
	dirtyCursors map[models.FeedKey]struct{}
	dirtyServers map[int64]struct{}
	gone         []int64
}

func New() *Replica {
	return &Replica{
		Servers:      make(map[int64]*models.Server),
		Orgs:         NewCollection[models.Organization](),
		Repos:        NewCollection[models.Repository](),
		PullRequests: NewCollection[models.PullRequest](),
		Comments:     NewCollection[models.Comment](),
		Statuses:     NewCollection[models.Status](),
		Labels:       NewCollection[models.Label](),
		cursors:      make(map[models.FeedKey]string),
		dirtyCursors: make(map[models.FeedKey]struct{}),
		dirtyServers: make(map[int64]struct{}),
	}
}

// ServerList returns the servers ordered by id.
func (r *Replica) ServerList() []*models.Server {
	out := make([]*models.Server, 0, len(r.Servers))
	for _, s := range r.Servers {
		out = append(out, s)
	}
	slices.SortFunc(out, func(a, b *models.Server) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// TouchServer marks a server's sync state for writing.
func (r *Replica) TouchServer(id int64) {
	r.dirtyServers[id] = struct{}{}
}

func (r *Replica) DirtyServers() []*models.Server {
	var out []*models.Server
	for _, s := range r.ServerList() {
		if _, ok := r.dirtyServers[s.ID]; ok {
			out = append(out, s)
		}
	}
	return out
}

// LoadCursor records a stored ETag without marking it for writing.
func (r *Replica) LoadCursor(key models.FeedKey, etag string) {
	r.cursors[key] = etag
}

func (r *Replica) Cursor(key models.FeedKey) string {
	return r.cursors[key]
}

func (r *Replica) SetCursor(key models.FeedKey, etag string) {
	if etag == "" || r.cursors[key] == etag {
		return
	}
	r.cursors[key] = etag
	r.dirtyCursors[key] = struct{}{}
}

// DropCursor forgets an ETag so the next fetch of that feed is unconditional.
func (r *Replica) DropCursor(key models.FeedKey) {
	if _, ok := r.cursors[key]; !ok {
		return
	}
	r.cursors[key] = ""
	r.dirtyCursors[key] = struct{}{}
}

// DirtyCursors returns changed cursors; an empty ETag means delete.
func (r *Replica) DirtyCursors() map[models.FeedKey]string {
	out := make(map[models.FeedKey]string, len(r.dirtyCursors))
	for key := range r.dirtyCursors {
		out[key] = r.cursors[key]
	}
	return out
}

// MarkServerPendingDelete flags every entity owned by a server.
func (r *Replica) MarkServerPendingDelete(serverID int64) int {
	n := r.Orgs.MarkPendingDelete(func(o *models.Organization) bool { return o.ServerID == serverID })
	n += r.Repos.MarkPendingDelete(func(o *models.Repository) bool { return o.ServerID == serverID })
	n += r.PullRequests.MarkPendingDelete(func(o *models.PullRequest) bool { return o.ServerID == serverID })
	n += r.Comments.MarkPendingDelete(func(o *models.Comment) bool { return o.ServerID == serverID })
	n += r.Statuses.MarkPendingDelete(func(o *models.Status) bool { return o.ServerID == serverID })
	n += r.Labels.MarkPendingDelete(func(o *models.Label) bool { return o.ServerID == serverID })
	return n
}

// RetainChildren clears pending-delete on the comments, statuses and labels
// of the pull requests matched.
func (r *Replica) RetainChildren(match func(parent models.Key) bool) {
	parentOf := func(k models.Key) models.Key {
		return models.Key{ServerID: k.ServerID, ExternalID: k.Parent}
	}
	r.Comments.Retain(func(c *models.Comment) bool { return match(parentOf(c.Key())) })
	r.Statuses.Retain(func(s *models.Status) bool { return match(parentOf(s.Key())) })
	r.Labels.Retain(func(l *models.Label) bool { return match(parentOf(l.Key())) })
}

// PurgePullRequests removes matching pull requests and everything they own.
func (r *Replica) PurgePullRequests(match func(*models.PullRequest) bool) []*models.PullRequest {
	gone := r.PullRequests.Purge(match)
	if len(gone) == 0 {
		return nil
	}
	keys := make(map[models.Key]struct{}, len(gone))
	for _, pr := range gone {
		keys[pr.Key()] = struct{}{}
	}
	owned := func(serverID, parent int64) bool {
		_, ok := keys[models.Key{ServerID: serverID, ExternalID: parent}]
		return ok
	}
	r.Comments.Purge(func(c *models.Comment) bool { return owned(c.ServerID, c.PullRequestID) })
	r.Statuses.Purge(func(s *models.Status) bool { return owned(s.ServerID, s.PullRequestID) })
	r.Labels.Purge(func(l *models.Label) bool { return owned(l.ServerID, l.PullRequestID) })
	return gone
}

// PurgeRepositories removes matching repositories and their pull requests.
func (r *Replica) PurgeRepositories(match func(*models.Repository) bool) []*models.Repository {
	gone := r.Repos.Purge(match)
	if len(gone) == 0 {
		return nil
	}
	keys := make(map[models.Key]struct{}, len(gone))
	for _, repo := range gone {
		keys[repo.Key()] = struct{}{}
	}
	r.PurgePullRequests(func(pr *models.PullRequest) bool {
		_, ok := keys[models.Key{ServerID: pr.ServerID, ExternalID: pr.RepositoryID}]
		return ok
	})
	return gone
}

// PurgeServer removes a server and every entity it owns.
func (r *Replica) PurgeServer(serverID int64) {
	owned := func(id int64) bool { return id == serverID }
	r.Orgs.Purge(func(o *models.Organization) bool { return owned(o.ServerID) })
	r.PurgeRepositories(func(o *models.Repository) bool { return owned(o.ServerID) })
	// pull requests whose repository was never stored
	r.PurgePullRequests(func(o *models.PullRequest) bool { return owned(o.ServerID) })
	delete(r.Servers, serverID)
	delete(r.dirtyServers, serverID)
	r.gone = append(r.gone, serverID)
	for key := range r.cursors {
		if key.ServerID == serverID {
			delete(r.cursors, key)
			delete(r.dirtyCursors, key)
		}
	}
}

// PurgedServers lists servers removed from the replica.
func (r *Replica) PurgedServers() []int64 {
	return slices.Clone(r.gone)
}

// RepositoryOf returns the repository owning pr, if it is present.
func (r *Replica) RepositoryOf(pr *models.PullRequest) (*models.Repository, bool) {
	return r.Repos.Find(models.Key{ServerID: pr.ServerID, ExternalID: pr.RepositoryID})
}

// ResetActions clears the per-cycle bookkeeping on every surviving record.
func (r *Replica) ResetActions() {
	r.Orgs.ResetActions()
	r.Repos.ResetActions()
	r.Comments.ResetActions()
	r.Statuses.ResetActions()
	r.Labels.ResetActions()
	r.PullRequests.ResetActions()
	for _, pr := range r.PullRequests.All() {
		pr.Reopened = false
		pr.NewAssignment = false
		pr.StateChanged = false
	}
}
