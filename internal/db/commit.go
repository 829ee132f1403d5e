package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/wesm/prtrail/internal/models"
	"github.com/wesm/prtrail/internal/replica"
)

// RunRecord describes one completed, non-failed cycle
type RunRecord struct {
	ID         string
	Trigger    string
	Outcome    string
	StartedAt  time.Time
	FinishedAt time.Time
	Created    int
	Updated    int
	Purged     int
	Failures   []string
}

// CommitStats counts the rows a commit wrote.
type CommitStats struct {
	Written int
	Deleted int
}

// Commit writes every dirty record of r, deletes every purged one and
// appends run, all in a single transaction. Nothing is visible unless the
// whole commit succeeds.
func (db *DB) Commit(ctx context.Context, r *replica.Replica, run *RunRecord) (CommitStats, error) {
	var stats CommitStats
	err := db.WithTx(ctx, func(tx *sql.Tx) error {
		stats = CommitStats{}
		w := &writer{ctx: ctx, tx: tx, stats: &stats}

		for _, id := range r.PurgedServers() {
			if err := deleteServer(ctx, tx, id); err != nil && !errors.Is(err, ErrNotFound) {
				return err
			}
			stats.Deleted++
		}
		for _, s := range r.DirtyServers() {
			if err := updateServerState(ctx, tx, s); err != nil {
				return err
			}
			stats.Written++
		}
		for key, etag := range r.DirtyCursors() {
			w.saveCursor(key, etag)
		}

		for _, o := range r.Orgs.Purged() {
			w.delete("organizations", o.Key())
		}
		for _, repo := range r.Repos.Purged() {
			w.delete("repositories", repo.Key())
		}
		for _, pr := range r.PullRequests.Purged() {
			w.delete("pull_requests", pr.Key())
		}
		for _, c := range r.Comments.Purged() {
			w.delete("comments", c.Key())
		}
		for _, s := range r.Statuses.Purged() {
			w.delete("statuses", s.Key())
		}
		for _, l := range r.Labels.Purged() {
			w.delete("labels", l.Key())
		}

		for _, o := range r.Orgs.Dirty() {
			w.saveOrganization(o)
		}
		for _, repo := range r.Repos.Dirty() {
			w.saveRepository(repo)
		}
		for _, pr := range r.PullRequests.Dirty() {
			w.savePullRequest(pr)
		}
		for _, c := range r.Comments.Dirty() {
			w.saveComment(c)
		}
		for _, s := range r.Statuses.Dirty() {
			w.saveStatus(s)
		}
		for _, l := range r.Labels.Dirty() {
			w.saveLabel(l)
		}

		if run != nil {
			w.saveRun(run)
		}
		return w.err
	})
	if err != nil {
		return CommitStats{}, fmt.Errorf("failed to commit cycle: %w", err)
	}
	return stats, nil
}

// writer executes statements until the first error, which it keeps.
type writer struct {
	ctx   context.Context
	tx    *sql.Tx
	stats *CommitStats
	err   error
}

func (w *writer) exec(what, query string, args ...any) {
	if w.err != nil {
		return
	}
	if _, err := w.tx.ExecContext(w.ctx, query, args...); err != nil {
		w.err = fmt.Errorf("failed to save %s: %w", what, err)
		return
	}
	w.stats.Written++
}

func (w *writer) delete(table string, key models.Key) {
	if w.err != nil {
		return
	}
	query := `DELETE FROM ` + table + ` WHERE server_id = ? AND id = ?`
	args := []any{key.ServerID, key.ExternalID}
	switch table {
	case "comments", "statuses", "labels":
		query += ` AND pull_request_id = ?`
		args = append(args, key.Parent)
	}
	if _, err := w.tx.ExecContext(w.ctx, query, args...); err != nil {
		w.err = fmt.Errorf("failed to delete from %s: %w", table, err)
		return
	}
	w.stats.Deleted++
}

func (w *writer) saveCursor(key models.FeedKey, etag string) {
	if etag == "" {
		if w.err == nil {
			if _, err := w.tx.ExecContext(w.ctx, `DELETE FROM feed_cursors WHERE server_id = ? AND path = ?`,
				key.ServerID, key.Path); err != nil {
				w.err = fmt.Errorf("failed to delete feed cursor: %w", err)
			}
		}
		return
	}
	w.exec("feed cursor", `
	INSERT INTO feed_cursors (server_id, path, etag) VALUES (?, ?, ?)
	ON CONFLICT(server_id, path) DO UPDATE SET etag = excluded.etag
	`, key.ServerID, key.Path, etag)
}

func (w *writer) saveOrganization(o *models.Organization) {
	w.exec("organization", `
	INSERT INTO organizations (server_id, id, login, avatar_url, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(server_id, id) DO UPDATE SET
		login = excluded.login,
		avatar_url = excluded.avatar_url,
		updated_at = excluded.updated_at
	`, o.ServerID, o.ExternalID, o.Login, o.AvatarURL, toUnix(o.CreatedAt), toUnix(o.UpdatedAt))
}

func (w *writer) saveRepository(r *models.Repository) {
	w.exec("repository", `
	INSERT INTO repositories (server_id, id, full_name, owner, private, fork, archived, web_url, pushed_at,
		active, hidden, dirty, inaccessible, manually_added, last_dirtied, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(server_id, id) DO UPDATE SET
		full_name = excluded.full_name,
		owner = excluded.owner,
		private = excluded.private,
		fork = excluded.fork,
		archived = excluded.archived,
		web_url = excluded.web_url,
		pushed_at = excluded.pushed_at,
		active = excluded.active,
		hidden = excluded.hidden,
		dirty = excluded.dirty,
		inaccessible = excluded.inaccessible,
		manually_added = excluded.manually_added,
		last_dirtied = excluded.last_dirtied,
		updated_at = excluded.updated_at
	`, r.ServerID, r.ExternalID, r.FullName, r.Owner, r.Private, r.Fork, r.Archived, r.WebURL,
		toUnix(r.PushedAt), r.Active, r.Hidden, r.Dirty, r.Inaccessible, r.ManuallyAdded,
		toUnix(r.LastDirtied), toUnix(r.CreatedAt), toUnix(r.UpdatedAt))
}

func (w *writer) savePullRequest(pr *models.PullRequest) {
	w.exec("pull request", `
	INSERT INTO pull_requests (server_id, id, repository_id, number, title, body, state, mergeable,
		user_id, user_login, user_avatar_url, assignees, merged_by_id, merged_by_login,
		head_sha, web_url, closed_at, merged_at, assigned_to_me, section, sort_index,
		total_comments, unread_comments, latest_read_comment_at, details_stale, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(server_id, id) DO UPDATE SET
		repository_id = excluded.repository_id,
		number = excluded.number,
		title = excluded.title,
		body = excluded.body,
		state = excluded.state,
		mergeable = excluded.mergeable,
		user_id = excluded.user_id,
		user_login = excluded.user_login,
		user_avatar_url = excluded.user_avatar_url,
		assignees = excluded.assignees,
		merged_by_id = excluded.merged_by_id,
		merged_by_login = excluded.merged_by_login,
		head_sha = excluded.head_sha,
		web_url = excluded.web_url,
		closed_at = excluded.closed_at,
		merged_at = excluded.merged_at,
		assigned_to_me = excluded.assigned_to_me,
		section = excluded.section,
		sort_index = excluded.sort_index,
		total_comments = excluded.total_comments,
		unread_comments = excluded.unread_comments,
		latest_read_comment_at = excluded.latest_read_comment_at,
		details_stale = excluded.details_stale,
		updated_at = excluded.updated_at
	`, pr.ServerID, pr.ExternalID, pr.RepositoryID, pr.Number, pr.Title, pr.Body, int(pr.State), int(pr.Mergeable),
		pr.UserID, pr.UserLogin, pr.UserAvatarURL, joinList(pr.Assignees), pr.MergedByID, pr.MergedByLogin,
		pr.HeadSHA, pr.WebURL, toUnix(pr.ClosedAt), toUnix(pr.MergedAt), pr.AssignedToMe, int(pr.Section), pr.SortIndex,
		pr.TotalComments, pr.UnreadComments, toUnix(pr.LatestReadCommentAt), pr.DetailsStale,
		toUnix(pr.CreatedAt), toUnix(pr.UpdatedAt))
}

func (w *writer) saveComment(c *models.Comment) {
	w.exec("comment", `
	INSERT INTO comments (server_id, pull_request_id, id, user_id, user_login, body, web_url, review, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(server_id, pull_request_id, id) DO UPDATE SET
		user_id = excluded.user_id,
		user_login = excluded.user_login,
		body = excluded.body,
		web_url = excluded.web_url,
		review = excluded.review,
		updated_at = excluded.updated_at
	`, c.ServerID, c.PullRequestID, c.ExternalID, c.UserID, c.UserLogin, c.Body, c.WebURL, c.Review,
		toUnix(c.CreatedAt), toUnix(c.UpdatedAt))
}

func (w *writer) saveStatus(s *models.Status) {
	w.exec("status", `
	INSERT INTO statuses (server_id, pull_request_id, id, state, description, target_url, context,
		creator_id, creator_login, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(server_id, pull_request_id, id) DO UPDATE SET
		state = excluded.state,
		description = excluded.description,
		target_url = excluded.target_url,
		context = excluded.context,
		creator_id = excluded.creator_id,
		creator_login = excluded.creator_login,
		updated_at = excluded.updated_at
	`, s.ServerID, s.PullRequestID, s.ExternalID, s.State, s.Description, s.TargetURL, s.Context,
		s.CreatorID, s.CreatorLogin, toUnix(s.CreatedAt), toUnix(s.UpdatedAt))
}

func (w *writer) saveLabel(l *models.Label) {
	w.exec("label", `
	INSERT INTO labels (server_id, pull_request_id, id, name, color)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(server_id, pull_request_id, id) DO UPDATE SET
		name = excluded.name,
		color = excluded.color
	`, l.ServerID, l.PullRequestID, l.ExternalID, l.Name, l.Color)
}

func (w *writer) saveRun(run *RunRecord) {
	if w.err != nil {
		return
	}
	_, err := w.tx.ExecContext(w.ctx, `
	INSERT INTO sync_runs (id, trigger, outcome, started_at, finished_at, created, updated, purged, failures)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.Trigger, run.Outcome, toUnix(run.StartedAt), toUnix(run.FinishedAt),
		run.Created, run.Updated, run.Purged, strings.Join(run.Failures, "\n"))
	if err != nil {
		w.err = fmt.Errorf("failed to record sync run: %w", err)
	}
}
