package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/wesm/prtrail/internal/models"
	"github.com/wesm/prtrail/internal/replica"
)

// Load reads the whole store into a fresh replica. Any failure is reported
// as ErrStoreUnavailable since a cycle cannot proceed without it.
func (db *DB) Load(ctx context.Context) (*replica.Replica, error) {
	r := replica.New()
	err := db.WithTx(ctx, func(tx *sql.Tx) error {
		servers, err := listServers(ctx, tx)
		if err != nil {
			return err
		}
		for _, s := range servers {
			r.Servers[s.ID] = s
		}
		for _, load := range []func(context.Context, *sql.Tx, *replica.Replica) error{
			loadCursors, loadOrganizations, loadRepositories, loadPullRequests,
			loadComments, loadStatuses, loadLabels,
		} {
			if err := load(ctx, tx, r); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return r, nil
}

// scanAll runs query and hands every row to scan.
func scanAll(ctx context.Context, tx *sql.Tx, what, query string, scan func(*sql.Rows) error) error {
	rows, err := tx.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to query %s: %w", what, err)
	}
	defer rows.Close()
	for rows.Next() {
		if err := scan(rows); err != nil {
			return fmt.Errorf("failed to scan %s: %w", what, err)
		}
	}
	return rows.Err()
}

func loadCursors(ctx context.Context, tx *sql.Tx, r *replica.Replica) error {
	return scanAll(ctx, tx, "feed cursors", `SELECT server_id, path, etag FROM feed_cursors`, func(rows *sql.Rows) error {
		var (
			key  models.FeedKey
			etag string
		)
		if err := rows.Scan(&key.ServerID, &key.Path, &etag); err != nil {
			return err
		}
		r.LoadCursor(key, etag)
		return nil
	})
}

func loadOrganizations(ctx context.Context, tx *sql.Tx, r *replica.Replica) error {
	return scanAll(ctx, tx, "organizations",
		`SELECT server_id, id, login, avatar_url, created_at, updated_at FROM organizations`,
		func(rows *sql.Rows) error {
			var (
				o                    models.Organization
				createdAt, updatedAt int64
			)
			if err := rows.Scan(&o.ServerID, &o.ExternalID, &o.Login, &o.AvatarURL, &createdAt, &updatedAt); err != nil {
				return err
			}
			o.CreatedAt, o.UpdatedAt = fromUnix(createdAt), fromUnix(updatedAt)
			r.Orgs.Load(&o)
			return nil
		})
}

func loadRepositories(ctx context.Context, tx *sql.Tx, r *replica.Replica) error {
	return scanAll(ctx, tx, "repositories", `
	SELECT server_id, id, full_name, owner, private, fork, archived, web_url, pushed_at,
		active, hidden, dirty, inaccessible, manually_added, last_dirtied, created_at, updated_at
	FROM repositories`,
		func(rows *sql.Rows) error {
			var (
				repo                                        models.Repository
				pushedAt, lastDirtied, createdAt, updatedAt int64
			)
			if err := rows.Scan(&repo.ServerID, &repo.ExternalID, &repo.FullName, &repo.Owner,
				&repo.Private, &repo.Fork, &repo.Archived, &repo.WebURL, &pushedAt,
				&repo.Active, &repo.Hidden, &repo.Dirty, &repo.Inaccessible, &repo.ManuallyAdded,
				&lastDirtied, &createdAt, &updatedAt); err != nil {
				return err
			}
			repo.PushedAt = fromUnix(pushedAt)
			repo.LastDirtied = fromUnix(lastDirtied)
			repo.CreatedAt, repo.UpdatedAt = fromUnix(createdAt), fromUnix(updatedAt)
			r.Repos.Load(&repo)
			return nil
		})
}

func loadPullRequests(ctx context.Context, tx *sql.Tx, r *replica.Replica) error {
	return scanAll(ctx, tx, "pull requests", `
	SELECT server_id, id, repository_id, number, title, body, state, mergeable,
		user_id, user_login, user_avatar_url, assignees, merged_by_id, merged_by_login,
		head_sha, web_url, closed_at, merged_at, assigned_to_me, section, sort_index,
		total_comments, unread_comments, latest_read_comment_at, details_stale, created_at, updated_at
	FROM pull_requests`,
		func(rows *sql.Rows) error {
			var (
				pr                             models.PullRequest
				assignees                      string
				closedAt, mergedAt, latestRead int64
				createdAt, updatedAt           int64
			)
			if err := rows.Scan(&pr.ServerID, &pr.ExternalID, &pr.RepositoryID, &pr.Number,
				&pr.Title, &pr.Body, &pr.State, &pr.Mergeable,
				&pr.UserID, &pr.UserLogin, &pr.UserAvatarURL, &assignees, &pr.MergedByID, &pr.MergedByLogin,
				&pr.HeadSHA, &pr.WebURL, &closedAt, &mergedAt, &pr.AssignedToMe, &pr.Section, &pr.SortIndex,
				&pr.TotalComments, &pr.UnreadComments, &latestRead, &pr.DetailsStale, &createdAt, &updatedAt); err != nil {
				return err
			}
			pr.Assignees = splitList(assignees)
			pr.ClosedAt, pr.MergedAt = fromUnix(closedAt), fromUnix(mergedAt)
			pr.LatestReadCommentAt = fromUnix(latestRead)
			pr.CreatedAt, pr.UpdatedAt = fromUnix(createdAt), fromUnix(updatedAt)
			r.PullRequests.Load(&pr)
			return nil
		})
}

func loadComments(ctx context.Context, tx *sql.Tx, r *replica.Replica) error {
	return scanAll(ctx, tx, "comments", `
	SELECT server_id, pull_request_id, id, user_id, user_login, body, web_url, review, created_at, updated_at
	FROM comments`,
		func(rows *sql.Rows) error {
			var (
				c                    models.Comment
				createdAt, updatedAt int64
			)
			if err := rows.Scan(&c.ServerID, &c.PullRequestID, &c.ExternalID, &c.UserID, &c.UserLogin,
				&c.Body, &c.WebURL, &c.Review, &createdAt, &updatedAt); err != nil {
				return err
			}
			c.CreatedAt, c.UpdatedAt = fromUnix(createdAt), fromUnix(updatedAt)
			r.Comments.Load(&c)
			return nil
		})
}

func loadStatuses(ctx context.Context, tx *sql.Tx, r *replica.Replica) error {
	return scanAll(ctx, tx, "statuses", `
	SELECT server_id, pull_request_id, id, state, description, target_url, context,
		creator_id, creator_login, created_at, updated_at
	FROM statuses`,
		func(rows *sql.Rows) error {
			var (
				s                    models.Status
				createdAt, updatedAt int64
			)
			if err := rows.Scan(&s.ServerID, &s.PullRequestID, &s.ExternalID, &s.State, &s.Description,
				&s.TargetURL, &s.Context, &s.CreatorID, &s.CreatorLogin, &createdAt, &updatedAt); err != nil {
				return err
			}
			s.CreatedAt, s.UpdatedAt = fromUnix(createdAt), fromUnix(updatedAt)
			r.Statuses.Load(&s)
			return nil
		})
}

func loadLabels(ctx context.Context, tx *sql.Tx, r *replica.Replica) error {
	return scanAll(ctx, tx, "labels", `SELECT server_id, pull_request_id, id, name, color FROM labels`,
		func(rows *sql.Rows) error {
			var l models.Label
			if err := rows.Scan(&l.ServerID, &l.PullRequestID, &l.ExternalID, &l.Name, &l.Color); err != nil {
				return err
			}
			r.Labels.Load(&l)
			return nil
		})
}

func joinList(items []string) string {
	return strings.Join(items, ",")
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
