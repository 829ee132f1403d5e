package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/wesm/prtrail/internal/models"
)

// PullSummary is the read model handed to presentation consumers
type PullSummary struct {
	ServerID       int64          `json:"server_id"`
	ID             int64          `json:"id"`
	Repository     string         `json:"repository"`
	Number         int            `json:"number"`
	Title          string         `json:"title"`
	State          string         `json:"state"`
	Author         string         `json:"author"`
	Section        models.Section `json:"-"`
	SectionName    string         `json:"section"`
	SortIndex      int            `json:"sort_index"`
	TotalComments  int            `json:"total_comments"`
	UnreadComments int            `json:"unread_comments"`
	Labels         []string       `json:"labels,omitempty"`
	WebURL         string         `json:"web_url"`
}

// ListPullRequests returns displayed pull requests in section order. A
// section of SectionNone returns every displayed section.
func (db *DB) ListPullRequests(ctx context.Context, section models.Section) ([]PullSummary, error) {
	query := `
	SELECT p.server_id, p.id, COALESCE(r.full_name, ''), p.number, p.title, p.state, p.user_login,
		p.section, p.sort_index, p.total_comments, p.unread_comments, p.web_url,
		COALESCE((SELECT GROUP_CONCAT(l.name, ',') FROM labels l
			WHERE l.server_id = p.server_id AND l.pull_request_id = p.id), '')
	FROM pull_requests p
	LEFT JOIN repositories r ON r.server_id = p.server_id AND r.id = p.repository_id
	WHERE p.section != 0`
	var args []any
	if section != models.SectionNone {
		query += ` AND p.section = ?`
		args = append(args, int(section))
	}
	query += ` ORDER BY p.section, p.sort_index`

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query pull requests: %w", err)
	}
	defer rows.Close()

	var out []PullSummary
	for rows.Next() {
		var (
			p      PullSummary
			state  models.PRState
			labels string
		)
		if err := rows.Scan(&p.ServerID, &p.ID, &p.Repository, &p.Number, &p.Title, &state, &p.Author,
			&p.Section, &p.SortIndex, &p.TotalComments, &p.UnreadComments, &p.WebURL, &labels); err != nil {
			return nil, fmt.Errorf("failed to scan pull request: %w", err)
		}
		p.State = state.String()
		p.SectionName = p.Section.String()
		p.Labels = splitList(labels)
		out = append(out, p)
	}
	return out, rows.Err()
}

// SectionCounts returns how many pull requests and unread comments each
// displayed section holds.
func (db *DB) SectionCounts(ctx context.Context) (map[models.Section][2]int, error) {
	rows, err := db.QueryContext(ctx, `
	SELECT section, COUNT(*), COALESCE(SUM(unread_comments), 0)
	FROM pull_requests WHERE section != 0 GROUP BY section`)
	if err != nil {
		return nil, fmt.Errorf("failed to count sections: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.Section][2]int)
	for rows.Next() {
		var (
			section       models.Section
			items, unread int
		)
		if err := rows.Scan(&section, &items, &unread); err != nil {
			return nil, fmt.Errorf("failed to scan section count: %w", err)
		}
		counts[section] = [2]int{items, unread}
	}
	return counts, rows.Err()
}

// LastRun returns the most recent recorded cycle, or ErrNotFound.
func (db *DB) LastRun(ctx context.Context) (*RunRecord, error) {
	var (
		run                   RunRecord
		startedAt, finishedAt int64
		failures              string
	)
	err := db.QueryRowContext(ctx, `
	SELECT id, trigger, outcome, started_at, finished_at, created, updated, purged, failures
	FROM sync_runs ORDER BY finished_at DESC LIMIT 1`).Scan(
		&run.ID, &run.Trigger, &run.Outcome, &startedAt, &finishedAt,
		&run.Created, &run.Updated, &run.Purged, &failures)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query last run: %w", err)
	}
	run.StartedAt, run.FinishedAt = fromUnix(startedAt), fromUnix(finishedAt)
	if failures != "" {
		run.Failures = strings.Split(failures, "\n")
	}
	return &run, nil
}
