package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/wesm/prtrail/internal/models"
)

const serverColumns = `id, label, api_path, web_path, user_id, user_login, rate_limit, rate_remaining,
	rate_reset_at, last_event_at, last_sync_at, last_sync_succeeded`

// SaveServer inserts or updates a server by label and fills in its id
func (db *DB) SaveServer(ctx context.Context, s *models.Server) error {
	query := `
	INSERT INTO servers (label, api_path, web_path)
	VALUES (?, ?, ?)
	ON CONFLICT(label) DO UPDATE SET
		api_path = excluded.api_path,
		web_path = excluded.web_path
	RETURNING id
	`
	if err := db.QueryRowContext(ctx, query, s.Label, s.APIPath, s.WebPath).Scan(&s.ID); err != nil {
		return fmt.Errorf("failed to save server %s: %w", s.Label, err)
	}
	return nil
}

// ListServers returns all stored servers ordered by id
func (db *DB) ListServers(ctx context.Context) ([]*models.Server, error) {
	return listServers(ctx, db.DB)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func listServers(ctx context.Context, q querier) ([]*models.Server, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+serverColumns+` FROM servers ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query servers: %w", err)
	}
	defer rows.Close()

	var servers []*models.Server
	for rows.Next() {
		var (
			s                                models.Server
			resetAt, lastEventAt, lastSyncAt int64
		)
		if err := rows.Scan(&s.ID, &s.Label, &s.APIPath, &s.WebPath, &s.UserID, &s.UserLogin,
			&s.RateLimit, &s.RateRemaining, &resetAt, &lastEventAt, &lastSyncAt, &s.LastSyncSucceeded); err != nil {
			return nil, fmt.Errorf("failed to scan server: %w", err)
		}
		s.RateResetAt = fromUnix(resetAt)
		s.LastEventAt = fromUnix(lastEventAt)
		s.LastSyncAt = fromUnix(lastSyncAt)
		servers = append(servers, &s)
	}
	return servers, rows.Err()
}

// GetServerByLabel looks up a server by its configured label
func (db *DB) GetServerByLabel(ctx context.Context, label string) (*models.Server, error) {
	servers, err := db.ListServers(ctx)
	if err != nil {
		return nil, err
	}
	for _, s := range servers {
		if s.Label == label {
			return s, nil
		}
	}
	return nil, fmt.Errorf("server %q: %w", label, ErrNotFound)
}

// deleteServer removes a server and everything it owns
func deleteServer(ctx context.Context, tx *sql.Tx, id int64) error {
	for _, table := range []string{
		"labels", "statuses", "comments", "pull_requests",
		"repositories", "organizations", "feed_cursors",
	} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE server_id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete %s of server %d: %w", table, id, err)
		}
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM servers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete server %d: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("server %d: %w", id, ErrNotFound)
	}
	return nil
}

func updateServerState(ctx context.Context, tx *sql.Tx, s *models.Server) error {
	_, err := tx.ExecContext(ctx, `
	UPDATE servers SET
		user_id = ?, user_login = ?, rate_limit = ?, rate_remaining = ?, rate_reset_at = ?,
		last_event_at = ?, last_sync_at = ?, last_sync_succeeded = ?
	WHERE id = ?`,
		s.UserID, s.UserLogin, s.RateLimit, s.RateRemaining, toUnix(s.RateResetAt),
		toUnix(s.LastEventAt), toUnix(s.LastSyncAt), s.LastSyncSucceeded, s.ID)
	if err != nil {
		return fmt.Errorf("failed to update server %d: %w", s.ID, err)
	}
	return nil
}
