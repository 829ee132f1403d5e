package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrLocked is returned when another process holds the sync lock.
var ErrLocked = errors.New("sync lock held elsewhere")

// AcquireSyncLock claims the store-wide sync lock for owner until now+ttl.
// An expired lock is taken over.
func (db *DB) AcquireSyncLock(ctx context.Context, owner string, now time.Time, ttl time.Duration) error {
	return db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM sync_lock WHERE expires_at <= ?`, toUnix(now)); err != nil {
			return fmt.Errorf("failed to expire sync lock: %w", err)
		}
		res, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO sync_lock (id, owner, expires_at) VALUES (1, ?, ?)`,
			owner, toUnix(now.Add(ttl)))
		if err != nil {
			return fmt.Errorf("failed to take sync lock: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("failed to take sync lock: %w", err)
		} else if n == 0 {
			return ErrLocked
		}
		return nil
	})
}

// ReleaseSyncLock drops the lock if owner still holds it.
func (db *DB) ReleaseSyncLock(ctx context.Context, owner string) error {
	if _, err := db.ExecContext(ctx, `DELETE FROM sync_lock WHERE owner = ?`, owner); err != nil {
		return fmt.Errorf("failed to release sync lock: %w", err)
	}
	return nil
}
