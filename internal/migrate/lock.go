package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"brightsteps/internal/db"
)

// LockTable holds at most one row, claimed by the process currently migrating.
const LockTable = "schema_lock"

// ErrLocked is returned when another process holds the migration lock.
var ErrLocked = errors.New("migrate: schema is locked by another process")

const createLockSQL = `CREATE TABLE IF NOT EXISTS ` + LockTable + ` (
    id INTEGER PRIMARY KEY,
    owner TEXT NOT NULL,
    acquired_at BIGINT NOT NULL
)`

func ensureLockTable(ctx context.Context, q db.Querier) error {
	if _, err := q.ExecContext(ctx, createLockSQL); err != nil {
		return fmt.Errorf("ensure migration lock: %w", err)
	}
	return nil
}

// acquireLock inserts the single lock row. The primary key makes the claim
// atomic; a row older than ttl is treated as abandoned and taken over.
func acquireLock(ctx context.Context, q db.Querier, owner string, ttl time.Duration, now time.Time) error {
	insert := q.Rebind("INSERT INTO " + LockTable + " (id, owner, acquired_at) VALUES (1, ?, ?)")

	_, err := q.ExecContext(ctx, insert, owner, now.UnixMilli())
	if err == nil {
		return nil
	}
	if !db.IsUniqueViolation(err) {
		return fmt.Errorf("acquire migration lock: %w", err)
	}

	if ttl > 0 {
		res, err := q.ExecContext(ctx,
			q.Rebind("DELETE FROM "+LockTable+" WHERE id = 1 AND acquired_at < ?"),
			now.Add(-ttl).UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("expire migration lock: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			if _, err := q.ExecContext(ctx, insert, owner, now.UnixMilli()); err == nil {
				return nil
			} else if !db.IsUniqueViolation(err) {
				return fmt.Errorf("acquire migration lock: %w", err)
			}
		}
	}

	var holder struct {
		Owner      string `db:"owner"`
		AcquiredAt int64  `db:"acquired_at"`
	}
	err = q.QueryRowxContext(ctx, "SELECT owner, acquired_at FROM "+LockTable+" WHERE id = 1").StructScan(&holder)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: holder released during claim, retry", ErrLocked)
	}
	if err != nil {
		return fmt.Errorf("read migration lock: %w", err)
	}
	return fmt.Errorf("%w: held by %s since %s", ErrLocked, holder.Owner,
		time.UnixMilli(holder.AcquiredAt).UTC().Format(time.RFC3339))
}

func releaseLock(ctx context.Context, q db.Querier, owner string) error {
	_, err := q.ExecContext(ctx, q.Rebind("DELETE FROM "+LockTable+" WHERE id = 1 AND owner = ?"), owner)
	if err != nil {
		return fmt.Errorf("release migration lock: %w", err)
	}
	return nil
}
