package migrate

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"brightsteps/internal/db"
)

// LedgerTable records every applied step, one row per step id.
const LedgerTable = "schema_migrations"

const createLedgerSQL = `CREATE TABLE IF NOT EXISTS ` + LedgerTable + ` (
    id TEXT PRIMARY KEY,
    description TEXT NOT NULL DEFAULT '',
    applied_at BIGINT NOT NULL
)`

// Applied is a ledger row.
type Applied struct {
	ID          string
	Description string
	AppliedAt   time.Time
}

func ensureLedger(ctx context.Context, q db.Querier) error {
	if _, err := q.ExecContext(ctx, createLedgerSQL); err != nil {
		return fmt.Errorf("ensure migration ledger: %w", err)
	}
	return nil
}

func appliedSet(ctx context.Context, q db.Querier) (map[string]bool, error) {
	var ids []string
	if err := sqlx.SelectContext(ctx, q, &ids, "SELECT id FROM "+LedgerTable); err != nil {
		return nil, fmt.Errorf("read migration ledger: %w", err)
	}
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set, nil
}

// record claims a step in the ledger. It runs in the step's transaction, so a
// concurrent claim of the same id fails and rolls the step back.
func record(ctx context.Context, q db.Querier, step Step, at time.Time) error {
	_, err := q.ExecContext(ctx,
		q.Rebind("INSERT INTO "+LedgerTable+" (id, description, applied_at) VALUES (?, ?, ?)"),
		step.ID, step.Description, at.UTC().UnixMilli(),
	)
	if db.IsUniqueViolation(err) {
		return fmt.Errorf("step %s was already applied by another process", step.ID)
	}
	return err
}

// ListApplied returns the ledger in application order. A store that has never
// been migrated has an empty ledger.
func ListApplied(ctx context.Context, q db.Querier, d db.Dialect) ([]Applied, error) {
	exists, err := db.NewIntrospector(q, d).TableExists(ctx, LedgerTable)
	if err != nil || !exists {
		return nil, err
	}
	var rows []struct {
		ID          string `db:"id"`
		Description string `db:"description"`
		AppliedAt   int64  `db:"applied_at"`
	}
	if err := sqlx.SelectContext(ctx, q, &rows, "SELECT id, description, applied_at FROM "+LedgerTable+" ORDER BY applied_at, id"); err != nil {
		return nil, fmt.Errorf("read migration ledger: %w", err)
	}
	out := make([]Applied, len(rows))
	for i, r := range rows {
		out[i] = Applied{ID: r.ID, Description: r.Description, AppliedAt: time.UnixMilli(r.AppliedAt).UTC()}
	}
	return out, nil
}
