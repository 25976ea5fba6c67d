package migrate

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"brightsteps/internal/crypto"
	"brightsteps/internal/db"
	"brightsteps/internal/schema"
)

// Step is one entry of the migration history. Its ops run in a single
// transaction together with the ledger claim for ID.
type Step struct {
	ID          string
	Description string
	Ops         []Op
}

// Env is what an op sees while its step's transaction is open.
type Env struct {
	Tx      *sqlx.Tx
	Dialect db.Dialect
	Schema  *db.Introspector
	Hasher  *crypto.Hasher
	Logger  *zap.Logger
}

func (e *Env) exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := e.Tx.ExecContext(ctx, e.Tx.Rebind(query), args...)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// columns introspects table and fails when it does not exist.
func (e *Env) columns(ctx context.Context, table string) (db.Columns, error) {
	cols, err := e.Schema.Columns(ctx, table)
	if err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("table %s does not exist", table)
	}
	return cols, nil
}

// Op is a single schema or data change. Every op checks the live schema
// first and does nothing when its change is already in place.
type Op interface {
	Apply(ctx context.Context, env *Env) error
}

// OpFunc adapts a function to Op.
type OpFunc func(ctx context.Context, env *Env) error

func (f OpFunc) Apply(ctx context.Context, env *Env) error { return f(ctx, env) }

// CreateTables creates every definition table that is absent, with its indexes.
type CreateTables struct{}

func (CreateTables) Apply(ctx context.Context, env *Env) error {
	for _, t := range schema.Definitions() {
		exists, err := env.Schema.TableExists(ctx, t.Name)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		if _, err := env.exec(ctx, schema.CreateTableSQL(env.Dialect, t, t.Name)); err != nil {
			return fmt.Errorf("create %s: %w", t.Name, err)
		}
		for _, idx := range t.Indexes {
			if _, err := env.exec(ctx, schema.CreateIndexSQL(t.Name, idx)); err != nil {
				return fmt.Errorf("create index %s: %w", idx.Name, err)
			}
		}
		env.Logger.Info("created table", zap.String("table", t.Name))
	}
	return nil
}

// AddColumn adds Column when absent. Column.Default must be a constant; rows
// left NULL are then set to Backfill, an SQL expression.
type AddColumn struct {
	Table    string
	Column   schema.Column
	Backfill string
}

func (op AddColumn) Apply(ctx context.Context, env *Env) error {
	cols, err := env.columns(ctx, op.Table)
	if err != nil {
		return err
	}
	if cols.Has(op.Column.Name) {
		return nil
	}
	stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", op.Table, schema.ColumnSQL(env.Dialect, op.Column))
	if _, err := env.exec(ctx, stmt); err != nil {
		return fmt.Errorf("add %s.%s: %w", op.Table, op.Column.Name, err)
	}
	if op.Backfill != "" {
		stmt = fmt.Sprintf("UPDATE %[1]s SET %[2]s = %[3]s WHERE %[2]s IS NULL", op.Table, op.Column.Name, op.Backfill)
		if _, err := env.exec(ctx, stmt); err != nil {
			return fmt.Errorf("backfill %s.%s: %w", op.Table, op.Column.Name, err)
		}
	}
	env.Logger.Info("added column", zap.String("table", op.Table), zap.String("column", op.Column.Name))
	return nil
}

// RenameColumn moves From to To preserving values. When both exist, values
// still only present in From are copied over.
type RenameColumn struct {
	Table string
	From  string
	To    string
}

func (op RenameColumn) Apply(ctx context.Context, env *Env) error {
	cols, err := env.columns(ctx, op.Table)
	if err != nil {
		return err
	}
	hasFrom, hasTo := cols.Has(op.From), cols.Has(op.To)
	switch {
	case !hasFrom:
		return nil
	case !hasTo:
		stmt := fmt.Sprintf("ALTER TABLE %s RENAME COLUMN %s TO %s", op.Table, op.From, op.To)
		if _, err := env.exec(ctx, stmt); err != nil {
			return fmt.Errorf("rename %s.%s: %w", op.Table, op.From, err)
		}
		env.Logger.Info("renamed column", zap.String("table", op.Table), zap.String("from", op.From), zap.String("to", op.To))
	default:
		stmt := fmt.Sprintf("UPDATE %[1]s SET %[3]s = %[2]s WHERE %[3]s IS NULL AND %[2]s IS NOT NULL", op.Table, op.From, op.To)
		n, err := env.exec(ctx, stmt)
		if err != nil {
			return fmt.Errorf("merge %s.%s into %s: %w", op.Table, op.From, op.To, err)
		}
		env.Logger.Info("merged column", zap.String("table", op.Table), zap.String("from", op.From), zap.String("to", op.To), zap.Int64("rows", n))
	}
	return nil
}

// RenameTable renames From to To unless To already exists.
type RenameTable struct {
	From string
	To   string
}

func (op RenameTable) Apply(ctx context.Context, env *Env) error {
	hasFrom, err := env.Schema.TableExists(ctx, op.From)
	if err != nil || !hasFrom {
		return err
	}
	hasTo, err := env.Schema.TableExists(ctx, op.To)
	if err != nil {
		return err
	}
	if hasTo {
		env.Logger.Warn("legacy table left in place, target already exists",
			zap.String("legacy", op.From), zap.String("table", op.To))
		return nil
	}
	if _, err := env.exec(ctx, fmt.Sprintf("ALTER TABLE %s RENAME TO %s", op.From, op.To)); err != nil {
		return fmt.Errorf("rename table %s: %w", op.From, err)
	}
	env.Logger.Info("renamed table", zap.String("from", op.From), zap.String("to", op.To))
	return nil
}

// CreateIndex creates Index on Table. With Dedupe, rows sharing a non-NULL
// key are removed first, keeping the lowest id.
type CreateIndex struct {
	Table  string
	Index  schema.Index
	Dedupe bool
}

func (op CreateIndex) Apply(ctx context.Context, env *Env) error {
	if _, err := env.columns(ctx, op.Table); err != nil {
		return err
	}
	if op.Dedupe && op.Index.Unique {
		n, err := env.exec(ctx, dedupeSQL(op.Table, op.Index.Columns))
		if err != nil {
			return fmt.Errorf("dedupe %s: %w", op.Table, err)
		}
		if n > 0 {
			env.Logger.Warn("removed duplicate rows", zap.String("table", op.Table), zap.Int64("rows", n))
		}
	}
	if _, err := env.exec(ctx, schema.CreateIndexSQL(op.Table, op.Index)); err != nil {
		return fmt.Errorf("create index %s: %w", op.Index.Name, err)
	}
	return nil
}

func dedupeSQL(table string, key []string) string {
	notNull := make([]string, len(key))
	for i, c := range key {
		notNull[i] = c + " IS NOT NULL"
	}
	where := strings.Join(notNull, " AND ")
	return fmt.Sprintf("DELETE FROM %[1]s WHERE %[2]s AND id NOT IN (SELECT MIN(id) FROM %[1]s WHERE %[2]s GROUP BY %[3]s)",
		table, where, strings.Join(key, ", "))
}
