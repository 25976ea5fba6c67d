package db

import (
	"context"
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// TypeCategory is the semantic type of a column, independent of how a store spells it.
type TypeCategory string

const (
	TypeAny       TypeCategory = ""
	TypeInteger   TypeCategory = "integer"
	TypeText      TypeCategory = "text"
	TypeBoolean   TypeCategory = "boolean"
	TypeReal      TypeCategory = "real"
	TypeTimestamp TypeCategory = "timestamp"
	TypeUnknown   TypeCategory = "unknown"
)

// Categorize maps a declared column type to its category using SQLite-style
// affinity rules extended with the Postgres catalog names.
func Categorize(declType string) TypeCategory {
	t := strings.ToUpper(strings.TrimSpace(declType))
	switch {
	case t == "":
		return TypeUnknown
	case strings.Contains(t, "BOOL"):
		return TypeBoolean
	case strings.Contains(t, "TIME"), strings.Contains(t, "DATE"):
		return TypeTimestamp
	case strings.Contains(t, "INT"), strings.Contains(t, "SERIAL"):
		return TypeInteger
	case strings.Contains(t, "CHAR"), strings.Contains(t, "TEXT"), strings.Contains(t, "CLOB"):
		return TypeText
	case strings.Contains(t, "REAL"), strings.Contains(t, "FLOA"), strings.Contains(t, "DOUB"),
		strings.Contains(t, "NUMERIC"), strings.Contains(t, "DECIMAL"):
		return TypeReal
	}
	return TypeUnknown
}

// ForeignKey is a single-column reference from Table.Column to RefTable.RefColumn.
type ForeignKey struct {
	Table     string
	Column    string
	RefTable  string
	RefColumn string
	OnDelete  string
}

// Name is the constraint name, derived from the logical table so that a shadow
// copy and the live table carry the same name.
func (fk ForeignKey) Name() string {
	return "fk_" + fk.Table + "_" + fk.Column
}

// Clause renders the table-level constraint.
func (fk ForeignKey) Clause() string {
	s := fmt.Sprintf("CONSTRAINT %s FOREIGN KEY (%s) REFERENCES %s(%s)", fk.Name(), fk.Column, fk.RefTable, fk.RefColumn)
	if fk.OnDelete != "" {
		s += " ON DELETE " + fk.OnDelete
	}
	return s
}

// Dialect hides the differences between the supported stores.
type Dialect interface {
	Name() string
	DriverName() string
	// ColumnType spells a category in this store's DDL.
	ColumnType(t TypeCategory) string
	// PrimaryKey is the full definition of an auto-assigned integer id column.
	PrimaryKey() string
	TablesQuery() string
	ColumnsQuery() string
	DropTableSQL(table string) string
	// Cast converts expr from one category to another. It reports false when
	// no conversion is safe without looking at the data.
	Cast(expr string, from, to TypeCategory) (string, bool)
	// InsertID runs an INSERT and returns the id assigned to the new row.
	InsertID(ctx context.Context, q Querier, query string, args ...any) (int64, error)
	// BeginMigration prepares a dedicated connection for schema work and returns
	// the function that undoes it.
	BeginMigration(ctx context.Context, q Querier) (func(context.Context) error, error)
	// AfterRebuild repairs what swapping a table in by rename leaves behind.
	AfterRebuild(ctx context.Context, q Querier, table string, dependents []ForeignKey) error
	// ForeignKeyViolations counts dangling references per table where the store
	// does not enforce them during migration.
	ForeignKeyViolations(ctx context.Context, q Querier) (map[string]int, error)
}

// DialectFor returns the dialect for a configured driver name.
func DialectFor(driver string) (Dialect, error) {
	switch strings.ToLower(driver) {
	case DriverSQLite, "sqlite3":
		return SQLite{}, nil
	case DriverPostgres, "postgresql", "pgx":
		return Postgres{}, nil
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}
}

type SQLite struct{}

func (SQLite) Name() string       { return DriverSQLite }
func (SQLite) DriverName() string { return "sqlite3" }

func (SQLite) ColumnType(t TypeCategory) string {
	switch t {
	case TypeInteger:
		return "INTEGER"
	case TypeBoolean:
		return "BOOLEAN"
	case TypeReal:
		return "REAL"
	case TypeTimestamp:
		return "TIMESTAMP"
	default:
		return "TEXT"
	}
}

func (SQLite) PrimaryKey() string { return "INTEGER PRIMARY KEY AUTOINCREMENT" }

func (SQLite) TablesQuery() string {
	return `SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite\_%' ESCAPE '\' ORDER BY name`
}

func (SQLite) ColumnsQuery() string {
	return `SELECT name, type, "notnull" AS not_null FROM pragma_table_info(?) ORDER BY cid`
}

func (SQLite) DropTableSQL(table string) string { return "DROP TABLE " + table }

// SQLite keeps timestamps as text, so text passes through unchanged.
func (d SQLite) Cast(expr string, from, to TypeCategory) (string, bool) {
	if to == TypeTimestamp && from == TypeText {
		return expr, true
	}
	return castExpr(expr, from, to, d.ColumnType)
}

func (SQLite) InsertID(ctx context.Context, q Querier, query string, args ...any) (int64, error) {
	res, err := q.ExecContext(ctx, q.Rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (SQLite) BeginMigration(ctx context.Context, q Querier) (func(context.Context) error, error) {
	// Rebuilding a referenced table drops it; with enforcement on that would
	// cascade into or block on its children.
	if _, err := q.ExecContext(ctx, "PRAGMA foreign_keys = OFF"); err != nil {
		return nil, fmt.Errorf("disable foreign keys: %w", err)
	}
	return func(ctx context.Context) error {
		_, err := q.ExecContext(ctx, "PRAGMA foreign_keys = ON")
		return err
	}, nil
}

func (SQLite) AfterRebuild(context.Context, Querier, string, []ForeignKey) error {
	return nil
}

func (SQLite) ForeignKeyViolations(ctx context.Context, q Querier) (map[string]int, error) {
	rows, err := q.QueryxContext(ctx, "PRAGMA foreign_key_check")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		cols, err := rows.SliceScan()
		if err != nil {
			return nil, err
		}
		if len(cols) == 0 {
			continue
		}
		out[asString(cols[0])]++
	}
	return out, rows.Err()
}

type Postgres struct{}

func (Postgres) Name() string       { return DriverPostgres }
func (Postgres) DriverName() string { return "pgx" }

func (Postgres) ColumnType(t TypeCategory) string {
	switch t {
	case TypeInteger:
		return "INTEGER"
	case TypeBoolean:
		return "BOOLEAN"
	case TypeReal:
		return "DOUBLE PRECISION"
	case TypeTimestamp:
		return "TIMESTAMPTZ"
	default:
		return "TEXT"
	}
}

func (Postgres) PrimaryKey() string { return "SERIAL PRIMARY KEY" }

func (Postgres) TablesQuery() string {
	return `SELECT table_name FROM information_schema.tables
WHERE table_schema = current_schema() AND table_type = 'BASE TABLE'
ORDER BY table_name`
}

func (Postgres) ColumnsQuery() string {
	return `SELECT column_name AS name, data_type AS type,
       CASE WHEN is_nullable = 'NO' THEN 1 ELSE 0 END AS not_null
FROM information_schema.columns
WHERE table_schema = current_schema() AND table_name = ?
ORDER BY ordinal_position`
}

func (Postgres) DropTableSQL(table string) string { return "DROP TABLE " + table + " CASCADE" }

// Postgres parses text timestamps and fails the statement on garbage.
func (d Postgres) Cast(expr string, from, to TypeCategory) (string, bool) {
	if to == TypeTimestamp && from == TypeText {
		return "CAST(" + expr + " AS TIMESTAMPTZ)", true
	}
	return castExpr(expr, from, to, d.ColumnType)
}

func (Postgres) InsertID(ctx context.Context, q Querier, query string, args ...any) (int64, error) {
	var id int64
	err := q.QueryRowxContext(ctx, q.Rebind(query+" RETURNING id"), args...).Scan(&id)
	return id, err
}

func (Postgres) BeginMigration(context.Context, Querier) (func(context.Context) error, error) {
	return func(context.Context) error { return nil }, nil
}

func (Postgres) AfterRebuild(ctx context.Context, q Querier, table string, dependents []ForeignKey) error {
	// Copied ids don't advance the shadow's sequence.
	reset := fmt.Sprintf(`SELECT setval(pg_get_serial_sequence('%[1]s', 'id'), COALESCE((SELECT MAX(id) FROM %[1]s), 0) + 1, false)`, table)
	if _, err := q.ExecContext(ctx, reset); err != nil {
		return fmt.Errorf("reset %s id sequence: %w", table, err)
	}
	// DROP ... CASCADE removed the children's constraints.
	for _, fk := range dependents {
		stmt := fmt.Sprintf("ALTER TABLE %s DROP CONSTRAINT IF EXISTS %s", fk.Table, fk.Name())
		if _, err := q.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("drop %s: %w", fk.Name(), err)
		}
		stmt = fmt.Sprintf("ALTER TABLE %s ADD %s NOT VALID", fk.Table, fk.Clause())
		if _, err := q.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("restore %s: %w", fk.Name(), err)
		}
	}
	return nil
}

func (Postgres) ForeignKeyViolations(context.Context, Querier) (map[string]int, error) {
	return nil, nil
}

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	case nil:
		return ""
	default:
		return fmt.Sprint(s)
	}
}

var _ Querier = (*sqlx.Tx)(nil)
var _ Querier = (*sqlx.Conn)(nil)
var _ Querier = (*sqlx.DB)(nil)

// castExpr covers the conversions both stores agree on. NULL stays NULL.
func castExpr(expr string, from, to TypeCategory, spell func(TypeCategory) string) (string, bool) {
	if to == TypeAny || from == to {
		return expr, true
	}
	switch to {
	case TypeText:
		return fmt.Sprintf("CAST(%s AS %s)", expr, spell(TypeText)), true
	case TypeInteger, TypeReal:
		switch from {
		case TypeInteger, TypeReal:
			return fmt.Sprintf("CAST(%s AS %s)", expr, spell(to)), true
		case TypeBoolean:
			return fmt.Sprintf("CASE WHEN %[1]s IS NULL THEN NULL WHEN %[1]s THEN 1 ELSE 0 END", expr), true
		}
	case TypeBoolean:
		switch from {
		case TypeInteger, TypeReal:
			return fmt.Sprintf("(%s <> 0)", expr), true
		case TypeText:
			return fmt.Sprintf("(LOWER(TRIM(%s)) IN ('1', 't', 'true', 'y', 'yes', 'on'))", expr), true
		}
	}
	return "", false
}
