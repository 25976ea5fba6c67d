package bootstrap

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"sort"
	"strconv"
	"testing"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/bcrypt"

	"brightsteps/internal/crypto"
	"brightsteps/internal/db"
	"brightsteps/internal/migrate"
	"brightsteps/internal/schema"
)

func openTestDB(t *testing.T) (*sqlx.DB, db.Dialect) {
	t.Helper()
	conn, d, err := db.Open(context.Background(), db.DriverSQLite, filepath.Join(t.TempDir(), "boot.db"))
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn, d
}

// snapshot captures every table with its columns and row count.
func snapshot(t *testing.T, conn *sqlx.DB, d db.Dialect) map[string][]string {
	t.Helper()
	ctx := context.Background()
	in := db.NewIntrospector(conn, d)
	tables, err := in.Tables(ctx)
	if err != nil {
		t.Fatalf("tables: %v", err)
	}
	out := map[string][]string{}
	for _, table := range tables {
		cols, err := in.Columns(ctx, table)
		if err != nil {
			t.Fatalf("columns %s: %v", table, err)
		}
		var n int
		if err := conn.Get(&n, "SELECT COUNT(*) FROM "+table); err != nil {
			t.Fatalf("count %s: %v", table, err)
		}
		names := cols.Names()
		sort.Strings(names)
		out[table] = append(names, "rows="+strconv.Itoa(n))
	}
	return out
}

func run(t *testing.T, conn *sqlx.DB, d db.Dialect, opts Options) Report {
	t.Helper()
	report, err := Run(context.Background(), conn, d, crypto.NewHasher(bcrypt.MinCost), zaptest.NewLogger(t), opts)
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	return report
}

func TestRunTwiceLeavesIdenticalStore(t *testing.T) {
	conn, d := openTestDB(t)

	first := run(t, conn, d, Options{})
	if len(first.Migrations.Applied) == 0 || first.Seeded.Total() == 0 {
		t.Fatalf("expected first boot to migrate and seed, got %+v", first)
	}
	before := snapshot(t, conn, d)

	second := run(t, conn, d, Options{})
	if len(second.Migrations.Applied) != 0 || second.Seeded.Total() != 0 {
		t.Fatalf("expected second boot to change nothing, got %+v", second)
	}
	if after := snapshot(t, conn, d); !reflect.DeepEqual(before, after) {
		t.Fatalf("store changed between boots:\nbefore %v\nafter  %v", before, after)
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	conn, d := openTestDB(t)
	run(t, conn, d, Options{})
	conn.MustExec("DROP TABLE reposts")
	conn.MustExec("ALTER TABLE users DROP COLUMN language")

	err := Validate(context.Background(), conn, d)
	var missingTable *schema.MissingTableError
	var missingColumn *schema.MissingColumnError
	if !errors.As(err, &missingTable) || missingTable.Table != schema.Reposts {
		t.Fatalf("expected missing reposts, got %v", err)
	}
	if !errors.As(err, &missingColumn) || missingColumn.Column != "language" {
		t.Fatalf("expected missing users.language, got %v", err)
	}
}

func TestResetRequiresPermission(t *testing.T) {
	conn, d := openTestDB(t)
	_, err := Reset(context.Background(), conn, d, crypto.NewHasher(bcrypt.MinCost), zaptest.NewLogger(t), Options{})
	if !errors.Is(err, ErrResetDisabled) {
		t.Fatalf("expected ErrResetDisabled, got %v", err)
	}
}

func TestResetRebuildsFromScratch(t *testing.T) {
	conn, d := openTestDB(t)
	run(t, conn, d, Options{})
	conn.MustExec("INSERT INTO users (email, password_hash) VALUES ('kid@example.com', 'x')")

	report, err := Reset(context.Background(), conn, d, crypto.NewHasher(bcrypt.MinCost), zaptest.NewLogger(t), Options{AllowReset: true})
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if len(report.Migrations.Applied) != len(migrate.History()) {
		t.Fatalf("expected full history reapplied, got %v", report.Migrations.Applied)
	}
	var n int
	if err := conn.Get(&n, "SELECT COUNT(*) FROM users WHERE email = 'kid@example.com'"); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Fatal("reset must drop user data")
	}
}
