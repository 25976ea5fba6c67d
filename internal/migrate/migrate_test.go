package migrate

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/bcrypt"

	"brightsteps/internal/crypto"
	"brightsteps/internal/db"
	"brightsteps/internal/schema"
)

func openTestDB(t *testing.T) (*sqlx.DB, db.Dialect) {
	t.Helper()
	conn, d, err := db.Open(context.Background(), db.DriverSQLite, filepath.Join(t.TempDir(), "migrate.db"))
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn, d
}

func newMigrator(t *testing.T, conn *sqlx.DB, d db.Dialect, opts Options) *Migrator {
	t.Helper()
	return New(conn, d, crypto.NewHasher(bcrypt.MinCost), zaptest.NewLogger(t), opts)
}

func queryInt64(t *testing.T, conn *sqlx.DB, query string, args ...any) int64 {
	t.Helper()
	var n int64
	if err := conn.Get(&n, conn.Rebind(query), args...); err != nil {
		t.Fatalf("query %q: %v", query, err)
	}
	return n
}

func tableExists(t *testing.T, conn *sqlx.DB, d db.Dialect, table string) bool {
	t.Helper()
	ok, err := db.NewIntrospector(conn, d).TableExists(context.Background(), table)
	if err != nil {
		t.Fatalf("table exists %s: %v", table, err)
	}
	return ok
}

func validate(t *testing.T, conn *sqlx.DB, d db.Dialect) {
	t.Helper()
	v := schema.NewValidator(db.NewIntrospector(conn, d), schema.DefaultRequirements(LedgerTable, LockTable))
	if err := v.Validate(context.Background()); err != nil {
		t.Fatalf("schema invalid after migration: %v", err)
	}
}

func TestRunFreshStoreIsIdempotent(t *testing.T) {
	conn, d := openTestDB(t)
	ctx := context.Background()

	first, err := newMigrator(t, conn, d, Options{}).Run(ctx)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if len(first.Applied) != len(History()) {
		t.Fatalf("expected every step applied, got %v", first.Applied)
	}
	validate(t, conn, d)

	second, err := newMigrator(t, conn, d, Options{}).Run(ctx)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if len(second.Applied) != 0 {
		t.Fatalf("expected nothing applied on second run, got %v", second.Applied)
	}
	if len(second.Skipped) != len(History()) {
		t.Fatalf("expected every step skipped, got %v", second.Skipped)
	}

	applied, err := ListApplied(ctx, conn, d)
	if err != nil {
		t.Fatalf("list applied: %v", err)
	}
	if len(applied) != len(History()) {
		t.Fatalf("expected %d ledger rows, got %d", len(History()), len(applied))
	}
	if applied[0].ID != "0001_rename_legacy_tables" {
		t.Fatalf("unexpected first ledger entry %q", applied[0].ID)
	}
	if n := queryInt64(t, conn, "SELECT COUNT(*) FROM "+LockTable); n != 0 {
		t.Fatalf("expected lock released, found %d rows", n)
	}
}

func TestListAppliedWithoutLedger(t *testing.T) {
	conn, d := openTestDB(t)
	applied, err := ListApplied(context.Background(), conn, d)
	if err != nil {
		t.Fatalf("list applied: %v", err)
	}
	if len(applied) != 0 {
		t.Fatalf("expected empty ledger, got %v", applied)
	}
}

const legacySchema = `
CREATE TABLE users (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    email TEXT NOT NULL UNIQUE,
    password TEXT,
    username TEXT,
    grade TEXT,
    theme TEXT DEFAULT 'light',
    points INTEGER DEFAULT 0,
    star_coins INTEGER DEFAULT 0
);
CREATE TABLE user_points (user_id INTEGER PRIMARY KEY, total INTEGER);
CREATE TABLE lessons (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id INTEGER,
    grade INTEGER,
    subject TEXT,
    content TEXT,
    completed INTEGER DEFAULT 0
);
CREATE TABLE achievements (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id INTEGER,
    badge TEXT,
    earned_at TIMESTAMP
);
CREATE TABLE posts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id INTEGER,
    content TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE comments (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    post_id INTEGER,
    user_id INTEGER,
    content TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
`

func seedLegacy(t *testing.T, conn *sqlx.DB, bcryptHash string) {
	t.Helper()
	conn.MustExec(legacySchema)
	conn.MustExec(`INSERT INTO users (id, email, password, username, grade, points, star_coins) VALUES
        (1, 'Ada@Example.com', 'hunter2', 'ada', 'Grade 2', 40, 3),
        (2, 'bo@example.com', ?, 'bo', '3rd', 0, 0),
        (3, 'cy@example.com', '', NULL, 'K', 0, 0)`, bcryptHash)
	conn.MustExec(`INSERT INTO user_points (user_id, total) VALUES (1, 99), (3, 15)`)
	conn.MustExec(`INSERT INTO lessons (id, user_id, grade, subject, content, completed) VALUES
        (1, 1, 1, 'math', '2+2', 1),
        (2, 2, 1, 'math', '2+2', 0),
        (3, 2, 1, 'math', '3+3', 1),
        (4, 1, 1, 'math', '2+2', 0)`)
	conn.MustExec(`INSERT INTO achievements (id, user_id, badge, earned_at) VALUES
        (1, 1, 'first_lesson', '2023-01-01 10:00:00'),
        (2, 1, 'first_lesson', '2023-01-02 10:00:00'),
        (3, 2, 'streak', '2023-01-03 10:00:00')`)
	conn.MustExec(`INSERT INTO posts (id, user_id, content) VALUES (1, 1, 'hello')`)
	conn.MustExec(`INSERT INTO comments (id, post_id, user_id, content) VALUES (1, 1, 2, 'hi')`)
}

func TestRunMigratesLegacyStore(t *testing.T) {
	conn, d := openTestDB(t)
	ctx := context.Background()
	hasher := crypto.NewHasher(bcrypt.MinCost)
	boHash, err := hasher.Hash("bo-secret")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	seedLegacy(t, conn, boHash)

	report, err := newMigrator(t, conn, d, Options{}).Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(report.Applied) != len(History()) {
		t.Fatalf("expected every step applied, got %v", report.Applied)
	}
	validate(t, conn, d)

	t.Run("users", func(t *testing.T) {
		var users []struct {
			ID          int64  `db:"id"`
			Hash        string `db:"password_hash"`
			DisplayName string `db:"display_name"`
			Grade       int64  `db:"grade"`
			Language    string `db:"language"`
			IsAdmin     bool   `db:"is_admin"`
		}
		if err := conn.Select(&users, "SELECT id, password_hash, display_name, grade, language, is_admin FROM users ORDER BY id"); err != nil {
			t.Fatalf("select users: %v", err)
		}
		if len(users) != 3 {
			t.Fatalf("expected 3 users, got %d", len(users))
		}
		for _, u := range users {
			if !crypto.IsRecognizedHash(u.Hash) {
				t.Errorf("user %d: password_hash %q is not a recognised hash", u.ID, u.Hash)
			}
			if u.Language != "en" || u.IsAdmin {
				t.Errorf("user %d: expected defaults for added columns, got language=%q admin=%v", u.ID, u.Language, u.IsAdmin)
			}
		}
		if err := hasher.Verify(users[0].Hash, "hunter2"); err != nil {
			t.Errorf("plaintext password not preserved through rehash: %v", err)
		}
		if users[1].Hash != boHash {
			t.Errorf("existing bcrypt hash was rewritten")
		}
		if got := []int64{users[0].Grade, users[1].Grade, users[2].Grade}; got[0] != 2 || got[1] != 3 || got[2] != 0 {
			t.Errorf("unexpected grades %v", got)
		}
		if users[0].DisplayName != "ada" || users[2].DisplayName != "cy" {
			t.Errorf("unexpected display names %q, %q", users[0].DisplayName, users[2].DisplayName)
		}
		if n := queryInt64(t, conn, "SELECT COUNT(*) FROM users WHERE email <> LOWER(email)"); n != 0 {
			t.Errorf("expected every email lower-cased, %d are not", n)
		}
		if n := queryInt64(t, conn, "SELECT id FROM users WHERE email = 'ada@example.com'"); n != 1 {
			t.Errorf("expected ada's email lower-cased in place, got id %d", n)
		}
		cols, err := db.NewIntrospector(conn, d).Columns(ctx, schema.Users)
		if err != nil {
			t.Fatalf("columns: %v", err)
		}
		for _, legacy := range []string{"password", "username", "points", "star_coins"} {
			if cols.Has(legacy) {
				t.Errorf("legacy column users.%s survived the rebuild", legacy)
			}
		}
	})

	t.Run("point ledger", func(t *testing.T) {
		if n := queryInt64(t, conn, "SELECT COUNT(*) FROM point_events"); n != 3 {
			t.Fatalf("expected 3 opening balances, got %d", n)
		}
		if n := queryInt64(t, conn, "SELECT SUM(delta) FROM point_events WHERE user_id = 1 AND currency = 'points'"); n != 40 {
			t.Errorf("users.points must win over user_points, got %d", n)
		}
		if n := queryInt64(t, conn, "SELECT SUM(delta) FROM point_events WHERE user_id = 1 AND currency = 'star_coins'"); n != 3 {
			t.Errorf("expected 3 star coins, got %d", n)
		}
		if n := queryInt64(t, conn, "SELECT SUM(delta) FROM point_events WHERE user_id = 3"); n != 15 {
			t.Errorf("expected user_points total for user 3, got %d", n)
		}
	})

	t.Run("lessons", func(t *testing.T) {
		if n := queryInt64(t, conn, "SELECT COUNT(*) FROM lessons"); n != 2 {
			t.Fatalf("expected duplicates collapsed to 2 lessons, got %d", n)
		}
		if n := queryInt64(t, conn, "SELECT COUNT(*) FROM lessons WHERE id = 1 AND user_id IS NULL"); n != 1 {
			t.Errorf("lesson shared by two owners should become global")
		}
		if n := queryInt64(t, conn, "SELECT user_id FROM lessons WHERE id = 3"); n != 2 {
			t.Errorf("single-owner lesson lost its owner, got %d", n)
		}
		if n := queryInt64(t, conn, "SELECT COUNT(*) FROM lesson_completions"); n != 2 {
			t.Fatalf("expected 2 completions, got %d", n)
		}
		if n := queryInt64(t, conn, "SELECT COUNT(*) FROM lesson_completions WHERE user_id = 1 AND lesson_id = 1"); n != 1 {
			t.Errorf("missing completion for user 1")
		}
		if n := queryInt64(t, conn, "SELECT COUNT(*) FROM lesson_completions WHERE user_id = 2 AND lesson_id = 3"); n != 1 {
			t.Errorf("missing completion for user 2")
		}
		_, err := conn.Exec("INSERT INTO lessons (grade, subject, content) VALUES (1, 'math', '2+2')")
		if !db.IsUniqueViolation(err) {
			t.Errorf("expected semantic key to be enforced, got %v", err)
		}
	})

	t.Run("badges", func(t *testing.T) {
		if tableExists(t, conn, d, "achievements") {
			t.Errorf("achievements should have been renamed")
		}
		if n := queryInt64(t, conn, "SELECT COUNT(*) FROM user_badges"); n != 2 {
			t.Fatalf("expected duplicate badge removed, got %d rows", n)
		}
		if n := queryInt64(t, conn, "SELECT COUNT(*) FROM user_badges WHERE badge_code = 'streak' AND awarded_at = '2023-01-03 10:00:00'"); n != 1 {
			t.Errorf("renamed columns lost their values")
		}
	})

	t.Run("social", func(t *testing.T) {
		if n := queryInt64(t, conn, "SELECT COUNT(*) FROM comments WHERE seed_key IS NULL"); n != 1 {
			t.Errorf("expected existing comment kept with NULL seed_key")
		}
	})

	if tableExists(t, conn, d, ShadowName(schema.Users)) || tableExists(t, conn, d, ShadowName(schema.Lessons)) {
		t.Errorf("shadow tables left behind")
	}
	if n := queryInt64(t, conn, "PRAGMA foreign_keys"); n != 1 {
		t.Errorf("foreign keys not re-enabled after migration")
	}
}

func TestResumeDropsShadowWhenOriginalExists(t *testing.T) {
	conn, d := openTestDB(t)
	ctx := context.Background()
	if _, err := newMigrator(t, conn, d, Options{}).Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	conn.MustExec("INSERT INTO users (email, password_hash) VALUES ('a@example.com', 'x')")
	conn.MustExec(schema.CreateTableSQL(d, schema.MustLookup(schema.Users), ShadowName(schema.Users)))

	report, err := newMigrator(t, conn, d, Options{}).Run(ctx)
	if err != nil {
		t.Fatalf("resume run: %v", err)
	}
	if len(report.Resumed) != 1 || report.Resumed[0] != schema.Users {
		t.Fatalf("expected users resumed, got %v", report.Resumed)
	}
	if tableExists(t, conn, d, ShadowName(schema.Users)) {
		t.Fatal("partial shadow should have been dropped")
	}
	if n := queryInt64(t, conn, "SELECT COUNT(*) FROM users"); n != 1 {
		t.Fatalf("original rows must be untouched, got %d", n)
	}
}

func TestResumeSwapsInShadowWhenOriginalDropped(t *testing.T) {
	conn, d := openTestDB(t)
	ctx := context.Background()
	if _, err := newMigrator(t, conn, d, Options{}).Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	conn.MustExec("INSERT INTO lessons (grade, subject, content) VALUES (1, 'reading', 'cat'), (2, 'math', '1+1')")

	// Crash between dropping lessons and renaming its shadow.
	conn.MustExec("PRAGMA foreign_keys = OFF")
	conn.MustExec(schema.CreateTableSQL(d, schema.MustLookup(schema.Lessons), ShadowName(schema.Lessons)))
	conn.MustExec("INSERT INTO " + ShadowName(schema.Lessons) + " SELECT * FROM lessons")
	conn.MustExec("DROP TABLE lessons")
	conn.MustExec("PRAGMA foreign_keys = ON")

	report, err := newMigrator(t, conn, d, Options{}).Run(ctx)
	if err != nil {
		t.Fatalf("resume run: %v", err)
	}
	if len(report.Resumed) != 1 || report.Resumed[0] != schema.Lessons {
		t.Fatalf("expected lessons resumed, got %v", report.Resumed)
	}
	if tableExists(t, conn, d, ShadowName(schema.Lessons)) {
		t.Fatal("shadow should have been renamed into place")
	}
	if n := queryInt64(t, conn, "SELECT COUNT(*) FROM lessons"); n != 2 {
		t.Fatalf("expected copied rows, got %d", n)
	}
	_, err = conn.Exec("INSERT INTO lessons (grade, subject, content) VALUES (1, 'reading', 'cat')")
	if !db.IsUniqueViolation(err) {
		t.Fatalf("expected semantic key index recreated, got %v", err)
	}
	validate(t, conn, d)
}

func TestRunFailsWhileLocked(t *testing.T) {
	conn, d := openTestDB(t)
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	conn.MustExec(createLockSQL)
	conn.MustExec("INSERT INTO "+LockTable+" (id, owner, acquired_at) VALUES (1, 'other:42', ?)", now.Add(-time.Minute).UnixMilli())

	_, err := newMigrator(t, conn, d, Options{Owner: "me:1", LockTTL: time.Hour, Now: func() time.Time { return now }}).Run(ctx)
	if !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
	if !strings.Contains(err.Error(), "other:42") {
		t.Fatalf("expected holder in error, got %v", err)
	}
	if tableExists(t, conn, d, schema.Users) {
		t.Fatal("no step may run without the lock")
	}
	if n := queryInt64(t, conn, "SELECT COUNT(*) FROM "+LockTable+" WHERE owner = 'other:42'"); n != 1 {
		t.Fatal("foreign lock must not be released")
	}
}

func TestRunTakesOverStaleLock(t *testing.T) {
	conn, d := openTestDB(t)
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	conn.MustExec(createLockSQL)
	conn.MustExec("INSERT INTO "+LockTable+" (id, owner, acquired_at) VALUES (1, 'crashed:7', ?)", now.Add(-2*time.Hour).UnixMilli())

	_, err := newMigrator(t, conn, d, Options{Owner: "me:1", LockTTL: time.Hour, Now: func() time.Time { return now }}).Run(ctx)
	if err != nil {
		t.Fatalf("expected stale lock taken over: %v", err)
	}
	if n := queryInt64(t, conn, "SELECT COUNT(*) FROM "+LockTable); n != 0 {
		t.Fatalf("expected lock released, found %d rows", n)
	}
}

func TestFailedStepIsRolledBackAndNotRecorded(t *testing.T) {
	conn, d := openTestDB(t)
	ctx := context.Background()
	boom := errors.New("boom")

	m := newMigrator(t, conn, d, Options{}).WithSteps(
		Step{ID: "0001_ok", Ops: []Op{OpFunc(func(ctx context.Context, env *Env) error {
			_, err := env.exec(ctx, "CREATE TABLE kept (id INTEGER PRIMARY KEY)")
			return err
		})}},
		Step{ID: "0002_broken", Ops: []Op{OpFunc(func(ctx context.Context, env *Env) error {
			if _, err := env.exec(ctx, "CREATE TABLE half (id INTEGER PRIMARY KEY)"); err != nil {
				return err
			}
			return boom
		})}},
	)
	_, err := m.Run(ctx)
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped step error, got %v", err)
	}
	if !strings.Contains(err.Error(), "migration 0002_broken") {
		t.Fatalf("expected step id in error, got %v", err)
	}
	if !tableExists(t, conn, d, "kept") || tableExists(t, conn, d, "half") {
		t.Fatal("expected first step committed and second rolled back")
	}
	applied, err := ListApplied(ctx, conn, d)
	if err != nil {
		t.Fatalf("list applied: %v", err)
	}
	if len(applied) != 1 || applied[0].ID != "0001_ok" {
		t.Fatalf("unexpected ledger %v", applied)
	}
	if n := queryInt64(t, conn, "SELECT COUNT(*) FROM "+LockTable); n != 0 {
		t.Fatal("lock must be released after a failed run")
	}
}

func TestRecordRejectsSecondClaim(t *testing.T) {
	conn, _ := openTestDB(t)
	ctx := context.Background()
	if err := ensureLedger(ctx, conn); err != nil {
		t.Fatalf("ensure ledger: %v", err)
	}
	step := Step{ID: "0001_x", Description: "x"}
	if err := record(ctx, conn, step, time.Now()); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	err := record(ctx, conn, step, time.Now())
	if err == nil || !strings.Contains(err.Error(), "already applied") {
		t.Fatalf("expected duplicate claim rejected, got %v", err)
	}
}

func TestAddColumnBackfillsExistingRows(t *testing.T) {
	conn, d := openTestDB(t)
	ctx := context.Background()
	conn.MustExec("CREATE TABLE posts (id INTEGER PRIMARY KEY AUTOINCREMENT, user_id INTEGER, content TEXT)")
	conn.MustExec("INSERT INTO posts (user_id, content) VALUES (1, 'a'), (1, 'b')")

	m := newMigrator(t, conn, d, Options{}).WithSteps(Step{ID: "0001_add", Ops: addColumns(schema.Posts, "created_at", "seed_key")})
	if _, err := m.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if n := queryInt64(t, conn, "SELECT COUNT(*) FROM posts WHERE created_at IS NULL"); n != 0 {
		t.Fatalf("expected created_at backfilled, %d rows NULL", n)
	}
	if n := queryInt64(t, conn, "SELECT COUNT(*) FROM posts WHERE seed_key IS NULL"); n != 2 {
		t.Fatalf("expected seed_key NULL on existing rows, got %d", n)
	}
}

func TestRenameColumnMergesWhenBothExist(t *testing.T) {
	conn, d := openTestDB(t)
	ctx := context.Background()
	conn.MustExec("CREATE TABLE users (id INTEGER PRIMARY KEY, password TEXT, password_hash TEXT)")
	conn.MustExec("INSERT INTO users (id, password, password_hash) VALUES (1, 'old', NULL), (2, 'stale', 'kept')")

	m := newMigrator(t, conn, d, Options{}).WithSteps(Step{
		ID:  "0001_rename",
		Ops: []Op{RenameColumn{Table: "users", From: "password", To: "password_hash"}},
	})
	if _, err := m.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	var got []string
	if err := conn.Select(&got, "SELECT password_hash FROM users ORDER BY id"); err != nil {
		t.Fatalf("select: %v", err)
	}
	if len(got) != 2 || got[0] != "old" || got[1] != "kept" {
		t.Fatalf("unexpected merged values %v", got)
	}
}

func TestParseGrade(t *testing.T) {
	cases := []struct {
		in   any
		want int64
	}{
		{nil, 0},
		{int64(4), 4},
		{"K", 0},
		{"Kindergarten", 0},
		{"Grade 2", 2},
		{"3rd", 3},
		{[]byte("5"), 5},
		{"grade 14", 12},
		{"unknown", 0},
	}
	for _, tc := range cases {
		if got := ParseGrade(tc.in); got != tc.want {
			t.Errorf("ParseGrade(%v) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestUsersRebuildRefusesCaseInsensitiveEmailCollision(t *testing.T) {
	conn, d := openTestDB(t)
	ctx := context.Background()
	seedLegacy(t, conn, "")
	conn.MustExec("INSERT INTO users (id, email, password) VALUES (4, 'ada@example.com', 'pw')")

	_, err := newMigrator(t, conn, d, Options{}).Run(ctx)
	if !errors.Is(err, ErrEmailCollision) {
		t.Fatalf("expected ErrEmailCollision, got %v", err)
	}
	for _, want := range []string{"migration 0006_users_rebuild", `"ada@example.com"`, "[1 4]"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("expected %q in error, got %v", want, err)
		}
	}
	if tableExists(t, conn, d, ShadowName(schema.Users)) {
		t.Error("failed rebuild left its shadow behind")
	}
	if n := queryInt64(t, conn, "SELECT COUNT(*) FROM users WHERE email IN ('Ada@Example.com', 'ada@example.com')"); n != 2 {
		t.Errorf("expected both accounts untouched, got %d", n)
	}
	applied, err := ListApplied(ctx, conn, d)
	if err != nil {
		t.Fatalf("list applied: %v", err)
	}
	if last := applied[len(applied)-1].ID; last != "0005_points_ledger_backfill" {
		t.Errorf("expected ledger to stop before the users rebuild, last is %q", last)
	}
}

func TestLowercaseEmailsOnMigratedStore(t *testing.T) {
	conn, d := openTestDB(t)
	ctx := context.Background()
	if _, err := newMigrator(t, conn, d, Options{}).Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	const step = "0014_users_lowercase_email"
	forget := func() { conn.MustExec("DELETE FROM "+LedgerTable+" WHERE id = ?", step) }

	t.Run("rewrites mixed case", func(t *testing.T) {
		conn.MustExec("INSERT INTO users (id, email, password_hash) VALUES (10, ' Bo@Example.COM', 'x'), (11, 'cy@example.com', 'x')")
		forget()
		report, err := newMigrator(t, conn, d, Options{}).Run(ctx)
		if err != nil {
			t.Fatalf("run: %v", err)
		}
		if len(report.Applied) != 1 || report.Applied[0] != step {
			t.Fatalf("expected only %s applied, got %v", step, report.Applied)
		}
		if n := queryInt64(t, conn, "SELECT id FROM users WHERE email = 'bo@example.com'"); n != 10 {
			t.Errorf("expected id 10 lower-cased, got %d", n)
		}
	})

	t.Run("refuses collisions", func(t *testing.T) {
		conn.MustExec("INSERT INTO users (id, email, password_hash) VALUES (12, 'Cy@Example.com', 'x')")
		forget()
		_, err := newMigrator(t, conn, d, Options{}).Run(ctx)
		if !errors.Is(err, ErrEmailCollision) {
			t.Fatalf("expected ErrEmailCollision, got %v", err)
		}
		if !strings.Contains(err.Error(), "migration "+step) || !strings.Contains(err.Error(), "[11 12]") {
			t.Errorf("expected step and colliding ids in error, got %v", err)
		}
		if n := queryInt64(t, conn, "SELECT COUNT(*) FROM users WHERE email = 'Cy@Example.com'"); n != 1 {
			t.Errorf("expected colliding account untouched")
		}
	})
}

func TestLessonsRebuildParsesTextGrades(t *testing.T) {
	conn, d := openTestDB(t)
	ctx := context.Background()
	conn.MustExec(`CREATE TABLE users (id INTEGER PRIMARY KEY AUTOINCREMENT, email TEXT NOT NULL UNIQUE, password TEXT)`)
	conn.MustExec(`CREATE TABLE lessons (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id INTEGER,
    grade TEXT,
    subject TEXT,
    content TEXT,
    completed INTEGER DEFAULT 0
)`)
	conn.MustExec("INSERT INTO users (id, email, password) VALUES (1, 'ada@example.com', 'pw')")
	conn.MustExec(`INSERT INTO lessons (id, user_id, grade, subject, content, completed) VALUES
        (1, 1, 'Grade 1', 'math', '2+2', 1),
        (2, NULL, '1', 'math', '2+2', 0),
        (3, 1, 'Kindergarten', 'reading', 'cat', 0)`)

	if _, err := newMigrator(t, conn, d, Options{}).Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	validate(t, conn, d)

	if n := queryInt64(t, conn, "SELECT COUNT(*) FROM lessons"); n != 2 {
		t.Fatalf("expected 'Grade 1' and '1' collapsed, got %d lessons", n)
	}
	if n := queryInt64(t, conn, "SELECT COUNT(*) FROM lessons WHERE typeof(grade) <> 'integer'"); n != 0 {
		t.Errorf("expected integer grades, %d rows are not", n)
	}
	if n := queryInt64(t, conn, "SELECT grade FROM lessons WHERE id = 1"); n != 1 {
		t.Errorf("expected grade 1, got %d", n)
	}
	if n := queryInt64(t, conn, "SELECT grade FROM lessons WHERE id = 3"); n != 0 {
		t.Errorf("expected kindergarten as grade 0, got %d", n)
	}
	if n := queryInt64(t, conn, "SELECT COUNT(*) FROM lessons WHERE id = 1 AND user_id IS NULL"); n != 1 {
		t.Errorf("lesson shared with a global copy should become global")
	}
	if n := queryInt64(t, conn, "SELECT COUNT(*) FROM lesson_completions WHERE user_id = 1 AND lesson_id = 1"); n != 1 {
		t.Errorf("completion flag lost")
	}
}

const legacyQuizzes = `CREATE TABLE quizzes (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    grade %s,
    subject TEXT,
    title %s,
    questions TEXT
)`

func TestRebuildRefusesUnsafeConversion(t *testing.T) {
	conn, d := openTestDB(t)
	ctx := context.Background()
	conn.MustExec(fmt.Sprintf(legacyQuizzes, "TEXT", "TEXT"))
	conn.MustExec("INSERT INTO quizzes (id, grade, subject, title, questions) VALUES (1, 'Grade 1', 'math', 'Sums', '[]')")

	m := newMigrator(t, conn, d, Options{}).WithSteps(Step{ID: "0001_quizzes", Ops: []Op{Rebuild{Table: schema.Quizzes}}})
	_, err := m.Run(ctx)
	if !errors.Is(err, ErrNoConversion) {
		t.Fatalf("expected ErrNoConversion, got %v", err)
	}
	if !strings.Contains(err.Error(), "quizzes.grade") {
		t.Errorf("expected the column named in the error, got %v", err)
	}
	if tableExists(t, conn, d, ShadowName(schema.Quizzes)) {
		t.Error("failed rebuild left its shadow behind")
	}
	if n := queryInt64(t, conn, "SELECT COUNT(*) FROM quizzes WHERE grade = 'Grade 1'"); n != 1 {
		t.Error("legacy row must be untouched")
	}
}

func TestRebuildCastsChangedColumns(t *testing.T) {
	conn, d := openTestDB(t)
	ctx := context.Background()
	conn.MustExec(fmt.Sprintf(legacyQuizzes, "REAL", "INTEGER"))
	conn.MustExec("INSERT INTO quizzes (id, grade, subject, title, questions) VALUES (1, 2.0, 'math', 7, NULL)")

	m := newMigrator(t, conn, d, Options{}).WithSteps(Step{ID: "0001_quizzes", Ops: []Op{Rebuild{Table: schema.Quizzes}}})
	if _, err := m.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	var got struct {
		Grade     int64  `db:"grade"`
		GradeType string `db:"grade_type"`
		Title     string `db:"title"`
		TitleType string `db:"title_type"`
		Questions string `db:"questions"`
	}
	err := conn.Get(&got, "SELECT grade, typeof(grade) AS grade_type, title, typeof(title) AS title_type, questions FROM quizzes WHERE id = 1")
	if err != nil {
		t.Fatalf("select quiz: %v", err)
	}
	if got.Grade != 2 || got.GradeType != "integer" {
		t.Errorf("expected integer grade 2, got %d (%s)", got.Grade, got.GradeType)
	}
	if got.Title != "7" || got.TitleType != "text" {
		t.Errorf("expected text title \"7\", got %q (%s)", got.Title, got.TitleType)
	}
	if got.Questions != "[]" {
		t.Errorf("expected NULL questions defaulted, got %q", got.Questions)
	}
}

func TestResumeDropsShadowNextToLegacyUsers(t *testing.T) {
	conn, d := openTestDB(t)
	ctx := context.Background()
	seedLegacy(t, conn, "")

	// Crash during the first users rebuild: a partial shadow, no ledger row.
	conn.MustExec(schema.CreateTableSQL(d, schema.MustLookup(schema.Users), ShadowName(schema.Users)))
	conn.MustExec("INSERT INTO " + ShadowName(schema.Users) + " (id, email, password_hash) VALUES (1, 'ada@example.com', 'hunter2')")

	report, err := newMigrator(t, conn, d, Options{}).Run(ctx)
	if err != nil {
		t.Fatalf("resume run: %v", err)
	}
	if len(report.Resumed) != 1 || report.Resumed[0] != schema.Users {
		t.Fatalf("expected users resumed, got %v", report.Resumed)
	}
	if len(report.Applied) != len(History()) {
		t.Fatalf("expected every step applied after resume, got %v", report.Applied)
	}
	validate(t, conn, d)
	if tableExists(t, conn, d, ShadowName(schema.Users)) {
		t.Fatal("shadow left behind")
	}
	if n := queryInt64(t, conn, "SELECT COUNT(*) FROM users"); n != 3 {
		t.Fatalf("expected 3 users without duplicates, got %d", n)
	}
	if n := queryInt64(t, conn, "SELECT COUNT(*) FROM users WHERE email = 'ada@example.com'"); n != 1 {
		t.Fatalf("expected ada exactly once, got %d", n)
	}
	if n := queryInt64(t, conn, "SELECT COUNT(*) FROM point_events WHERE user_id = 1 AND currency = 'points'"); n != 1 {
		t.Errorf("expected one opening balance for ada, got %d", n)
	}

	again, err := newMigrator(t, conn, d, Options{}).Run(ctx)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if len(again.Applied) != 0 || len(again.Resumed) != 0 {
		t.Fatalf("expected a converged store, got applied=%v resumed=%v", again.Applied, again.Resumed)
	}
}
