//go:build integration

package bootstrap

import (
	"context"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/jmoiron/sqlx"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/bcrypt"

	"brightsteps/internal/crypto"
	"brightsteps/internal/db"
)

// startPostgres runs a throwaway Postgres and returns a connection to it.
func startPostgres(t *testing.T) (*sqlx.DB, db.Dialect) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}
	ctx := context.Background()

	port, err := nat.NewPort("tcp", "5432")
	if err != nil {
		t.Fatalf("port: %v", err)
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{string(port)},
			Env: map[string]string{
				"POSTGRES_USER":     "brightsteps",
				"POSTGRES_PASSWORD": "brightsteps",
				"POSTGRES_DB":       "brightsteps",
			},
			// The server restarts once after running init scripts.
			WaitingFor: wait.ForAll(
				wait.ForLog("database system is ready to accept connections").WithOccurrence(2).WithStartupTimeout(90*time.Second),
				wait.ForListeningPort(port).WithStartupTimeout(90*time.Second),
			),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("start postgres: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("terminate postgres: %v", err)
		}
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("host: %v", err)
	}
	mapped, err := container.MappedPort(ctx, port)
	if err != nil {
		t.Fatalf("mapped port: %v", err)
	}
	dsn := fmt.Sprintf("postgres://brightsteps:brightsteps@%s:%s/brightsteps?sslmode=disable", host, mapped.Port())
	conn, d, err := db.Open(ctx, db.DriverPostgres, dsn)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn, d
}

func TestPostgresRunTwiceLeavesIdenticalStore(t *testing.T) {
	conn, d := startPostgres(t)

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
		t.Fatalf("store changed on second boot:\nbefore %v\nafter  %v", before, after)
	}
}

const pgLegacySchema = `
CREATE TABLE users (
    id SERIAL PRIMARY KEY,
    email TEXT NOT NULL UNIQUE,
    password TEXT,
    username TEXT,
    grade TEXT,
    points INTEGER DEFAULT 0,
    star_coins INTEGER DEFAULT 0
);
CREATE TABLE lessons (
    id SERIAL PRIMARY KEY,
    user_id INTEGER REFERENCES users(id),
    grade INTEGER,
    subject TEXT,
    content TEXT,
    completed BOOLEAN DEFAULT FALSE
);
CREATE TABLE posts (
    id SERIAL PRIMARY KEY,
    user_id INTEGER REFERENCES users(id),
    content TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
`

func TestPostgresMigratesLegacyStore(t *testing.T) {
	conn, d := startPostgres(t)
	conn.MustExec(pgLegacySchema)
	conn.MustExec(`INSERT INTO users (id, email, password, username, grade, points) VALUES
        (1, 'ada@example.com', 'hunter2', 'ada', '2nd grade', 40),
        (2, 'bo@example.com', 'swordfish', 'bo', 'K', 0)`)
	conn.MustExec(`INSERT INTO lessons (id, user_id, grade, subject, content, completed) VALUES
        (1, 1, 1, 'math', '2+2', TRUE),
        (2, 2, 1, 'math', '2+2', TRUE)`)
	conn.MustExec(`INSERT INTO posts (user_id, content) VALUES (1, 'hello')`)

	run(t, conn, d, Options{})

	var hash string
	if err := conn.Get(&hash, "SELECT password_hash FROM users WHERE id = 1"); err != nil {
		t.Fatalf("select hash: %v", err)
	}
	if err := crypto.NewHasher(bcrypt.MinCost).Verify(hash, "hunter2"); err != nil {
		t.Fatalf("plaintext password not rehashed: %v", err)
	}

	var lessons, completions, points int
	if err := conn.Get(&lessons, "SELECT COUNT(*) FROM lessons WHERE content = '2+2'"); err != nil {
		t.Fatalf("count lessons: %v", err)
	}
	if err := conn.Get(&completions, "SELECT COUNT(*) FROM lesson_completions WHERE lesson_id = 1"); err != nil {
		t.Fatalf("count completions: %v", err)
	}
	if err := conn.Get(&points, "SELECT COALESCE(SUM(delta), 0) FROM point_events WHERE user_id = 1"); err != nil {
		t.Fatalf("sum points: %v", err)
	}
	if lessons != 1 || completions != 2 || points != 40 {
		t.Fatalf("got lessons=%d completions=%d points=%d", lessons, completions, points)
	}

	// Sequences must continue past the copied ids.
	id, err := d.InsertID(context.Background(), conn, "INSERT INTO users (email, password_hash) VALUES (?, ?)", "new@example.com", hash)
	if err != nil {
		t.Fatalf("insert after rebuild: %v", err)
	}
	if id <= 2 {
		t.Fatalf("sequence not advanced, got id %d", id)
	}

	report, err := Run(context.Background(), conn, d, crypto.NewHasher(bcrypt.MinCost), zaptest.NewLogger(t), Options{})
	if err != nil {
		t.Fatalf("second boot: %v", err)
	}
	if len(report.Migrations.Applied) != 0 {
		t.Fatalf("expected nothing left to apply, got %v", report.Migrations.Applied)
	}
}
