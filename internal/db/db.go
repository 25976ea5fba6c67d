package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Querier is the part of sqlx shared by *sqlx.DB, *sqlx.Conn and *sqlx.Tx.
type Querier interface {
	sqlx.ExecerContext
	sqlx.QueryerContext
	Rebind(query string) string
}

// TxBeginner is implemented by *sqlx.DB and *sqlx.Conn.
type TxBeginner interface {
	BeginTxx(ctx context.Context, opts *sql.TxOptions) (*sqlx.Tx, error)
}

// Open connects to the configured store and returns the dialect that goes with it.
func Open(ctx context.Context, driver, dsn string) (*sqlx.DB, Dialect, error) {
	d, err := DialectFor(driver)
	if err != nil {
		return nil, nil, err
	}

	if d.Name() == DriverSQLite {
		dsn, err = sqliteDSN(dsn)
		if err != nil {
			return nil, nil, err
		}
	}

	conn, err := sqlx.Open(d.DriverName(), dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", d.Name(), err)
	}

	if d.Name() == DriverSQLite {
		// SQLite doesn't support multiple writers
		conn.SetMaxOpenConns(1)
		conn.SetMaxIdleConns(1)
	} else {
		conn.SetMaxOpenConns(10)
		conn.SetConnMaxLifetime(2 * time.Hour)
	}

	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("ping %s: %w", d.Name(), err)
	}
	return conn, d, nil
}

// sqliteDSN creates the parent directory of a file database and turns on
// foreign keys and a busy timeout for every pooled connection.
func sqliteDSN(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("sqlite database path is required")
	}
	if strings.Contains(path, "?") {
		return path, nil
	}
	file := strings.TrimPrefix(path, "file:")
	if file != ":memory:" {
		if dir := filepath.Dir(file); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return "", fmt.Errorf("create data directory: %w", err)
			}
		}
	}
	return "file:" + file + "?_foreign_keys=on&_busy_timeout=5000", nil
}

// WithTx runs fn inside a transaction on conn. The transaction is committed when
// fn returns nil and rolled back on error or panic.
func WithTx(ctx context.Context, conn TxBeginner, fn func(tx *sqlx.Tx) error) (err error) {
	tx, err := conn.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		if cerr := tx.Commit(); cerr != nil {
			err = fmt.Errorf("commit transaction: %w", cerr)
		}
	}()
	return fn(tx)
}
