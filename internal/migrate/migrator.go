// Package migrate brings any reachable store, fresh or legacy, to the target
// schema. Steps are recorded in a ledger, guarded by introspection and run
// under a single-row lock so only one process migrates at a time.
package migrate

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"brightsteps/internal/crypto"
	"brightsteps/internal/db"
)

type Options struct {
	// LockTTL is how old a lock row must be before it is taken over. Zero
	// never takes over.
	LockTTL time.Duration
	// Owner identifies this process in the lock row. Defaults to host:pid.
	Owner string
	Now   func() time.Time
}

// Report lists what one Run did.
type Report struct {
	Applied []string
	Skipped []string
	Resumed []string
}

type Migrator struct {
	db      *sqlx.DB
	dialect db.Dialect
	hasher  *crypto.Hasher
	logger  *zap.Logger
	opts    Options
	steps   []Step
}

func New(conn *sqlx.DB, d db.Dialect, hasher *crypto.Hasher, logger *zap.Logger, opts Options) *Migrator {
	if opts.Owner == "" {
		host, _ := os.Hostname()
		opts.Owner = fmt.Sprintf("%s:%d", host, os.Getpid())
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Migrator{
		db:      conn,
		dialect: d,
		hasher:  hasher,
		logger:  logger.Named("migrate"),
		opts:    opts,
		steps:   History(),
	}
}

// WithSteps replaces the migration history.
func (m *Migrator) WithSteps(steps ...Step) *Migrator {
	m.steps = steps
	return m
}

// Run applies every step missing from the ledger, in order. A failing step is
// rolled back, left unrecorded and stops the run.
func (m *Migrator) Run(ctx context.Context) (report Report, err error) {
	conn, err := m.db.Connx(ctx)
	if err != nil {
		return report, fmt.Errorf("migrate: acquire connection: %w", err)
	}
	defer conn.Close()

	if err := ensureLedger(ctx, conn); err != nil {
		return report, err
	}
	if err := ensureLockTable(ctx, conn); err != nil {
		return report, err
	}
	if err := acquireLock(ctx, conn, m.opts.Owner, m.opts.LockTTL, m.opts.Now()); err != nil {
		return report, err
	}
	defer func() {
		if rerr := releaseLock(context.WithoutCancel(ctx), conn, m.opts.Owner); rerr != nil {
			m.logger.Error("release migration lock", zap.Error(rerr))
		}
	}()

	restore, err := m.dialect.BeginMigration(ctx, conn)
	if err != nil {
		return report, err
	}
	defer func() {
		if rerr := restore(context.WithoutCancel(ctx)); rerr != nil {
			m.logger.Error("restore connection settings", zap.Error(rerr))
		}
	}()

	err = db.WithTx(ctx, conn, func(tx *sqlx.Tx) error {
		resumed, err := resumeRebuilds(ctx, m.env(tx))
		report.Resumed = resumed
		return err
	})
	if err != nil {
		return report, fmt.Errorf("migrate: resume interrupted rebuild: %w", err)
	}

	applied, err := appliedSet(ctx, conn)
	if err != nil {
		return report, err
	}

	for _, step := range m.steps {
		if applied[step.ID] {
			report.Skipped = append(report.Skipped, step.ID)
			continue
		}
		start := time.Now()
		err := db.WithTx(ctx, conn, func(tx *sqlx.Tx) error {
			env := m.env(tx)
			for _, op := range step.Ops {
				if err := op.Apply(ctx, env); err != nil {
					return err
				}
			}
			return record(ctx, tx, step, m.opts.Now())
		})
		if err != nil {
			return report, fmt.Errorf("migration %s: %w", step.ID, err)
		}
		m.logger.Info("applied migration",
			zap.String("id", step.ID),
			zap.String("description", step.Description),
			zap.Duration("took", time.Since(start)),
		)
		report.Applied = append(report.Applied, step.ID)
	}

	violations, err := m.dialect.ForeignKeyViolations(ctx, conn)
	if err != nil {
		m.logger.Warn("foreign key check failed", zap.Error(err))
	}
	for table, n := range violations {
		m.logger.Warn("foreign key violations after migration", zap.String("table", table), zap.Int("rows", n))
	}
	return report, nil
}

func (m *Migrator) env(tx *sqlx.Tx) *Env {
	return &Env{
		Tx:      tx,
		Dialect: m.dialect,
		Schema:  db.NewIntrospector(tx, m.dialect),
		Hasher:  m.hasher,
		Logger:  m.logger,
	}
}
