// Package bootstrap runs the schema lifecycle every process goes through
// before it may serve: migrate, seed, validate.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"brightsteps/internal/crypto"
	"brightsteps/internal/db"
	"brightsteps/internal/migrate"
	"brightsteps/internal/schema"
	"brightsteps/internal/seed"
)

// ErrResetDisabled is returned by Reset unless resets were explicitly allowed.
var ErrResetDisabled = errors.New("bootstrap: reset is disabled, set ALLOW_RESET=true")

type Options struct {
	LockTTL    time.Duration
	AllowReset bool
	// Catalog overrides the embedded seed catalog.
	Catalog *seed.Catalog
}

type Report struct {
	Migrations migrate.Report
	Seeded     seed.Counts
}

// Run brings the store to the target schema, seeds the catalog and validates
// the result. Any error means the process must not serve.
func Run(ctx context.Context, conn *sqlx.DB, d db.Dialect, hasher *crypto.Hasher, logger *zap.Logger, opts Options) (Report, error) {
	var report Report
	start := time.Now()

	mig, err := migrate.New(conn, d, hasher, logger, migrate.Options{LockTTL: opts.LockTTL}).Run(ctx)
	if err != nil {
		return report, fmt.Errorf("migrate: %w", err)
	}
	report.Migrations = mig

	catalog := opts.Catalog
	if catalog == nil {
		if catalog, err = seed.DefaultCatalog(); err != nil {
			return report, err
		}
	}
	counts, err := seed.New(conn, hasher, logger, catalog).Run(ctx)
	if err != nil {
		return report, err
	}
	report.Seeded = counts

	if err := Validate(ctx, conn, d); err != nil {
		return report, err
	}

	logger.Info("schema ready",
		zap.Strings("applied", mig.Applied),
		zap.Strings("resumed", mig.Resumed),
		zap.Int64("seeded", counts.Total()),
		zap.Duration("took", time.Since(start)),
	)
	return report, nil
}

// Validate checks the store against the target schema and the migration
// bookkeeping tables.
func Validate(ctx context.Context, conn db.Querier, d db.Dialect) error {
	reqs := schema.DefaultRequirements(migrate.LedgerTable, migrate.LockTable)
	if err := schema.NewValidator(db.NewIntrospector(conn, d), reqs).Validate(ctx); err != nil {
		return fmt.Errorf("validate schema: %w", err)
	}
	return nil
}

// Reset drops every table the platform owns, including shadows and the
// migration bookkeeping, then runs the full boot sequence. Development only.
func Reset(ctx context.Context, conn *sqlx.DB, d db.Dialect, hasher *crypto.Hasher, logger *zap.Logger, opts Options) (Report, error) {
	if !opts.AllowReset {
		return Report{}, ErrResetDisabled
	}
	if err := dropAll(ctx, conn, d); err != nil {
		return Report{}, err
	}
	logger.Warn("dropped all tables")
	return Run(ctx, conn, d, hasher, logger, opts)
}

func dropAll(ctx context.Context, conn *sqlx.DB, d db.Dialect) error {
	sqlConn, err := conn.Connx(ctx)
	if err != nil {
		return err
	}
	defer sqlConn.Close()

	restore, err := d.BeginMigration(ctx, sqlConn)
	if err != nil {
		return err
	}
	defer func() { _ = restore(context.WithoutCancel(ctx)) }()

	defs := schema.Definitions()
	return db.WithTx(ctx, sqlConn, func(tx *sqlx.Tx) error {
		in := db.NewIntrospector(tx, d)
		var names []string
		// Children first.
		for i := len(defs) - 1; i >= 0; i-- {
			names = append(names, migrate.ShadowName(defs[i].Name), defs[i].Name)
		}
		names = append(names, migrate.LedgerTable, migrate.LockTable)
		for _, name := range names {
			exists, err := in.TableExists(ctx, name)
			if err != nil {
				return err
			}
			if !exists {
				continue
			}
			if _, err := tx.ExecContext(ctx, d.DropTableSQL(name)); err != nil {
				return fmt.Errorf("drop %s: %w", name, err)
			}
		}
		return nil
	})
}
