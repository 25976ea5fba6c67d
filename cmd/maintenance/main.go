// Command maintenance inspects and drives the schema lifecycle without
// starting the HTTP server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"brightsteps/internal/bootstrap"
	"brightsteps/internal/config"
	"brightsteps/internal/crypto"
	"brightsteps/internal/db"
	"brightsteps/internal/logging"
	"brightsteps/internal/migrate"
)

func main() {
	status := flag.Bool("status", false, "print applied and pending migrations")
	migrateFlag := flag.Bool("migrate", false, "migrate, seed and validate the store")
	reset := flag.Bool("reset", false, "drop every table and rebuild from scratch (needs ALLOW_RESET=true)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.AppEnv, cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	var cmd func(context.Context, config.Config, *zap.Logger) error
	switch {
	case *reset:
		cmd = runReset
	case *migrateFlag:
		cmd = runMigrate
	case *status:
		cmd = printStatus
	default:
		flag.Usage()
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.LockTTL+time.Minute)
	defer cancel()
	if err := cmd(ctx, cfg, logger); err != nil {
		logger.Error("maintenance failed", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func printStatus(ctx context.Context, cfg config.Config, _ *zap.Logger) error {
	conn, dialect, err := db.Open(ctx, cfg.DBDriver, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer conn.Close()

	applied, err := migrate.ListApplied(ctx, conn, dialect)
	if err != nil {
		return err
	}
	done := map[string]bool{}
	for _, a := range applied {
		done[a.ID] = true
		fmt.Printf("applied  %s  %s  %s\n", a.AppliedAt.Format(time.RFC3339), a.ID, a.Description)
	}
	for _, step := range migrate.History() {
		if !done[step.ID] {
			fmt.Printf("pending  %s  %s\n", step.ID, step.Description)
		}
	}
	if err := bootstrap.Validate(ctx, conn, dialect); err != nil {
		fmt.Println(err)
	}
	return nil
}

func runMigrate(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	conn, dialect, err := db.Open(ctx, cfg.DBDriver, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer conn.Close()

	_, err = bootstrap.Run(ctx, conn, dialect, crypto.NewHasher(cfg.BcryptCost), logger, bootstrap.Options{LockTTL: cfg.LockTTL})
	return err
}

func runReset(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	if cfg.IsProduction() {
		return errors.New("refusing to reset a production store")
	}
	conn, dialect, err := db.Open(ctx, cfg.DBDriver, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer conn.Close()

	_, err = bootstrap.Reset(ctx, conn, dialect, crypto.NewHasher(cfg.BcryptCost), logger, bootstrap.Options{
		LockTTL:    cfg.LockTTL,
		AllowReset: cfg.AllowReset,
	})
	return err
}
