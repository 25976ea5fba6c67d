package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"brightsteps/internal/bootstrap"
	"brightsteps/internal/config"
	"brightsteps/internal/crypto"
	"brightsteps/internal/db"
	"brightsteps/internal/handlers"
	"brightsteps/internal/logging"
)

func main() {
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

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	if err := cfg.RequireServe(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.LockTTL+time.Minute)
	defer cancel()

	dbConn, dialect, err := db.Open(ctx, cfg.DBDriver, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer dbConn.Close()

	hasher := crypto.NewHasher(cfg.BcryptCost)
	// The schema must be ready before a single request is served.
	if _, err := bootstrap.Run(ctx, dbConn, dialect, hasher, logger, bootstrap.Options{LockTTL: cfg.LockTTL}); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}

	r := handlers.NewRouter(handlers.RouterConfig{
		DB:          dbConn,
		Dialect:     dialect,
		Hasher:      hasher,
		JWTSecret:   []byte(cfg.JWTSecret),
		CORSOrigins: cfg.CORSOrigins,
		Logger:      logger,
	})

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: r}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("addr", srv.Addr), zap.String("db", dialect.Name()))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case <-quit:
	}
	logger.Info("shutdown initiated")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = srv.Shutdown(shutdownCtx)
	logger.Info("server stopped")
	return nil
}
