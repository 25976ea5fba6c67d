package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DBDriver != "sqlite" || cfg.Port != "8080" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.LockTTL != 10*time.Minute {
		t.Fatalf("expected 10m lock ttl, got %s", cfg.LockTTL)
	}
	if cfg.AllowReset {
		t.Fatal("reset must be off by default")
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("DB_DRIVER", "postgres")
	t.Setenv("MIGRATION_LOCK_TTL", "90s")
	t.Setenv("CORS_ORIGINS", "https://a.example,https://b.example")
	t.Setenv("ALLOW_RESET", "true")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DBDriver != "postgres" || cfg.LockTTL != 90*time.Second || !cfg.AllowReset {
		t.Fatalf("environment not applied: %+v", cfg)
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[1] != "https://b.example" {
		t.Fatalf("unexpected origins %v", cfg.CORSOrigins)
	}
}

func TestLoadDotEnvDoesNotOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("LOG_LEVEL=debug\nPORT=9999\n"), 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	t.Setenv("PORT", "7000")
	t.Setenv("LOG_LEVEL", "")
	os.Unsetenv("LOG_LEVEL")
	t.Cleanup(func() { os.Unsetenv("LOG_LEVEL") })

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "7000" {
		t.Fatalf("environment must win over .env, got %s", cfg.Port)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected .env value, got %s", cfg.LogLevel)
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	t.Setenv("MIGRATION_LOCK_TTL", "soon")
	_, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	if err == nil || !strings.Contains(err.Error(), "parse env:") {
		t.Fatalf("expected parse error, got %v", err)
	}
}

func TestRequireServe(t *testing.T) {
	if err := (Config{}).RequireServe(); err == nil {
		t.Fatal("expected missing secret error")
	}
	if err := (Config{JWTSecret: "s", AppEnv: "production", AllowReset: true}).RequireServe(); err == nil {
		t.Fatal("expected reset refused in production")
	}
	if err := (Config{JWTSecret: "s"}).RequireServe(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
