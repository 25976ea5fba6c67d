// Package config reads process configuration from the environment, after an
// optional .env file has been loaded.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	AppEnv      string        `env:"APP_ENV" envDefault:"development"`
	Port        string        `env:"PORT" envDefault:"8080"`
	DBDriver    string        `env:"DB_DRIVER" envDefault:"sqlite"`
	DatabaseURL string        `env:"DATABASE_URL" envDefault:"data/brightsteps.db"`
	JWTSecret   string        `env:"JWT_SECRET"`
	LockTTL     time.Duration `env:"MIGRATION_LOCK_TTL" envDefault:"10m"`
	BcryptCost  int           `env:"BCRYPT_COST" envDefault:"10"`
	AllowReset  bool          `env:"ALLOW_RESET" envDefault:"false"`
	CORSOrigins []string      `env:"CORS_ORIGINS" envDefault:"*" envSeparator:","`
	LogLevel    string        `env:"LOG_LEVEL" envDefault:"info"`
}

// Load reads .env files (missing files are ignored) and parses the
// environment. Variables already set take precedence over .env values.
func Load(files ...string) (Config, error) {
	_ = godotenv.Load(files...)

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

func (c Config) IsProduction() bool {
	return c.AppEnv == "production"
}

// RequireServe checks what only the HTTP server needs.
func (c Config) RequireServe() error {
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	if c.IsProduction() && c.AllowReset {
		return errors.New("ALLOW_RESET must not be enabled in production")
	}
	return nil
}
