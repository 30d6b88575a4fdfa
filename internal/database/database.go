// Package database carries the Postgres connection config and the
// database-identity fingerprint used to detect storage drift between the
// control plane and the engine (spec.md §4.2, §9 STORAGE_DRIFT guardrail).
package database

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"time"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

	apperrors "github.com/hshk99/autopack/internal/errors"
)

// Config holds Postgres connection parameters for the Run/Phase Store.
type Config struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DefaultConfig returns the engine's default Run/Phase Store configuration.
func DefaultConfig() *Config {
	return &Config{
		Host:            "localhost",
		Port:            5432,
		User:            "autopack",
		Database:        "autopack_engine",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
	}
}

// LoadFromEnv overlays DB_* environment variables onto the config. Missing
// or malformed values leave the existing field untouched.
func (c *Config) LoadFromEnv() {
	if v := os.Getenv("DB_HOST"); v != "" {
		c.Host = v
	}
	if v := os.Getenv("DB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Port = port
		}
	}
	if v := os.Getenv("DB_USER"); v != "" {
		c.User = v
	}
	if v := os.Getenv("DB_PASSWORD"); v != "" {
		c.Password = v
	}
	if v := os.Getenv("DB_NAME"); v != "" {
		c.Database = v
	}
	if v := os.Getenv("DB_SSL_MODE"); v != "" {
		c.SSLMode = v
	}
}

// Validate checks the configuration is usable before Connect is attempted.
func (c *Config) Validate() error {
	if c.Host == "" {
		return apperrors.NewValidationError("database host is required")
	}
	if c.Port < 1 || c.Port > 65535 {
		return apperrors.NewValidationError("database port must be between 1 and 65535")
	}
	if c.User == "" {
		return apperrors.NewValidationError("database user is required")
	}
	if c.Database == "" {
		return apperrors.NewValidationError("database name is required")
	}
	if c.MaxOpenConns <= 0 {
		return apperrors.NewValidationError("max open connections must be greater than 0")
	}
	if c.MaxIdleConns < 0 {
		return apperrors.NewValidationError("max idle connections must be non-negative")
	}
	return nil
}

// ConnectionString renders a lib/pq-style DSN. Password is omitted when empty.
func (c *Config) ConnectionString() string {
	dsn := fmt.Sprintf("host=%s port=%d user=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Database, c.SSLMode)
	if c.Password != "" {
		dsn += " password=" + c.Password
	}
	return dsn
}

// Identity returns a stable fingerprint of the storage identity (sha256 of
// the normalized host/port/database/sslmode tuple, excluding credentials).
// Surfaced as HealthFingerprint() so the Supervisor can refuse to run when
// the API's and the executor's storage identities diverge.
func (c *Config) Identity() string {
	normalized := fmt.Sprintf("%s:%d/%s?sslmode=%s", c.Host, c.Port, c.Database, c.SSLMode)
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// Connect validates the config and opens a pooled *sql.DB against Postgres.
func Connect(c *Config, logger *logrus.Logger) (*sql.DB, error) {
	if err := c.Validate(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeConfig, "invalid database configuration")
	}

	db, err := sql.Open("postgres", c.ConnectionString())
	if err != nil {
		return nil, apperrors.NewDatabaseError("open", err)
	}

	db.SetMaxOpenConns(c.MaxOpenConns)
	db.SetMaxIdleConns(c.MaxIdleConns)
	db.SetConnMaxLifetime(c.ConnMaxLifetime)
	db.SetConnMaxIdleTime(c.ConnMaxIdleTime)

	if err := db.Ping(); err != nil {
		logger.WithError(err).WithField("identity", c.Identity()).Warn("database ping failed")
		return nil, apperrors.NewDatabaseError("ping", err)
	}

	logger.WithField("identity", c.Identity()).Info("connected to database")
	return db, nil
}

// HealthFingerprint returns the database-identity fingerprint for the given
// config, for exposure on the /health endpoint (spec.md §6).
func HealthFingerprint(c *Config) string {
	return c.Identity()
}
