// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file contains database bootstrapping for the
// supported drivers (pure-Go SQLite by default, PostgreSQL and MySQL for
// shared deployments) and schema migrations.
package repo

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/plugin/opentelemetry/tracing"

	"github.com/tbourn/go-waybill-backend/internal/config"
	"github.com/tbourn/go-waybill-backend/internal/domain"
)

// sqlitePragmas are applied to every pooled connection through the DSN.
// busy_timeout lets concurrent writers wait for the lock instead of failing.
var sqlitePragmas = []string{
	"busy_timeout(5000)",
	"journal_mode(WAL)",
	"synchronous(NORMAL)",
	"foreign_keys(1)",
}

// Open connects to the configured database, applies pool settings and, when
// enabled, installs the OpenTelemetry GORM plugin.
func Open(cfg config.DBConfig) (*gorm.DB, error) {
	var dial gorm.Dialector
	switch cfg.Driver {
	case "", "sqlite":
		if err := ensureDir(cfg.Path); err != nil {
			return nil, err
		}
		dial = sqlite.Open(SQLiteDSN(cfg.Path))
	case "postgres":
		dial = postgres.Open(cfg.URL)
	case "mysql":
		dial = mysql.Open(cfg.URL)
	default:
		return nil, fmt.Errorf("unsupported DB_DRIVER %q", cfg.Driver)
	}

	gcfg := &gorm.Config{
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
		Logger:         logger.Default.LogMode(logger.Silent),
	}
	if cfg.LogQueries {
		gcfg.Logger = logger.Default.LogMode(logger.Info)
	}

	db, err := gorm.Open(dial, gcfg)
	if err != nil {
		return nil, err
	}

	if cfg.Trace {
		if err := db.Use(tracing.NewPlugin(tracing.WithoutMetrics())); err != nil {
			return nil, err
		}
	}

	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
		sqlDB.SetConnMaxIdleTime(5 * time.Minute)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
	}
	return db, nil
}

// OpenSQLite opens (or creates) a SQLite database with the default pool.
func OpenSQLite(path string) (*gorm.DB, error) {
	return Open(config.DBConfig{Driver: "sqlite", Path: path, MaxOpenConns: 10, MaxIdleConns: 10})
}

// SQLiteDSN appends the connection pragmas to a SQLite path or URI.
func SQLiteDSN(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	var b strings.Builder
	b.WriteString(path)
	for _, p := range sqlitePragmas {
		b.WriteString(sep)
		b.WriteString("_pragma=")
		b.WriteString(p)
		sep = "&"
	}
	return b.String()
}

// ensureDir fails early if the parent directory does not exist (instead of
// sqlite "out of memory (14)" on Windows).
func ensureDir(path string) error {
	if strings.TrimSpace(path) == "" {
		return errors.New("sqlite path is empty")
	}
	if strings.HasPrefix(path, "file:") {
		return nil
	}
	if dir := filepath.Dir(path); dir != "." {
		if _, err := os.Stat(dir); err != nil {
			return err
		}
	}
	return nil
}

// AutoMigrate creates or updates every table used by the back-office.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&domain.User{},
		&domain.Client{},
		&domain.Waybill{},
		&domain.SmsLog{},
		&domain.RateLimitEvent{},
		&domain.Idempotency{},
	)
}

// IsUniqueViolation reports whether err is a unique-constraint failure on any
// of the supported drivers.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	// glebarez/sqlite often returns plain-text errors for UNIQUE violations.
	low := strings.ToLower(err.Error())
	return strings.Contains(low, "unique constraint failed") ||
		strings.Contains(low, "constraint failed: unique") ||
		strings.Contains(low, "duplicate key value") ||
		strings.Contains(low, "duplicate entry")
}

// likeEscaper escapes LIKE wildcards in user input. Queries pair it with
// ESCAPE '!', which reads the same on SQLite, Postgres and MySQL.
var likeEscaper = strings.NewReplacer("!", "!!", "%", "!%", "_", "!_")

// likePattern wraps s for a literal substring match with LIKE ? ESCAPE '!'.
func likePattern(s string) string {
	return "%" + likeEscaper.Replace(strings.TrimSpace(s)) + "%"
}
