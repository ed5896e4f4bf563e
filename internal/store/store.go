package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 1 - runs and stage_entries
const currentSchemaVersion = 1

// DefaultMaxRetries bounds connection attempts in Open.
const DefaultMaxRetries = 5

// ErrNotFound is returned when a requested run is not stored.
var ErrNotFound = errors.New("run not found")

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

func (d dialect) String() string {
	if d == dialectPostgres {
		return "postgres"
	}
	return "sqlite"
}

// Config controls how Open connects.
type Config struct {
	// DSN is a postgres:// URL or a SQLite file path.
	DSN string

	// MaxRetries bounds connection attempts after the first.
	// Zero means DefaultMaxRetries; negative disables retries.
	MaxRetries int

	Logger *slog.Logger
}

// Store persists run manifests.
type Store struct {
	db      *sql.DB
	dialect dialect
	logger  *slog.Logger
}

// Open opens the store at dsn, creating the schema if needed.
func Open(ctx context.Context, dsn string) (*Store, error) {
	return OpenConfig(ctx, Config{DSN: dsn})
}

// OpenConfig opens the store described by cfg. The connection is retried
// with exponential backoff; authentication and missing-database errors are
// not retried.
//
// This function is idempotent - safe to call multiple times.
func OpenConfig(ctx context.Context, cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("open store: dsn is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	d, driver := dialectFor(cfg.DSN)
	db, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	if d == dialectSQLite {
		// SQLite only supports one writer at a time.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	if err := ping(ctx, db, cfg.maxRetries(), logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect store: %w", err)
	}

	s := &Store{db: db, dialect: d, logger: logger}
	if d == dialectSQLite {
		if err := s.applyPragmas(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply pragmas: %w", err)
		}
	}
	if err := s.applySchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	logger.Debug("store opened", "dialect", d.String())
	return s, nil
}

func (c Config) maxRetries() uint64 {
	switch {
	case c.MaxRetries < 0:
		return 0
	case c.MaxRetries == 0:
		return DefaultMaxRetries
	}
	return uint64(c.MaxRetries)
}

func dialectFor(dsn string) (dialect, string) {
	lower := strings.ToLower(dsn)
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return dialectPostgres, "pgx"
	}
	return dialectSQLite, "sqlite3"
}

func ping(ctx context.Context, db *sql.DB, retries uint64, logger *slog.Logger) error {
	attempt := 0
	operation := func() error {
		attempt++
		err := db.PingContext(ctx)
		if err != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		logger.Warn("store connect retry", "attempt", attempt, "wait", wait, "error", err)
	}
	b := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), retries)
	return backoff.RetryNotify(operation, backoff.WithContext(b, ctx), notify)
}

// retryable reports whether a connection error may clear up on its own.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "28P01", "28000", "3D000": // bad password, bad auth, no such database
			return false
		}
	}
	return true
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying sql.DB for direct queries.
// Use with caution - prefer using Store methods when available.
func (s *Store) DB() *sql.DB {
	return s.db
}

// rebind rewrites ? placeholders to $1, $2, ... for PostgreSQL.
func (s *Store) rebind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// applyPragmas sets required SQLite configuration.
func (s *Store) applyPragmas(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	return nil
}

// applySchema creates tables if they don't exist and records the schema
// version. Statements run one at a time so both drivers accept them.
func (s *Store) applySchema(ctx context.Context) error {
	for _, stmt := range statements(schemaSQL) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute schema: %w", err)
		}
	}

	var version int
	if err := s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version < currentSchemaVersion {
		if _, err := s.db.ExecContext(ctx, s.rebind("INSERT INTO schema_migrations (version) VALUES (?)"), currentSchemaVersion); err != nil {
			return fmt.Errorf("record schema version: %w", err)
		}
	}
	return nil
}

// statements splits a schema script on semicolons, dropping comment lines.
func statements(script string) []string {
	var lines []string
	for _, line := range strings.Split(script, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		lines = append(lines, line)
	}
	var out []string
	for _, stmt := range strings.Split(strings.Join(lines, "\n"), ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}

// schemaVersion returns the recorded schema version.
// Used for testing.
func (s *Store) schemaVersion(ctx context.Context) (int, error) {
	var v int
	err := s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&v)
	return v, err
}

// verifyPragma checks that a SQLite pragma is set to the expected value.
// Used for testing.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	if err := s.db.QueryRow("PRAGMA " + name).Scan(&value); err != nil {
		return fmt.Errorf("query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
