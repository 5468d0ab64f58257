// Package store persists outcomes, rate limit windows and analytics counters
// in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"reactbot/internal/domain"

	_ "modernc.org/sqlite"
)

type Config struct {
	Path          string
	RetryAttempts int           // tries per storage call, at least 1
	RetryBackoff  time.Duration // base delay between tries, doubled each time
	Logger        *slog.Logger
}

// SQLiteStore implements domain.OutcomeStore, domain.WindowStore and
// domain.CounterStore on a single SQLite database.
type SQLiteStore struct {
	db       *sql.DB
	logger   *slog.Logger
	attempts int
	backoff  time.Duration
}

func Open(cfg Config) (*SQLiteStore, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RetryAttempts < 1 {
		cfg.RetryAttempts = 1
	}

	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", cfg.Path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single connection for SQLite
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := RunMigrations(db, cfg.Logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return &SQLiteStore{
		db:       db,
		logger:   cfg.Logger,
		attempts: cfg.RetryAttempts,
		backoff:  cfg.RetryBackoff,
	}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for maintenance commands.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

// Ping checks that the database answers.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Backup writes a consistent copy of the database to dst.
func (s *SQLiteStore) Backup(ctx context.Context, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create backup directory: %w", err)
	}
	if _, err := os.Stat(dst); err == nil {
		return fmt.Errorf("backup target %s already exists", dst)
	}
	if _, err := s.db.ExecContext(ctx, "VACUUM INTO ?", dst); err != nil {
		return fmt.Errorf("backup database: %w", err)
	}
	return nil
}

// withRetry runs fn up to the configured number of attempts. The final
// failure is wrapped in domain.ErrStorageUnavailable.
func (s *SQLiteStore) withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	delay := s.backoff
	for attempt := 1; attempt <= s.attempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		if attempt == s.attempts {
			break
		}
		s.logger.Warn("storage call failed, will retry", "op", op, "attempt", attempt, "error", err)
		if delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
	}
	return fmt.Errorf("%w: %s: %v", domain.ErrStorageUnavailable, op, err)
}
