package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ashureev/shsh-labs/internal/shared"
)

// SQLiteStore implements SettingsStore using SQLite.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex // serializes writes to dodge SQLITE_BUSY under WAL
}

// NewSQLite creates a new SQLite-backed settings store.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS settings (
		user_id TEXT NOT NULL,
		category TEXT NOT NULL,
		value TEXT NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (user_id, category)
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// GetSetting retrieves the raw JSON blob for (userID, category).
func (s *SQLiteStore) GetSetting(ctx context.Context, userID, category string) (string, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT value FROM settings WHERE user_id = ? AND category = ?`, userID, category)

	var value string
	if err := row.Scan(&value); err != nil {
		if err == sql.ErrNoRows {
			return "", false, nil
		}
		return "", false, fmt.Errorf("scan setting: %w", err)
	}
	return value, true, nil
}

// PutSetting upserts the raw JSON blob for (userID, category), retrying on
// transient SQLITE_BUSY/locked errors with exponential backoff, matching
// the teacher's write-contention handling idiom.
func (s *SQLiteStore) PutSetting(ctx context.Context, userID, category, value string) error {
	const maxRetries = 3
	baseDelay := 50 * time.Millisecond

	var lastErr error
	for i := 0; i < maxRetries; i++ {
		err := s.putSettingOnce(ctx, userID, category, value)
		if err == nil {
			return nil
		}
		lastErr = err

		if !shared.IsSQLiteConflictError(err) {
			return err
		}
		if i < maxRetries-1 {
			delay := baseDelay * time.Duration(1<<i)
			slog.Debug("PutSetting retrying after SQLite contention",
				"user_id", userID, "category", category, "attempt", i+1, "delay", delay)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return fmt.Errorf("put setting after %d attempts: %w", maxRetries, lastErr)
}

func (s *SQLiteStore) putSettingOnce(ctx context.Context, userID, category, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
	INSERT INTO settings (user_id, category, value, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(user_id, category) DO UPDATE SET
		value = excluded.value,
		updated_at = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, query, userID, category, value, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("upsert setting: %w", err)
	}
	return nil
}

// DeleteSetting removes the blob for (userID, category), if present.
func (s *SQLiteStore) DeleteSetting(ctx context.Context, userID, category string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM settings WHERE user_id = ? AND category = ?`, userID, category); err != nil {
		return fmt.Errorf("delete setting: %w", err)
	}
	return nil
}
