// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides agent/session persistence with automatic schema creation

package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			active INTEGER NOT NULL DEFAULT 1,
			secret_hash TEXT NOT NULL,
			prev_secret_hash TEXT,
			rotated_at DATETIME,
			last_heartbeat DATETIME,
			last_addr TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS diagnostic_sessions (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			address TEXT NOT NULL,
			port INTEGER NOT NULL,
			unit_id INTEGER NOT NULL,
			start_register INTEGER,
			start_bit INTEGER,
			count INTEGER NOT NULL,
			state TEXT NOT NULL,
			requested_by TEXT NOT NULL,
			result_values TEXT,
			error TEXT,
			elapsed_ms INTEGER,
			created_at DATETIME NOT NULL,
			completed_at DATETIME,
			FOREIGN KEY (agent_id) REFERENCES agents(id)
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_agent_id
			ON diagnostic_sessions(agent_id);

		CREATE INDEX IF NOT EXISTS idx_sessions_created
			ON diagnostic_sessions(created_at);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// Close closes the underlying database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// nullString converts an empty string to sql.NullString
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// parseStoredTime parses an RFC3339 timestamp column, logging on corruption
// rather than failing the whole read.
func parseStoredTime(raw, column, id string) time.Time {
	parsed, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		slog.Warn("failed to parse stored timestamp", "column", column, "id", id, "error", err)
		return time.Time{}
	}
	return parsed
}

// parseNullTime parses a nullable RFC3339 timestamp column.
func parseNullTime(raw sql.NullString, column, id string) *time.Time {
	if !raw.Valid {
		return nil
	}
	parsed := parseStoredTime(raw.String, column, id)
	if parsed.IsZero() {
		return nil
	}
	return &parsed
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// Ensure SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)
