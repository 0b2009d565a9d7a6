// ABOUTME: SQLite store implementation using modernc.org/sqlite.
// ABOUTME: Automatic schema creation, WAL mode, and parent directory handling.

package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists roles, assignments, and the conflict audit log.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a store at the given path. The schema is created
// if it doesn't exist; parent directories are created as needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL keeps readers unblocked while the composer writes through.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return s, nil
}

// createSchema creates the database tables if they don't exist.
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS roles (
			name TEXT PRIMARY KEY,
			description TEXT NOT NULL DEFAULT '',
			permissions TEXT NOT NULL,
			parents TEXT NOT NULL,
			updated_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS role_assignments (
			user_id TEXT NOT NULL,
			role_name TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			PRIMARY KEY (user_id, role_name)
		);

		CREATE TABLE IF NOT EXISTS conflict_log (
			id TEXT PRIMARY KEY,
			occurred_at DATETIME NOT NULL,
			kind TEXT NOT NULL,
			name TEXT NOT NULL,
			resolved_name TEXT NOT NULL DEFAULT '',
			strategy TEXT NOT NULL,
			previous_server TEXT NOT NULL DEFAULT '',
			new_server TEXT NOT NULL,
			rejected INTEGER NOT NULL DEFAULT 0
		);

		CREATE INDEX IF NOT EXISTS idx_conflict_log_name
			ON conflict_log(name);
		CREATE INDEX IF NOT EXISTS idx_conflict_log_occurred_at
			ON conflict_log(occurred_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
