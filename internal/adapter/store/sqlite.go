package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists session ids in a single-table SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at dbPath and runs the
// schema migration.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open session db: %w", err)
	}
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate session db: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			app_name   TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)
	`)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Get(ctx context.Context, appName string) (string, bool, error) {
	var id string
	err := s.db.QueryRowContext(ctx, "SELECT session_id FROM sessions WHERE app_name = ?", appName).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get session %q: %w", appName, err)
	}
	return id, true, nil
}

func (s *SQLiteStore) Put(ctx context.Context, appName, sessionID string) error {
	if err := validate(appName, sessionID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (app_name, session_id, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(app_name) DO UPDATE SET session_id = excluded.session_id, updated_at = excluded.updated_at`,
		appName, sessionID, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("put session %q: %w", appName, err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, appName string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE app_name = ?", appName); err != nil {
		return fmt.Errorf("delete session %q: %w", appName, err)
	}
	return nil
}
