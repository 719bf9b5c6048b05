package store

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps the mapping table in a SQLite database. Counter
// allocation runs inside a transaction, and the WAL journal plus busy
// timeout make the store safe across concurrent worker processes.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at path.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	// SQLite works best with a single writer connection
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := createSQLiteTables(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func createSQLiteTables(ctx context.Context, db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS pii_mappings (
			placeholder TEXT PRIMARY KEY,
			original_value TEXT NOT NULL,
			entity_type TEXT NOT NULL,
			created_at TEXT DEFAULT (datetime('now')),
			UNIQUE (original_value, entity_type)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pii_mappings_entity_type ON pii_mappings(entity_type)`,
	}

	for _, query := range queries {
		if _, err := db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to execute: %s: %w", query, err)
		}
	}
	return nil
}

// GetOrCreate implements Store.
func (s *SQLiteStore) GetOrCreate(ctx context.Context, original, entityType string) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", &PersistError{Target: "sqlite", Err: err}
	}
	defer tx.Rollback()

	var placeholder string
	err = tx.QueryRowContext(ctx,
		`SELECT placeholder FROM pii_mappings WHERE original_value = ? AND entity_type = ?`,
		original, entityType).Scan(&placeholder)
	if err == nil {
		return placeholder, nil
	}
	if err != sql.ErrNoRows {
		return "", fmt.Errorf("failed to look up mapping: %w", err)
	}

	// Next counter = highest existing numeric suffix for the type, plus one.
	var max int
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(CAST(substr(placeholder, length(entity_type) + 2) AS INTEGER)), 0)
		 FROM pii_mappings WHERE entity_type = ?`,
		entityType).Scan(&max)
	if err != nil {
		return "", fmt.Errorf("failed to derive counter: %w", err)
	}

	placeholder = Placeholder(entityType, max+1)
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO pii_mappings (placeholder, original_value, entity_type) VALUES (?, ?, ?)`,
		placeholder, original, entityType); err != nil {
		return "", &PersistError{Target: "sqlite", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return "", &PersistError{Target: "sqlite", Err: err}
	}
	return placeholder, nil
}

// Resolve implements Store.
func (s *SQLiteStore) Resolve(ctx context.Context, placeholder string) (string, bool, error) {
	var original string
	err := s.db.QueryRowContext(ctx,
		`SELECT original_value FROM pii_mappings WHERE placeholder = ?`, placeholder).Scan(&original)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to resolve placeholder: %w", err)
	}
	return original, true, nil
}

// Clear implements Store.
func (s *SQLiteStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pii_mappings`); err != nil {
		return &PersistError{Target: "sqlite", Err: err}
	}
	log.Println("[SQLiteStore] All PII mappings cleared")
	return nil
}

// Count implements Store.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pii_mappings`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to get mappings count: %w", err)
	}
	return count, nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
