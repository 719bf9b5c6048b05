package store

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "github.com/lib/pq"
)

// PostgresConfig holds connection settings for the Postgres backend.
type PostgresConfig struct {
	Host         string
	Port         int
	Database     string
	Username     string
	Password     string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
	MaxLifetime  int // seconds
}

// PostgresStore keeps the mapping table in Postgres. Intended for
// deployments running several worker processes against a shared database;
// counter allocation is serialized with a transaction-scoped advisory lock
// per entity type.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore connects and ensures the schema exists.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	if cfg.SSLMode == "" {
		cfg.SSLMode = "disable"
	}
	dsn := fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.Database, cfg.Username, cfg.Password, cfg.SSLMode)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.MaxLifetime > 0 {
		db.SetConnMaxLifetime(time.Duration(cfg.MaxLifetime) * time.Second)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	query := `CREATE TABLE IF NOT EXISTS pii_mappings (
		placeholder TEXT PRIMARY KEY,
		original_value TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		created_at TIMESTAMPTZ DEFAULT now(),
		UNIQUE (original_value, entity_type)
	)`
	if _, err := db.ExecContext(ctx, query); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// GetOrCreate implements Store.
func (s *PostgresStore) GetOrCreate(ctx context.Context, original, entityType string) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", &PersistError{Target: "postgres", Err: err}
	}
	defer tx.Rollback()

	var placeholder string
	err = tx.QueryRowContext(ctx,
		`SELECT placeholder FROM pii_mappings WHERE original_value = $1 AND entity_type = $2`,
		original, entityType).Scan(&placeholder)
	if err == nil {
		return placeholder, nil
	}
	if err != sql.ErrNoRows {
		return "", fmt.Errorf("failed to look up mapping: %w", err)
	}

	// Serialize counter allocation per entity type across workers.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, entityType); err != nil {
		return "", fmt.Errorf("failed to take advisory lock: %w", err)
	}

	var max int
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(CAST(substring(placeholder FROM char_length(entity_type) + 2) AS INTEGER)), 0)
		 FROM pii_mappings WHERE entity_type = $1`,
		entityType).Scan(&max)
	if err != nil {
		return "", fmt.Errorf("failed to derive counter: %w", err)
	}

	placeholder = Placeholder(entityType, max+1)
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO pii_mappings (placeholder, original_value, entity_type) VALUES ($1, $2, $3)`,
		placeholder, original, entityType); err != nil {
		return "", &PersistError{Target: "postgres", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return "", &PersistError{Target: "postgres", Err: err}
	}
	return placeholder, nil
}

// Resolve implements Store.
func (s *PostgresStore) Resolve(ctx context.Context, placeholder string) (string, bool, error) {
	var original string
	err := s.db.QueryRowContext(ctx,
		`SELECT original_value FROM pii_mappings WHERE placeholder = $1`, placeholder).Scan(&original)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to resolve placeholder: %w", err)
	}
	return original, true, nil
}

// Clear implements Store.
func (s *PostgresStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pii_mappings`); err != nil {
		return &PersistError{Target: "postgres", Err: err}
	}
	log.Println("[PostgresStore] All PII mappings cleared")
	return nil
}

// Count implements Store.
func (s *PostgresStore) Count(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pii_mappings`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to get mappings count: %w", err)
	}
	return count, nil
}

// Close implements Store.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
