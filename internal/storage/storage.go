// Package storage provides persistent storage using SQLite.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Storage provides persistent storage for the tidelock daemon.
type Storage struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// Config holds storage configuration.
type Config struct {
	DataDir string
}

// New creates a new Storage instance.
func New(cfg *Config) (*Storage, error) {
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(cfg.DataDir, "tidelock.db")

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// SQLite only supports one writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Storage{
		db:     db,
		dbPath: dbPath,
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection.
func (s *Storage) DB() *sql.DB {
	return s.db
}

// initSchema creates all database tables.
func (s *Storage) initSchema() error {
	schema := `
	-- Swap records, one row per swap, upserted on every transition
	CREATE TABLE IF NOT EXISTS swap_records (
		swap_id TEXT PRIMARY KEY,
		secret_hash TEXT NOT NULL,
		state TEXT NOT NULL,
		initiator_leg TEXT NOT NULL,
		counterparty_leg TEXT NOT NULL,
		fee_policies TEXT NOT NULL,
		failure_reason TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		transition_at INTEGER NOT NULL
	);

	-- A secret hash binds exactly one swap, ever
	CREATE UNIQUE INDEX IF NOT EXISTS idx_swap_secret_hash
		ON swap_records(secret_hash);

	CREATE INDEX IF NOT EXISTS idx_swap_state ON swap_records(state);

	-- Refund sweep attempts: append-only audit trail
	CREATE TABLE IF NOT EXISTS sweep_attempts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		swap_id TEXT NOT NULL,
		role TEXT NOT NULL,
		attempt INTEGER NOT NULL,
		fee_paid INTEGER NOT NULL,
		txid TEXT,
		outcome TEXT NOT NULL,
		observed_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sweep_swap ON sweep_attempts(swap_id, role);
	`

	_, err := s.db.Exec(schema)
	return err
}
