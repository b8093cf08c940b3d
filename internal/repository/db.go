package repository

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps the database connection
type DB struct {
	*sql.DB
	strategy LockStrategy
}

// Querier is the subset of database/sql shared by *sql.DB, *sql.Tx and *sql.Conn.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// NewDB creates a new database connection
func NewDB(dbPath string, strategy LockStrategy) (*DB, error) {
	if err := strategy.Validate(); err != nil {
		return nil, err
	}

	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &DB{DB: db, strategy: strategy}, nil
}

// Strategy returns the configured row-lock strategy.
func (d *DB) Strategy() LockStrategy {
	return d.strategy
}

const schemaVersion = 1

func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version >= schemaVersion {
		return nil
	}

	migrations := []string{
		`CREATE TABLE IF NOT EXISTS collections (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			principal_id INTEGER NOT NULL,
			name TEXT NOT NULL,
			store_name TEXT NOT NULL,
			deleted_at_ms INTEGER,
			created_at_ms INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS documents (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			collection_id INTEGER NOT NULL,
			display_name TEXT NOT NULL,
			size_bytes INTEGER NOT NULL DEFAULT 0,
			mime_type TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL CHECK (status IN ('PENDING','RUNNING','DONE','ERROR')),
			status_changed_at_ms INTEGER NOT NULL,
			operation_ref TEXT,
			provider_file_id TEXT,
			last_error TEXT,
			deleted_at_ms INTEGER,
			created_at_ms INTEGER NOT NULL,
			FOREIGN KEY (collection_id) REFERENCES collections(id)
		)`,
		`CREATE TABLE IF NOT EXISTS ingestion_jobs (
			id TEXT PRIMARY KEY,
			payload TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			available_at_ms INTEGER NOT NULL,
			created_at_ms INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS ledger_entries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			principal_id INTEGER NOT NULL,
			collection_id INTEGER,
			kind TEXT NOT NULL,
			model TEXT NOT NULL,
			prompt_tokens INTEGER NOT NULL DEFAULT 0,
			completion_tokens INTEGER NOT NULL DEFAULT 0,
			index_tokens INTEGER NOT NULL DEFAULT 0,
			cost_micros INTEGER NOT NULL,
			estimated INTEGER NOT NULL DEFAULT 0,
			created_at_ms INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS budgets (
			principal_id INTEGER PRIMARY KEY,
			monthly_limit_micros INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS chat_sessions (
			id TEXT PRIMARY KEY,
			principal_id INTEGER NOT NULL,
			collection_id INTEGER,
			title TEXT NOT NULL DEFAULT '',
			created_at_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS chat_messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			citations TEXT,
			created_at_ms INTEGER NOT NULL,
			FOREIGN KEY (session_id) REFERENCES chat_sessions(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS admin_audit_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			principal_id INTEGER NOT NULL,
			action TEXT NOT NULL,
			target_type TEXT NOT NULL,
			metadata TEXT,
			created_at_ms INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_documents_status ON documents(status, status_changed_at_ms)`,
		`CREATE INDEX IF NOT EXISTS idx_documents_collection ON documents(collection_id)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_available ON ingestion_jobs(available_at_ms)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_principal ON ledger_entries(principal_id, created_at_ms)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session ON chat_messages(session_id, created_at_ms)`,
		fmt.Sprintf("PRAGMA user_version = %d", schemaVersion),
	}

	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}

	return nil
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
