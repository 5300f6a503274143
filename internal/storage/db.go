package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQL database connection
type DB struct {
	*sql.DB
}

// New creates a new database connection
func New(dbPath string) (*DB, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// Open database with WAL mode for better concurrency
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test connection
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Set connection pool settings
	db.SetMaxOpenConns(1) // SQLite doesn't handle concurrent writes well
	db.SetMaxIdleConns(1)

	return &DB{db}, nil
}

// Migrate runs database migrations
func (db *DB) Migrate(ctx context.Context) error {
	migrations := []string{
		migrationUsers,
		migrationClusters,
		migrationMappings,
		migrationDailyUsage,
		migrationIndexes,
	}

	for i, migration := range migrations {
		if _, err := db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	return nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.DB.Close()
}

const migrationUsers = `
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	email TEXT NOT NULL,
	external_owner_id TEXT NOT NULL,
	cluster_id TEXT NOT NULL,
	billing_plan TEXT NOT NULL DEFAULT 'free',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

const migrationClusters = `
CREATE TABLE IF NOT EXISTS clusters (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	cost_endpoint TEXT NOT NULL,
	cost_token TEXT NOT NULL DEFAULT '',
	registry_endpoint TEXT NOT NULL,
	registry_token TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'active',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

const migrationMappings = `
CREATE TABLE IF NOT EXISTS ownership_mappings (
	id TEXT PRIMARY KEY,
	namespace TEXT NOT NULL,
	user_id TEXT NOT NULL,
	project_id TEXT NOT NULL,
	project_name TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'active',
	last_seen_at DATETIME NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

const migrationDailyUsage = `
CREATE TABLE IF NOT EXISTS daily_usage (
	user_id TEXT NOT NULL,
	usage_date TEXT NOT NULL,
	cpu_hours REAL NOT NULL DEFAULT 0,
	gpu_hours REAL NOT NULL DEFAULT 0,
	ram_gb_hours REAL NOT NULL DEFAULT 0,
	online_storage_gb REAL NOT NULL DEFAULT 0,
	offline_storage_gb REAL NOT NULL DEFAULT 0,
	total_credits REAL NOT NULL DEFAULT 0,
	total_cost REAL NOT NULL DEFAULT 0,
	project_breakdown TEXT NOT NULL DEFAULT '{}',
	reported INTEGER NOT NULL DEFAULT 0,
	version INTEGER NOT NULL DEFAULT 1,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,

	PRIMARY KEY (user_id, usage_date)
);
`

// Partial unique index keeps the one-active-mapping-per-namespace invariant
// enforced at the database level, not just in resolver logic.
const migrationIndexes = `
CREATE UNIQUE INDEX IF NOT EXISTS idx_mappings_namespace_active
ON ownership_mappings(namespace)
WHERE status = 'active';
CREATE INDEX IF NOT EXISTS idx_mappings_namespace ON ownership_mappings(namespace);
CREATE INDEX IF NOT EXISTS idx_mappings_user_id ON ownership_mappings(user_id);
CREATE INDEX IF NOT EXISTS idx_mappings_last_seen ON ownership_mappings(last_seen_at);
CREATE INDEX IF NOT EXISTS idx_daily_usage_reported ON daily_usage(reported);
CREATE INDEX IF NOT EXISTS idx_users_external_owner ON users(external_owner_id);
CREATE INDEX IF NOT EXISTS idx_clusters_status ON clusters(status);
`
