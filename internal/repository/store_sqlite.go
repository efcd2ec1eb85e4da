package repository

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver - no CGO required
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS inventory (
		id TEXT PRIMARY KEY,
		blood_group TEXT NOT NULL,
		volume_ml INTEGER NOT NULL,
		collected_on TEXT NOT NULL,
		expires_on TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'available',
		location TEXT NOT NULL DEFAULT '',
		created_by TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		CHECK (julianday(expires_on) - julianday(collected_on) BETWEEN 1 AND 42)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_inventory_fefo ON inventory(blood_group, status, expires_on)`,
	`CREATE TABLE IF NOT EXISTS blood_requests (
		id TEXT PRIMARY KEY,
		requester_name TEXT NOT NULL,
		requester_email TEXT NOT NULL DEFAULT '',
		requester_phone TEXT NOT NULL DEFAULT '',
		blood_group TEXT NOT NULL,
		quantity INTEGER NOT NULL,
		hospital TEXT NOT NULL,
		city TEXT NOT NULL DEFAULT '',
		urgency TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		created_by TEXT NOT NULL DEFAULT '',
		acted_by TEXT NOT NULL DEFAULT '',
		fulfillment_key TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_requests_status ON blood_requests(status, created_at)`,
	`CREATE TABLE IF NOT EXISTS allocations (
		id TEXT PRIMARY KEY,
		request_id TEXT NOT NULL REFERENCES blood_requests(id),
		inventory_id TEXT NOT NULL UNIQUE REFERENCES inventory(id),
		allocated_by TEXT NOT NULL DEFAULT '',
		allocated_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_allocations_request ON allocations(request_id)`,
}

// SQLiteStore implements Store using SQLite.
// A single connection serializes writers, so conditional updates inside a
// transaction cannot interleave.
type SQLiteStore struct {
	*sqlStore
}

// NewSQLiteStore opens (and migrates) a SQLite database.
// dbPath is the path to the database file (e.g., "./data/bloodbank.db") or ":memory:".
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	pragmas := []string{"busy_timeout(5000)", "synchronous(NORMAL)"}
	if dbPath != ":memory:" {
		pragmas = append(pragmas, "journal_mode(WAL)")
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	dsn := dbPath + "?_pragma=" + strings.Join(pragmas, "&_pragma=")

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite: %w", err)
	}

	// SQLite only supports 1 writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := newSQLStore(db, sqlDialect{
		name:   "sqlite",
		schema: sqliteSchema,
		timeArg: func(t time.Time) interface{} {
			return t.UTC().Format(timestampLayout)
		},
		backend: sqliteBackendStats,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	log.Printf("[SQLiteStore] Initialized with database: %s", dbPath)
	return &SQLiteStore{sqlStore: s}, nil
}

func sqliteBackendStats(ctx context.Context, db *sql.DB) map[string]interface{} {
	// Database file size (approximate from page count)
	var pageCount, pageSize int64
	db.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pageCount)
	db.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize)
	return map[string]interface{}{
		"db_size_bytes": pageCount * pageSize,
	}
}

// Ensure SQLiteStore implements Store
var _ Store = (*SQLiteStore)(nil)
