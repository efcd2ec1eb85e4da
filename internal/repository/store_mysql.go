package repository

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS inventory (
		id VARCHAR(64) PRIMARY KEY,
		blood_group VARCHAR(3) NOT NULL,
		volume_ml INT NOT NULL,
		collected_on DATE NOT NULL,
		expires_on DATE NOT NULL,
		status VARCHAR(16) NOT NULL DEFAULT 'available',
		location VARCHAR(255) NOT NULL DEFAULT '',
		created_by VARCHAR(128) NOT NULL DEFAULT '',
		created_at DATETIME(6) NOT NULL,
		INDEX idx_inventory_fefo (blood_group, status, expires_on)
	) ENGINE=InnoDB`,
	`CREATE TABLE IF NOT EXISTS blood_requests (
		id VARCHAR(64) PRIMARY KEY,
		requester_name VARCHAR(255) NOT NULL,
		requester_email VARCHAR(255) NOT NULL DEFAULT '',
		requester_phone VARCHAR(64) NOT NULL DEFAULT '',
		blood_group VARCHAR(3) NOT NULL,
		quantity INT NOT NULL,
		hospital VARCHAR(255) NOT NULL,
		city VARCHAR(255) NOT NULL DEFAULT '',
		urgency VARCHAR(16) NOT NULL,
		status VARCHAR(16) NOT NULL DEFAULT 'pending',
		created_by VARCHAR(128) NOT NULL DEFAULT '',
		acted_by VARCHAR(128) NOT NULL DEFAULT '',
		fulfillment_key VARCHAR(128) NOT NULL DEFAULT '',
		created_at DATETIME(6) NOT NULL,
		updated_at DATETIME(6) NOT NULL,
		INDEX idx_requests_status (status, created_at)
	) ENGINE=InnoDB`,
	`CREATE TABLE IF NOT EXISTS allocations (
		id VARCHAR(64) PRIMARY KEY,
		request_id VARCHAR(64) NOT NULL,
		inventory_id VARCHAR(64) NOT NULL,
		allocated_by VARCHAR(128) NOT NULL DEFAULT '',
		allocated_at DATETIME(6) NOT NULL,
		UNIQUE KEY uq_allocations_inventory (inventory_id),
		INDEX idx_allocations_request (request_id),
		CONSTRAINT fk_allocations_request FOREIGN KEY (request_id) REFERENCES blood_requests(id),
		CONSTRAINT fk_allocations_inventory FOREIGN KEY (inventory_id) REFERENCES inventory(id)
	) ENGINE=InnoDB`,
}

// MySQLStore implements Store using MySQL (InnoDB).
// Commit transactions lock the request row with SELECT ... FOR UPDATE.
type MySQLStore struct {
	*sqlStore
}

// NewMySQLStore opens (and migrates) a MySQL database.
// dsn format: "user:pass@tcp(host:3306)/dbname?parseTime=true&loc=UTC"
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	s := newSQLStore(db, sqlDialect{
		name:      "mysql",
		schema:    mysqlSchema,
		forUpdate: " FOR UPDATE",
		timeArg: func(t time.Time) interface{} {
			return t.UTC()
		},
		backend: poolStats,
	})
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	log.Printf("[MySQLStore] Initialized with pool: max=%d, idle=%d", 10, 5)
	return &MySQLStore{sqlStore: s}, nil
}

func poolStats(_ context.Context, db *sql.DB) map[string]interface{} {
	dbStats := db.Stats()
	return map[string]interface{}{
		"connections": map[string]interface{}{
			"open":     dbStats.OpenConnections,
			"in_use":   dbStats.InUse,
			"idle":     dbStats.Idle,
			"max_open": dbStats.MaxOpenConnections,
		},
	}
}

// Ensure MySQLStore implements Store
var _ Store = (*MySQLStore)(nil)
