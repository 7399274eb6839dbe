package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/upb/llm-enforcement-gateway/config"
	"go.uber.org/zap"
)

// NewDB creates a new PostgreSQL connection pool
func NewDB(cfg config.DatabaseConfig, logger *zap.Logger) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("database connection established",
		zap.String("connection", cfg.LogString()))

	return db, nil
}

// ledgerSchema creates the ledger tables
const ledgerSchema = `
	CREATE TABLE IF NOT EXISTS audit_events (
		id BIGSERIAL PRIMARY KEY,
		timestamp TIMESTAMPTZ NOT NULL,
		event_type VARCHAR(64) NOT NULL,
		client_ip VARCHAR(45) NOT NULL,
		client_device VARCHAR(255),
		endpoint VARCHAR(255) NOT NULL DEFAULT '',
		http_method VARCHAR(16) NOT NULL DEFAULT '',
		http_path TEXT NOT NULL DEFAULT '',
		policy_name VARCHAR(255),
		policy_reason TEXT,
		enforcement_action VARCHAR(32) NOT NULL,
		override_user VARCHAR(255),
		allowlist_reason TEXT,
		user_agent TEXT,
		request_id VARCHAR(255) NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS enforcement_events (
		id BIGSERIAL PRIMARY KEY,
		timestamp TIMESTAMPTZ NOT NULL,
		event_type VARCHAR(64) NOT NULL,
		actor VARCHAR(255) NOT NULL DEFAULT '',
		client_ip VARCHAR(45) NOT NULL DEFAULT '',
		success BOOLEAN NOT NULL DEFAULT true,
		details JSONB
	);

	CREATE INDEX IF NOT EXISTS idx_audit_events_timestamp ON audit_events(timestamp);
	CREATE INDEX IF NOT EXISTS idx_audit_events_client_ip ON audit_events(client_ip);
	CREATE INDEX IF NOT EXISTS idx_audit_events_action ON audit_events(enforcement_action);
	CREATE INDEX IF NOT EXISTS idx_audit_events_event_type ON audit_events(event_type);
	CREATE INDEX IF NOT EXISTS idx_enforcement_events_timestamp ON enforcement_events(timestamp);
	CREATE INDEX IF NOT EXISTS idx_enforcement_events_event_type ON enforcement_events(event_type);
`

// InitSchema initializes the ledger schema
func InitSchema(ctx context.Context, db *sql.DB, logger *zap.Logger) error {
	if _, err := db.ExecContext(ctx, ledgerSchema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("ledger schema initialized successfully")
	return nil
}
