package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/upb/llm-enforcement-gateway/config"
	"github.com/upb/llm-enforcement-gateway/repositories"
	"go.uber.org/zap"
)

// Dialect stores timestamps as TIMESTAMPTZ.
var Dialect = repositories.Dialect{
	Name:        "postgres",
	Placeholder: repositories.DollarPlaceholder,
	TimeArg:     func(t time.Time) interface{} { return t.UTC() },
	DayExpr:     "to_char(timestamp AT TIME ZONE 'UTC', 'YYYY-MM-DD')",
}

// NewLedgerRepository wraps a PostgreSQL pool whose schema is initialized
func NewLedgerRepository(db *sql.DB, logger *zap.Logger) *repositories.SQLLedger {
	return repositories.NewSQLLedger(db, Dialect, logger)
}

// OpenLedger connects, initializes the schema and returns a ready ledger
func OpenLedger(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*repositories.SQLLedger, error) {
	db, err := NewDB(cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := InitSchema(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}
	return NewLedgerRepository(db, logger), nil
}
