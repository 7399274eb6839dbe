package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/upb/llm-enforcement-gateway/repositories"
	"go.uber.org/zap"
)

// Dialect stores timestamps as epoch milliseconds.
var Dialect = repositories.Dialect{
	Name:        "sqlite",
	Placeholder: repositories.QuestionPlaceholder,
	TimeArg:     func(t time.Time) interface{} { return t.UTC().UnixMilli() },
	DayExpr:     "strftime('%Y-%m-%d', timestamp / 1000, 'unixepoch')",
}

// NewLedgerRepository wraps a migrated SQLite database
func NewLedgerRepository(db *sql.DB, logger *zap.Logger) *repositories.SQLLedger {
	return repositories.NewSQLLedger(db, Dialect, logger)
}

// OpenLedger opens the database at path and returns a ready ledger
func OpenLedger(ctx context.Context, path string, logger *zap.Logger) (*repositories.SQLLedger, error) {
	db, err := Open(ctx, path, logger)
	if err != nil {
		return nil, err
	}
	return NewLedgerRepository(db, logger), nil
}
