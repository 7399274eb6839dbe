package repositories

import (
	"context"
	"time"

	"github.com/upb/llm-enforcement-gateway/models"
)

// TransactionManager manages database transactions
type TransactionManager interface {
	// Begin starts a new transaction
	Begin(ctx context.Context) (Transaction, error)

	// InTransaction executes a function within a transaction
	// Automatically commits if function succeeds, rolls back on error
	InTransaction(ctx context.Context, fn func(ctx context.Context, tx Transaction) error) error
}

// Transaction represents a database transaction
type Transaction interface {
	// Commit commits the transaction
	Commit() error

	// Rollback rolls back the transaction
	Rollback() error

	// Context returns the transaction context
	Context() context.Context
}

// EventFilter narrows ledger queries. Zero values mean "no constraint".
type EventFilter struct {
	Provider  string                   // matches the endpoint column
	Decision  models.EnforcementAction // matches enforcement_action
	EventType models.EventType
	ClientIP  string
	Start     *time.Time
	End       *time.Time
	Limit     int
	Offset    int
}

// AdminEventFilter narrows administrative event queries.
type AdminEventFilter struct {
	EventType models.EventType
	Actor     string
	Start     *time.Time
	End       *time.Time
	Limit     int
	Offset    int
}

// StatsWindow bounds an aggregate query.
type StatsWindow struct {
	Since time.Time
	Until time.Time
	TopN  int
}

// RetentionResult reports rows removed by a retention pass.
type RetentionResult struct {
	Events      int64
	AdminEvents int64
}

// LedgerRepository is the append-only store for enforcement decisions and
// administrative changes.
type LedgerRepository interface {
	// Append stores event and returns its assigned id
	Append(ctx context.Context, event *models.AuditEvent) (int64, error)

	// AppendAdmin stores an administrative event and returns its assigned id
	AppendAdmin(ctx context.Context, event *models.AdminEvent) (int64, error)

	// Query returns matching events, newest first
	Query(ctx context.Context, filter EventFilter) ([]*models.AuditEvent, error)

	// QueryAdmin returns matching administrative events, newest first
	QueryAdmin(ctx context.Context, filter AdminEventFilter) ([]*models.AdminEvent, error)

	// Aggregate computes statistics over the window
	Aggregate(ctx context.Context, window StatsWindow) (*models.EnforcementStats, error)

	// DeleteOlderThan removes events with a timestamp before cutoff from both tables
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (RetentionResult, error)

	// HealthCheck verifies the store is reachable
	HealthCheck(ctx context.Context) error

	// Close releases the underlying connection
	Close() error
}

// Default and maximum page sizes for ledger queries
const (
	DefaultQueryLimit = 100
	MaxQueryLimit     = 1000
	DefaultTopN       = 5
)

// NormalizeLimit clamps a requested page size.
func NormalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultQueryLimit
	}
	if limit > MaxQueryLimit {
		return MaxQueryLimit
	}
	return limit
}
