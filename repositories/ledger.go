package repositories

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/upb/llm-enforcement-gateway/models"
	"go.uber.org/zap"
)

// Dialect captures the differences between the supported SQL backends.
type Dialect struct {
	Name        string
	Placeholder Placeholder
	// TimeArg converts a timestamp into the column's bind value.
	TimeArg func(time.Time) interface{}
	// DayExpr renders the UTC calendar date of the timestamp column.
	DayExpr string
}

const eventColumns = `id, timestamp, event_type, client_ip, client_device, endpoint,
	http_method, http_path, policy_name, policy_reason, enforcement_action,
	override_user, allowlist_reason, user_agent, request_id`

const adminColumns = `id, timestamp, event_type, actor, client_ip, success, details`

// SQLLedger implements LedgerRepository on database/sql
type SQLLedger struct {
	db      *sql.DB
	dialect Dialect
	tm      *SQLTransactionManager
	logger  *zap.Logger
}

// NewSQLLedger creates a ledger over an already migrated database
func NewSQLLedger(db *sql.DB, dialect Dialect, logger *zap.Logger) *SQLLedger {
	return &SQLLedger{
		db:      db,
		dialect: dialect,
		tm:      NewTransactionManager(db, logger),
		logger:  logger,
	}
}

func (l *SQLLedger) where() *WhereBuilder {
	return NewWhereBuilder(l.dialect.Placeholder, l.dialect.TimeArg)
}

func (l *SQLLedger) placeholders(n int) string {
	s := ""
	for i := 1; i <= n; i++ {
		if i > 1 {
			s += ", "
		}
		s += l.dialect.Placeholder(i)
	}
	return s
}

// Append inserts a new ledger event
func (l *SQLLedger) Append(ctx context.Context, event *models.AuditEvent) (int64, error) {
	query := `INSERT INTO audit_events (
		timestamp, event_type, client_ip, client_device, endpoint,
		http_method, http_path, policy_name, policy_reason, enforcement_action,
		override_user, allowlist_reason, user_agent, request_id
	) VALUES (` + l.placeholders(14) + `) RETURNING id`

	event.Timestamp = models.LedgerTime(event.Timestamp)
	var id int64
	err := GetExecutor(ctx, l.db).QueryRowContext(ctx, query,
		l.dialect.TimeArg(event.Timestamp),
		string(event.EventType),
		event.ClientIP,
		event.ClientDevice,
		event.Endpoint,
		event.HTTPMethod,
		event.HTTPPath,
		event.PolicyName,
		event.PolicyReason,
		string(event.EnforcementAction),
		event.OverrideUser,
		event.AllowlistReason,
		event.UserAgent,
		event.RequestID,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert audit event: %w", err)
	}

	event.ID = id
	l.logger.Debug("audit event inserted",
		zap.Int64("id", id),
		zap.String("event_type", string(event.EventType)))
	return id, nil
}

// AppendAdmin inserts a new administrative event
func (l *SQLLedger) AppendAdmin(ctx context.Context, event *models.AdminEvent) (int64, error) {
	query := `INSERT INTO enforcement_events (timestamp, event_type, actor, client_ip, success, details)
		VALUES (` + l.placeholders(6) + `) RETURNING id`

	event.Timestamp = models.LedgerTime(event.Timestamp)
	var details interface{}
	if len(event.Details) > 0 {
		details = string(event.Details)
	}

	var id int64
	err := GetExecutor(ctx, l.db).QueryRowContext(ctx, query,
		l.dialect.TimeArg(event.Timestamp),
		string(event.EventType),
		event.Actor,
		event.ClientIP,
		event.Success,
		details,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert admin event: %w", err)
	}

	event.ID = id
	return id, nil
}

// Query retrieves events matching filter, newest first
func (l *SQLLedger) Query(ctx context.Context, filter EventFilter) ([]*models.AuditEvent, error) {
	b := EventWhere(l.where(), filter)
	query := "SELECT " + eventColumns + " FROM audit_events" + b.Clause() +
		" ORDER BY id DESC" + b.Page(filter.Limit, filter.Offset)

	rows, err := GetExecutor(ctx, l.db).QueryContext(ctx, query, b.Args()...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()

	events := make([]*models.AuditEvent, 0)
	for rows.Next() {
		e := &models.AuditEvent{}
		var ts flexTime
		var eventType, action string
		if err := rows.Scan(
			&e.ID,
			&ts,
			&eventType,
			&e.ClientIP,
			&e.ClientDevice,
			&e.Endpoint,
			&e.HTTPMethod,
			&e.HTTPPath,
			&e.PolicyName,
			&e.PolicyReason,
			&action,
			&e.OverrideUser,
			&e.AllowlistReason,
			&e.UserAgent,
			&e.RequestID,
		); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		e.Timestamp = ts.Time
		e.EventType = models.EventType(eventType)
		e.EnforcementAction = models.EnforcementAction(action)
		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit events: %w", err)
	}
	return events, nil
}

// QueryAdmin retrieves administrative events matching filter, newest first
func (l *SQLLedger) QueryAdmin(ctx context.Context, filter AdminEventFilter) ([]*models.AdminEvent, error) {
	b := AdminWhere(l.where(), filter)
	query := "SELECT " + adminColumns + " FROM enforcement_events" + b.Clause() +
		" ORDER BY id DESC" + b.Page(filter.Limit, filter.Offset)

	rows, err := GetExecutor(ctx, l.db).QueryContext(ctx, query, b.Args()...)
	if err != nil {
		return nil, fmt.Errorf("failed to query admin events: %w", err)
	}
	defer rows.Close()

	events := make([]*models.AdminEvent, 0)
	for rows.Next() {
		e := &models.AdminEvent{}
		var ts flexTime
		var eventType string
		var details []byte
		if err := rows.Scan(&e.ID, &ts, &eventType, &e.Actor, &e.ClientIP, &e.Success, &details); err != nil {
			return nil, fmt.Errorf("failed to scan admin event: %w", err)
		}
		e.Timestamp = ts.Time
		e.EventType = models.EventType(eventType)
		if len(details) > 0 {
			e.Details = append([]byte(nil), details...)
		}
		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating admin events: %w", err)
	}
	return events, nil
}

func (l *SQLLedger) window(w StatsWindow) *WhereBuilder {
	b := l.where()
	if !w.Since.IsZero() {
		b.Since("timestamp", &w.Since)
	}
	if !w.Until.IsZero() {
		b.Before("timestamp", &w.Until)
	}
	return b
}

// Aggregate computes enforcement statistics over the window
func (l *SQLLedger) Aggregate(ctx context.Context, w StatsWindow) (*models.EnforcementStats, error) {
	exec := GetExecutor(ctx, l.db)
	stats := &models.EnforcementStats{
		Since:        w.Since,
		Until:        w.Until,
		ActionCounts: make(map[models.EnforcementAction]int64, len(models.AllActions)),
		TopPolicies:  make([]models.PolicyBlockStat, 0),
		Daily:        make([]models.DailyStat, 0),
	}
	for _, a := range models.AllActions {
		stats.ActionCounts[a] = 0
	}

	// Action counts
	b := l.window(w)
	rows, err := exec.QueryContext(ctx,
		"SELECT enforcement_action, COUNT(*) FROM audit_events"+b.Clause()+" GROUP BY enforcement_action",
		b.Args()...)
	if err != nil {
		return nil, fmt.Errorf("failed to count actions: %w", err)
	}
	for rows.Next() {
		var action string
		var n int64
		if err := rows.Scan(&action, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan action count: %w", err)
		}
		stats.ActionCounts[models.EnforcementAction(action)] = n
		stats.TotalEvents += n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating action counts: %w", err)
	}

	// Override attempts
	b = l.window(w)
	b.Cond(fmt.Sprintf("event_type IN ('%s', '%s')", models.EventOverrideSuccess, models.EventOverrideFailed))
	err = exec.QueryRowContext(ctx,
		fmt.Sprintf("SELECT COUNT(*), COALESCE(SUM(CASE WHEN event_type = '%s' THEN 1 ELSE 0 END), 0) FROM audit_events",
			models.EventOverrideSuccess)+b.Clause(),
		b.Args()...).Scan(&stats.OverrideAttempts, &stats.OverrideSuccesses)
	if err != nil {
		return nil, fmt.Errorf("failed to count override attempts: %w", err)
	}
	stats.OverrideSuccessRate = SuccessRate(stats.OverrideSuccesses, stats.OverrideAttempts)

	// Top policies by blocks
	topN := w.TopN
	if topN <= 0 {
		topN = DefaultTopN
	}
	b = l.window(w)
	b.Cond(fmt.Sprintf("enforcement_action = '%s'", models.ActionBlock)).Cond("policy_name IS NOT NULL")
	rows, err = exec.QueryContext(ctx,
		"SELECT policy_name, COUNT(*) AS blocks, COUNT(DISTINCT client_ip) FROM audit_events"+b.Clause()+
			" GROUP BY policy_name ORDER BY blocks DESC, policy_name ASC"+b.Page(topN, 0),
		b.Args()...)
	if err != nil {
		return nil, fmt.Errorf("failed to rank policies: %w", err)
	}
	for rows.Next() {
		var p models.PolicyBlockStat
		if err := rows.Scan(&p.PolicyName, &p.Blocks, &p.AffectedClients); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan policy stat: %w", err)
		}
		stats.TopPolicies = append(stats.TopPolicies, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating policy stats: %w", err)
	}

	// Most blocked client
	b = l.window(w)
	b.Cond(fmt.Sprintf("enforcement_action = '%s'", models.ActionBlock))
	var client models.ClientBlockStat
	err = exec.QueryRowContext(ctx,
		"SELECT client_ip, COUNT(*) AS blocks FROM audit_events"+b.Clause()+
			" GROUP BY client_ip ORDER BY blocks DESC, client_ip ASC LIMIT 1",
		b.Args()...).Scan(&client.ClientIP, &client.Blocks)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return nil, fmt.Errorf("failed to find most blocked client: %w", err)
	default:
		stats.MostBlockedClient = &client
	}

	// Daily rollups
	b = l.window(w)
	day := l.dialect.DayExpr
	rows, err = exec.QueryContext(ctx, fmt.Sprintf(`SELECT %s AS day, COUNT(*),
		SUM(CASE WHEN enforcement_action = '%s' THEN 1 ELSE 0 END),
		SUM(CASE WHEN enforcement_action = '%s' THEN 1 ELSE 0 END),
		SUM(CASE WHEN enforcement_action = '%s' THEN 1 ELSE 0 END),
		SUM(CASE WHEN enforcement_action = '%s' THEN 1 ELSE 0 END)
		FROM audit_events`, day, models.ActionBlock, models.ActionOverride, models.ActionAllowlistBypass, models.ActionAllow)+
		b.Clause()+" GROUP BY day ORDER BY day DESC",
		b.Args()...)
	if err != nil {
		return nil, fmt.Errorf("failed to roll up daily stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var d models.DailyStat
		if err := rows.Scan(&d.Date, &d.Total, &d.Blocks, &d.Overrides, &d.AllowlistBypasses, &d.Allows); err != nil {
			return nil, fmt.Errorf("failed to scan daily stat: %w", err)
		}
		stats.Daily = append(stats.Daily, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating daily stats: %w", err)
	}

	return stats, nil
}

// DeleteOlderThan removes events older than cutoff from both tables in one transaction
func (l *SQLLedger) DeleteOlderThan(ctx context.Context, cutoff time.Time) (RetentionResult, error) {
	var res RetentionResult
	arg := l.dialect.TimeArg(cutoff)
	ph := l.dialect.Placeholder(1)

	err := l.tm.InTransaction(ctx, func(ctx context.Context, _ Transaction) error {
		exec := GetExecutor(ctx, l.db)

		r, err := exec.ExecContext(ctx, "DELETE FROM audit_events WHERE timestamp < "+ph, arg)
		if err != nil {
			return fmt.Errorf("failed to delete audit events: %w", err)
		}
		if res.Events, err = r.RowsAffected(); err != nil {
			return fmt.Errorf("failed to count deleted audit events: %w", err)
		}

		r, err = exec.ExecContext(ctx, "DELETE FROM enforcement_events WHERE timestamp < "+ph, arg)
		if err != nil {
			return fmt.Errorf("failed to delete admin events: %w", err)
		}
		if res.AdminEvents, err = r.RowsAffected(); err != nil {
			return fmt.Errorf("failed to count deleted admin events: %w", err)
		}
		return nil
	})
	if err != nil {
		return RetentionResult{}, err
	}

	l.logger.Info("ledger retention applied",
		zap.Time("cutoff", cutoff),
		zap.Int64("events_deleted", res.Events),
		zap.Int64("admin_events_deleted", res.AdminEvents))
	return res, nil
}

// HealthCheck performs a health check on the database
func (l *SQLLedger) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	var result int
	if err := l.db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("%s health check failed: %w", l.dialect.Name, err)
	}
	return nil
}

// Close closes the underlying database
func (l *SQLLedger) Close() error {
	l.logger.Info("closing ledger database", zap.String("driver", l.dialect.Name))
	return l.db.Close()
}

// DB exposes the underlying pool
func (l *SQLLedger) DB() *sql.DB {
	return l.db
}

// flexTime scans either epoch milliseconds or a native timestamp.
type flexTime struct {
	Time time.Time
}

func (t *flexTime) Scan(src interface{}) error {
	switch v := src.(type) {
	case int64:
		t.Time = time.UnixMilli(v).UTC()
	case time.Time:
		t.Time = v.UTC()
	case []byte:
		return t.parse(string(v))
	case string:
		return t.parse(v)
	case nil:
		t.Time = time.Time{}
	default:
		return fmt.Errorf("unsupported timestamp type %T", src)
	}
	return nil
}

func (t *flexTime) parse(s string) error {
	parsed, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	t.Time = parsed.UTC()
	return nil
}
