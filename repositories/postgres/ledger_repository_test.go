package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/upb/llm-enforcement-gateway/models"
	"github.com/upb/llm-enforcement-gateway/repositories"
)

var eventCols = []string{
	"id", "timestamp", "event_type", "client_ip", "client_device", "endpoint",
	"http_method", "http_path", "policy_name", "policy_reason", "enforcement_action",
	"override_user", "allowlist_reason", "user_agent", "request_id",
}

func newMockLedger(t *testing.T) (*repositories.SQLLedger, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewLedgerRepository(db, zaptest.NewLogger(t)), mock
}

func TestLedger_Append(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

	t.Run("returns assigned id", func(t *testing.T) {
		ledger, mock := newMockLedger(t)
		event := models.NewAuditEvent(models.EventRequestBlocked, models.ActionBlock, "10.0.0.1", at).
			WithPolicy("homework", "blocked by policy homework")

		mock.ExpectQuery(`INSERT INTO audit_events .* VALUES \(\$1, \$2, .*\$14\) RETURNING id`).
			WithArgs(at, "request_blocked", "10.0.0.1",
				sqlmock.AnyArg(), "", "", "", sqlmock.AnyArg(), sqlmock.AnyArg(), "block",
				sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), "").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(42)))

		id, err := ledger.Append(ctx, event)
		require.NoError(t, err)
		assert.Equal(t, int64(42), id)
		assert.Equal(t, int64(42), event.ID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("wraps driver error", func(t *testing.T) {
		ledger, mock := newMockLedger(t)
		mock.ExpectQuery(`INSERT INTO audit_events`).WillReturnError(errors.New("connection reset"))

		_, err := ledger.Append(ctx, models.NewAuditEvent(models.EventRequestAllowed, models.ActionAllow, "10.0.0.1", at))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to insert audit event")
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestLedger_AppendAdmin(t *testing.T) {
	ledger, mock := newMockLedger(t)
	at := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`INSERT INTO enforcement_events .* RETURNING id`).
		WithArgs(at, "device_added", "parent", "", true, `{"ip":"10.0.0.5"}`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))

	ev := models.NewAdminEvent(models.EventDeviceAdded, "parent", true, at).
		WithDetails(map[string]string{"ip": "10.0.0.5"})
	id, err := ledger.AppendAdmin(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, int64(7), id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedger_Query(t *testing.T) {
	ledger, mock := newMockLedger(t)
	at := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT .* FROM audit_events WHERE enforcement_action = \$1 AND client_ip = \$2 ORDER BY id DESC LIMIT \$3 OFFSET \$4`).
		WithArgs("block", "10.0.0.1", 10, 0).
		WillReturnRows(sqlmock.NewRows(eventCols).AddRow(
			int64(3), at, "request_blocked", "10.0.0.1", nil, "api.openai.com",
			"POST", "/v1/chat/completions", "homework", "blocked by policy homework", "block",
			nil, nil, nil, "req-1",
		))

	events, err := ledger.Query(context.Background(), repositories.EventFilter{
		Decision: models.ActionBlock,
		ClientIP: "10.0.0.1",
		Limit:    10,
	})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, int64(3), events[0].ID)
	assert.Equal(t, at, events[0].Timestamp)
	assert.Equal(t, models.ActionBlock, events[0].EnforcementAction)
	require.NotNil(t, events[0].PolicyName)
	assert.Equal(t, "homework", *events[0].PolicyName)
	assert.Nil(t, events[0].ClientDevice)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedger_Aggregate(t *testing.T) {
	ledger, mock := newMockLedger(t)
	since := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT enforcement_action, COUNT\(\*\) FROM audit_events WHERE timestamp >= \$1 GROUP BY enforcement_action`).
		WithArgs(since).
		WillReturnRows(sqlmock.NewRows([]string{"enforcement_action", "count"}).
			AddRow("block", int64(4)).
			AddRow("allow", int64(6)))
	mock.ExpectQuery(`SELECT COUNT\(\*\), COALESCE.* FROM audit_events WHERE timestamp >= \$1 AND event_type IN`).
		WithArgs(since).
		WillReturnRows(sqlmock.NewRows([]string{"count", "sum"}).AddRow(int64(4), int64(3)))
	mock.ExpectQuery(`SELECT policy_name, .* GROUP BY policy_name ORDER BY blocks DESC, policy_name ASC LIMIT \$2 OFFSET \$3`).
		WithArgs(since, 5, 0).
		WillReturnRows(sqlmock.NewRows([]string{"policy_name", "blocks", "clients"}).AddRow("homework", int64(4), int64(2)))
	mock.ExpectQuery(`SELECT client_ip, COUNT\(\*\) AS blocks .* LIMIT 1`).
		WithArgs(since).
		WillReturnRows(sqlmock.NewRows([]string{"client_ip", "blocks"}).AddRow("10.0.0.1", int64(3)))
	mock.ExpectQuery(`SELECT to_char\(timestamp AT TIME ZONE 'UTC', 'YYYY-MM-DD'\) AS day`).
		WithArgs(since).
		WillReturnRows(sqlmock.NewRows([]string{"day", "total", "blocks", "overrides", "bypasses", "allows"}).
			AddRow("2024-01-02", int64(10), int64(4), int64(0), int64(0), int64(6)))

	stats, err := ledger.Aggregate(context.Background(), repositories.StatsWindow{Since: since})
	require.NoError(t, err)

	assert.Equal(t, int64(10), stats.TotalEvents)
	assert.Equal(t, int64(4), stats.ActionCounts[models.ActionBlock])
	assert.Equal(t, int64(0), stats.ActionCounts[models.ActionOverride])
	assert.Equal(t, 75.0, stats.OverrideSuccessRate)
	require.Len(t, stats.TopPolicies, 1)
	assert.Equal(t, "homework", stats.TopPolicies[0].PolicyName)
	require.NotNil(t, stats.MostBlockedClient)
	assert.Equal(t, "10.0.0.1", stats.MostBlockedClient.ClientIP)
	require.Len(t, stats.Daily, 1)
	assert.Equal(t, int64(6), stats.Daily[0].Allows)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedger_DeleteOlderThan(t *testing.T) {
	ctx := context.Background()
	cutoff := time.Date(2023, 1, 15, 0, 0, 0, 0, time.UTC)

	t.Run("deletes from both tables in a transaction", func(t *testing.T) {
		ledger, mock := newMockLedger(t)
		mock.ExpectBegin()
		mock.ExpectExec(`DELETE FROM audit_events WHERE timestamp < \$1`).
			WithArgs(cutoff).
			WillReturnResult(sqlmock.NewResult(0, 12))
		mock.ExpectExec(`DELETE FROM enforcement_events WHERE timestamp < \$1`).
			WithArgs(cutoff).
			WillReturnResult(sqlmock.NewResult(0, 2))
		mock.ExpectCommit()

		res, err := ledger.DeleteOlderThan(ctx, cutoff)
		require.NoError(t, err)
		assert.Equal(t, repositories.RetentionResult{Events: 12, AdminEvents: 2}, res)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rolls back on failure", func(t *testing.T) {
		ledger, mock := newMockLedger(t)
		mock.ExpectBegin()
		mock.ExpectExec(`DELETE FROM audit_events`).WillReturnResult(sqlmock.NewResult(0, 12))
		mock.ExpectExec(`DELETE FROM enforcement_events`).WillReturnError(errors.New("lock timeout"))
		mock.ExpectRollback()

		res, err := ledger.DeleteOlderThan(ctx, cutoff)
		require.Error(t, err)
		assert.Zero(t, res.Events)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestLedger_HealthCheck(t *testing.T) {
	ledger, mock := newMockLedger(t)
	mock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))

	assert.NoError(t, ledger.HealthCheck(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInitSchema(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS audit_events`).WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, InitSchema(context.Background(), db, zaptest.NewLogger(t)))
	assert.NoError(t, mock.ExpectationsWereMet())
}
