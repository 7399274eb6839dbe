package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/upb/llm-enforcement-gateway/middleware"
	"github.com/upb/llm-enforcement-gateway/models"
	"github.com/upb/llm-enforcement-gateway/repositories"
	"github.com/upb/llm-enforcement-gateway/services/audit"
	"github.com/upb/llm-enforcement-gateway/utils"
	"go.uber.org/zap"
)

// Stats query defaults
const (
	defaultStatsDays = 7
	maxStatsDays     = 365
)

// AuditService defines the ledger read and maintenance operations used by the audit API
type AuditService interface {
	Query(ctx context.Context, filter repositories.EventFilter) ([]*models.AuditEvent, error)
	QueryAdmin(ctx context.Context, filter repositories.AdminEventFilter) ([]*models.AdminEvent, error)
	Aggregate(ctx context.Context, days, topN int) (*models.EnforcementStats, error)
	Retention(ctx context.Context, maxAgeDays int) (int64, error)
	GetStats() audit.Stats
}

// RetentionStatus reports the state of scheduled retention
type RetentionStatus interface {
	LastRun() (time.Time, int64, error)
	NextRun() time.Time
}

// RetentionRequest represents a manual retention request
type RetentionRequest struct {
	MaxAgeDays int `json:"max_age_days" validate:"required,gte=1,lte=3650"`
}

// RetentionResponse reports the rows removed by a retention pass
type RetentionResponse struct {
	MaxAgeDays    int   `json:"max_age_days"`
	EventsDeleted int64 `json:"events_deleted"`
}

// LedgerStatusResponse describes the ledger writer and retention schedule
type LedgerStatusResponse struct {
	Writer           audit.Stats `json:"writer"`
	LastRetention    *time.Time  `json:"last_retention,omitempty"`
	LastRetentionN   int64       `json:"last_retention_deleted"`
	LastRetentionErr string      `json:"last_retention_error,omitempty"`
	NextRetention    *time.Time  `json:"next_retention,omitempty"`
}

// AuditHandler handles ledger queries and maintenance
type AuditHandler struct {
	service   AuditService
	retention RetentionStatus
	logger    *zap.Logger
}

// NewAuditHandler creates a new AuditHandler. retention may be nil when no
// schedule is configured.
func NewAuditHandler(service AuditService, retention RetentionStatus, logger *zap.Logger) *AuditHandler {
	return &AuditHandler{
		service:   service,
		retention: retention,
		logger:    logger,
	}
}

// parseTimeParam reads an RFC3339 query parameter
func parseTimeParam(r *http.Request, key string) (*time.Time, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, fmt.Errorf("%s must be an RFC3339 timestamp", key)
	}
	return &t, nil
}

// parseWindow reads start, end, limit and offset
func parseWindow(r *http.Request) (start, end *time.Time, limit, offset int, err error) {
	if start, err = parseTimeParam(r, "start"); err != nil {
		return
	}
	if end, err = parseTimeParam(r, "end"); err != nil {
		return
	}
	if start != nil && end != nil && end.Before(*start) {
		err = errors.New("end must not be before start")
		return
	}
	if limit, err = utils.QueryInt(r, "limit", repositories.DefaultQueryLimit); err != nil {
		return
	}
	if offset, err = utils.QueryInt(r, "offset", 0); err != nil {
		return
	}
	if limit < 1 || offset < 0 {
		err = errors.New("limit must be positive and offset must not be negative")
		return
	}
	limit = repositories.NormalizeLimit(limit)
	return
}

// HandleListEvents handles GET /api/v1/audit/events
func (h *AuditHandler) HandleListEvents(w http.ResponseWriter, r *http.Request) {
	start, end, limit, offset, err := parseWindow(r)
	if err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	q := r.URL.Query()
	provider := q.Get("provider")
	if provider == "" {
		provider = q.Get("endpoint")
	}
	filter := repositories.EventFilter{
		Provider:  provider,
		Decision:  models.EnforcementAction(q.Get("decision")),
		EventType: models.EventType(q.Get("event_type")),
		ClientIP:  q.Get("client_ip"),
		Start:     start,
		End:       end,
		Limit:     limit,
		Offset:    offset,
	}

	events, err := h.service.Query(r.Context(), filter)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	if events == nil {
		events = []*models.AuditEvent{}
	}

	h.logger.Debug("ledger query served",
		zap.String("request_id", middleware.GetRequestIDFromContext(r.Context())),
		zap.Int("count", len(events)))

	_ = utils.WriteOK(w, events)
}

// HandleListAdminEvents handles GET /api/v1/audit/admin-events
func (h *AuditHandler) HandleListAdminEvents(w http.ResponseWriter, r *http.Request) {
	start, end, limit, offset, err := parseWindow(r)
	if err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	q := r.URL.Query()
	events, err := h.service.QueryAdmin(r.Context(), repositories.AdminEventFilter{
		EventType: models.EventType(q.Get("event_type")),
		Actor:     q.Get("actor"),
		Start:     start,
		End:       end,
		Limit:     limit,
		Offset:    offset,
	})
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	if events == nil {
		events = []*models.AdminEvent{}
	}

	_ = utils.WriteOK(w, events)
}

// HandleStats handles GET /api/v1/audit/stats
func (h *AuditHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	days, err := utils.QueryInt(r, "days", defaultStatsDays)
	if err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}
	top, err := utils.QueryInt(r, "top", repositories.DefaultTopN)
	if err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}
	if days < 1 || days > maxStatsDays || top < 1 || top > 100 {
		HandleValidationError(w, errors.New("days must be between 1 and 365 and top between 1 and 100"), h.logger)
		return
	}

	stats, err := h.service.Aggregate(r.Context(), days, top)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	_ = utils.WriteOK(w, stats)
}

// HandleRetention handles POST /api/v1/audit/retention
func (h *AuditHandler) HandleRetention(w http.ResponseWriter, r *http.Request) {
	var req RetentionRequest
	if !decodeAndValidate(w, r, &req, h.logger) {
		return
	}

	n, err := h.service.Retention(r.Context(), req.MaxAgeDays)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	h.logger.Info("manual ledger retention",
		zap.String("request_id", middleware.GetRequestIDFromContext(r.Context())),
		zap.Int("max_age_days", req.MaxAgeDays),
		zap.Int64("events_deleted", n))

	_ = utils.WriteOK(w, RetentionResponse{MaxAgeDays: req.MaxAgeDays, EventsDeleted: n})
}

// HandleLedgerStatus handles GET /api/v1/audit/status
func (h *AuditHandler) HandleLedgerStatus(w http.ResponseWriter, r *http.Request) {
	resp := LedgerStatusResponse{Writer: h.service.GetStats()}

	if h.retention != nil {
		last, n, err := h.retention.LastRun()
		if !last.IsZero() {
			resp.LastRetention = &last
			resp.LastRetentionN = n
		}
		if err != nil {
			resp.LastRetentionErr = err.Error()
		}
		if next := h.retention.NextRun(); !next.IsZero() {
			resp.NextRetention = &next
		}
	}

	_ = utils.WriteOK(w, resp)
}
