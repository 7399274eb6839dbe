package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/upb/llm-enforcement-gateway/middleware"
	"github.com/upb/llm-enforcement-gateway/models"
	"github.com/upb/llm-enforcement-gateway/services/enforcement"
	"github.com/upb/llm-enforcement-gateway/services/policy"
	"github.com/upb/llm-enforcement-gateway/utils"
	"go.uber.org/zap"
)

// EvaluateRequest carries a verdict computed by the caller for one intercepted request
type EvaluateRequest struct {
	Verdict   *models.PolicyVerdict `json:"verdict" validate:"required"`
	ClientIP  string                `json:"client_ip" validate:"required,ip"`
	ClientMAC string                `json:"client_mac,omitempty" validate:"omitempty,anymac"`
	Endpoint  string                `json:"endpoint,omitempty" validate:"max=255"`
	Method    string                `json:"method,omitempty" validate:"max=16"`
	Path      string                `json:"path,omitempty" validate:"max=2048"`
	UserAgent string                `json:"user_agent,omitempty" validate:"max=512"`
	RequestID string                `json:"request_id,omitempty" validate:"max=128"`
}

// CheckRequest describes an intercepted request; the gateway computes the verdict
type CheckRequest struct {
	ClientIP  string `json:"client_ip" validate:"required,ip"`
	ClientMAC string `json:"client_mac,omitempty" validate:"omitempty,anymac"`
	Endpoint  string `json:"endpoint" validate:"required,max=255"`
	Method    string `json:"method,omitempty" validate:"max=16"`
	Path      string `json:"path,omitempty" validate:"max=2048"`
	UserAgent string `json:"user_agent,omitempty" validate:"max=512"`
	RequestID string `json:"request_id,omitempty" validate:"max=128"`
}

// CheckResponse is the decision plus the verdict it was derived from
type CheckResponse struct {
	*enforcement.EvaluationResult
	Verdict models.PolicyVerdict `json:"verdict"`
}

// OverrideRequest asks to bypass one block with the override password
type OverrideRequest struct {
	Password   string `json:"password" validate:"required"`
	PolicyName string `json:"policy_name,omitempty" validate:"max=128"`
	Endpoint   string `json:"endpoint,omitempty" validate:"max=255"`
	RequestID  string `json:"request_id,omitempty" validate:"max=128"`
	User       string `json:"user,omitempty" validate:"max=128"`
}

// OverrideResponse reports a per-request override attempt
type OverrideResponse struct {
	Success        bool   `json:"success"`
	Message        string `json:"message"`
	RequestID      string `json:"request_id"`
	EventID        int64  `json:"event_id,omitempty"`
	AuditPersisted bool   `json:"audit_persisted"`
}

// EnforcementService defines the per-request enforcement operations
type EnforcementService interface {
	EvaluateEnforcement(ctx context.Context, in enforcement.EvaluationInput) (*enforcement.EvaluationResult, error)
	RequestOverride(ctx context.Context, in enforcement.OverrideInput) (*enforcement.EvaluationResult, error)
}

// EnforcementHandler serves the proxy-facing enforcement endpoints
type EnforcementHandler struct {
	service  EnforcementService
	verdicts middleware.VerdictSource
	logger   *zap.Logger
}

// NewEnforcementHandler creates a new EnforcementHandler
func NewEnforcementHandler(service EnforcementService, verdicts middleware.VerdictSource, logger *zap.Logger) *EnforcementHandler {
	return &EnforcementHandler{
		service:  service,
		verdicts: verdicts,
		logger:   logger,
	}
}

// HandleEvaluate handles POST /api/v1/enforcement/evaluate
func (h *EnforcementHandler) HandleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req EvaluateRequest
	if !decodeAndValidate(w, r, &req, h.logger) {
		return
	}
	if req.RequestID == "" {
		req.RequestID = middleware.GetRequestIDFromContext(r.Context())
	}

	result, ok := h.evaluate(w, r, *req.Verdict, policy.RequestContext{
		ClientIP:  req.ClientIP,
		ClientMAC: req.ClientMAC,
		Endpoint:  req.Endpoint,
		Method:    req.Method,
		Path:      req.Path,
		UserAgent: req.UserAgent,
		RequestID: req.RequestID,
	})
	if !ok {
		return
	}
	_ = utils.WriteOK(w, result)
}

// HandleCheck handles POST /api/v1/enforcement/check
func (h *EnforcementHandler) HandleCheck(w http.ResponseWriter, r *http.Request) {
	var req CheckRequest
	if !decodeAndValidate(w, r, &req, h.logger) {
		return
	}
	rc := policy.RequestContext{
		ClientIP:  req.ClientIP,
		ClientMAC: req.ClientMAC,
		Endpoint:  req.Endpoint,
		Method:    req.Method,
		Path:      req.Path,
		UserAgent: req.UserAgent,
		RequestID: req.RequestID,
	}
	if rc.RequestID == "" {
		rc.RequestID = middleware.GetRequestIDFromContext(r.Context())
	}

	verdict, err := h.verdicts.Evaluate(r.Context(), rc)
	if err != nil {
		h.logger.Warn("policy evaluation failed, using fallback verdict",
			zap.String("request_id", rc.RequestID),
			zap.Bool("allowed", verdict.Allowed),
			zap.Error(err))
	}

	result, ok := h.evaluate(w, r, verdict, rc)
	if !ok {
		return
	}
	_ = utils.WriteOK(w, CheckResponse{EvaluationResult: result, Verdict: verdict})
}

// HandleForwardAuth answers a fronting proxy's auth subrequest. It runs behind
// EnforcementMiddleware, so reaching it means the request may proceed.
func (h *EnforcementHandler) HandleForwardAuth(w http.ResponseWriter, r *http.Request) {
	utils.WriteNoContent(w)
}

// evaluate records the decision. A ledger failure is logged and reported
// through audit_persisted; the decision is still returned.
func (h *EnforcementHandler) evaluate(w http.ResponseWriter, r *http.Request, verdict models.PolicyVerdict, rc policy.RequestContext) (*enforcement.EvaluationResult, bool) {
	result, err := h.service.EvaluateEnforcement(r.Context(), enforcement.EvaluationInput{
		Verdict:   verdict,
		ClientIP:  rc.ClientIP,
		ClientMAC: rc.ClientMAC,
		Endpoint:  rc.Endpoint,
		Method:    rc.Method,
		Path:      rc.Path,
		UserAgent: rc.UserAgent,
		RequestID: rc.RequestID,
	})
	if err != nil {
		var lerr *enforcement.LedgerError
		if errors.As(err, &lerr) && result != nil {
			h.logger.Error("returning unrecorded enforcement decision",
				zap.String("request_id", result.RequestID),
				zap.Error(err))
			return result, true
		}
		HandleServiceError(w, err, h.logger)
		return nil, false
	}
	return result, true
}

// HandleOverride handles POST /api/v1/enforcement/override
func (h *EnforcementHandler) HandleOverride(w http.ResponseWriter, r *http.Request) {
	var req OverrideRequest
	if !decodeAndValidate(w, r, &req, h.logger) {
		return
	}
	if req.RequestID == "" {
		req.RequestID = middleware.GetRequestIDFromContext(r.Context())
	}

	// Attempts are limited per socket peer; headers are caller controlled here.
	result, err := h.service.RequestOverride(r.Context(), enforcement.OverrideInput{
		Password:   req.Password,
		ClientIP:   utils.ClientIP(r),
		PolicyName: req.PolicyName,
		Endpoint:   req.Endpoint,
		RequestID:  req.RequestID,
		User:       req.User,
	})
	if err != nil {
		var lerr *enforcement.LedgerError
		if !errors.As(err, &lerr) || result == nil {
			HandleServiceError(w, err, h.logger)
			return
		}
	}

	_ = utils.WriteOK(w, OverrideResponse{
		Success:        true,
		Message:        result.Decision.Reason,
		RequestID:      result.RequestID,
		EventID:        result.EventID,
		AuditPersisted: result.AuditPersisted,
	})
}
