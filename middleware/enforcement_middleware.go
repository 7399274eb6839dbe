package middleware

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/upb/llm-enforcement-gateway/models"
	"github.com/upb/llm-enforcement-gateway/services/enforcement"
	"github.com/upb/llm-enforcement-gateway/services/policy"
	"github.com/upb/llm-enforcement-gateway/utils"
	"go.uber.org/zap"
)

// Headers a fronting proxy sets when asking the gateway about a request it intercepted.
const (
	HeaderForwardedHost   = "X-Forwarded-Host"
	HeaderForwardedMethod = "X-Forwarded-Method"
	HeaderForwardedURI    = "X-Forwarded-Uri"
	HeaderClientMAC       = "X-Client-MAC"

	HeaderEnforcementBypass = "X-Enforcement-Bypass"
	HeaderEnforcementAlert  = "X-Enforcement-Alert"
	HeaderEnforcementReason = "X-Enforcement-Reason"
	HeaderAuditEventID      = "X-Audit-Event-ID"
)

// VerdictSource computes the policy verdict for a request
type VerdictSource interface {
	Evaluate(ctx context.Context, req policy.RequestContext) (models.PolicyVerdict, error)
}

// Enforcer decides and records enforcement for a verdict
type Enforcer interface {
	EvaluateEnforcement(ctx context.Context, in enforcement.EvaluationInput) (*enforcement.EvaluationResult, error)
}

// EnforcementMiddleware gates requests on the enforcement decision
type EnforcementMiddleware struct {
	verdicts VerdictSource
	enforcer Enforcer
	logger   *zap.Logger
}

// NewEnforcementMiddleware creates a new EnforcementMiddleware
func NewEnforcementMiddleware(verdicts VerdictSource, enforcer Enforcer, logger *zap.Logger) *EnforcementMiddleware {
	return &EnforcementMiddleware{
		verdicts: verdicts,
		enforcer: enforcer,
		logger:   logger,
	}
}

// RequestContextFrom describes the intercepted request, preferring the
// X-Forwarded-* headers set by the fronting proxy.
func RequestContextFrom(r *http.Request) policy.RequestContext {
	rc := policy.RequestContext{
		ClientIP:  utils.ClientIP(r),
		ClientMAC: r.Header.Get(HeaderClientMAC),
		Endpoint:  r.Host,
		Method:    r.Method,
		Path:      r.URL.RequestURI(),
		UserAgent: r.UserAgent(),
		RequestID: GetRequestIDFromContext(r.Context()),
	}
	if v := r.Header.Get(HeaderForwardedHost); v != "" {
		rc.Endpoint = v
	}
	if v := r.Header.Get(HeaderForwardedMethod); v != "" {
		rc.Method = v
	}
	if v := r.Header.Get(HeaderForwardedURI); v != "" {
		rc.Path = v
	}
	return rc
}

// Enforce blocks the request with 403 when the decision enforces and
// otherwise passes it on with the result stored in the context.
func (m *EnforcementMiddleware) Enforce(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		rc := RequestContextFrom(r)

		// A failing policy engine still yields its fallback verdict
		verdict, err := m.verdicts.Evaluate(ctx, rc)
		if err != nil {
			m.logger.Warn("policy evaluation failed, using fallback verdict",
				zap.String("request_id", rc.RequestID),
				zap.Bool("allowed", verdict.Allowed),
				zap.Error(err))
		}

		result, err := m.enforcer.EvaluateEnforcement(ctx, enforcement.EvaluationInput{
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
			if !errors.As(err, &lerr) || result == nil {
				m.logger.Error("enforcement evaluation failed",
					zap.String("request_id", rc.RequestID),
					zap.Error(err))
				_ = utils.WriteInternalServerError(w, "Failed to evaluate enforcement")
				return
			}
		}

		decision := result.Decision
		if result.EventID > 0 {
			w.Header().Set(HeaderAuditEventID, strconv.FormatInt(result.EventID, 10))
		}
		if decision.Enforce {
			w.Header().Set(HeaderEnforcementReason, decision.Reason)
			_ = utils.WriteJSON(w, http.StatusForbidden, utils.ErrorResponse{
				Error:   "blocked",
				Message: decision.Reason,
				Details: map[string]interface{}{
					"policy":          decision.PolicyName,
					"request_id":      result.RequestID,
					"audit_persisted": result.AuditPersisted,
				},
			})
			return
		}

		switch {
		case decision.BypassType != models.BypassNone:
			w.Header().Set(HeaderEnforcementBypass, string(decision.BypassType))
			w.Header().Set(HeaderEnforcementReason, decision.Reason)
		case decision.Alert:
			w.Header().Set(HeaderEnforcementAlert, "true")
			w.Header().Set(HeaderEnforcementReason, decision.Reason)
		}
		next.ServeHTTP(w, r.WithContext(WithEvaluation(ctx, result)))
	})
}
