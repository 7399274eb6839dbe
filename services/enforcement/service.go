package enforcement

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/upb/llm-enforcement-gateway/internal/identity"
	"github.com/upb/llm-enforcement-gateway/models"
	"github.com/upb/llm-enforcement-gateway/services"
	"github.com/upb/llm-enforcement-gateway/services/override"
	"github.com/upb/llm-enforcement-gateway/services/ratelimit"
	"github.com/upb/llm-enforcement-gateway/services/snapshot"
	"go.uber.org/zap"
)

// Ledger is the durable record the service writes to before answering.
type Ledger interface {
	Append(ctx context.Context, event *models.AuditEvent) (int64, error)
	AppendAdmin(ctx context.Context, event *models.AdminEvent) (int64, error)
}

// EvaluationInput is one intercepted request plus its verdict.
type EvaluationInput struct {
	Verdict   models.PolicyVerdict
	ClientIP  string
	ClientMAC string
	Endpoint  string
	Method    string
	Path      string
	UserAgent string
	RequestID string
	// Now defaults to the service clock when zero.
	Now time.Time
}

// EvaluationResult is the decision together with its ledger record.
type EvaluationResult struct {
	Decision       models.EnforcementDecision `json:"decision"`
	RequestID      string                     `json:"request_id"`
	EventID        int64                      `json:"event_id,omitempty"`
	AuditPersisted bool                       `json:"audit_persisted"`
}

// LedgerError reports that a decision was computed but could not be recorded.
// The accompanying decision is still authoritative.
type LedgerError struct {
	Err error
}

func (e *LedgerError) Error() string {
	return fmt.Sprintf("decision not recorded: %v", e.Err)
}

func (e *LedgerError) Unwrap() error {
	return e.Err
}

// Service is the per-request entry point and the admin surface over the
// configuration snapshot.
type Service struct {
	store    *snapshot.Store
	engine   *Engine
	override *override.Service
	limiter  *ratelimit.AttemptLimiter
	ledger   Ledger
	now      func() time.Time
	logger   *zap.Logger
}

// NewService wires the enforcement service. limiter guards per-request overrides.
func NewService(
	store *snapshot.Store,
	engine *Engine,
	overrides *override.Service,
	limiter *ratelimit.AttemptLimiter,
	ledger Ledger,
	logger *zap.Logger,
) *Service {
	return &Service{
		store:    store,
		engine:   engine,
		override: overrides,
		limiter:  limiter,
		ledger:   ledger,
		now:      time.Now,
		logger:   logger,
	}
}

// SetClock overrides the time source.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Snapshot returns the currently published configuration.
func (s *Service) Snapshot() *models.Snapshot {
	return s.store.Current()
}

// Decide computes a decision without recording it.
func (s *Service) Decide(in EvaluationInput) models.EnforcementDecision {
	now := in.Now
	if now.IsZero() {
		now = s.now()
	}
	mac, _ := identity.NormalizeMAC(in.ClientMAC)
	return s.engine.Evaluate(s.store.Current(), in.Verdict, identity.NormalizeIP(in.ClientIP), mac, now)
}

// EvaluateEnforcement decides and durably records the decision before
// returning it. When the ledger write fails the decision is still returned
// together with a *LedgerError.
func (s *Service) EvaluateEnforcement(ctx context.Context, in EvaluationInput) (*EvaluationResult, error) {
	now := in.Now
	if now.IsZero() {
		now = s.now()
	}
	if in.RequestID == "" {
		in.RequestID = uuid.NewString()
	}

	clientIP := identity.NormalizeIP(in.ClientIP)
	clientMAC, _ := identity.NormalizeMAC(in.ClientMAC)
	decision := s.engine.Evaluate(s.store.Current(), in.Verdict, clientIP, clientMAC, now)

	event := models.NewAuditEvent(decision.EventType(), decision.Action(), clientIP, now).
		WithRequest(in.RequestID, in.Endpoint, in.Method, in.Path).
		WithUserAgent(in.UserAgent)
	if !in.Verdict.Allowed {
		reason := in.Verdict.Reason
		if reason == "" {
			reason = models.DefaultBlockReason(in.Verdict.PolicyName)
		}
		event.WithPolicy(in.Verdict.PolicyName, reason)
	}
	switch decision.BypassType {
	case models.BypassAllowlist:
		event.WithDevice(decision.DeviceName).WithAllowlistReason(decision.Reason)
	case models.BypassTimeException, models.BypassEmergencyOverride:
		event.WithAllowlistReason(decision.Reason)
	}

	result := &EvaluationResult{Decision: decision, RequestID: in.RequestID}

	id, err := s.ledger.Append(ctx, event)
	if err != nil {
		s.logger.Error("failed to record enforcement decision",
			zap.Bool("critical", true),
			zap.String("request_id", in.RequestID),
			zap.String("client_ip", clientIP),
			zap.Bool("enforce", decision.Enforce),
			zap.String("bypass_type", string(decision.BypassType)),
			zap.Error(err))
		return result, &LedgerError{Err: err}
	}
	result.EventID = id
	result.AuditPersisted = true

	if decision.Enforce {
		s.logger.Info("request blocked",
			zap.String("request_id", in.RequestID),
			zap.String("client_ip", clientIP),
			zap.String("policy", decision.PolicyName),
			zap.String("reason", decision.Reason))
	} else if decision.Alert {
		s.logger.Warn("blocking verdict not enforced",
			zap.String("request_id", in.RequestID),
			zap.String("client_ip", clientIP),
			zap.String("policy", decision.PolicyName),
			zap.String("reason", decision.Reason))
	} else if decision.BypassType != models.BypassNone {
		s.logger.Info("block bypassed",
			zap.String("request_id", in.RequestID),
			zap.String("client_ip", clientIP),
			zap.String("bypass_type", string(decision.BypassType)),
			zap.String("device", decision.DeviceName))
	}
	return result, nil
}

// OverrideInput is a per-request password override of a block.
type OverrideInput struct {
	Password   string
	ClientIP   string
	PolicyName string
	Endpoint   string
	RequestID  string
	User       string
}

// RequestOverride lets a blocked client bypass one block with the override
// password. Attempts are throttled per client and every attempt is recorded.
func (s *Service) RequestOverride(ctx context.Context, in OverrideInput) (*EvaluationResult, error) {
	now := s.now()
	clientIP := identity.NormalizeIP(in.ClientIP)
	if in.RequestID == "" {
		in.RequestID = uuid.NewString()
	}
	user := in.User
	if user == "" {
		user = clientIP
	}

	var verr error
	if s.limiter != nil && !s.limiter.CheckAndRecord(clientIP) {
		verr = services.ErrTooManyAttempts
	} else {
		verr = s.override.VerifyPassword(in.Password)
	}

	success := verr == nil
	eventType, action, reason := models.EventOverrideFailed, models.ActionBlock, "Override failed"
	if success {
		eventType, action, reason = models.EventOverrideSuccess, models.ActionOverride, "Override successful"
		if s.limiter != nil {
			s.limiter.Reset(clientIP)
		}
	}

	event := models.NewAuditEvent(eventType, action, clientIP, now).
		WithRequest(in.RequestID, in.Endpoint, "", "").
		WithPolicy(in.PolicyName, reason).
		WithOverrideUser(user)

	decision := models.EnforcementDecision{
		Enforce:    !success,
		Reason:     reason,
		BypassType: models.BypassNone,
		PolicyName: in.PolicyName,
	}
	result := &EvaluationResult{Decision: decision, RequestID: in.RequestID}

	id, err := s.ledger.Append(ctx, event)
	if err != nil {
		s.logger.Error("failed to record override attempt",
			zap.Bool("critical", true),
			zap.String("client_ip", clientIP),
			zap.Bool("success", success),
			zap.Error(err))
	} else {
		result.EventID = id
		result.AuditPersisted = true
	}

	if !success {
		s.logger.Warn("override attempt rejected",
			zap.String("client_ip", clientIP),
			zap.String("policy", in.PolicyName),
			zap.String("reason", services.GetErrorCode(verr)))
		return result, verr
	}

	s.logger.Info("override granted", zap.String("client_ip", clientIP), zap.String("policy", in.PolicyName))
	if err != nil {
		return result, &LedgerError{Err: err}
	}
	return result, nil
}
