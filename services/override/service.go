// Package override implements the password-gated emergency kill-switch that
// disables all enforcement until explicitly deactivated.
package override

import (
	"context"
	"time"

	"github.com/upb/llm-enforcement-gateway/models"
	"github.com/upb/llm-enforcement-gateway/services"
	"github.com/upb/llm-enforcement-gateway/services/credential"
	"github.com/upb/llm-enforcement-gateway/services/ratelimit"
	"github.com/upb/llm-enforcement-gateway/services/snapshot"
	"go.uber.org/zap"
)

// Result messages
const (
	MsgActivated   = "Emergency override activated - All enforcement disabled"
	MsgDeactivated = "Emergency override deactivated - Enforcement re-enabled"
)

// Request carries the credentials for a state transition.
type Request struct {
	Password string
	Actor    string
	// ClientID keys the attempt limiter; usually the caller's IP.
	ClientID string
}

// Service owns the override transitions.
type Service struct {
	store   *snapshot.Store
	limiter *ratelimit.AttemptLimiter
	now     func() time.Time
	logger  *zap.Logger
}

// NewService creates a new override service. limiter may be nil.
func NewService(store *snapshot.Store, limiter *ratelimit.AttemptLimiter, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:   store,
		limiter: limiter,
		now:     time.Now,
		logger:  logger,
	}
}

// SetClock overrides the time source.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// IsActive reports whether the override is enabled in the published snapshot.
func (s *Service) IsActive() bool {
	return s.store.Current().EmergencyOverride.Enabled
}

// Activate switches the override on. The state is left unchanged on any failure.
func (s *Service) Activate(ctx context.Context, req Request) (*models.OverrideStatus, error) {
	return s.transition(ctx, req, true)
}

// Deactivate switches the override off and clears the activation record.
func (s *Service) Deactivate(ctx context.Context, req Request) (*models.OverrideStatus, error) {
	return s.transition(ctx, req, false)
}

func (s *Service) transition(ctx context.Context, req Request, enable bool) (*models.OverrideStatus, error) {
	verb := "deactivate"
	if enable {
		verb = "activate"
	}

	// Persistence errors after the swap are logged by the store; the
	// transition itself has already been published.
	next, err := s.store.Update(ctx, func(snap *models.Snapshot) error {
		o := &snap.EmergencyOverride
		if err := s.authorize(*o, req, verb); err != nil {
			return err
		}
		if enable {
			at := s.now().UTC()
			by := req.Actor
			o.Enabled = true
			o.ActivatedAt = &at
			o.ActivatedBy = &by
		} else {
			o.Enabled = false
			o.ActivatedAt = nil
			o.ActivatedBy = nil
		}
		return nil
	})
	if next == nil {
		s.logger.Warn("emergency override transition rejected",
			zap.String("action", verb),
			zap.String("actor", req.Actor),
			zap.String("reason", services.GetErrorCode(err)),
			zap.Error(err))
		return nil, err
	}

	if s.limiter != nil && req.ClientID != "" {
		s.limiter.Reset(req.ClientID)
	}
	if enable {
		s.logger.Warn("EMERGENCY OVERRIDE ACTIVATED", zap.String("actor", req.Actor))
	} else {
		s.logger.Info("emergency override deactivated", zap.String("actor", req.Actor))
	}
	status := statusOf(next.EmergencyOverride)
	return &status, nil
}

// authorize runs under the store's write lock and performs no I/O.
func (s *Service) authorize(o models.EmergencyOverrideState, req Request, verb string) error {
	if !o.RequirePassword {
		return nil
	}
	if req.Password == "" {
		e := services.NewDomainError(services.ErrorTypeAuthentication, "Password required to "+verb+" emergency override", nil)
		e.Code = services.CodeMissingPassword
		return e
	}
	if !o.HasPassword() {
		return services.ErrNoPasswordConfigured
	}
	if s.limiter != nil && req.ClientID != "" && !s.limiter.CheckAndRecord(req.ClientID) {
		return services.ErrTooManyAttempts
	}
	if !credential.Verify(req.Password, *o.PasswordHash) {
		return services.ErrInvalidOverridePassword
	}
	return nil
}

// SetPassword stores the hash of password. The new hash is live once this
// returns without error; persisted reports whether it also reached storage.
func (s *Service) SetPassword(ctx context.Context, password string) (persisted bool, err error) {
	if password == "" {
		return false, services.ErrEmptyPassword
	}
	hash := credential.Hash(password)
	persisted = s.update(ctx, "override_password", func(o *models.EmergencyOverrideState) {
		o.PasswordHash = &hash
	})
	s.logger.Info("emergency override password updated", zap.Bool("persisted", persisted))
	return persisted, nil
}

// SetRequirePassword toggles whether transitions must be authenticated.
// Like SetPassword, the setting is live even when persisted is false.
func (s *Service) SetRequirePassword(ctx context.Context, require bool) (persisted bool) {
	persisted = s.update(ctx, "require_password", func(o *models.EmergencyOverrideState) {
		o.RequirePassword = require
	})
	if require {
		s.logger.Info("emergency override now requires password")
	} else {
		s.logger.Warn("emergency override password requirement disabled, anyone can activate")
	}
	return persisted
}

// update publishes a settings change. A persistence failure does not undo
// the published change, so it is logged and reported as not persisted.
func (s *Service) update(ctx context.Context, setting string, fn func(*models.EmergencyOverrideState)) bool {
	_, err := s.store.Update(ctx, func(snap *models.Snapshot) error {
		fn(&snap.EmergencyOverride)
		return nil
	})
	if err != nil {
		s.logger.Error("override setting applied but not persisted",
			zap.String("setting", setting),
			zap.Error(err))
		return false
	}
	return true
}

// Status returns the operator-facing view of the override.
func (s *Service) Status() models.OverrideStatus {
	return statusOf(s.store.Current().EmergencyOverride)
}

// VerifyPassword checks password against the configured hash without changing state.
func (s *Service) VerifyPassword(password string) error {
	o := s.store.Current().EmergencyOverride
	if password == "" {
		return services.ErrMissingPassword
	}
	if !o.HasPassword() {
		return services.ErrNoPasswordConfigured
	}
	if !credential.Verify(password, *o.PasswordHash) {
		return services.ErrInvalidOverridePassword
	}
	return nil
}

func statusOf(o models.EmergencyOverrideState) models.OverrideStatus {
	return models.OverrideStatus{
		Enabled:         o.Enabled,
		ActivatedAt:     o.ActivatedAt,
		ActivatedBy:     o.ActivatedBy,
		RequirePassword: o.RequirePassword,
		HasPassword:     o.HasPassword(),
	}
}
