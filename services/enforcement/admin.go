package enforcement

import (
	"context"
	"errors"
	"fmt"

	"github.com/upb/llm-enforcement-gateway/internal/identity"
	"github.com/upb/llm-enforcement-gateway/models"
	"github.com/upb/llm-enforcement-gateway/services"
	"github.com/upb/llm-enforcement-gateway/services/allowlist"
	"github.com/upb/llm-enforcement-gateway/services/override"
	"github.com/upb/llm-enforcement-gateway/services/timewindow"
	"go.uber.org/zap"
)

// Actor identifies who performed an administrative change.
type Actor struct {
	Name     string
	ClientIP string
}

// mutate applies fn to a fresh copy of the snapshot. The returned error is
// fn's; a persistence failure after publishing is only reported through persisted.
func (s *Service) mutate(ctx context.Context, fn func(*models.Snapshot) error) (persisted bool, err error) {
	next, err := s.store.Update(ctx, fn)
	if next == nil {
		return false, err
	}
	if err != nil {
		s.logger.Error("configuration change applied but not persisted", zap.Error(err))
		return false, nil
	}
	return true, nil
}

// record appends exactly one admin event. Failures are logged, never dropped silently.
func (s *Service) record(ctx context.Context, eventType models.EventType, actor Actor, success bool, details map[string]interface{}) {
	event := models.NewAdminEvent(eventType, actor.Name, success, s.now()).
		WithClientIP(actor.ClientIP).
		WithDetails(details)
	if _, err := s.ledger.AppendAdmin(ctx, event); err != nil {
		s.logger.Error("failed to record admin event",
			zap.Bool("critical", true),
			zap.String("event_type", string(eventType)),
			zap.String("actor", actor.Name),
			zap.Error(err))
	}
}

func opResult(err error, persisted bool, msg string) models.OperationResult {
	if err != nil {
		return models.OperationResult{Success: false, Message: errorMessage(err)}
	}
	if !persisted {
		msg += " (not persisted)"
	}
	return models.OperationResult{Success: true, Message: msg}
}

func errorMessage(err error) string {
	var de *services.DomainError
	if errors.As(err, &de) {
		return de.Message
	}
	return err.Error()
}

func withError(details map[string]interface{}, err error) map[string]interface{} {
	if err != nil {
		details["error"] = errorMessage(err)
	}
	return details
}

// AddDevice adds a device to the allowlist.
func (s *Service) AddDevice(ctx context.Context, actor Actor, d models.Device) (models.OperationResult, error) {
	var added *models.Device
	persisted, err := s.mutate(ctx, func(snap *models.Snapshot) error {
		var err error
		added, err = allowlist.AddDevice(snap, d, s.now())
		return err
	})

	details := map[string]interface{}{"ip": identity.NormalizeIP(d.IP), "name": d.Name, "permanent": d.Permanent}
	if d.Group != nil {
		details["group"] = *d.Group
	}
	s.record(ctx, models.EventDeviceAdded, actor, err == nil, withError(details, err))

	if err != nil {
		return opResult(err, false, ""), err
	}
	s.logger.Info("device added to allowlist", zap.String("ip", added.IP), zap.String("name", added.Name), zap.String("actor", actor.Name))
	return opResult(nil, persisted, fmt.Sprintf("Device %s (%s) added to allowlist", added.Name, added.IP)), nil
}

// RemoveDevice removes a device from the allowlist and from every group.
func (s *Service) RemoveDevice(ctx context.Context, actor Actor, ip string) (models.OperationResult, error) {
	var removed *models.Device
	persisted, err := s.mutate(ctx, func(snap *models.Snapshot) error {
		var err error
		removed, err = allowlist.RemoveDevice(snap, ip)
		return err
	})

	s.record(ctx, models.EventDeviceRemoved, actor, err == nil,
		withError(map[string]interface{}{"ip": identity.NormalizeIP(ip)}, err))

	if err != nil {
		return opResult(err, false, ""), err
	}
	s.logger.Info("device removed from allowlist", zap.String("ip", removed.IP), zap.String("actor", actor.Name))
	return opResult(nil, persisted, fmt.Sprintf("Device %s (%s) removed from allowlist", removed.Name, removed.IP)), nil
}

// AddGroup creates a device group.
func (s *Service) AddGroup(ctx context.Context, actor Actor, g models.Group) (models.OperationResult, error) {
	persisted, err := s.mutate(ctx, func(snap *models.Snapshot) error {
		return allowlist.AddGroup(snap, g)
	})

	s.record(ctx, models.EventGroupAdded, actor, err == nil,
		withError(map[string]interface{}{"name": g.Name, "devices": len(g.DeviceIPs)}, err))

	if err != nil {
		return opResult(err, false, ""), err
	}
	return opResult(nil, persisted, fmt.Sprintf("Group %s created", g.Name)), nil
}

// RemoveGroup deletes a device group. Member devices are kept.
func (s *Service) RemoveGroup(ctx context.Context, actor Actor, name string) (models.OperationResult, error) {
	persisted, err := s.mutate(ctx, func(snap *models.Snapshot) error {
		return allowlist.RemoveGroup(snap, name)
	})

	s.record(ctx, models.EventGroupRemoved, actor, err == nil,
		withError(map[string]interface{}{"name": name}, err))

	if err != nil {
		return opResult(err, false, ""), err
	}
	return opResult(nil, persisted, fmt.Sprintf("Group %s removed", name)), nil
}

// AddException adds a recurring time exception.
func (s *Service) AddException(ctx context.Context, actor Actor, e models.TimeException) (models.OperationResult, error) {
	persisted, err := s.mutate(ctx, func(snap *models.Snapshot) error {
		return timewindow.AddException(snap, e)
	})

	s.record(ctx, models.EventExceptionAdded, actor, err == nil, withError(map[string]interface{}{
		"name":       e.Name,
		"start_time": e.StartTime,
		"end_time":   e.EndTime,
		"devices":    len(e.DeviceIPs),
	}, err))

	if err != nil {
		return opResult(err, false, ""), err
	}
	s.logger.Info("time exception added", zap.String("name", e.Name), zap.String("actor", actor.Name))
	return opResult(nil, persisted, fmt.Sprintf("Time exception %s added", e.Name)), nil
}

// RemoveException deletes a time exception by name.
func (s *Service) RemoveException(ctx context.Context, actor Actor, name string) (models.OperationResult, error) {
	persisted, err := s.mutate(ctx, func(snap *models.Snapshot) error {
		return timewindow.RemoveException(snap, name)
	})

	s.record(ctx, models.EventExceptionRemoved, actor, err == nil,
		withError(map[string]interface{}{"name": name}, err))

	if err != nil {
		return opResult(err, false, ""), err
	}
	return opResult(nil, persisted, fmt.Sprintf("Time exception %s removed", name)), nil
}

// ActivateOverride turns the emergency override on.
func (s *Service) ActivateOverride(ctx context.Context, actor Actor, password string) (models.OperationResult, error) {
	return s.transitionOverride(ctx, actor, password, true)
}

// DeactivateOverride turns the emergency override off.
func (s *Service) DeactivateOverride(ctx context.Context, actor Actor, password string) (models.OperationResult, error) {
	return s.transitionOverride(ctx, actor, password, false)
}

func (s *Service) transitionOverride(ctx context.Context, actor Actor, password string, enable bool) (models.OperationResult, error) {
	req := override.Request{Password: password, Actor: actor.Name, ClientID: actor.ClientIP}
	action, msg := "deactivate", override.MsgDeactivated
	var err error
	if enable {
		action, msg = "activate", override.MsgActivated
		_, err = s.override.Activate(ctx, req)
	} else {
		_, err = s.override.Deactivate(ctx, req)
	}

	details := map[string]interface{}{"action": action}
	if code := services.GetErrorCode(err); code != "" {
		details["reason"] = code
	}
	s.record(ctx, models.EventEmergencyOverride, actor, err == nil, withError(details, err))

	if err != nil {
		return opResult(err, false, ""), err
	}
	return opResult(nil, true, msg), nil
}

// SetOverridePassword replaces the emergency override password.
func (s *Service) SetOverridePassword(ctx context.Context, actor Actor, password string) (models.OperationResult, error) {
	persisted, err := s.override.SetPassword(ctx, password)

	s.record(ctx, models.EventOverrideSettings, actor, err == nil,
		withError(map[string]interface{}{"setting": "override_password", "persisted": persisted}, err))

	if err != nil {
		return opResult(err, false, ""), err
	}
	return opResult(nil, persisted, "Emergency override password updated"), nil
}

// SetRequirePassword toggles whether override transitions need a password.
func (s *Service) SetRequirePassword(ctx context.Context, actor Actor, require bool) (models.OperationResult, error) {
	persisted := s.override.SetRequirePassword(ctx, require)

	s.record(ctx, models.EventOverrideSettings, actor, true,
		map[string]interface{}{"setting": "require_password", "value": require, "persisted": persisted})

	if require {
		return opResult(nil, persisted, "Password now required for emergency override"), nil
	}
	return opResult(nil, persisted, "Password no longer required for emergency override"), nil
}

// SetMode switches between observe, advisory and enforce.
func (s *Service) SetMode(ctx context.Context, actor Actor, mode string) (models.OperationResult, error) {
	var previous models.EnforcementMode
	next, err := models.ParseEnforcementMode(mode)
	if err != nil {
		err = services.NewDomainError(services.ErrorTypeValidation, err.Error(), nil)
	}
	persisted := false
	if err == nil {
		persisted, err = s.mutate(ctx, func(snap *models.Snapshot) error {
			previous = snap.EffectiveMode()
			snap.Mode = next
			return nil
		})
	}

	s.record(ctx, models.EventModeChange, actor, err == nil,
		withError(map[string]interface{}{"old_mode": string(previous), "new_mode": mode}, err))

	if err != nil {
		return opResult(err, false, ""), err
	}
	if next == models.ModeEnforce {
		s.logger.Warn("enforcement mode enabled", zap.String("previous", string(previous)), zap.String("actor", actor.Name))
	} else {
		s.logger.Info("enforcement mode changed", zap.String("mode", string(next)), zap.String("actor", actor.Name))
	}
	return opResult(nil, persisted, fmt.Sprintf("Enforcement mode set to %s", next)), nil
}

// SetPolicyAction sets what enforce mode does with blocking verdicts from policy.
func (s *Service) SetPolicyAction(ctx context.Context, actor Actor, policy, action string) (models.OperationResult, error) {
	key := models.PolicyKey(policy)
	parsed, err := models.ParsePolicyAction(action)
	switch {
	case key == "":
		err = services.NewDomainError(services.ErrorTypeValidation, "policy name is required", nil)
	case err != nil:
		err = services.NewDomainError(services.ErrorTypeValidation, err.Error(), nil)
	}
	persisted := false
	if err == nil {
		persisted, err = s.mutate(ctx, func(snap *models.Snapshot) error {
			if snap.PolicyActions == nil {
				snap.PolicyActions = make(map[string]models.PolicyAction)
			}
			snap.PolicyActions[key] = parsed
			return nil
		})
	}

	s.record(ctx, models.EventPolicyAction, actor, err == nil,
		withError(map[string]interface{}{"policy": key, "action": action}, err))

	if err != nil {
		return opResult(err, false, ""), err
	}
	return opResult(nil, persisted, fmt.Sprintf("Policy %s set to %s", key, parsed)), nil
}

// RemovePolicyAction drops a policy's configured action so it blocks again.
func (s *Service) RemovePolicyAction(ctx context.Context, actor Actor, policy string) (models.OperationResult, error) {
	key := models.PolicyKey(policy)
	persisted, err := s.mutate(ctx, func(snap *models.Snapshot) error {
		if _, ok := snap.PolicyActions[key]; !ok {
			return services.NewDomainError(services.ErrorTypeNotFound, "no action configured for policy "+key, nil)
		}
		delete(snap.PolicyActions, key)
		return nil
	})

	s.record(ctx, models.EventPolicyAction, actor, err == nil,
		withError(map[string]interface{}{"policy": key, "removed": true}, err))

	if err != nil {
		return opResult(err, false, ""), err
	}
	return opResult(nil, persisted, fmt.Sprintf("Policy %s action removed", key)), nil
}

// OverrideStatus reports the emergency override state.
func (s *Service) OverrideStatus() models.OverrideStatus {
	return s.override.Status()
}

// ActiveExceptions lists time exceptions active right now.
func (s *Service) ActiveExceptions() []models.TimeException {
	return s.engine.ActiveExceptions(s.store.Current(), s.now())
}
