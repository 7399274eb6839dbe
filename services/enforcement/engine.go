// Package enforcement reconciles a policy verdict with the standing
// exemptions (emergency override, allowlist, time exceptions) into one
// decision and records every decision and administrative change.
package enforcement

import (
	"fmt"
	"time"

	"github.com/upb/llm-enforcement-gateway/models"
	"github.com/upb/llm-enforcement-gateway/services/allowlist"
	"github.com/upb/llm-enforcement-gateway/services/timewindow"
	"go.uber.org/zap"
)

// Bypass reasons attached to non-enforced decisions.
const (
	ReasonEmergencyOverride = "emergency override active"
	reasonAllowlistFmt      = "device allowlisted: %s"
	reasonTimeExceptionFmt  = "time exception active: %s"
	reasonModeFmt           = "%s mode, not blocking: %s"
	reasonActionFmt         = "policy set to %s: %s"
)

// Engine evaluates decisions over a snapshot. It holds no mutable state.
type Engine struct {
	windows *timewindow.Evaluator
	loc     *time.Location
	logger  *zap.Logger
}

// NewEngine creates an engine that interprets time exceptions in loc.
func NewEngine(loc *time.Location, logger *zap.Logger) *Engine {
	if loc == nil {
		loc = time.Local
	}
	return &Engine{
		windows: timewindow.NewEvaluator(logger),
		loc:     loc,
		logger:  logger,
	}
}

// Evaluate applies, in order: verdict allows, emergency override, allowlist
// (IP then MAC), active time exception, then the enforcement mode and the
// policy's action. The first match wins.
// clientIP and clientMAC must already be normalized.
func (e *Engine) Evaluate(snap *models.Snapshot, verdict models.PolicyVerdict, clientIP, clientMAC string, now time.Time) models.EnforcementDecision {
	if verdict.Allowed {
		return models.EnforcementDecision{
			Enforce:    false,
			Reason:     models.ReasonPolicyAllows,
			BypassType: models.BypassNone,
			PolicyName: verdict.PolicyName,
		}
	}

	if snap == nil {
		snap = models.NewSnapshot()
	}
	local := now.In(e.loc)

	if e.tier("emergency_override", func() bool { return snap.EmergencyOverride.Enabled }) {
		return models.EnforcementDecision{
			Enforce:    false,
			Reason:     ReasonEmergencyOverride,
			BypassType: models.BypassEmergencyOverride,
			PolicyName: verdict.PolicyName,
		}
	}

	var device *models.Device
	if e.tier("allowlist", func() bool {
		d, ok := allowlist.IsAllowlisted(snap, clientIP, clientMAC, local)
		device = d
		return ok
	}) {
		return models.EnforcementDecision{
			Enforce:    false,
			Reason:     fmt.Sprintf(reasonAllowlistFmt, device.Name),
			BypassType: models.BypassAllowlist,
			DeviceName: device.Name,
			PolicyName: verdict.PolicyName,
		}
	}

	var exception *models.TimeException
	if e.tier("time_exception", func() bool {
		ex, ok := e.windows.FindAnyActiveException(snap, clientIP, local)
		exception = ex
		return ok
	}) {
		return models.EnforcementDecision{
			Enforce:    false,
			Reason:     fmt.Sprintf(reasonTimeExceptionFmt, exception.Name),
			BypassType: models.BypassTimeException,
			DeviceName: exception.Name,
			PolicyName: verdict.PolicyName,
		}
	}

	reason := verdict.Reason
	if reason == "" {
		reason = models.DefaultBlockReason(verdict.PolicyName)
	}
	decision := models.EnforcementDecision{
		Enforce:    true,
		Reason:     reason,
		BypassType: models.BypassNone,
		PolicyName: verdict.PolicyName,
	}

	if mode := snap.EffectiveMode(); mode != models.ModeEnforce {
		decision.Enforce = false
		decision.Alert = true
		decision.Reason = fmt.Sprintf(reasonModeFmt, mode, reason)
		return decision
	}
	switch action := snap.ActionFor(verdict.PolicyName); action {
	case models.PolicyActionAllow:
		decision.Enforce = false
		decision.Reason = fmt.Sprintf(reasonActionFmt, action, reason)
	case models.PolicyActionAlert:
		decision.Enforce = false
		decision.Alert = true
		decision.Reason = fmt.Sprintf(reasonActionFmt, action, reason)
	}
	return decision
}

// tier runs one bypass check. A panic inside it counts as "no match" so
// evaluation falls through to the next tier instead of toward allow.
func (e *Engine) tier(name string, match func() bool) (matched bool) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("bypass check panicked, treating as no match",
				zap.String("tier", name),
				zap.Any("panic", r))
			matched = false
		}
	}()
	return match()
}

// ActiveExceptions lists the time exceptions active at now.
func (e *Engine) ActiveExceptions(snap *models.Snapshot, now time.Time) []models.TimeException {
	return e.windows.ListActive(snap, now.In(e.loc))
}

// Location returns the zone used for time exceptions.
func (e *Engine) Location() *time.Location {
	return e.loc
}
