package models

import "fmt"

// BypassType names the mechanism that exempted a blocked request.
type BypassType string

const (
	BypassNone              BypassType = "none"
	BypassAllowlist         BypassType = "allowlist"
	BypassTimeException     BypassType = "time_exception"
	BypassEmergencyOverride BypassType = "emergency_override"
)

// ReasonPolicyAllows is the reason attached to decisions where the verdict already allows the request.
const ReasonPolicyAllows = "policy allows"

// EnforcementDecision is the single result shape of the decision engine.
// Alert marks a blocking verdict that was only recorded because of the
// enforcement mode or the policy's action.
type EnforcementDecision struct {
	Enforce    bool       `json:"enforce"`
	Alert      bool       `json:"alert,omitempty"`
	Reason     string     `json:"reason"`
	BypassType BypassType `json:"bypass_type"`
	DeviceName string     `json:"device_name,omitempty"`
	PolicyName string     `json:"policy_name,omitempty"`
}

// DefaultBlockReason is used when the verdict carries no reason of its own.
func DefaultBlockReason(policyName string) string {
	if policyName == "" {
		return "blocked by policy"
	}
	return fmt.Sprintf("blocked by policy %s", policyName)
}

// Action maps a decision to the ledger enforcement action.
func (d EnforcementDecision) Action() EnforcementAction {
	switch {
	case d.Enforce:
		return ActionBlock
	case d.Alert:
		return ActionAlert
	case d.BypassType == BypassNone:
		return ActionAllow
	case d.BypassType == BypassEmergencyOverride:
		return ActionOverride
	default:
		return ActionAllowlistBypass
	}
}

// EventType maps a decision to the ledger event type.
func (d EnforcementDecision) EventType() EventType {
	switch {
	case d.Enforce:
		return EventRequestBlocked
	case d.Alert:
		return EventRequestAlerted
	case d.BypassType == BypassAllowlist:
		return EventAllowlistBypassed
	case d.BypassType == BypassTimeException:
		return EventTimeExceptionBypassed
	case d.BypassType == BypassEmergencyOverride:
		return EventEmergencyBypassed
	default:
		return EventRequestAllowed
	}
}
