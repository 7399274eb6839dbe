package models

import "time"

// Snapshot is the full enforcement configuration evaluated by the decision engine.
// A published snapshot is never mutated; writers work on a Clone.
type Snapshot struct {
	Mode              EnforcementMode         `json:"mode" yaml:"mode,omitempty"`
	PolicyActions     map[string]PolicyAction `json:"policy_actions,omitempty" yaml:"policy_actions,omitempty"`
	Devices           []Device                `json:"devices" yaml:"devices"`
	Groups            []Group                 `json:"groups" yaml:"groups"`
	TimeExceptions    []TimeException         `json:"time_exceptions" yaml:"time_exceptions"`
	EmergencyOverride EmergencyOverrideState  `json:"emergency_override" yaml:"emergency_override"`
}

// NewSnapshot returns an empty configuration in enforce mode with
// password-gated override.
func NewSnapshot() *Snapshot {
	return &Snapshot{
		Mode:              ModeEnforce,
		EmergencyOverride: EmergencyOverrideState{RequirePassword: true},
	}
}

// EffectiveMode treats an unset mode as enforce.
func (s *Snapshot) EffectiveMode() EnforcementMode {
	if s.Mode == "" {
		return ModeEnforce
	}
	return s.Mode
}

// ActionFor returns the configured action for policyName. Unlisted policies block.
func (s *Snapshot) ActionFor(policyName string) PolicyAction {
	if a, ok := s.PolicyActions[PolicyKey(policyName)]; ok {
		return a
	}
	return PolicyActionBlock
}

// Clone returns a deep copy.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return NewSnapshot()
	}
	out := &Snapshot{
		Mode:              s.Mode,
		Devices:           make([]Device, len(s.Devices)),
		Groups:            make([]Group, len(s.Groups)),
		TimeExceptions:    make([]TimeException, len(s.TimeExceptions)),
		EmergencyOverride: cloneOverride(s.EmergencyOverride),
	}
	if s.PolicyActions != nil {
		out.PolicyActions = make(map[string]PolicyAction, len(s.PolicyActions))
		for k, v := range s.PolicyActions {
			out.PolicyActions[k] = v
		}
	}
	for i, d := range s.Devices {
		out.Devices[i] = Device{
			IP:        d.IP,
			MAC:       cloneString(d.MAC),
			Name:      d.Name,
			Enabled:   d.Enabled,
			Permanent: d.Permanent,
			Group:     cloneString(d.Group),
			ExpiresAt: cloneTime(d.ExpiresAt),
			AddedAt:   d.AddedAt,
			Notes:     cloneString(d.Notes),
		}
	}
	for i, g := range s.Groups {
		g.DeviceIPs = append([]string(nil), g.DeviceIPs...)
		out.Groups[i] = g
	}
	for i, e := range s.TimeExceptions {
		e.Days = append([]Weekday(nil), e.Days...)
		e.DeviceIPs = append([]string(nil), e.DeviceIPs...)
		out.TimeExceptions[i] = e
	}
	return out
}

func cloneOverride(o EmergencyOverrideState) EmergencyOverrideState {
	o.PasswordHash = cloneString(o.PasswordHash)
	o.ActivatedAt = cloneTime(o.ActivatedAt)
	o.ActivatedBy = cloneString(o.ActivatedBy)
	return o
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
