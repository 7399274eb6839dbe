package models

import "time"

// EmergencyOverrideState is the singleton kill-switch that disables all enforcement while enabled.
type EmergencyOverrideState struct {
	Enabled         bool       `json:"enabled" yaml:"enabled"`
	PasswordHash    *string    `json:"-" yaml:"password_hash,omitempty"`
	ActivatedAt     *time.Time `json:"activated_at,omitempty" yaml:"activated_at,omitempty"`
	ActivatedBy     *string    `json:"activated_by,omitempty" yaml:"activated_by,omitempty"`
	RequirePassword bool       `json:"require_password" yaml:"require_password"`
}

// HasPassword reports whether a password hash is configured.
func (s EmergencyOverrideState) HasPassword() bool {
	return s.PasswordHash != nil && *s.PasswordHash != ""
}

// OverrideStatus is the operator-facing view of the override state.
type OverrideStatus struct {
	Enabled         bool       `json:"enabled"`
	ActivatedAt     *time.Time `json:"activated_at,omitempty"`
	ActivatedBy     *string    `json:"activated_by,omitempty"`
	RequirePassword bool       `json:"require_password"`
	HasPassword     bool       `json:"has_password"`
}
