package models

import (
	"encoding/json"
	"time"
)

// EnforcementAction is the action actually taken for a request.
type EnforcementAction string

const (
	ActionBlock           EnforcementAction = "block"
	ActionOverride        EnforcementAction = "override"
	ActionAllowlistBypass EnforcementAction = "allowlist_bypass"
	ActionAlert           EnforcementAction = "alert"
	ActionAllow           EnforcementAction = "allow"
)

// AllActions lists the actions reported in aggregate counts.
var AllActions = []EnforcementAction{ActionBlock, ActionOverride, ActionAllowlistBypass, ActionAlert, ActionAllow}

// EventType classifies ledger entries.
type EventType string

const (
	EventRequestBlocked        EventType = "request_blocked"
	EventRequestAllowed        EventType = "request_allowed"
	EventRequestAlerted        EventType = "request_alerted"
	EventAllowlistBypassed     EventType = "allowlist_bypassed"
	EventTimeExceptionBypassed EventType = "time_exception_bypassed"
	EventEmergencyBypassed     EventType = "emergency_bypassed"
	EventOverrideSuccess       EventType = "override_success"
	EventOverrideFailed        EventType = "override_failed"

	EventDeviceAdded       EventType = "device_added"
	EventDeviceRemoved     EventType = "device_removed"
	EventGroupAdded        EventType = "group_added"
	EventGroupRemoved      EventType = "group_removed"
	EventExceptionAdded    EventType = "exception_added"
	EventExceptionRemoved  EventType = "exception_removed"
	EventModeChange        EventType = "mode_change"
	EventPolicyAction      EventType = "policy_action_changed"
	EventEmergencyOverride EventType = "emergency_override"
	EventOverrideSettings  EventType = "override_settings_changed"
)

// TimestampPrecision is the resolution every ledger backend stores.
// Event timestamps are truncated to it so a stored record reads back unchanged.
const TimestampPrecision = time.Millisecond

// LedgerTime normalizes t to the ledger's UTC millisecond resolution.
func LedgerTime(t time.Time) time.Time {
	return t.UTC().Truncate(TimestampPrecision)
}

// AuditEvent is an immutable ledger record of one enforcement decision.
type AuditEvent struct {
	ID                int64             `json:"id" db:"id"`
	Timestamp         time.Time         `json:"timestamp" db:"timestamp"`
	EventType         EventType         `json:"event_type" db:"event_type"`
	ClientIP          string            `json:"client_ip" db:"client_ip"`
	ClientDevice      *string           `json:"client_device,omitempty" db:"client_device"`
	Endpoint          string            `json:"endpoint" db:"endpoint"`
	HTTPMethod        string            `json:"http_method" db:"http_method"`
	HTTPPath          string            `json:"http_path" db:"http_path"`
	PolicyName        *string           `json:"policy_name,omitempty" db:"policy_name"`
	PolicyReason      *string           `json:"policy_reason,omitempty" db:"policy_reason"`
	EnforcementAction EnforcementAction `json:"enforcement_action" db:"enforcement_action"`
	OverrideUser      *string           `json:"override_user,omitempty" db:"override_user"`
	AllowlistReason   *string           `json:"allowlist_reason,omitempty" db:"allowlist_reason"`
	UserAgent         *string           `json:"user_agent,omitempty" db:"user_agent"`
	RequestID         string            `json:"request_id" db:"request_id"`
}

// TableName returns the table name for the AuditEvent model
func (AuditEvent) TableName() string {
	return "audit_events"
}

// NewAuditEvent creates an event stamped with the given time in UTC.
func NewAuditEvent(eventType EventType, action EnforcementAction, clientIP string, at time.Time) *AuditEvent {
	return &AuditEvent{
		Timestamp:         LedgerTime(at),
		EventType:         eventType,
		ClientIP:          clientIP,
		EnforcementAction: action,
	}
}

// WithRequest sets HTTP request metadata
func (e *AuditEvent) WithRequest(requestID, endpoint, method, path string) *AuditEvent {
	e.RequestID = requestID
	e.Endpoint = endpoint
	e.HTTPMethod = method
	e.HTTPPath = path
	return e
}

// WithPolicy sets the policy name and reason when non-empty
func (e *AuditEvent) WithPolicy(name, reason string) *AuditEvent {
	e.PolicyName = optional(name)
	e.PolicyReason = optional(reason)
	return e
}

// WithDevice sets the client device name
func (e *AuditEvent) WithDevice(name string) *AuditEvent {
	e.ClientDevice = optional(name)
	return e
}

// WithAllowlistReason sets the bypass explanation
func (e *AuditEvent) WithAllowlistReason(reason string) *AuditEvent {
	e.AllowlistReason = optional(reason)
	return e
}

// WithOverrideUser sets the identity that used an override
func (e *AuditEvent) WithOverrideUser(user string) *AuditEvent {
	e.OverrideUser = optional(user)
	return e
}

// WithUserAgent sets the client user agent
func (e *AuditEvent) WithUserAgent(ua string) *AuditEvent {
	e.UserAgent = optional(ua)
	return e
}

// AdminEvent is a coarse record of an administrative change.
type AdminEvent struct {
	ID        int64           `json:"id" db:"id"`
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
	EventType EventType       `json:"event_type" db:"event_type"`
	Actor     string          `json:"actor" db:"actor"`
	ClientIP  string          `json:"client_ip,omitempty" db:"client_ip"`
	Success   bool            `json:"success" db:"success"`
	Details   json.RawMessage `json:"details,omitempty" db:"details"`
}

// TableName returns the table name for the AdminEvent model
func (AdminEvent) TableName() string {
	return "enforcement_events"
}

// NewAdminEvent creates an admin event stamped with the given time in UTC.
func NewAdminEvent(eventType EventType, actor string, success bool, at time.Time) *AdminEvent {
	return &AdminEvent{
		Timestamp: LedgerTime(at),
		EventType: eventType,
		Actor:     actor,
		Success:   success,
	}
}

// WithDetails sets the details
func (e *AdminEvent) WithDetails(details interface{}) *AdminEvent {
	if data, err := json.Marshal(details); err == nil {
		e.Details = data
	}
	return e
}

// WithClientIP sets the source address of the admin call
func (e *AdminEvent) WithClientIP(ip string) *AdminEvent {
	e.ClientIP = ip
	return e
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
