package models

import (
	"fmt"
	"strings"
)

// EnforcementMode selects whether blocking verdicts are acted on.
type EnforcementMode string

const (
	// ModeObserve records decisions and never blocks.
	ModeObserve EnforcementMode = "observe"
	// ModeAdvisory records blocking verdicts as alerts and never blocks.
	ModeAdvisory EnforcementMode = "advisory"
	// ModeEnforce blocks according to each policy's action.
	ModeEnforce EnforcementMode = "enforce"
)

// ParseEnforcementMode accepts observe, advisory or enforce in any case.
func ParseEnforcementMode(s string) (EnforcementMode, error) {
	switch m := EnforcementMode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeObserve, ModeAdvisory, ModeEnforce:
		return m, nil
	}
	return "", fmt.Errorf("invalid enforcement mode %q", s)
}

// PolicyAction is what enforce mode does with a blocking verdict from one policy.
type PolicyAction string

const (
	PolicyActionAllow PolicyAction = "allow"
	PolicyActionAlert PolicyAction = "alert"
	PolicyActionBlock PolicyAction = "block"
)

// ParsePolicyAction accepts allow, alert or block in any case.
func ParsePolicyAction(s string) (PolicyAction, error) {
	switch a := PolicyAction(strings.ToLower(strings.TrimSpace(s))); a {
	case PolicyActionAllow, PolicyActionAlert, PolicyActionBlock:
		return a, nil
	}
	return "", fmt.Errorf("invalid policy action %q", s)
}

// PolicyKey strips a trailing .rego so "bedtime.rego" and "bedtime" share one action.
func PolicyKey(policyName string) string {
	return strings.TrimSuffix(strings.TrimSpace(policyName), ".rego")
}
