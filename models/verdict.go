package models

// Violation is a single rule hit reported by the policy engine.
type Violation struct {
	Rule    string `json:"rule"`
	Message string `json:"message,omitempty"`
}

// PolicyVerdict is the coarse allow/block result produced by the external policy engine.
// It is treated as opaque and untrusted.
type PolicyVerdict struct {
	Allowed    bool        `json:"allowed"`
	PolicyName string      `json:"policy_name"`
	Reason     string      `json:"reason,omitempty"`
	Violations []Violation `json:"violations,omitempty"`
}
