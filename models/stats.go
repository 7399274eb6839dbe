package models

import "time"

// PolicyBlockStat counts blocks attributed to one policy.
type PolicyBlockStat struct {
	PolicyName      string `json:"policy_name"`
	Blocks          int64  `json:"blocks"`
	AffectedClients int64  `json:"affected_clients"`
}

// ClientBlockStat counts blocks for one client address.
type ClientBlockStat struct {
	ClientIP string `json:"client_ip"`
	Blocks   int64  `json:"blocks"`
}

// DailyStat is a per-day rollup in UTC.
type DailyStat struct {
	Date              string `json:"date"`
	Total             int64  `json:"total"`
	Blocks            int64  `json:"blocks"`
	Overrides         int64  `json:"overrides"`
	AllowlistBypasses int64  `json:"allowlist_bypasses"`
	Allows            int64  `json:"allows"`
}

// EnforcementStats aggregates ledger activity over a time window.
type EnforcementStats struct {
	Since               time.Time                   `json:"since"`
	Until               time.Time                   `json:"until"`
	TotalEvents         int64                       `json:"total_events"`
	ActionCounts        map[EnforcementAction]int64 `json:"action_counts"`
	OverrideAttempts    int64                       `json:"override_attempts"`
	OverrideSuccesses   int64                       `json:"override_successes"`
	OverrideSuccessRate float64                     `json:"override_success_rate"`
	TopPolicies         []PolicyBlockStat           `json:"top_policies"`
	MostBlockedClient   *ClientBlockStat            `json:"most_blocked_client,omitempty"`
	Daily               []DailyStat                 `json:"daily"`
}
