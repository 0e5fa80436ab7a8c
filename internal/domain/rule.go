package domain

import (
	"encoding/json"
	"time"
)

// RuleType identifies a detection rule family.
type RuleType string

const (
	RuleThreshold             RuleType = "threshold"
	RuleCredentialStuffing    RuleType = "credential_stuffing"
	RuleVelocity              RuleType = "velocity"
	RuleDistributedBruteForce RuleType = "distributed_bruteforce"
	RuleAccountTakeover       RuleType = "account_takeover"
	RuleOffHours              RuleType = "off_hours"
	RuleImpossibleTravel      RuleType = "impossible_travel"
	RuleBehavioral            RuleType = "behavioral"

	// RuleCustom evaluates an operator-supplied CEL expression against the
	// event activation instead of a built-in evaluator.
	RuleCustom RuleType = "custom"
)

// RuleConfig defines a detection rule. Conditions persist as an opaque
// JSON bag and are decoded into the rule family's typed config at load
// time; malformed configs are excluded from the active set.
type RuleConfig struct {
	ID          string   `json:"id"`
	TenantID    string   `json:"tenantId"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Type        RuleType `json:"ruleType"`

	Conditions json.RawMessage `json:"conditions"`

	// Evaluation order: higher priority runs first
	Priority int `json:"priority"`

	// If true, a trigger alone holds the IP for human review instead of
	// blocking outright
	RequiresApproval bool `json:"requiresApproval"`

	// Notification cooldown for this rule; 0 means the limiter default
	CooldownMinutes int `json:"cooldownMinutes,omitempty"`

	Enabled bool `json:"enabled"`

	CreatedAt time.Time `json:"createdAt,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}
