package domain

import (
	"context"
	"time"
)

// Action is the final disposition for one event.
type Action string

const (
	// ActionBlock: at least one triggering rule does not require approval.
	ActionBlock Action = "block"

	// ActionHold: every triggering rule requires human approval.
	ActionHold Action = "hold"

	// ActionNone: nothing triggered.
	ActionNone Action = "none"
)

// TriggeredRule records one rule that fired during evaluation.
type TriggeredRule struct {
	RuleID           string      `json:"ruleId"`
	RuleName         string      `json:"ruleName"`
	RuleType         RuleType    `json:"ruleType"`
	Reason           string      `json:"reason"`
	RequiresApproval bool        `json:"requiresApproval"`
	BlockMethod      BlockMethod `json:"blockMethod"`
}

// Decision is the coordinator's complete output for one event.
type Decision struct {
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`
	EventID  string `json:"eventId"`

	IP       string `json:"ip"`
	Username string `json:"username"`

	Action      Action      `json:"action"`
	BlockMethod BlockMethod `json:"blockMethod"`

	TriggeredRules []TriggeredRule `json:"triggeredRules"`
	Reasons        []string        `json:"reasons,omitempty"`

	// Behavioral analyzer output
	RiskScore       int          `json:"riskScore"`
	Confidence      float64      `json:"confidence"`
	RiskFactors     []RiskFactor `json:"riskFactors,omitempty"`
	Recommendations []string     `json:"recommendations,omitempty"`

	// Risk blender output (base ML score + contextual adjustments)
	AdjustedScore     int      `json:"adjustedScore"`
	AdjustmentReasons []string `json:"adjustmentReasons,omitempty"`

	Timestamp time.Time        `json:"timestamp"`
	Metadata  DecisionMetadata `json:"metadata"`
}

// DecisionMetadata carries processing information.
type DecisionMetadata struct {
	TraceID        string `json:"traceId"`
	SignalsMs      int64  `json:"signalsMs"`
	AnalysisMs     int64  `json:"analysisMs"`
	RulesMs        int64  `json:"rulesMs"`
	TotalMs        int64  `json:"totalMs"`
	RulesEvaluated int    `json:"rulesEvaluated"`
	EngineVersion  string `json:"engineVersion"`
}

// NotificationPayload is the channel-agnostic alert handed to the
// dispatch collaborator after the rate limiter admits it.
type NotificationPayload struct {
	TenantID        string       `json:"tenantId"`
	RuleID          string       `json:"ruleId"`
	RuleName        string       `json:"ruleName"`
	Message         string       `json:"message"`
	IP              string       `json:"ip"`
	Username        string       `json:"username"`
	RiskScore       int          `json:"riskScore"`
	Factors         []RiskFactor `json:"factors,omitempty"`
	Recommendations []string     `json:"recommendations,omitempty"`
}

// Notifier delivers notification payloads over one or more transports.
// Actual SMTP/Telegram/webhook delivery is an external collaborator.
type Notifier interface {
	Dispatch(ctx context.Context, channel string, payload *NotificationPayload) error
}
