package rules

import (
	"encoding/json"
	"fmt"

	"github.com/opensource-security/kestrel/internal/domain"
)

// Typed condition structs, one per rule family. The external wire format
// stays an opaque JSON bag on RuleConfig; it is decoded into the family's
// struct when the rule set loads, and malformed configs are excluded
// from the active set at that point.

// ThresholdConditions configure the ML score threshold rule.
type ThresholdConditions struct {
	MinRiskScore  int      `json:"min_risk_score"`
	MinConfidence float64  `json:"min_confidence"`
	ThreatTypes   []string `json:"threat_types,omitempty"`

	// When >1, a 24h failed-attempt count for the IP must meet this
	// before the score is even considered.
	MinFailedAttempts int `json:"min_failed_attempts,omitempty"`
}

// StuffingConditions configure the credential stuffing rule.
type StuffingConditions struct {
	TimeWindowMinutes int `json:"time_window_minutes"`
	Threshold         int `json:"threshold"` // distinct usernames

	// Optional pre-filters, evaluated before the count query.
	MaxAbuseScore *int             `json:"max_abuseipdb_score,omitempty"`
	OffHoursOnly  bool             `json:"off_hours,omitempty"`
	EventType     domain.EventType `json:"event_type,omitempty"`
}

// VelocityConditions configure the velocity/DDoS rule.
type VelocityConditions struct {
	TimeWindowSeconds int `json:"time_window_seconds"`
	MaxEvents         int `json:"max_events"`
}

// DistributedConditions configure the distributed brute force rule.
type DistributedConditions struct {
	TimeWindowMinutes    int     `json:"time_window_minutes"`
	UniqueIPsThreshold   int     `json:"unique_ips_threshold"`
	UniqueUsersThreshold int     `json:"unique_usernames_threshold"`
	MaxAttemptsPerIP     float64 `json:"max_attempts_per_ip"`
	TargetServer         string  `json:"target_server,omitempty"`
}

// TakeoverConditions configure the account takeover rule.
type TakeoverConditions struct {
	TimeWindowMinutes        int `json:"time_window_minutes"`
	UniqueIPsThreshold       int `json:"unique_ips_threshold"`
	UniqueCountriesThreshold int `json:"unique_countries_threshold"`
}

// OffHoursConditions configure the off-hours anomaly rule.
type OffHoursConditions struct {
	WorkStartHour       int      `json:"work_start_hour"`
	WorkEndHour         int      `json:"work_end_hour"`
	WorkDays            []string `json:"work_days,omitempty"` // "Mon".."Sun"; default Mon-Fri
	TimeWindowMinutes   int      `json:"time_window_minutes"`
	MinOffHoursAttempts int      `json:"min_off_hours_attempts"`

	// SuccessfulOnly switches to the variant that examines only the most
	// recently inserted successful event for the IP and bypasses the
	// aggregate counter.
	SuccessfulOnly bool `json:"successful_only,omitempty"`
}

// TravelConditions configure the impossible travel rule.
type TravelConditions struct {
	MaxDistanceKm   float64 `json:"max_distance_km"`
	TimeWindowHours float64 `json:"time_window_hours"`

	// When >0, a combined score (IP reputation + distance component)
	// must reach this before the rule triggers.
	MinRiskScore int `json:"min_risk_score,omitempty"`
}

// BehavioralConditions configure the behavioral composite rule.
type BehavioralConditions struct {
	MinRiskScore  int     `json:"min_risk_score"`
	MinConfidence float64 `json:"min_confidence"`

	// PriorityFactor escalates the block method when this factor type
	// fired and the score is already elevated.
	PriorityFactor string `json:"priority_factor,omitempty"`
}

// CustomConditions configure the CEL custom rule.
type CustomConditions struct {
	Expression string `json:"expression"`
}

// decodeConditions unmarshals raw into dst. An empty bag keeps the
// defaults pre-set on dst; a mistyped field rejects the whole config.
func decodeConditions(raw json.RawMessage, dst interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("malformed conditions: %w", err)
	}
	return nil
}

func workDaySet(days []string) map[string]bool {
	if len(days) == 0 {
		days = []string{"Mon", "Tue", "Wed", "Thu", "Fri"}
	}
	set := make(map[string]bool, len(days))
	for _, d := range days {
		set[d] = true
	}
	return set
}
