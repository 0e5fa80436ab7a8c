package domain

// VerdictHeader is the common contract every rule evaluator honors.
// Each verdict variant embeds it, so callers can pattern-match on the
// rule family without relying on dynamic field presence.
type VerdictHeader struct {
	Triggered        bool   `json:"triggered"`
	Reason           string `json:"reason"`
	RequiresApproval bool   `json:"requiresApproval"`
}

// Header returns the embedded header; it makes every variant a Verdict.
func (h *VerdictHeader) Header() *VerdictHeader { return h }

// Verdict is the uniform return contract of the rule evaluator set.
type Verdict interface {
	Header() *VerdictHeader
}

// ErrorVerdict is returned when an evaluator faults internally. It never
// triggers; the error text is carried in Reason so one failing rule does
// not block evaluation of the remaining rules.
type ErrorVerdict struct {
	VerdictHeader
}

// ThresholdVerdict is produced by the threshold rule.
type ThresholdVerdict struct {
	VerdictHeader
	RiskScore  int     `json:"riskScore"`
	Confidence float64 `json:"confidence"`
	ThreatType string  `json:"threatType,omitempty"`
}

// StuffingVerdict is produced by the credential stuffing rule.
type StuffingVerdict struct {
	VerdictHeader
	UniqueUsernames int     `json:"uniqueUsernames"`
	TotalAttempts   int     `json:"totalAttempts"`
	SuccessRate     float64 `json:"successRate"`
}

// VelocityVerdict is produced by the velocity/DDoS rule.
type VelocityVerdict struct {
	VerdictHeader
	EventCount    int64 `json:"eventCount"`
	WindowSeconds int   `json:"windowSeconds"`
}

// DistributedVerdict is produced by the distributed brute force rule.
// PatternScore is informational severity, not the trigger condition.
type DistributedVerdict struct {
	VerdictHeader
	UniqueIPs        int     `json:"uniqueIps"`
	UniqueUsernames  int     `json:"uniqueUsernames"`
	TotalAttempts    int     `json:"totalAttempts"`
	AvgAttemptsPerIP float64 `json:"avgAttemptsPerIp"`
	PatternScore     int     `json:"patternScore"`
}

// TakeoverVerdict is produced by the account takeover rule. Username is
// the highest-scoring candidate.
type TakeoverVerdict struct {
	VerdictHeader
	Username        string `json:"username,omitempty"`
	UniqueIPs       int    `json:"uniqueIps"`
	UniqueCountries int    `json:"uniqueCountries"`
	ThreatScore     int    `json:"threatScore"`
}

// OffHoursVerdict is produced by the off-hours anomaly rule.
type OffHoursVerdict struct {
	VerdictHeader
	OffHoursAttempts int     `json:"offHoursAttempts"`
	AnomalyScore     float64 `json:"anomalyScore"`
}

// TravelVerdict is produced by the rule-engine impossible travel variant.
type TravelVerdict struct {
	VerdictHeader
	DistanceKm      float64 `json:"distanceKm"`
	ElapsedHours    float64 `json:"elapsedHours"`
	SpeedKmh        float64 `json:"speedKmh"`
	BaselineCreated bool    `json:"baselineCreated"`
}

// BlockMethod hints how a triggered rule wants the source handled.
type BlockMethod string

const (
	BlockNone      BlockMethod = "none"
	BlockTemporary BlockMethod = "temporary"
	BlockPermanent BlockMethod = "permanent"
)

// severity orders block methods so the coordinator can pick the winner.
func (m BlockMethod) severity() int {
	switch m {
	case BlockPermanent:
		return 2
	case BlockTemporary:
		return 1
	}
	return 0
}

// Stronger reports whether m outranks other.
func (m BlockMethod) Stronger(other BlockMethod) bool {
	return m.severity() > other.severity()
}

// BehavioralVerdict is produced by the behavioral composite rule.
type BehavioralVerdict struct {
	VerdictHeader
	RiskScore   int          `json:"riskScore"`
	Confidence  float64      `json:"confidence"`
	BlockMethod BlockMethod  `json:"blockMethod"`
	Factors     []RiskFactor `json:"factors,omitempty"`
}

// CustomVerdict is produced by the CEL custom rule family.
type CustomVerdict struct {
	VerdictHeader
	Value float64 `json:"value"`
}
