package domain

import (
	"time"
)

// Bounds for the per-user known-value maps. When a map exceeds its cap the
// least-frequent entries are evicted (ties broken deterministically).
// Countries are left unbounded: their cardinality is naturally small.
const (
	MaxIPsTracked    = 50
	MaxCitiesTracked = 20
)

// UserBehaviorProfile is the learned login baseline for one username.
// Only successful authentications mutate it.
type UserBehaviorProfile struct {
	TenantID string `json:"tenantId"`
	Username string `json:"username"`

	// Histograms of observed login times
	TypicalHours map[int]int    `json:"typicalHours"` // hour(0-23) -> count
	TypicalDays  map[string]int `json:"typicalDays"`  // "Mon".."Sun" -> count

	// Known-value frequency maps
	KnownIPs       map[string]int `json:"knownIps"`
	KnownCities    map[string]int `json:"knownCities"`
	KnownCountries map[string]int `json:"knownCountries"`

	// Counters (monotonically non-decreasing)
	LoginCount      int `json:"loginCount"`
	SuccessfulCount int `json:"successfulCount"`
	FailedCount     int `json:"failedCount"`

	// Running average of hours between logins; nil until two logins exist
	AvgSessionGapHours *float64 `json:"avgSessionGapHours,omitempty"`

	// Derived: min(1.0, loginCount/100)
	ConfidenceScore float64 `json:"confidenceScore"`

	LastLoginAt *time.Time `json:"lastLoginAt,omitempty"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// NewProfile returns a zero profile for a username.
func NewProfile(tenantID, username string) *UserBehaviorProfile {
	return &UserBehaviorProfile{
		TenantID:       tenantID,
		Username:       username,
		TypicalHours:   make(map[int]int),
		TypicalDays:    make(map[string]int),
		KnownIPs:       make(map[string]int),
		KnownCities:    make(map[string]int),
		KnownCountries: make(map[string]int),
	}
}

// UserLoginBaseline is the last known location for one username, kept
// separately from the full profile. It is updated on every geo-bearing
// attempt regardless of outcome, because it exists only to feed
// impossible-travel distance/time computation.
type UserLoginBaseline struct {
	TenantID   string    `json:"tenantId"`
	Username   string    `json:"username"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Country    string    `json:"country"`
	City       string    `json:"city"`
	IP         string    `json:"ip"`
	LoginAt    time.Time `json:"loginAt"`
	LoginCount int       `json:"loginCount"`
}

// Risk factor types produced by the behavioral analyzer.
const (
	FactorImpossibleTravel    = "impossible_travel"
	FactorNewLocation         = "new_location"
	FactorUnusualTime         = "unusual_time"
	FactorNewIPForUser        = "new_ip_for_user"
	FactorRapidAttempts       = "rapid_attempts"
	FactorBruteForce          = "brute_force"
	FactorCredentialStuffing  = "credential_stuffing"
	FactorSuccessAfterFailure = "success_after_failures"
	FactorGeoMismatch         = "geo_mismatch"
)

// RiskFactor is one independently-scored anomaly signal. It is ephemeral:
// produced per analysis call, attached to the decision output, never
// persisted as a standalone entity.
type RiskFactor struct {
	Type        string                 `json:"type"`
	Detected    bool                   `json:"detected"`
	Score       int                    `json:"score"`
	Title       string                 `json:"title"`
	Description string                 `json:"description"`
	Details     map[string]interface{} `json:"details,omitempty"`
}

// BehaviorAnalysis is the behavioral analyzer's output for one event.
type BehaviorAnalysis struct {
	RiskScore       int          `json:"riskScore"`  // 0..100, clamped
	RiskFactors     []RiskFactor `json:"riskFactors"`
	Confidence      float64      `json:"confidence"` // 0..1
	Recommendations []string     `json:"recommendations"`
}

// HasFactor reports whether a factor of the given type fired.
func (a *BehaviorAnalysis) HasFactor(factorType string) bool {
	for _, f := range a.RiskFactors {
		if f.Type == factorType && f.Detected {
			return true
		}
	}
	return false
}
