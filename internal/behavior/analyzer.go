// Package behavior analyzes authentication events against per-user
// behavioral profiles and short-window event aggregates, producing a
// risk score, the individual risk factors behind it, and a confidence
// estimate for the assessment.
package behavior

import (
	"context"
	"log/slog"
	"time"

	"github.com/opensource-security/kestrel/internal/domain"
)

// Aggregates is the subset of repository queries the analyzer needs.
// *repository.SQLRepository satisfies it.
type Aggregates interface {
	CountEventsByIP(ctx context.Context, tenantID, ip string, since time.Time) (int64, error)
	IPAttemptStats(ctx context.Context, tenantID, ip string, since time.Time) (*domain.AttemptStats, error)
	IPStuffingStats(ctx context.Context, tenantID, ip string, since time.Time, eventType domain.EventType) (*domain.StuffingStats, error)
	CountFailedByIPUser(ctx context.Context, tenantID, ip, username string, since time.Time) (int64, error)
	CountryDistribution(ctx context.Context, tenantID, username string, since time.Time, limit int) ([]domain.CountryCount, int64, error)
	LastSuccessfulLogin(ctx context.Context, tenantID, username string) (*domain.AuthEvent, error)
}

// ProfileSource resolves a user's learned behavioral profile. A nil
// profile (no error) means the user has no history yet.
type ProfileSource interface {
	Profile(ctx context.Context, tenantID, username string) (*domain.UserBehaviorProfile, error)
}

// Weights holds the score contribution of each detector.
type Weights struct {
	ImpossibleTravel     int
	SuspiciousTravel     int
	NewCountry           int
	NewCity              int
	UnusualTime          int
	NewIP                int
	RapidAttempts        int
	BruteForce           int
	CredentialStuffing   int
	SuccessAfterFailures int
	GeoMismatch          int
}

// DefaultWeights returns the standard detector weights.
func DefaultWeights() Weights {
	return Weights{
		ImpossibleTravel:     40,
		SuspiciousTravel:     20,
		NewCountry:           20,
		NewCity:              10,
		UnusualTime:          15,
		NewIP:                15,
		RapidAttempts:        20,
		BruteForce:           30,
		CredentialStuffing:   25,
		SuccessAfterFailures: 15,
		GeoMismatch:          10,
	}
}

// Input is a single authentication attempt to analyze. Geo is nil when
// no geolocation signal was available for the source IP.
type Input struct {
	TenantID  string
	IP        string
	Username  string
	EventType domain.EventType
	Geo       *domain.GeoSignal
	Timestamp time.Time
}

// Analyzer runs the behavioral detectors over an attempt. It only
// reads state; learning is the caller's responsibility.
type Analyzer struct {
	profiles ProfileSource
	agg      Aggregates
	weights  Weights
	logger   *slog.Logger
}

// NewAnalyzer creates an Analyzer with the default weights.
func NewAnalyzer(profiles ProfileSource, agg Aggregates, logger *slog.Logger) *Analyzer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{
		profiles: profiles,
		agg:      agg,
		weights:  DefaultWeights(),
		logger:   logger,
	}
}

type detector func(ctx context.Context, in Input, profile *domain.UserBehaviorProfile) (*domain.RiskFactor, error)

// Analyze evaluates all detectors for one attempt. Detectors that lack
// the data they need abstain rather than guess; a failing aggregate
// query degrades the affected detector to an abstain.
func (a *Analyzer) Analyze(ctx context.Context, in Input) (*domain.BehaviorAnalysis, error) {
	profile, err := a.profiles.Profile(ctx, in.TenantID, in.Username)
	if err != nil {
		return nil, err
	}

	detectors := []struct {
		name string
		fn   detector
	}{
		{"impossible_travel", a.detectImpossibleTravel},
		{"new_location", a.detectNewLocation},
		{"unusual_time", a.detectUnusualTime},
		{"new_ip", a.detectNewIP},
		{"rapid_attempts", a.detectRapidAttempts},
		{"credential_stuffing", a.detectCredentialStuffing},
		{"success_after_failures", a.detectSuccessAfterFailures},
		{"geo_mismatch", a.detectGeoMismatch},
	}

	analysis := &domain.BehaviorAnalysis{
		RiskFactors: make([]domain.RiskFactor, 0, len(detectors)),
	}
	score := 0
	for _, d := range detectors {
		factor, err := d.fn(ctx, in, profile)
		if err != nil {
			a.logger.Debug("detector degraded",
				"detector", d.name,
				"tenant_id", in.TenantID,
				"error", err,
			)
			continue
		}
		if factor == nil {
			continue
		}
		score += factor.Score
		analysis.RiskFactors = append(analysis.RiskFactors, *factor)
	}

	if score > 100 {
		score = 100
	}
	analysis.RiskScore = score
	analysis.Confidence = a.confidence(ctx, in, profile)
	analysis.Recommendations = recommendations(analysis)

	return analysis, nil
}

// confidence estimates how trustworthy the assessment is, based on the
// depth of user history and IP history available to the detectors.
func (a *Analyzer) confidence(ctx context.Context, in Input, profile *domain.UserBehaviorProfile) float64 {
	conf := 0.5

	logins := 0
	if profile != nil {
		logins = profile.LoginCount
	}
	switch {
	case logins >= 100:
		conf += 0.3
	case logins >= 30:
		conf += 0.2
	case logins >= 10:
		conf += 0.1
	}

	ipEvents, err := a.agg.CountEventsByIP(ctx, in.TenantID, in.IP, time.Time{})
	if err != nil {
		a.logger.Debug("ip history lookup failed", "tenant_id", in.TenantID, "error", err)
	} else if ipEvents >= 10 {
		conf += 0.1
	}

	if conf > 1.0 {
		conf = 1.0
	}
	return conf
}

// recommendations maps the triggered factor types to operator guidance.
func recommendations(analysis *domain.BehaviorAnalysis) []string {
	var recs []string
	if analysis.HasFactor(domain.FactorImpossibleTravel) {
		recs = append(recs, "Force multi-factor authentication and require a password reset")
	}
	if analysis.HasFactor(domain.FactorBruteForce) || analysis.HasFactor(domain.FactorCredentialStuffing) {
		recs = append(recs, "Block the source IP immediately")
	}
	if analysis.HasFactor(domain.FactorSuccessAfterFailure) {
		recs = append(recs, "Verify the session and consider terminating it")
	}
	if len(recs) > 0 {
		return recs
	}
	if len(analysis.RiskFactors) == 0 && analysis.RiskScore < 20 {
		return []string{"No action required"}
	}
	return []string{"Monitor for further suspicious activity"}
}
