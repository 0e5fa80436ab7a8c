package rules

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/opensource-security/kestrel/internal/baseline"
	"github.com/opensource-security/kestrel/internal/behavior"
	"github.com/opensource-security/kestrel/internal/domain"
	"github.com/opensource-security/kestrel/internal/repository"
)

// ipReputation resolves an IP's abuse score, preferring the live threat
// signal over the cached reputation table. Unknown IPs score 0.
func ipReputation(ctx context.Context, agg Aggregates, in *Input) (int, error) {
	if in.Signals != nil && in.Signals.Threat != nil {
		return in.Signals.Threat.AbuseScore, nil
	}
	score, err := agg.GetIPReputation(ctx, in.Event.TenantID, in.Event.IP)
	if errors.Is(err, repository.ErrNotFound) {
		return 0, nil
	}
	return score, err
}

// thresholdRule triggers on the base ML score. When MinFailedAttempts is
// configured it is checked first against a 24h failed-attempt aggregate,
// short-circuiting before the score is considered.
type thresholdRule struct {
	cond     ThresholdConditions
	agg      Aggregates
	approval bool
}

func (r *thresholdRule) Evaluate(ctx context.Context, in *Input) (domain.Verdict, error) {
	v := &domain.ThresholdVerdict{}

	if r.cond.MinFailedAttempts > 1 {
		stats, err := r.agg.IPAttemptStats(ctx, in.Event.TenantID, in.Event.IP, in.Event.Timestamp.Add(-24*time.Hour))
		if err != nil {
			return nil, err
		}
		if stats.Failed < int64(r.cond.MinFailedAttempts) {
			v.Reason = fmt.Sprintf("%d failed attempts in 24h, below %d", stats.Failed, r.cond.MinFailedAttempts)
			return v, nil
		}
	}

	ml := in.Signals.ML
	if ml == nil {
		v.Reason = "no ML signal available"
		return v, nil
	}
	v.RiskScore = ml.RiskScore
	v.Confidence = ml.Confidence
	v.ThreatType = ml.ThreatType

	if ml.RiskScore < r.cond.MinRiskScore {
		v.Reason = fmt.Sprintf("risk score %d below %d", ml.RiskScore, r.cond.MinRiskScore)
		return v, nil
	}
	if ml.Confidence < r.cond.MinConfidence {
		v.Reason = fmt.Sprintf("confidence %.2f below %.2f", ml.Confidence, r.cond.MinConfidence)
		return v, nil
	}
	if len(r.cond.ThreatTypes) > 0 {
		allowed := false
		for _, t := range r.cond.ThreatTypes {
			if t == ml.ThreatType {
				allowed = true
				break
			}
		}
		if !allowed {
			v.Reason = fmt.Sprintf("threat type %q not in scope", ml.ThreatType)
			return v, nil
		}
	}

	v.Triggered = true
	v.RequiresApproval = r.approval
	v.Reason = fmt.Sprintf("risk score %d >= %d with confidence %.2f", ml.RiskScore, r.cond.MinRiskScore, ml.Confidence)
	return v, nil
}

// stuffingRule counts distinct usernames attempted by one IP. Its
// optional filters run before the count query.
type stuffingRule struct {
	cond     StuffingConditions
	agg      Aggregates
	approval bool
}

func (r *stuffingRule) Evaluate(ctx context.Context, in *Input) (domain.Verdict, error) {
	v := &domain.StuffingVerdict{}

	if r.cond.MaxAbuseScore != nil {
		rep, err := ipReputation(ctx, r.agg, in)
		if err != nil {
			return nil, err
		}
		if rep > *r.cond.MaxAbuseScore {
			v.Reason = fmt.Sprintf("abuse score %d above %d, handled elsewhere", rep, *r.cond.MaxAbuseScore)
			return v, nil
		}
	}
	if r.cond.OffHoursOnly {
		hour := in.Event.Timestamp.Hour()
		if hour >= 6 && hour < 22 {
			v.Reason = "inside business hours window"
			return v, nil
		}
	}

	since := in.Event.Timestamp.Add(-time.Duration(r.cond.TimeWindowMinutes) * time.Minute)
	stats, err := r.agg.IPStuffingStats(ctx, in.Event.TenantID, in.Event.IP, since, r.cond.EventType)
	if err != nil {
		return nil, err
	}

	v.UniqueUsernames = int(stats.UniqueUsernames)
	v.TotalAttempts = int(stats.TotalAttempts)
	if stats.TotalAttempts > 0 {
		v.SuccessRate = float64(stats.Successes) / float64(stats.TotalAttempts)
	}

	if stats.UniqueUsernames < int64(r.cond.Threshold) {
		v.Reason = fmt.Sprintf("%d distinct usernames, below %d", stats.UniqueUsernames, r.cond.Threshold)
		return v, nil
	}
	// A spray with real traction is account takeover territory, not
	// stuffing noise.
	if stats.TotalAttempts > 0 && v.SuccessRate >= 0.2 {
		v.Reason = fmt.Sprintf("success rate %.0f%% too high for stuffing", v.SuccessRate*100)
		return v, nil
	}

	v.Triggered = true
	v.RequiresApproval = r.approval
	v.Reason = fmt.Sprintf("%d distinct usernames from %s in %dm (%.0f%% success)",
		stats.UniqueUsernames, in.Event.IP, r.cond.TimeWindowMinutes, v.SuccessRate*100)
	return v, nil
}

// velocityRule triggers when one IP's event count in a short window
// reaches the maximum; the boundary is inclusive.
type velocityRule struct {
	cond     VelocityConditions
	approval bool
}

func (r *velocityRule) Evaluate(ctx context.Context, in *Input) (domain.Verdict, error) {
	since := in.Event.Timestamp.Add(-time.Duration(r.cond.TimeWindowSeconds) * time.Second)
	count, err := in.velocity.CountEventsByIP(ctx, in.Event.TenantID, in.Event.IP, since)
	if err != nil {
		return nil, err
	}

	v := &domain.VelocityVerdict{EventCount: count, WindowSeconds: r.cond.TimeWindowSeconds}
	if count < int64(r.cond.MaxEvents) {
		v.Reason = fmt.Sprintf("%d events in %ds, below %d", count, r.cond.TimeWindowSeconds, r.cond.MaxEvents)
		return v, nil
	}
	v.Triggered = true
	v.RequiresApproval = r.approval
	v.Reason = fmt.Sprintf("%d events from %s in %ds", count, in.Event.IP, r.cond.TimeWindowSeconds)
	return v, nil
}

// distributedRule detects coordinated low-frequency attacks spread over
// many IPs. The pattern score is informational severity; the trigger is
// the three base thresholds holding simultaneously.
type distributedRule struct {
	cond     DistributedConditions
	agg      Aggregates
	approval bool
}

const distributedRepCutoff = 25

func (r *distributedRule) Evaluate(ctx context.Context, in *Input) (domain.Verdict, error) {
	server := r.cond.TargetServer
	if server == "" {
		server = in.Event.TargetServer
	}
	since := in.Event.Timestamp.Add(-time.Duration(r.cond.TimeWindowMinutes) * time.Minute)
	stats, err := r.agg.FleetStats(ctx, in.Event.TenantID, server, since, distributedRepCutoff)
	if err != nil {
		return nil, err
	}

	v := &domain.DistributedVerdict{
		UniqueIPs:        int(stats.UniqueIPs),
		UniqueUsernames:  int(stats.UniqueUsernames),
		TotalAttempts:    int(stats.TotalAttempts),
		AvgAttemptsPerIP: stats.AvgAttemptsPerIP,
	}

	manyIPs := stats.UniqueIPs >= int64(r.cond.UniqueIPsThreshold)
	manyUsers := stats.UniqueUsernames >= int64(r.cond.UniqueUsersThreshold)
	lowAndSlow := stats.AvgAttemptsPerIP <= r.cond.MaxAttemptsPerIP

	score := 0
	if manyIPs {
		score += 30
	}
	if manyUsers {
		score += 30
	}
	if lowAndSlow && stats.TotalAttempts > 10 {
		score += 40
	}
	if stats.HighReputationIPs >= 3 {
		score += 20
	}
	if score > 100 {
		score = 100
	}
	v.PatternScore = score

	if !(manyIPs && manyUsers && lowAndSlow) {
		v.Reason = fmt.Sprintf("no distributed pattern (%d IPs, %d usernames, %.1f attempts/IP)",
			stats.UniqueIPs, stats.UniqueUsernames, stats.AvgAttemptsPerIP)
		return v, nil
	}

	v.Triggered = true
	v.RequiresApproval = r.approval
	v.Reason = fmt.Sprintf("distributed attack: %d IPs targeting %d usernames at %.1f attempts/IP (pattern score %d)",
		stats.UniqueIPs, stats.UniqueUsernames, stats.AvgAttemptsPerIP, score)
	return v, nil
}

// takeoverRule finds usernames targeted from many IPs or countries and
// scores each candidate; the highest-scoring one represents the verdict.
type takeoverRule struct {
	cond     TakeoverConditions
	agg      Aggregates
	approval bool
}

const takeoverTriggerScore = 50

func (r *takeoverRule) Evaluate(ctx context.Context, in *Input) (domain.Verdict, error) {
	since := in.Event.Timestamp.Add(-time.Duration(r.cond.TimeWindowMinutes) * time.Minute)
	candidates, err := r.agg.TakeoverCandidates(ctx, in.Event.TenantID, since,
		r.cond.UniqueIPsThreshold, r.cond.UniqueCountriesThreshold)
	if err != nil {
		return nil, err
	}

	v := &domain.TakeoverVerdict{}
	if len(candidates) == 0 {
		v.Reason = "no usernames under multi-source attack"
		return v, nil
	}

	for _, c := range candidates {
		score := int(math.Min(float64(c.UniqueIPs)*10, 40)) + int(math.Min(float64(c.UniqueCountries)*15, 30))
		if c.AvgAbuseScore >= 30 {
			score += 30
		}
		if score > v.ThreatScore {
			v.ThreatScore = score
			v.Username = c.Username
			v.UniqueIPs = int(c.UniqueIPs)
			v.UniqueCountries = int(c.UniqueCountries)
		}
	}

	if v.ThreatScore < takeoverTriggerScore {
		v.Reason = fmt.Sprintf("top candidate %q scores %d, below %d", v.Username, v.ThreatScore, takeoverTriggerScore)
		return v, nil
	}

	v.Triggered = true
	v.RequiresApproval = r.approval
	v.Reason = fmt.Sprintf("account takeover pattern on %q: %d IPs, %d countries (score %d)",
		v.Username, v.UniqueIPs, v.UniqueCountries, v.ThreatScore)
	return v, nil
}

// travelRule is the rule-engine impossible travel variant. It owns the
// UserLoginBaseline and always advances it to the newest location, even
// when the verdict does not trigger.
type travelRule struct {
	cond      TravelConditions
	agg       Aggregates
	baselines *baseline.Store
	approval  bool
}

func (r *travelRule) Evaluate(ctx context.Context, in *Input) (domain.Verdict, error) {
	v := &domain.TravelVerdict{}
	geo := in.Signals.Geo
	if geo == nil || in.Event.Username == "" {
		v.Reason = "no location data for travel check"
		return v, nil
	}

	prior, err := r.baselines.AdvanceLoginBaseline(ctx, in.Event.TenantID, in.Event.Username, baseline.LocationPoint{
		Latitude:  geo.Latitude,
		Longitude: geo.Longitude,
		Country:   geo.CountryCode,
		City:      geo.City,
		IP:        in.Event.IP,
		LoginAt:   in.Event.Timestamp,
	})
	if err != nil {
		return nil, err
	}
	if prior == nil {
		v.BaselineCreated = true
		v.Reason = "baseline created"
		return v, nil
	}

	v.ElapsedHours = in.Event.Timestamp.Sub(prior.LoginAt).Hours()
	v.DistanceKm = behavior.HaversineKm(prior.Latitude, prior.Longitude, geo.Latitude, geo.Longitude)
	if v.ElapsedHours > 0 {
		v.SpeedKmh = v.DistanceKm / v.ElapsedHours
	}

	if v.DistanceKm <= r.cond.MaxDistanceKm || v.ElapsedHours >= r.cond.TimeWindowHours || v.ElapsedHours < 0 {
		v.Reason = fmt.Sprintf("%.0f km in %.1f h is plausible", v.DistanceKm, v.ElapsedHours)
		return v, nil
	}

	if r.cond.MinRiskScore > 0 {
		rep, err := ipReputation(ctx, r.agg, in)
		if err != nil {
			return nil, err
		}
		combined := rep + int(math.Min(40, v.DistanceKm/100))
		if combined < r.cond.MinRiskScore {
			v.Reason = fmt.Sprintf("combined risk %d below %d", combined, r.cond.MinRiskScore)
			return v, nil
		}
	}

	v.Triggered = true
	v.RequiresApproval = r.approval
	v.Reason = fmt.Sprintf("impossible travel: %.0f km in %.1f h (%.0f km/h) from %s to %s",
		v.DistanceKm, v.ElapsedHours, v.SpeedKmh, prior.Country, geo.CountryCode)
	return v, nil
}

// behavioralRule triggers on the behavioral analyzer's composite output
// and chooses a block-method hint from the score.
type behavioralRule struct {
	cond     BehavioralConditions
	approval bool
}

func (r *behavioralRule) Evaluate(_ context.Context, in *Input) (domain.Verdict, error) {
	analysis := in.Behavior
	if analysis == nil {
		return nil, fmt.Errorf("behavioral analysis unavailable")
	}

	v := &domain.BehavioralVerdict{
		RiskScore:   analysis.RiskScore,
		Confidence:  analysis.Confidence,
		BlockMethod: domain.BlockNone,
		Factors:     analysis.RiskFactors,
	}

	if analysis.RiskScore < r.cond.MinRiskScore {
		v.Reason = fmt.Sprintf("behavioral score %d below %d", analysis.RiskScore, r.cond.MinRiskScore)
		return v, nil
	}
	if analysis.Confidence < r.cond.MinConfidence {
		v.Reason = fmt.Sprintf("confidence %.2f below %.2f", analysis.Confidence, r.cond.MinConfidence)
		return v, nil
	}

	priorityFired := r.cond.PriorityFactor != "" && analysis.HasFactor(r.cond.PriorityFactor)
	switch {
	case analysis.RiskScore >= 80 || (priorityFired && analysis.RiskScore >= 60):
		v.BlockMethod = domain.BlockPermanent
	default:
		v.BlockMethod = domain.BlockTemporary
	}

	v.Triggered = true
	v.RequiresApproval = r.approval
	v.Reason = fmt.Sprintf("behavioral risk %d with confidence %.2f (%d factors)",
		analysis.RiskScore, analysis.Confidence, len(analysis.RiskFactors))
	return v, nil
}
