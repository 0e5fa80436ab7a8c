package behavior

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/opensource-security/kestrel/internal/domain"
	"github.com/opensource-security/kestrel/internal/repository"
)

// Detection thresholds. Each detector abstains (returns nil) when the
// data it needs is missing; a nil factor never contributes to the score.
const (
	impossibleSpeedKmh = 1000.0
	suspiciousSpeedKmh = 500.0

	unusualHourDistance = 4

	rapidWindow      = 5 * time.Minute
	rapidMinAttempts = 10
	bruteFailureRate = 0.8

	stuffingWindow       = time.Hour
	stuffingMinUsernames = 5
	stuffingMinAttempts  = 10
	stuffingMaxSuccess   = 0.2

	failureStreakWindow = time.Hour
	failureStreakMin    = 3
	failureStreakFull   = 10

	mismatchWindow        = 90 * 24 * time.Hour
	mismatchTopCountries  = 3
	mismatchDominantShare = 0.9
)

func (a *Analyzer) detectImpossibleTravel(ctx context.Context, in Input, _ *domain.UserBehaviorProfile) (*domain.RiskFactor, error) {
	if in.Geo == nil || in.Username == "" {
		return nil, nil
	}
	prior, err := a.agg.LastSuccessfulLogin(ctx, in.TenantID, in.Username)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if prior == nil || prior.Latitude == nil || prior.Longitude == nil {
		return nil, nil
	}
	hours := in.Timestamp.Sub(prior.Timestamp).Hours()
	if hours <= 0 {
		return nil, nil
	}
	distance := HaversineKm(*prior.Latitude, *prior.Longitude, in.Geo.Latitude, in.Geo.Longitude)
	speed := distance / hours

	details := map[string]interface{}{
		"distance_km":  math.Round(distance),
		"speed_kmh":    math.Round(speed),
		"hours":        hours,
		"from_country": prior.Country,
		"from_city":    prior.City,
		"to_country":   in.Geo.CountryCode,
		"to_city":      in.Geo.City,
	}

	switch {
	case speed > impossibleSpeedKmh:
		return &domain.RiskFactor{
			Type:        domain.FactorImpossibleTravel,
			Detected:    true,
			Score:       a.weights.ImpossibleTravel,
			Title:       "Impossible Travel",
			Description: fmt.Sprintf("Login implies travel at %.0f km/h since last successful login", speed),
			Details:     details,
		}, nil
	case speed > suspiciousSpeedKmh:
		return &domain.RiskFactor{
			Type:        domain.FactorImpossibleTravel,
			Detected:    true,
			Score:       a.weights.SuspiciousTravel,
			Title:       "Suspicious Travel Speed",
			Description: fmt.Sprintf("Login implies travel at %.0f km/h since last successful login", speed),
			Details:     details,
		}, nil
	}
	return nil, nil
}

func (a *Analyzer) detectNewLocation(_ context.Context, in Input, profile *domain.UserBehaviorProfile) (*domain.RiskFactor, error) {
	if in.Geo == nil || profile == nil || len(profile.KnownCountries) == 0 {
		return nil, nil
	}
	country := in.Geo.CountryCode
	city := in.Geo.City

	if country != "" {
		if _, known := profile.KnownCountries[country]; !known {
			return &domain.RiskFactor{
				Type:        domain.FactorNewLocation,
				Detected:    true,
				Score:       a.weights.NewCountry,
				Title:       "New Country",
				Description: fmt.Sprintf("First login from %s", country),
				Details:     map[string]interface{}{"country": country, "city": city},
			}, nil
		}
	}
	if city != "" && len(profile.KnownCities) > 0 {
		if _, known := profile.KnownCities[city]; !known {
			return &domain.RiskFactor{
				Type:        domain.FactorNewLocation,
				Detected:    true,
				Score:       a.weights.NewCity,
				Title:       "New City",
				Description: fmt.Sprintf("First login from %s, %s", city, country),
				Details:     map[string]interface{}{"country": country, "city": city},
			}, nil
		}
	}
	return nil, nil
}

func (a *Analyzer) detectUnusualTime(_ context.Context, in Input, profile *domain.UserBehaviorProfile) (*domain.RiskFactor, error) {
	if profile == nil || len(profile.TypicalHours) == 0 {
		return nil, nil
	}
	hour := in.Timestamp.Hour()
	nearest := 24
	for typical := range profile.TypicalHours {
		if d := circularHourDistance(hour, typical); d < nearest {
			nearest = d
		}
	}
	if nearest < unusualHourDistance {
		return nil, nil
	}
	return &domain.RiskFactor{
		Type:        domain.FactorUnusualTime,
		Detected:    true,
		Score:       a.weights.UnusualTime,
		Title:       "Unusual Login Time",
		Description: fmt.Sprintf("Login at hour %02d is %d hours from the user's usual times", hour, nearest),
		Details:     map[string]interface{}{"hour": hour, "hours_from_typical": nearest},
	}, nil
}

func (a *Analyzer) detectNewIP(_ context.Context, in Input, profile *domain.UserBehaviorProfile) (*domain.RiskFactor, error) {
	if in.IP == "" {
		return nil, nil
	}
	// First-ever login: the IP is trivially new, so report it at reduced
	// weight instead of penalizing a brand new user at full strength.
	if profile == nil || profile.LoginCount == 0 {
		return &domain.RiskFactor{
			Type:        domain.FactorNewIPForUser,
			Detected:    true,
			Score:       int(math.Round(0.3 * float64(a.weights.NewIP))),
			Title:       "New IP Address",
			Description: "First recorded login for this user",
			Details:     map[string]interface{}{"ip": in.IP, "first_login": true},
		}, nil
	}
	if _, known := profile.KnownIPs[in.IP]; known {
		return nil, nil
	}
	return &domain.RiskFactor{
		Type:        domain.FactorNewIPForUser,
		Detected:    true,
		Score:       a.weights.NewIP,
		Title:       "New IP Address",
		Description: fmt.Sprintf("User has never logged in from %s", in.IP),
		Details:     map[string]interface{}{"ip": in.IP, "known_ips": len(profile.KnownIPs)},
	}, nil
}

func (a *Analyzer) detectRapidAttempts(ctx context.Context, in Input, _ *domain.UserBehaviorProfile) (*domain.RiskFactor, error) {
	if in.IP == "" {
		return nil, nil
	}
	stats, err := a.agg.IPAttemptStats(ctx, in.TenantID, in.IP, in.Timestamp.Add(-rapidWindow))
	if err != nil {
		return nil, err
	}
	if stats == nil || stats.Total < rapidMinAttempts {
		return nil, nil
	}
	failureRate := float64(stats.Failed) / float64(stats.Total)
	details := map[string]interface{}{
		"attempts":     stats.Total,
		"failed":       stats.Failed,
		"failure_rate": failureRate,
		"window":       rapidWindow.String(),
	}
	if failureRate > bruteFailureRate {
		return &domain.RiskFactor{
			Type:        domain.FactorBruteForce,
			Detected:    true,
			Score:       a.weights.BruteForce,
			Title:       "Brute Force Attack",
			Description: fmt.Sprintf("%d attempts from %s in %s, %.0f%% failed", stats.Total, in.IP, rapidWindow, failureRate*100),
			Details:     details,
		}, nil
	}
	return &domain.RiskFactor{
		Type:        domain.FactorRapidAttempts,
		Detected:    true,
		Score:       a.weights.RapidAttempts,
		Title:       "Rapid Login Attempts",
		Description: fmt.Sprintf("%d attempts from %s in %s", stats.Total, in.IP, rapidWindow),
		Details:     details,
	}, nil
}

func (a *Analyzer) detectCredentialStuffing(ctx context.Context, in Input, _ *domain.UserBehaviorProfile) (*domain.RiskFactor, error) {
	if in.IP == "" {
		return nil, nil
	}
	stats, err := a.agg.IPStuffingStats(ctx, in.TenantID, in.IP, in.Timestamp.Add(-stuffingWindow), "")
	if err != nil {
		return nil, err
	}
	if stats == nil || stats.UniqueUsernames < stuffingMinUsernames || stats.TotalAttempts < stuffingMinAttempts {
		return nil, nil
	}
	successRate := float64(stats.Successes) / float64(stats.TotalAttempts)
	if successRate >= stuffingMaxSuccess {
		return nil, nil
	}
	return &domain.RiskFactor{
		Type:     domain.FactorCredentialStuffing,
		Detected: true,
		Score:    a.weights.CredentialStuffing,
		Title:    "Credential Stuffing",
		Description: fmt.Sprintf("%d usernames tried from %s in the last hour with %.0f%% success",
			stats.UniqueUsernames, in.IP, successRate*100),
		Details: map[string]interface{}{
			"unique_usernames": stats.UniqueUsernames,
			"attempts":         stats.TotalAttempts,
			"success_rate":     successRate,
		},
	}, nil
}

func (a *Analyzer) detectSuccessAfterFailures(ctx context.Context, in Input, _ *domain.UserBehaviorProfile) (*domain.RiskFactor, error) {
	if in.EventType != domain.EventSuccessful || in.IP == "" || in.Username == "" {
		return nil, nil
	}
	failures, err := a.agg.CountFailedByIPUser(ctx, in.TenantID, in.IP, in.Username, in.Timestamp.Add(-failureStreakWindow))
	if err != nil {
		return nil, err
	}
	if failures < failureStreakMin {
		return nil, nil
	}
	score := a.weights.SuccessAfterFailures
	if failures < failureStreakFull {
		score = int(math.Round(0.6 * float64(score)))
	}
	return &domain.RiskFactor{
		Type:        domain.FactorSuccessAfterFailure,
		Detected:    true,
		Score:       score,
		Title:       "Success After Failures",
		Description: fmt.Sprintf("Successful login after %d failed attempts from %s", failures, in.IP),
		Details:     map[string]interface{}{"failed_attempts": failures, "window": failureStreakWindow.String()},
	}, nil
}

func (a *Analyzer) detectGeoMismatch(ctx context.Context, in Input, _ *domain.UserBehaviorProfile) (*domain.RiskFactor, error) {
	if in.Geo == nil || in.Geo.CountryCode == "" || in.Username == "" {
		return nil, nil
	}
	dist, total, err := a.agg.CountryDistribution(ctx, in.TenantID, in.Username, in.Timestamp.Add(-mismatchWindow), mismatchTopCountries)
	if err != nil {
		return nil, err
	}
	if len(dist) == 0 || total == 0 {
		return nil, nil
	}
	dominant := dist[0]
	if dominant.Country == in.Geo.CountryCode {
		return nil, nil
	}
	// Share over every successful login in the window, not just the
	// returned top countries.
	share := float64(dominant.Count) / float64(total)
	if share < mismatchDominantShare {
		return nil, nil
	}
	return &domain.RiskFactor{
		Type:     domain.FactorGeoMismatch,
		Detected: true,
		Score:    a.weights.GeoMismatch,
		Title:    "Geographic Mismatch",
		Description: fmt.Sprintf("Login from %s but %.0f%% of recent logins came from %s",
			in.Geo.CountryCode, share*100, dominant.Country),
		Details: map[string]interface{}{
			"current_country":  in.Geo.CountryCode,
			"dominant_country": dominant.Country,
			"dominant_share":   share,
		},
	}, nil
}
