// Package risk blends the base ML classifier score with deterministic
// contextual adjustments. The blender is independent of the behavioral
// analyzer: it looks only at the event's geo signal, outcome and time.
package risk

import (
	"fmt"
	"time"

	"github.com/opensource-security/kestrel/internal/domain"
)

// Contextual adjustment values.
const (
	nightAdjustment      = 10
	highRiskAdjustment   = 20
	anonymizerAdjustment = 10
)

// highRiskCountries is the closed set of countries that add risk to
// failed attempts.
var highRiskCountries = map[string]bool{
	"CN": true,
	"RU": true,
	"KP": true,
	"IR": true,
	"BY": true,
}

// Adjustments computes the contextual score adjustment for one event.
// It is a pure function of the geo signal, outcome and timestamp.
func Adjustments(geo *domain.GeoSignal, eventType domain.EventType, ts time.Time) (int, []string) {
	adjustment := 0
	var reasons []string

	hour := ts.Hour()
	if hour >= 22 || hour < 6 {
		adjustment += nightAdjustment
		reasons = append(reasons, fmt.Sprintf("night_time_login:+%d", nightAdjustment))
	}

	if geo != nil {
		if eventType == domain.EventFailed && highRiskCountries[geo.CountryCode] {
			adjustment += highRiskAdjustment
			reasons = append(reasons, fmt.Sprintf("high_risk_country_%s:+%d", geo.CountryCode, highRiskAdjustment))
		}

		switch {
		case geo.IsVPN:
			adjustment += anonymizerAdjustment
			reasons = append(reasons, fmt.Sprintf("vpn:+%d", anonymizerAdjustment))
		case geo.IsProxy:
			adjustment += anonymizerAdjustment
			reasons = append(reasons, fmt.Sprintf("proxy:+%d", anonymizerAdjustment))
		case geo.IsDatacenter:
			adjustment += anonymizerAdjustment
			reasons = append(reasons, fmt.Sprintf("datacenter:+%d", anonymizerAdjustment))
		}
	}

	return adjustment, reasons
}

// Blend applies the contextual adjustment to the base ML score and
// clamps the result to 100. A nil ML signal blends from zero.
func Blend(ml *domain.MLSignal, geo *domain.GeoSignal, eventType domain.EventType, ts time.Time) (int, []string) {
	base := 0
	if ml != nil {
		base = ml.RiskScore
	}
	adjustment, reasons := Adjustments(geo, eventType, ts)
	adjusted := base + adjustment
	if adjusted > 100 {
		adjusted = 100
	}
	return adjusted, reasons
}
