package domain

import (
	"context"
)

// GeoSignal is the normalized GeoIP lookup result for one IP.
type GeoSignal struct {
	CountryCode  string  `json:"countryCode"`
	City         string  `json:"city"`
	Latitude     float64 `json:"latitude"`
	Longitude    float64 `json:"longitude"`
	IsProxy      bool    `json:"isProxy"`
	IsVPN        bool    `json:"isVpn"`
	IsTor        bool    `json:"isTor"`
	IsDatacenter bool    `json:"isDatacenter"`
}

// ThreatLevel buckets an IP's overall reputation.
type ThreatLevel string

const (
	ThreatClean    ThreatLevel = "clean"
	ThreatLow      ThreatLevel = "low"
	ThreatMedium   ThreatLevel = "medium"
	ThreatHigh     ThreatLevel = "high"
	ThreatCritical ThreatLevel = "critical"
)

// ThreatSignal is the normalized threat-intelligence result for one IP.
type ThreatSignal struct {
	AbuseScore  int         `json:"abuseScore"` // 0..100
	ThreatLevel ThreatLevel `json:"threatLevel"`
}

// MLSignal is the base classifier's prediction for one event.
type MLSignal struct {
	RiskScore  int     `json:"riskScore"`  // 0..100
	Confidence float64 `json:"confidence"` // 0..1
	ThreatType string  `json:"threatType,omitempty"`
	IsAnomaly  bool    `json:"isAnomaly"`
}

// SignalBag carries the collected external signals for one event.
// Any field may be nil: a failed or timed-out lookup degrades to absence.
type SignalBag struct {
	Geo    *GeoSignal    `json:"geo,omitempty"`
	Threat *ThreatSignal `json:"threat,omitempty"`
	ML     *MLSignal     `json:"ml,omitempty"`
}

// GeoProvider looks up geolocation and network attributes for an IP.
type GeoProvider interface {
	Lookup(ctx context.Context, ip string) (*GeoSignal, error)
}

// ThreatProvider looks up threat-intelligence data for an IP.
type ThreatProvider interface {
	Lookup(ctx context.Context, ip string) (*ThreatSignal, error)
}

// RiskPredictor is the opaque base ML classifier.
type RiskPredictor interface {
	Predict(ctx context.Context, event *AuthEvent) (*MLSignal, error)
}
