// Package signals normalizes external provider responses into the signal
// bag consumed by the scoring pipeline.
package signals

import (
	"context"
	"log/slog"
	"time"

	"github.com/opensource-security/kestrel/internal/domain"
)

// ReputationWriter caches abuse scores so that aggregate queries
// (distributed brute force, account takeover) can see them later.
type ReputationWriter interface {
	UpsertIPReputation(ctx context.Context, tenantID string, ip string, abuseScore int) error
}

// Collector gathers geo, threat and ML signals for one event. Every
// provider call is individually time-bounded; a timeout or error degrades
// that signal to absent and never fails the event.
type Collector struct {
	geo        domain.GeoProvider
	threat     domain.ThreatProvider
	predictor  domain.RiskPredictor
	reputation ReputationWriter
	timeout    time.Duration
}

// NewCollector creates a collector. Any provider may be nil; its signal is
// then always absent. reputation may be nil to skip score caching.
func NewCollector(geo domain.GeoProvider, threat domain.ThreatProvider, predictor domain.RiskPredictor, reputation ReputationWriter, timeout time.Duration) *Collector {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Collector{
		geo:        geo,
		threat:     threat,
		predictor:  predictor,
		reputation: reputation,
		timeout:    timeout,
	}
}

// Collect assembles the signal bag for an event.
func (c *Collector) Collect(ctx context.Context, event *domain.AuthEvent) *domain.SignalBag {
	bag := &domain.SignalBag{}

	if c.geo != nil {
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		geo, err := c.geo.Lookup(callCtx, event.IP)
		cancel()
		if err != nil {
			slog.Debug("geo lookup degraded to absent", "ip", event.IP, "error", err)
		} else {
			bag.Geo = geo
		}
	}

	if c.threat != nil {
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		threat, err := c.threat.Lookup(callCtx, event.IP)
		cancel()
		if err != nil {
			slog.Debug("threat lookup degraded to absent", "ip", event.IP, "error", err)
		} else {
			bag.Threat = threat
			if c.reputation != nil && threat != nil {
				if err := c.reputation.UpsertIPReputation(ctx, event.TenantID, event.IP, threat.AbuseScore); err != nil {
					slog.Debug("failed to cache ip reputation", "ip", event.IP, "error", err)
				}
			}
		}
	}

	if c.predictor != nil {
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		ml, err := c.predictor.Predict(callCtx, event)
		cancel()
		if err != nil {
			slog.Debug("ml prediction degraded to absent", "ip", event.IP, "error", err)
		} else {
			bag.ML = ml
		}
	}

	return bag
}

// Annotate copies the geo signal onto the event record so downstream
// aggregate queries (country distributions, travel baselines) can see it.
func Annotate(event *domain.AuthEvent, bag *domain.SignalBag) {
	if bag == nil || bag.Geo == nil {
		return
	}
	event.Country = bag.Geo.CountryCode
	event.City = bag.Geo.City
	lat, lon := bag.Geo.Latitude, bag.Geo.Longitude
	event.Latitude = &lat
	event.Longitude = &lon
}
