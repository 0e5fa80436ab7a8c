package signals

import (
	"context"

	"github.com/opensource-security/kestrel/internal/domain"
)

// StaticGeoProvider serves geo signals from a fixed table. Useful for
// development and tests; production deployments plug in a real GeoIP
// collaborator.
type StaticGeoProvider struct {
	Entries map[string]*domain.GeoSignal
}

// Lookup returns the table entry for ip, or nil when unknown.
func (p *StaticGeoProvider) Lookup(ctx context.Context, ip string) (*domain.GeoSignal, error) {
	if p.Entries == nil {
		return nil, nil
	}
	return p.Entries[ip], nil
}

// StaticThreatProvider serves threat signals from a fixed table.
type StaticThreatProvider struct {
	Entries map[string]*domain.ThreatSignal
}

// Lookup returns the table entry for ip, or nil when unknown.
func (p *StaticThreatProvider) Lookup(ctx context.Context, ip string) (*domain.ThreatSignal, error) {
	if p.Entries == nil {
		return nil, nil
	}
	return p.Entries[ip], nil
}

// NoopPredictor is the default when no ML classifier is deployed: the
// base ML signal is always absent and rules relying on it abstain.
type NoopPredictor struct{}

// Predict always returns an absent signal.
func (NoopPredictor) Predict(ctx context.Context, event *domain.AuthEvent) (*domain.MLSignal, error) {
	return nil, nil
}
