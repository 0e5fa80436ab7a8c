// Package notify gates alert delivery behind a per-rule cooldown and
// hands admitted payloads to the transport collaborator.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-security/kestrel/internal/domain"
)

// DefaultCooldown applies when a rule does not configure its own.
const DefaultCooldown = 15 * time.Minute

// CooldownStore performs the atomic check-and-set behind the limiter.
// Both the cache (SetNX / in-memory CAS) and the repository (conditional
// upsert) implementations satisfy the same guarantee: at most one caller
// acquires a given key per window.
type CooldownStore interface {
	AcquireCooldown(ctx context.Context, tenantID string, key string, window time.Duration) (bool, error)
}

// RateLimiter prevents duplicate alerts for the same rule within its
// cooldown window.
type RateLimiter struct {
	store  CooldownStore
	logger *slog.Logger
}

// NewRateLimiter creates a limiter backed by store.
func NewRateLimiter(store CooldownStore, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimiter{store: store, logger: logger}
}

// Allow reports whether an alert for the rule may be sent now. Acquiring
// the slot and checking it are one atomic operation; under concurrent
// triggers of the same rule exactly one caller wins.
func (l *RateLimiter) Allow(ctx context.Context, rule *domain.RuleConfig) (bool, error) {
	window := DefaultCooldown
	if rule.CooldownMinutes > 0 {
		window = time.Duration(rule.CooldownMinutes) * time.Minute
	}

	ok, err := l.store.AcquireCooldown(ctx, rule.TenantID, rule.ID, window)
	if err != nil {
		return false, fmt.Errorf("acquiring cooldown for rule %s: %w", rule.ID, err)
	}
	if !ok {
		l.logger.Debug("notification suppressed by cooldown",
			"tenant_id", rule.TenantID,
			"rule_id", rule.ID,
			"window", window,
		)
	}
	return ok, nil
}
