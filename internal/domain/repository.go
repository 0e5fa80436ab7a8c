// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"context"
	"time"
)

// CountryCount is one entry of a user's successful-login country
// distribution, ordered by count descending.
type CountryCount struct {
	Country string `json:"country"`
	Count   int64  `json:"count"`
}

// AttemptStats are windowed per-IP attempt counts.
type AttemptStats struct {
	Total  int64 `json:"total"`
	Failed int64 `json:"failed"`
}

// StuffingStats are the per-IP aggregates behind credential stuffing checks.
type StuffingStats struct {
	UniqueUsernames int64 `json:"uniqueUsernames"`
	TotalAttempts   int64 `json:"totalAttempts"`
	Successes       int64 `json:"successes"`
}

// DistributedStats are the fleet-wide aggregates behind distributed
// brute force detection, optionally scoped to one target server.
type DistributedStats struct {
	UniqueIPs         int64   `json:"uniqueIps"`
	UniqueUsernames   int64   `json:"uniqueUsernames"`
	TotalAttempts     int64   `json:"totalAttempts"`
	AvgAttemptsPerIP  float64 `json:"avgAttemptsPerIp"`
	HighReputationIPs int64   `json:"highReputationIps"`
}

// TakeoverCandidate is one username targeted from many sources.
type TakeoverCandidate struct {
	Username        string  `json:"username"`
	UniqueIPs       int64   `json:"uniqueIps"`
	UniqueCountries int64   `json:"uniqueCountries"`
	AvgAbuseScore   float64 `json:"avgAbuseScore"`
}

// Repository defines the persistence contract. All methods require
// tenantID for strict multi-tenancy isolation. Implementations must
// apply profile and baseline upserts atomically per key.
type Repository interface {
	// Auth events
	SaveAuthEvent(ctx context.Context, tenantID string, event *AuthEvent) error
	GetAuthEvent(ctx context.Context, tenantID string, eventID string) (*AuthEvent, error)

	// Behavioral profiles (read-modify-write; callers serialize per user)
	GetProfile(ctx context.Context, tenantID string, username string) (*UserBehaviorProfile, error)
	UpsertProfile(ctx context.Context, tenantID string, profile *UserBehaviorProfile) error

	// Travel baselines
	GetLoginBaseline(ctx context.Context, tenantID string, username string) (*UserLoginBaseline, error)
	UpsertLoginBaseline(ctx context.Context, tenantID string, baseline *UserLoginBaseline) error

	// Rule configuration
	SaveRuleConfig(ctx context.Context, tenantID string, rule *RuleConfig) error
	GetRuleConfig(ctx context.Context, tenantID string, ruleID string) (*RuleConfig, error)
	ListRuleConfigs(ctx context.Context, tenantID string) ([]*RuleConfig, error)
	DeleteRuleConfig(ctx context.Context, tenantID string, ruleID string) error

	// Decisions
	SaveDecision(ctx context.Context, tenantID string, decision *Decision) error
	GetDecision(ctx context.Context, tenantID string, decisionID string) (*Decision, error)

	// IP reputation cached from threat-intel lookups; feeds the
	// distributed brute force and account takeover aggregates.
	UpsertIPReputation(ctx context.Context, tenantID string, ip string, abuseScore int) error
	GetIPReputation(ctx context.Context, tenantID string, ip string) (int, error)

	// Aggregate queries consumed by detectors and rule evaluators
	CountEventsByIP(ctx context.Context, tenantID string, ip string, since time.Time) (int64, error)
	IPAttemptStats(ctx context.Context, tenantID string, ip string, since time.Time) (*AttemptStats, error)
	IPStuffingStats(ctx context.Context, tenantID string, ip string, since time.Time, eventType EventType) (*StuffingStats, error)
	CountFailedByIPUser(ctx context.Context, tenantID string, ip string, username string, since time.Time) (int64, error)
	CountryDistribution(ctx context.Context, tenantID string, username string, since time.Time, limit int) ([]CountryCount, int64, error)
	LastSuccessfulLogin(ctx context.Context, tenantID string, username string) (*AuthEvent, error)
	FleetStats(ctx context.Context, tenantID string, targetServer string, since time.Time, minAbuseScore int) (*DistributedStats, error)
	TakeoverCandidates(ctx context.Context, tenantID string, since time.Time, minIPs int, minCountries int) ([]TakeoverCandidate, error)
	ListEventTimesByIP(ctx context.Context, tenantID string, ip string, since time.Time) ([]time.Time, error)

	// LatestSuccessfulByInsertion returns the most recently *inserted*
	// successful event for an IP, ordered by insertion sequence rather
	// than event time so that late-arriving batches are still examined.
	LatestSuccessfulByInsertion(ctx context.Context, tenantID string, ip string) (*AuthEvent, error)

	// AcquireCooldown atomically claims the notification cooldown for a
	// rule. Returns false if the cooldown window is still active.
	AcquireCooldown(ctx context.Context, tenantID string, ruleID string, window time.Duration) (bool, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
