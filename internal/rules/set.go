// Package rules implements the rule evaluator set: a library of decision
// functions, one per rule family, each taking a decoded rule configuration
// plus live aggregates and returning a standardized verdict. One failing
// rule never blocks evaluation of the remaining rules.
package rules

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/opensource-security/kestrel/internal/baseline"
	"github.com/opensource-security/kestrel/internal/domain"
)

// Aggregates is the subset of repository queries the evaluators need.
type Aggregates interface {
	CountEventsByIP(ctx context.Context, tenantID, ip string, since time.Time) (int64, error)
	IPAttemptStats(ctx context.Context, tenantID, ip string, since time.Time) (*domain.AttemptStats, error)
	IPStuffingStats(ctx context.Context, tenantID, ip string, since time.Time, eventType domain.EventType) (*domain.StuffingStats, error)
	FleetStats(ctx context.Context, tenantID, targetServer string, since time.Time, minAbuseScore int) (*domain.DistributedStats, error)
	TakeoverCandidates(ctx context.Context, tenantID string, since time.Time, minIPs, minCountries int) ([]domain.TakeoverCandidate, error)
	GetIPReputation(ctx context.Context, tenantID, ip string) (int, error)
	LatestSuccessfulByInsertion(ctx context.Context, tenantID, ip string) (*domain.AuthEvent, error)
	ListEventTimesByIP(ctx context.Context, tenantID, ip string, since time.Time) ([]time.Time, error)
}

// EventCounter is the velocity lookup. A cache-backed counter can be
// supplied here; it defaults to the Aggregates implementation.
type EventCounter interface {
	CountEventsByIP(ctx context.Context, tenantID, ip string, since time.Time) (int64, error)
}

// Deps are the collaborators shared by all evaluators.
type Deps struct {
	Aggregates Aggregates
	Baselines  *baseline.Store
	Velocity   EventCounter
	Logger     *slog.Logger
}

// Input is the per-event evaluation context. Signals and Behavior may
// carry nil members; evaluators that need an absent signal decline to
// trigger instead of failing.
type Input struct {
	Event         *domain.AuthEvent
	Signals       *domain.SignalBag
	Behavior      *domain.BehaviorAnalysis
	AdjustedScore int

	// velocity is installed by Evaluate for the duration of one pass.
	velocity EventCounter
}

// passCounter memoizes velocity lookups within a single evaluation
// pass. A cache-backed counter advances on lookup, so rules sharing a
// window must share one lookup per event or the event is counted more
// than once.
type passCounter struct {
	inner EventCounter
	seen  map[string]int64
}

func newPassCounter(inner EventCounter) *passCounter {
	return &passCounter{inner: inner, seen: make(map[string]int64)}
}

func (c *passCounter) CountEventsByIP(ctx context.Context, tenantID, ip string, since time.Time) (int64, error) {
	key := fmt.Sprintf("%s|%s|%d", tenantID, ip, since.Unix())
	if n, ok := c.seen[key]; ok {
		return n, nil
	}
	n, err := c.inner.CountEventsByIP(ctx, tenantID, ip, since)
	if err != nil {
		return 0, err
	}
	c.seen[key] = n
	return n, nil
}

// evaluator is one compiled rule ready to run.
type evaluator interface {
	Evaluate(ctx context.Context, in *Input) (domain.Verdict, error)
}

type activeRule struct {
	cfg  *domain.RuleConfig
	eval evaluator
}

// Outcome pairs a rule with its verdict for the coordinator.
type Outcome struct {
	Rule    *domain.RuleConfig
	Verdict domain.Verdict
}

// Set holds the active (successfully decoded) rules for evaluation,
// ordered by priority. It is safe for concurrent use; Load replaces the
// whole set atomically.
type Set struct {
	deps   Deps
	custom *celEngine

	mu    sync.RWMutex
	rules []activeRule
}

// NewSet creates an empty rule set.
func NewSet(deps Deps) (*Set, error) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Velocity == nil {
		deps.Velocity = deps.Aggregates
	}
	engine, err := newCELEngine()
	if err != nil {
		return nil, fmt.Errorf("creating expression engine: %w", err)
	}
	return &Set{deps: deps, custom: engine}, nil
}

// Validate checks that a rule configuration decodes and, for custom
// rules, that its expression compiles. It does not mutate the set.
func (s *Set) Validate(cfg *domain.RuleConfig) error {
	if cfg == nil {
		return fmt.Errorf("rule config is required")
	}
	_, err := s.build(cfg)
	return err
}

// Load replaces the active rule set with the given configurations.
// Disabled rules are skipped; rules that fail to decode are excluded and
// reported, never halting the load of the remaining rules.
func (s *Set) Load(configs []*domain.RuleConfig) []error {
	var errs []error
	active := make([]activeRule, 0, len(configs))

	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		eval, err := s.build(cfg)
		if err != nil {
			errs = append(errs, fmt.Errorf("rule %s (%s): %w", cfg.Name, cfg.ID, err))
			s.deps.Logger.Warn("excluding rule from active set",
				"rule_id", cfg.ID,
				"rule_name", cfg.Name,
				"error", err,
			)
			continue
		}
		active = append(active, activeRule{cfg: cfg, eval: eval})
	}

	// Higher priority evaluates first; name breaks ties deterministically.
	sort.SliceStable(active, func(i, j int) bool {
		if active[i].cfg.Priority != active[j].cfg.Priority {
			return active[i].cfg.Priority > active[j].cfg.Priority
		}
		return active[i].cfg.Name < active[j].cfg.Name
	})

	s.mu.Lock()
	s.rules = active
	s.mu.Unlock()

	return errs
}

// Len returns the number of active rules.
func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rules)
}

// Configs returns the configurations of the active rules in evaluation
// order.
func (s *Set) Configs() []*domain.RuleConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.RuleConfig, len(s.rules))
	for i, r := range s.rules {
		out[i] = r.cfg
	}
	return out
}

// Evaluate runs every active rule against one event in priority order.
// An evaluator fault is converted into a non-triggering ErrorVerdict so
// the remaining rules still run.
func (s *Set) Evaluate(ctx context.Context, in *Input) []Outcome {
	s.mu.RLock()
	rules := s.rules
	s.mu.RUnlock()

	if in.Signals == nil {
		in.Signals = &domain.SignalBag{}
	}
	in.velocity = newPassCounter(s.deps.Velocity)

	outcomes := make([]Outcome, 0, len(rules))
	for _, r := range rules {
		verdict, err := r.eval.Evaluate(ctx, in)
		if err != nil {
			s.deps.Logger.Warn("rule evaluation failed",
				"rule_id", r.cfg.ID,
				"rule_name", r.cfg.Name,
				"tenant_id", in.Event.TenantID,
				"error", err,
			)
			verdict = &domain.ErrorVerdict{VerdictHeader: domain.VerdictHeader{
				Reason: fmt.Sprintf("Error: %v", err),
			}}
		}
		outcomes = append(outcomes, Outcome{Rule: r.cfg, Verdict: verdict})
	}
	return outcomes
}

// build decodes a configuration into its family's evaluator.
func (s *Set) build(cfg *domain.RuleConfig) (evaluator, error) {
	switch cfg.Type {
	case domain.RuleThreshold:
		cond := ThresholdConditions{MinRiskScore: 50, MinConfidence: 0.5}
		if err := decodeConditions(cfg.Conditions, &cond); err != nil {
			return nil, err
		}
		return &thresholdRule{cond: cond, agg: s.deps.Aggregates, approval: cfg.RequiresApproval}, nil

	case domain.RuleCredentialStuffing:
		cond := StuffingConditions{TimeWindowMinutes: 60, Threshold: 10}
		if err := decodeConditions(cfg.Conditions, &cond); err != nil {
			return nil, err
		}
		return &stuffingRule{cond: cond, agg: s.deps.Aggregates, approval: cfg.RequiresApproval}, nil

	case domain.RuleVelocity:
		cond := VelocityConditions{TimeWindowSeconds: 60, MaxEvents: 20}
		if err := decodeConditions(cfg.Conditions, &cond); err != nil {
			return nil, err
		}
		return &velocityRule{cond: cond, approval: cfg.RequiresApproval}, nil

	case domain.RuleDistributedBruteForce:
		cond := DistributedConditions{TimeWindowMinutes: 60, UniqueIPsThreshold: 5, UniqueUsersThreshold: 5, MaxAttemptsPerIP: 10}
		if err := decodeConditions(cfg.Conditions, &cond); err != nil {
			return nil, err
		}
		return &distributedRule{cond: cond, agg: s.deps.Aggregates, approval: cfg.RequiresApproval}, nil

	case domain.RuleAccountTakeover:
		cond := TakeoverConditions{TimeWindowMinutes: 60, UniqueIPsThreshold: 3, UniqueCountriesThreshold: 2}
		if err := decodeConditions(cfg.Conditions, &cond); err != nil {
			return nil, err
		}
		return &takeoverRule{cond: cond, agg: s.deps.Aggregates, approval: cfg.RequiresApproval}, nil

	case domain.RuleOffHours:
		cond := OffHoursConditions{WorkStartHour: 8, WorkEndHour: 18, TimeWindowMinutes: 60, MinOffHoursAttempts: 5}
		if err := decodeConditions(cfg.Conditions, &cond); err != nil {
			return nil, err
		}
		return &offHoursRule{
			cond:     cond,
			workDays: workDaySet(cond.WorkDays),
			agg:      s.deps.Aggregates,
			profiles: s.deps.Baselines,
			approval: cfg.RequiresApproval,
		}, nil

	case domain.RuleImpossibleTravel:
		cond := TravelConditions{MaxDistanceKm: 500, TimeWindowHours: 12}
		if err := decodeConditions(cfg.Conditions, &cond); err != nil {
			return nil, err
		}
		return &travelRule{cond: cond, agg: s.deps.Aggregates, baselines: s.deps.Baselines, approval: cfg.RequiresApproval}, nil

	case domain.RuleBehavioral:
		cond := BehavioralConditions{MinRiskScore: 60, MinConfidence: 0.5}
		if err := decodeConditions(cfg.Conditions, &cond); err != nil {
			return nil, err
		}
		return &behavioralRule{cond: cond, approval: cfg.RequiresApproval}, nil

	case domain.RuleCustom:
		var cond CustomConditions
		if err := decodeConditions(cfg.Conditions, &cond); err != nil {
			return nil, err
		}
		return s.custom.compile(cond, cfg.RequiresApproval)

	default:
		return nil, fmt.Errorf("unknown rule type %q", cfg.Type)
	}
}
