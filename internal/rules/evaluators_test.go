package rules

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/opensource-security/kestrel/internal/baseline"
	"github.com/opensource-security/kestrel/internal/domain"
	"github.com/opensource-security/kestrel/internal/repository"
)

type fakeRepo struct {
	profiles  map[string]*domain.UserBehaviorProfile
	baselines map[string]*domain.UserLoginBaseline
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		profiles:  make(map[string]*domain.UserBehaviorProfile),
		baselines: make(map[string]*domain.UserLoginBaseline),
	}
}

func (r *fakeRepo) GetProfile(_ context.Context, tenantID, username string) (*domain.UserBehaviorProfile, error) {
	p, ok := r.profiles[tenantID+":"+username]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return p, nil
}

func (r *fakeRepo) UpsertProfile(_ context.Context, tenantID string, p *domain.UserBehaviorProfile) error {
	r.profiles[tenantID+":"+p.Username] = p
	return nil
}

func (r *fakeRepo) GetLoginBaseline(_ context.Context, tenantID, username string) (*domain.UserLoginBaseline, error) {
	b, ok := r.baselines[tenantID+":"+username]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return b, nil
}

func (r *fakeRepo) UpsertLoginBaseline(_ context.Context, tenantID string, b *domain.UserLoginBaseline) error {
	r.baselines[tenantID+":"+b.Username] = b
	return nil
}

type fakeAgg struct {
	count      int64
	countErr   error
	attempts   domain.AttemptStats
	stuffing   domain.StuffingStats
	fleet      domain.DistributedStats
	candidates []domain.TakeoverCandidate
	reputation int
	latest     *domain.AuthEvent
	times      []time.Time
}

func (f *fakeAgg) CountEventsByIP(_ context.Context, _, _ string, _ time.Time) (int64, error) {
	return f.count, f.countErr
}

func (f *fakeAgg) IPAttemptStats(_ context.Context, _, _ string, _ time.Time) (*domain.AttemptStats, error) {
	return &f.attempts, nil
}

func (f *fakeAgg) IPStuffingStats(_ context.Context, _, _ string, _ time.Time, _ domain.EventType) (*domain.StuffingStats, error) {
	return &f.stuffing, nil
}

func (f *fakeAgg) FleetStats(_ context.Context, _, _ string, _ time.Time, _ int) (*domain.DistributedStats, error) {
	return &f.fleet, nil
}

func (f *fakeAgg) TakeoverCandidates(_ context.Context, _ string, _ time.Time, _, _ int) ([]domain.TakeoverCandidate, error) {
	return f.candidates, nil
}

func (f *fakeAgg) GetIPReputation(_ context.Context, _, _ string) (int, error) {
	return f.reputation, nil
}

func (f *fakeAgg) LatestSuccessfulByInsertion(_ context.Context, _, _ string) (*domain.AuthEvent, error) {
	if f.latest == nil {
		return nil, repository.ErrNotFound
	}
	return f.latest, nil
}

func (f *fakeAgg) ListEventTimesByIP(_ context.Context, _, _ string, _ time.Time) ([]time.Time, error) {
	return f.times, nil
}

func newTestSet(t *testing.T, agg *fakeAgg) *Set {
	t.Helper()
	if agg == nil {
		agg = &fakeAgg{}
	}
	set, err := NewSet(Deps{
		Aggregates: agg,
		Baselines:  baseline.NewStore(newFakeRepo()),
		Logger:     slog.Default(),
	})
	if err != nil {
		t.Fatalf("NewSet: %v", err)
	}
	return set
}

func ruleOf(t *testing.T, ruleType domain.RuleType, conditions string) *domain.RuleConfig {
	t.Helper()
	return &domain.RuleConfig{
		ID:         "rule-1",
		TenantID:   "tenant-1",
		Name:       fmt.Sprintf("test-%s", ruleType),
		Type:       ruleType,
		Conditions: json.RawMessage(conditions),
		Enabled:    true,
	}
}

func businessHoursEvent() *domain.AuthEvent {
	return &domain.AuthEvent{
		ID:        "evt-1",
		TenantID:  "tenant-1",
		IP:        "203.0.113.7",
		Username:  "alice",
		EventType: domain.EventFailed,
		Timestamp: time.Date(2025, 6, 2, 14, 0, 0, 0, time.UTC), // Monday
	}
}

func evaluateOne(t *testing.T, set *Set, cfg *domain.RuleConfig, in *Input) domain.Verdict {
	t.Helper()
	if errs := set.Load([]*domain.RuleConfig{cfg}); len(errs) > 0 {
		t.Fatalf("Load: %v", errs)
	}
	outcomes := set.Evaluate(context.Background(), in)
	if len(outcomes) != 1 {
		t.Fatalf("expected 1 outcome, got %d", len(outcomes))
	}
	return outcomes[0].Verdict
}

func TestThresholdRule(t *testing.T) {
	tests := []struct {
		name       string
		conditions string
		signals    *domain.SignalBag
		attempts   domain.AttemptStats
		want       bool
	}{
		{
			"triggers at defaults",
			`{}`,
			&domain.SignalBag{ML: &domain.MLSignal{RiskScore: 75, Confidence: 0.8}},
			domain.AttemptStats{},
			true,
		},
		{
			"score below minimum",
			`{}`,
			&domain.SignalBag{ML: &domain.MLSignal{RiskScore: 49, Confidence: 0.8}},
			domain.AttemptStats{},
			false,
		},
		{
			"confidence below minimum",
			`{}`,
			&domain.SignalBag{ML: &domain.MLSignal{RiskScore: 75, Confidence: 0.4}},
			domain.AttemptStats{},
			false,
		},
		{
			"no ml signal",
			`{}`,
			&domain.SignalBag{},
			domain.AttemptStats{},
			false,
		},
		{
			"failed attempts gate unmet",
			`{"min_failed_attempts": 5}`,
			&domain.SignalBag{ML: &domain.MLSignal{RiskScore: 99, Confidence: 0.9}},
			domain.AttemptStats{Total: 4, Failed: 3},
			false,
		},
		{
			"failed attempts gate met",
			`{"min_failed_attempts": 5}`,
			&domain.SignalBag{ML: &domain.MLSignal{RiskScore: 99, Confidence: 0.9}},
			domain.AttemptStats{Total: 8, Failed: 6},
			true,
		},
		{
			"threat type filtered out",
			`{"threat_types": ["bruteforce"]}`,
			&domain.SignalBag{ML: &domain.MLSignal{RiskScore: 75, Confidence: 0.8, ThreatType: "stuffing"}},
			domain.AttemptStats{},
			false,
		},
		{
			"threat type in scope",
			`{"threat_types": ["bruteforce", "stuffing"]}`,
			&domain.SignalBag{ML: &domain.MLSignal{RiskScore: 75, Confidence: 0.8, ThreatType: "stuffing"}},
			domain.AttemptStats{},
			true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			set := newTestSet(t, &fakeAgg{attempts: tt.attempts})
			v := evaluateOne(t, set, ruleOf(t, domain.RuleThreshold, tt.conditions), &Input{
				Event:   businessHoursEvent(),
				Signals: tt.signals,
			})
			if v.Header().Triggered != tt.want {
				t.Errorf("triggered = %v, want %v (reason: %s)", v.Header().Triggered, tt.want, v.Header().Reason)
			}
		})
	}
}

func TestStuffingRule(t *testing.T) {
	tests := []struct {
		name  string
		stats domain.StuffingStats
		want  bool
	}{
		{"spray with one success", domain.StuffingStats{UniqueUsernames: 12, TotalAttempts: 12, Successes: 1}, true},
		{"spray with real traction", domain.StuffingStats{UniqueUsernames: 12, TotalAttempts: 12, Successes: 4}, false},
		{"too few usernames", domain.StuffingStats{UniqueUsernames: 9, TotalAttempts: 30, Successes: 0}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			set := newTestSet(t, &fakeAgg{stuffing: tt.stats})
			v := evaluateOne(t, set, ruleOf(t, domain.RuleCredentialStuffing, `{}`), &Input{
				Event:   businessHoursEvent(),
				Signals: &domain.SignalBag{},
			})
			if v.Header().Triggered != tt.want {
				t.Errorf("triggered = %v, want %v (reason: %s)", v.Header().Triggered, tt.want, v.Header().Reason)
			}
		})
	}
}

func TestStuffingRulePreFilters(t *testing.T) {
	stats := domain.StuffingStats{UniqueUsernames: 15, TotalAttempts: 30, Successes: 0}

	t.Run("high reputation handled elsewhere", func(t *testing.T) {
		set := newTestSet(t, &fakeAgg{stuffing: stats, reputation: 80})
		v := evaluateOne(t, set, ruleOf(t, domain.RuleCredentialStuffing, `{"max_abuseipdb_score": 50}`), &Input{
			Event:   businessHoursEvent(),
			Signals: &domain.SignalBag{},
		})
		if v.Header().Triggered {
			t.Errorf("high-reputation IP should be skipped: %s", v.Header().Reason)
		}
	})

	t.Run("off hours filter skips daytime", func(t *testing.T) {
		set := newTestSet(t, &fakeAgg{stuffing: stats})
		v := evaluateOne(t, set, ruleOf(t, domain.RuleCredentialStuffing, `{"off_hours": true}`), &Input{
			Event:   businessHoursEvent(), // 14:00
			Signals: &domain.SignalBag{},
		})
		if v.Header().Triggered {
			t.Errorf("daytime event should be skipped by off_hours filter: %s", v.Header().Reason)
		}
	})

	t.Run("off hours filter passes at night", func(t *testing.T) {
		set := newTestSet(t, &fakeAgg{stuffing: stats})
		event := businessHoursEvent()
		event.Timestamp = time.Date(2025, 6, 2, 23, 0, 0, 0, time.UTC)
		v := evaluateOne(t, set, ruleOf(t, domain.RuleCredentialStuffing, `{"off_hours": true}`), &Input{
			Event:   event,
			Signals: &domain.SignalBag{},
		})
		if !v.Header().Triggered {
			t.Errorf("night event should pass the off_hours filter: %s", v.Header().Reason)
		}
	})
}

func TestVelocityRuleInclusiveBoundary(t *testing.T) {
	tests := []struct {
		count int64
		want  bool
	}{
		{20, true},
		{19, false},
		{21, true},
	}
	for _, tt := range tests {
		set := newTestSet(t, &fakeAgg{count: tt.count})
		v := evaluateOne(t, set, ruleOf(t, domain.RuleVelocity, `{}`), &Input{
			Event:   businessHoursEvent(),
			Signals: &domain.SignalBag{},
		})
		if v.Header().Triggered != tt.want {
			t.Errorf("count %d: triggered = %v, want %v", tt.count, v.Header().Triggered, tt.want)
		}
	}
}

// advancingCounter mimics a cache-backed windowed counter: every
// lookup advances the count for its tenant/ip pair.
type advancingCounter struct {
	counts map[string]int64
	calls  int
}

func (c *advancingCounter) CountEventsByIP(_ context.Context, tenantID, ip string, _ time.Time) (int64, error) {
	c.calls++
	key := tenantID + "|" + ip
	c.counts[key]++
	return c.counts[key], nil
}

func TestVelocityCountedOncePerEvent(t *testing.T) {
	counter := &advancingCounter{counts: make(map[string]int64)}
	set, err := NewSet(Deps{
		Aggregates: &fakeAgg{},
		Baselines:  baseline.NewStore(newFakeRepo()),
		Velocity:   counter,
		Logger:     slog.Default(),
	})
	if err != nil {
		t.Fatalf("NewSet: %v", err)
	}

	velocity := ruleOf(t, domain.RuleVelocity, `{"time_window_seconds": 60, "max_events": 4}`)
	custom := customRuleConfig(`velocity_count > 100`)
	if errs := set.Load([]*domain.RuleConfig{velocity, custom}); len(errs) > 0 {
		t.Fatalf("Load: %v", errs)
	}

	// Both rules watch the same 60s window. Each evaluated event must
	// advance the counter once, so the velocity rule fires on the 4th
	// event and not before.
	for i := 1; i <= 4; i++ {
		outcomes := set.Evaluate(context.Background(), &Input{Event: businessHoursEvent()})
		var triggered bool
		for _, o := range outcomes {
			if o.Rule.Type == domain.RuleVelocity {
				triggered = o.Verdict.Header().Triggered
			}
		}
		if want := i == 4; triggered != want {
			t.Errorf("event %d: velocity triggered = %v, want %v", i, triggered, want)
		}
	}
	if counter.calls != 4 {
		t.Errorf("counter advanced %d times across 4 events, want 4", counter.calls)
	}
}

func TestDistributedRule(t *testing.T) {
	tests := []struct {
		name      string
		fleet     domain.DistributedStats
		want      bool
		wantScore int
	}{
		{
			"full pattern",
			domain.DistributedStats{UniqueIPs: 12, UniqueUsernames: 8, TotalAttempts: 48, AvgAttemptsPerIP: 4, HighReputationIPs: 5},
			true,
			100, // 30+30+40+20 clamped
		},
		{
			"too concentrated per ip",
			domain.DistributedStats{UniqueIPs: 12, UniqueUsernames: 8, TotalAttempts: 480, AvgAttemptsPerIP: 40},
			false,
			60,
		},
		{
			"too few ips",
			domain.DistributedStats{UniqueIPs: 2, UniqueUsernames: 8, TotalAttempts: 16, AvgAttemptsPerIP: 8},
			false,
			70, // usernames 30 + low-and-slow 40
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			set := newTestSet(t, &fakeAgg{fleet: tt.fleet})
			v := evaluateOne(t, set, ruleOf(t, domain.RuleDistributedBruteForce, `{}`), &Input{
				Event:   businessHoursEvent(),
				Signals: &domain.SignalBag{},
			})
			dv, ok := v.(*domain.DistributedVerdict)
			if !ok {
				t.Fatalf("verdict type = %T", v)
			}
			if dv.Triggered != tt.want {
				t.Errorf("triggered = %v, want %v (reason: %s)", dv.Triggered, tt.want, dv.Reason)
			}
			if dv.PatternScore != tt.wantScore {
				t.Errorf("pattern score = %d, want %d", dv.PatternScore, tt.wantScore)
			}
		})
	}
}

func TestTakeoverRule(t *testing.T) {
	tests := []struct {
		name       string
		candidates []domain.TakeoverCandidate
		want       bool
		wantUser   string
	}{
		{
			"single strong candidate",
			[]domain.TakeoverCandidate{{Username: "root", UniqueIPs: 4, UniqueCountries: 2}},
			true, // min(40,40) + min(30,30) = 70
			"root",
		},
		{
			"highest candidate wins",
			[]domain.TakeoverCandidate{
				{Username: "admin", UniqueIPs: 3, UniqueCountries: 1},          // 30+15 = 45
				{Username: "root", UniqueIPs: 3, UniqueCountries: 1, AvgAbuseScore: 50}, // 45+30 = 75
			},
			true,
			"root",
		},
		{
			"below trigger score",
			[]domain.TakeoverCandidate{{Username: "admin", UniqueIPs: 3, UniqueCountries: 1}},
			false,
			"admin",
		},
		{"no candidates", nil, false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			set := newTestSet(t, &fakeAgg{candidates: tt.candidates})
			v := evaluateOne(t, set, ruleOf(t, domain.RuleAccountTakeover, `{}`), &Input{
				Event:   businessHoursEvent(),
				Signals: &domain.SignalBag{},
			})
			tv, ok := v.(*domain.TakeoverVerdict)
			if !ok {
				t.Fatalf("verdict type = %T", v)
			}
			if tv.Triggered != tt.want {
				t.Errorf("triggered = %v, want %v (reason: %s)", tv.Triggered, tt.want, tv.Reason)
			}
			if tv.Username != tt.wantUser {
				t.Errorf("username = %q, want %q", tv.Username, tt.wantUser)
			}
		})
	}
}

func TestTravelRuleCreatesBaselineFirst(t *testing.T) {
	set := newTestSet(t, &fakeAgg{})
	cfg := ruleOf(t, domain.RuleImpossibleTravel, `{}`)
	if errs := set.Load([]*domain.RuleConfig{cfg}); len(errs) > 0 {
		t.Fatalf("Load: %v", errs)
	}

	event := businessHoursEvent()
	in := &Input{
		Event:   event,
		Signals: &domain.SignalBag{Geo: &domain.GeoSignal{CountryCode: "DE", City: "Berlin", Latitude: 52.52, Longitude: 13.405}},
	}
	outcomes := set.Evaluate(context.Background(), in)
	tv, ok := outcomes[0].Verdict.(*domain.TravelVerdict)
	if !ok {
		t.Fatalf("verdict type = %T", outcomes[0].Verdict)
	}
	if tv.Triggered || !tv.BaselineCreated {
		t.Fatalf("first sighting should create the baseline without triggering: %+v", tv)
	}

	// Second login far away one hour later must trigger and still
	// advance the baseline.
	far := businessHoursEvent()
	far.Timestamp = event.Timestamp.Add(time.Hour)
	in2 := &Input{
		Event:   far,
		Signals: &domain.SignalBag{Geo: &domain.GeoSignal{CountryCode: "JP", City: "Tokyo", Latitude: 35.68, Longitude: 139.69}},
	}
	outcomes = set.Evaluate(context.Background(), in2)
	tv = outcomes[0].Verdict.(*domain.TravelVerdict)
	if !tv.Triggered {
		t.Fatalf("Berlin to Tokyo in one hour should trigger: %s", tv.Reason)
	}
	if tv.DistanceKm < 8000 {
		t.Errorf("distance = %.0f km, want ~8900", tv.DistanceKm)
	}

	// Third login from the same place: baseline advanced to Tokyo, so no
	// further travel is implied.
	same := businessHoursEvent()
	same.Timestamp = event.Timestamp.Add(2 * time.Hour)
	in3 := &Input{
		Event:   same,
		Signals: &domain.SignalBag{Geo: &domain.GeoSignal{CountryCode: "JP", City: "Tokyo", Latitude: 35.68, Longitude: 139.69}},
	}
	outcomes = set.Evaluate(context.Background(), in3)
	tv = outcomes[0].Verdict.(*domain.TravelVerdict)
	if tv.Triggered {
		t.Fatalf("same location should not trigger after baseline advanced: %s", tv.Reason)
	}
}

func TestTravelRuleMinRiskScoreGate(t *testing.T) {
	set := newTestSet(t, &fakeAgg{reputation: 0})
	cfg := ruleOf(t, domain.RuleImpossibleTravel, `{"min_risk_score": 60}`)
	if errs := set.Load([]*domain.RuleConfig{cfg}); len(errs) > 0 {
		t.Fatalf("Load: %v", errs)
	}

	event := businessHoursEvent()
	in := &Input{
		Event:   event,
		Signals: &domain.SignalBag{Geo: &domain.GeoSignal{CountryCode: "DE", Latitude: 52.52, Longitude: 13.405}},
	}
	set.Evaluate(context.Background(), in)

	// ~8900 km gives a distance component capped at 40; with zero
	// reputation the combined 40 stays under the 60 gate.
	far := businessHoursEvent()
	far.Timestamp = event.Timestamp.Add(time.Hour)
	in2 := &Input{
		Event:   far,
		Signals: &domain.SignalBag{Geo: &domain.GeoSignal{CountryCode: "JP", Latitude: 35.68, Longitude: 139.69}},
	}
	outcomes := set.Evaluate(context.Background(), in2)
	if outcomes[0].Verdict.Header().Triggered {
		t.Fatal("combined risk below gate should suppress the trigger")
	}

	// With threat reputation present the gate clears. The baseline has
	// advanced to Tokyo, so travel back to Berlin is measured.
	back := businessHoursEvent()
	back.Timestamp = far.Timestamp.Add(time.Hour)
	in3 := &Input{
		Event: back,
		Signals: &domain.SignalBag{
			Geo:    &domain.GeoSignal{CountryCode: "DE", Latitude: 52.52, Longitude: 13.405},
			Threat: &domain.ThreatSignal{AbuseScore: 30},
		},
	}
	outcomes = set.Evaluate(context.Background(), in3)
	if !outcomes[0].Verdict.Header().Triggered {
		t.Fatalf("combined risk 70 should clear the 60 gate: %s", outcomes[0].Verdict.Header().Reason)
	}
}

func TestBehavioralRuleBlockMethods(t *testing.T) {
	tests := []struct {
		name       string
		conditions string
		analysis   domain.BehaviorAnalysis
		want       bool
		wantMethod domain.BlockMethod
	}{
		{
			"permanent at high score",
			`{}`,
			domain.BehaviorAnalysis{RiskScore: 85, Confidence: 0.9},
			true,
			domain.BlockPermanent,
		},
		{
			"temporary at moderate score",
			`{}`,
			domain.BehaviorAnalysis{RiskScore: 65, Confidence: 0.9},
			true,
			domain.BlockTemporary,
		},
		{
			"priority factor escalates",
			`{"priority_factor": "impossible_travel"}`,
			domain.BehaviorAnalysis{
				RiskScore:   65,
				Confidence:  0.9,
				RiskFactors: []domain.RiskFactor{{Type: domain.FactorImpossibleTravel, Detected: true, Score: 40}},
			},
			true,
			domain.BlockPermanent,
		},
		{
			"below threshold",
			`{}`,
			domain.BehaviorAnalysis{RiskScore: 40, Confidence: 0.9},
			false,
			domain.BlockNone,
		},
		{
			"low confidence",
			`{}`,
			domain.BehaviorAnalysis{RiskScore: 90, Confidence: 0.3},
			false,
			domain.BlockNone,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			set := newTestSet(t, nil)
			v := evaluateOne(t, set, ruleOf(t, domain.RuleBehavioral, tt.conditions), &Input{
				Event:    businessHoursEvent(),
				Signals:  &domain.SignalBag{},
				Behavior: &tt.analysis,
			})
			bv, ok := v.(*domain.BehavioralVerdict)
			if !ok {
				t.Fatalf("verdict type = %T", v)
			}
			if bv.Triggered != tt.want {
				t.Errorf("triggered = %v, want %v (reason: %s)", bv.Triggered, tt.want, bv.Reason)
			}
			if bv.BlockMethod != tt.wantMethod {
				t.Errorf("block method = %s, want %s", bv.BlockMethod, tt.wantMethod)
			}
		})
	}
}

func TestOffHoursSuccessfulVariant(t *testing.T) {
	tests := []struct {
		name   string
		latest *domain.AuthEvent
		want   bool
	}{
		{
			"latest success at night",
			&domain.AuthEvent{Timestamp: time.Date(2025, 6, 2, 23, 0, 0, 0, time.UTC)},
			true,
		},
		{
			"latest success on weekend",
			&domain.AuthEvent{Timestamp: time.Date(2025, 6, 7, 12, 0, 0, 0, time.UTC)}, // Saturday
			true,
		},
		{
			"latest success during work",
			&domain.AuthEvent{Timestamp: time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)},
			false,
		},
		{"no successful logins", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			set := newTestSet(t, &fakeAgg{latest: tt.latest})
			v := evaluateOne(t, set, ruleOf(t, domain.RuleOffHours, `{"successful_only": true}`), &Input{
				Event:   businessHoursEvent(),
				Signals: &domain.SignalBag{},
			})
			if v.Header().Triggered != tt.want {
				t.Errorf("triggered = %v, want %v (reason: %s)", v.Header().Triggered, tt.want, v.Header().Reason)
			}
		})
	}
}

func TestOffHoursGeneralVariant(t *testing.T) {
	night := func(n int) []time.Time {
		times := make([]time.Time, n)
		for i := range times {
			times[i] = time.Date(2025, 6, 2, 23, i, 0, 0, time.UTC)
		}
		return times
	}

	t.Run("raw count meets minimum", func(t *testing.T) {
		set := newTestSet(t, &fakeAgg{times: night(5)})
		v := evaluateOne(t, set, ruleOf(t, domain.RuleOffHours, `{}`), &Input{
			Event:   businessHoursEvent(),
			Signals: &domain.SignalBag{},
		})
		if !v.Header().Triggered {
			t.Fatalf("5 off-hours attempts should trigger at default minimum: %s", v.Header().Reason)
		}
	})

	t.Run("below count but reputation doubles the score", func(t *testing.T) {
		// 4 attempts < 5, but 4 * 2.0 * 1.3 (weekend) = 10.4 >= 2*5.
		event := businessHoursEvent()
		event.Timestamp = time.Date(2025, 6, 7, 12, 0, 0, 0, time.UTC) // Saturday
		set := newTestSet(t, &fakeAgg{times: night(4), reputation: 80})
		v := evaluateOne(t, set, ruleOf(t, domain.RuleOffHours, `{}`), &Input{
			Event:   event,
			Signals: &domain.SignalBag{},
		})
		if !v.Header().Triggered {
			t.Fatalf("composite score should trigger: %s", v.Header().Reason)
		}
	})

	t.Run("clean low volume does not trigger", func(t *testing.T) {
		set := newTestSet(t, &fakeAgg{times: night(3)})
		v := evaluateOne(t, set, ruleOf(t, domain.RuleOffHours, `{}`), &Input{
			Event:   businessHoursEvent(),
			Signals: &domain.SignalBag{},
		})
		if v.Header().Triggered {
			t.Fatalf("3 clean off-hours attempts should not trigger: %s", v.Header().Reason)
		}
	})
}

func TestSetLoadExcludesInvalidRules(t *testing.T) {
	set := newTestSet(t, nil)
	configs := []*domain.RuleConfig{
		ruleOf(t, domain.RuleVelocity, `{}`),
		{ID: "bad-1", Name: "bad-type", Type: "no_such_family", Enabled: true},
		{ID: "bad-2", Name: "bad-json", Type: domain.RuleVelocity, Conditions: json.RawMessage(`{"max_events": "many"}`), Enabled: true},
		{ID: "off", Name: "disabled", Type: domain.RuleVelocity, Enabled: false},
	}
	errs := set.Load(configs)
	if len(errs) != 2 {
		t.Fatalf("expected 2 load errors, got %v", errs)
	}
	if set.Len() != 1 {
		t.Fatalf("active rules = %d, want 1", set.Len())
	}
}

func TestSetEvaluateConvertsFaultsToErrorVerdicts(t *testing.T) {
	agg := &fakeAgg{count: 100, countErr: errors.New("connection refused")}
	set := newTestSet(t, agg)
	velocity := ruleOf(t, domain.RuleVelocity, `{}`)
	behavioral := ruleOf(t, domain.RuleBehavioral, `{}`)
	behavioral.ID = "rule-2"
	behavioral.Name = "behavioral"
	if errs := set.Load([]*domain.RuleConfig{velocity, behavioral}); len(errs) > 0 {
		t.Fatalf("Load: %v", errs)
	}

	outcomes := set.Evaluate(context.Background(), &Input{
		Event:    businessHoursEvent(),
		Signals:  &domain.SignalBag{},
		Behavior: &domain.BehaviorAnalysis{RiskScore: 90, Confidence: 0.9},
	})
	if len(outcomes) != 2 {
		t.Fatalf("both rules must evaluate despite one fault, got %d outcomes", len(outcomes))
	}

	var sawError, sawTrigger bool
	for _, o := range outcomes {
		if _, ok := o.Verdict.(*domain.ErrorVerdict); ok {
			sawError = true
			if o.Verdict.Header().Triggered {
				t.Error("error verdicts must not trigger")
			}
		}
		if o.Verdict.Header().Triggered {
			sawTrigger = true
		}
	}
	if !sawError {
		t.Error("expected an error verdict for the failing velocity rule")
	}
	if !sawTrigger {
		t.Error("the healthy behavioral rule should still trigger")
	}
}

func TestSetEvaluatesInPriorityOrder(t *testing.T) {
	set := newTestSet(t, nil)
	low := ruleOf(t, domain.RuleBehavioral, `{}`)
	low.ID, low.Name, low.Priority = "low", "low", 1
	high := ruleOf(t, domain.RuleBehavioral, `{}`)
	high.ID, high.Name, high.Priority = "high", "high", 9
	if errs := set.Load([]*domain.RuleConfig{low, high}); len(errs) > 0 {
		t.Fatalf("Load: %v", errs)
	}

	outcomes := set.Evaluate(context.Background(), &Input{
		Event:    businessHoursEvent(),
		Signals:  &domain.SignalBag{},
		Behavior: &domain.BehaviorAnalysis{},
	})
	if outcomes[0].Rule.ID != "high" || outcomes[1].Rule.ID != "low" {
		t.Fatalf("priority order violated: %s before %s", outcomes[0].Rule.ID, outcomes[1].Rule.ID)
	}
}
