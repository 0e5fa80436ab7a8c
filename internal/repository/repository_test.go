package repository

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-security/kestrel/internal/domain"
)

func newTestRepo(t *testing.T) domain.Repository {
	t.Helper()

	repo, err := New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "test.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	return repo
}

func makeEvent(tenantID, ip, username string, eventType domain.EventType, ts time.Time) *domain.AuthEvent {
	return &domain.AuthEvent{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		IP:        ip,
		Username:  username,
		EventType: eventType,
		Timestamp: ts,
		CreatedAt: ts,
	}
}

func saveEvent(t *testing.T, repo domain.Repository, event *domain.AuthEvent) {
	t.Helper()
	if err := repo.SaveAuthEvent(context.Background(), event.TenantID, event); err != nil {
		t.Fatalf("SaveAuthEvent failed: %v", err)
	}
}

func TestAuthEventRoundTrip(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	lat, lon := 52.52, 13.405
	event := makeEvent("tenant-001", "203.0.113.7", "alice", domain.EventSuccessful, time.Now().UTC().Truncate(time.Second))
	event.TargetServer = "bastion-1"
	event.Country = "DE"
	event.City = "Berlin"
	event.Latitude = &lat
	event.Longitude = &lon
	event.Metadata = map[string]interface{}{"authMethod": "publickey"}

	saveEvent(t, repo, event)

	got, err := repo.GetAuthEvent(ctx, "tenant-001", event.ID)
	if err != nil {
		t.Fatalf("GetAuthEvent failed: %v", err)
	}

	if got.IP != event.IP || got.Username != event.Username || got.EventType != domain.EventSuccessful {
		t.Errorf("event = %s/%s/%s, want %s/%s/%s",
			got.IP, got.Username, got.EventType, event.IP, event.Username, event.EventType)
	}
	if got.Country != "DE" || got.City != "Berlin" || got.TargetServer != "bastion-1" {
		t.Errorf("location = %s/%s/%s, want DE/Berlin/bastion-1", got.Country, got.City, got.TargetServer)
	}
	if got.Latitude == nil || *got.Latitude != lat {
		t.Errorf("latitude = %v, want %v", got.Latitude, lat)
	}
	if got.Metadata["authMethod"] != "publickey" {
		t.Errorf("metadata = %v, want authMethod publickey", got.Metadata)
	}

	t.Run("TenantIsolation", func(t *testing.T) {
		_, err := repo.GetAuthEvent(ctx, "tenant-002", event.ID)
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound across tenants, got %v", err)
		}
	})

	t.Run("MissingEvent", func(t *testing.T) {
		_, err := repo.GetAuthEvent(ctx, "tenant-001", uuid.NewString())
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("EmptyTenant", func(t *testing.T) {
		if err := repo.SaveAuthEvent(ctx, "", event); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput for empty tenant, got %v", err)
		}
	})
}

func TestProfileUpsert(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	gap := 5.5
	lastLogin := time.Now().UTC().Truncate(time.Second)

	profile := domain.NewProfile("tenant-001", "alice")
	profile.TypicalHours[9] = 3
	profile.TypicalDays["Mon"] = 2
	profile.KnownIPs["203.0.113.7"] = 4
	profile.KnownCountries["DE"] = 4
	profile.LoginCount = 4
	profile.SuccessfulCount = 4
	profile.AvgSessionGapHours = &gap
	profile.ConfidenceScore = 0.04
	profile.LastLoginAt = &lastLogin

	if err := repo.UpsertProfile(ctx, "tenant-001", profile); err != nil {
		t.Fatalf("UpsertProfile failed: %v", err)
	}

	got, err := repo.GetProfile(ctx, "tenant-001", "alice")
	if err != nil {
		t.Fatalf("GetProfile failed: %v", err)
	}
	if got.LoginCount != 4 || got.KnownIPs["203.0.113.7"] != 4 || got.TypicalHours[9] != 3 {
		t.Errorf("profile round trip mismatch: %+v", got)
	}
	if got.AvgSessionGapHours == nil || *got.AvgSessionGapHours != gap {
		t.Errorf("AvgSessionGapHours = %v, want %v", got.AvgSessionGapHours, gap)
	}
	if got.LastLoginAt == nil || !got.LastLoginAt.Equal(lastLogin) {
		t.Errorf("LastLoginAt = %v, want %v", got.LastLoginAt, lastLogin)
	}

	t.Run("UpdateOverwrites", func(t *testing.T) {
		profile.LoginCount = 5
		profile.KnownIPs["198.51.100.9"] = 1
		if err := repo.UpsertProfile(ctx, "tenant-001", profile); err != nil {
			t.Fatalf("UpsertProfile failed: %v", err)
		}

		got, _ := repo.GetProfile(ctx, "tenant-001", "alice")
		if got.LoginCount != 5 || len(got.KnownIPs) != 2 {
			t.Errorf("profile not updated: count=%d ips=%v", got.LoginCount, got.KnownIPs)
		}
	})

	t.Run("MissingUser", func(t *testing.T) {
		_, err := repo.GetProfile(ctx, "tenant-001", "ghost")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("EmptyUsername", func(t *testing.T) {
		err := repo.UpsertProfile(ctx, "tenant-001", domain.NewProfile("tenant-001", ""))
		if !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
	})
}

func TestLoginBaselineUpsert(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	baseline := &domain.UserLoginBaseline{
		TenantID:   "tenant-001",
		Username:   "alice",
		Latitude:   52.52,
		Longitude:  13.405,
		Country:    "DE",
		City:       "Berlin",
		IP:         "203.0.113.7",
		LoginAt:    time.Now().UTC().Truncate(time.Second),
		LoginCount: 1,
	}

	if err := repo.UpsertLoginBaseline(ctx, "tenant-001", baseline); err != nil {
		t.Fatalf("UpsertLoginBaseline failed: %v", err)
	}

	got, err := repo.GetLoginBaseline(ctx, "tenant-001", "alice")
	if err != nil {
		t.Fatalf("GetLoginBaseline failed: %v", err)
	}
	if got.City != "Berlin" || got.LoginCount != 1 {
		t.Errorf("baseline = %s/%d, want Berlin/1", got.City, got.LoginCount)
	}

	baseline.City = "Tokyo"
	baseline.Country = "JP"
	baseline.LoginCount = 2
	if err := repo.UpsertLoginBaseline(ctx, "tenant-001", baseline); err != nil {
		t.Fatalf("UpsertLoginBaseline failed: %v", err)
	}

	got, _ = repo.GetLoginBaseline(ctx, "tenant-001", "alice")
	if got.City != "Tokyo" || got.LoginCount != 2 {
		t.Errorf("baseline not replaced: %s/%d, want Tokyo/2", got.City, got.LoginCount)
	}

	if _, err := repo.GetLoginBaseline(ctx, "tenant-001", "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRuleConfigCRUD(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	save := func(id string, priority int, enabled bool) {
		t.Helper()
		err := repo.SaveRuleConfig(ctx, "*", &domain.RuleConfig{
			ID:         id,
			TenantID:   "*",
			Name:       id,
			Type:       domain.RuleVelocity,
			Conditions: []byte(`{"time_window_seconds":60,"max_events":5}`),
			Priority:   priority,
			Enabled:    enabled,
		})
		if err != nil {
			t.Fatalf("SaveRuleConfig failed: %v", err)
		}
	}

	save("velocity-low", 10, true)
	save("velocity-high", 100, true)
	save("velocity-off", 200, false)

	t.Run("Get", func(t *testing.T) {
		got, err := repo.GetRuleConfig(ctx, "*", "velocity-high")
		if err != nil {
			t.Fatalf("GetRuleConfig failed: %v", err)
		}
		if got.Priority != 100 || got.Type != domain.RuleVelocity || !got.Enabled {
			t.Errorf("rule = %+v", got)
		}
	})

	t.Run("ListOrdersByPriorityAndSkipsDisabled", func(t *testing.T) {
		configs, err := repo.ListRuleConfigs(ctx, "*")
		if err != nil {
			t.Fatalf("ListRuleConfigs failed: %v", err)
		}
		if len(configs) != 2 {
			t.Fatalf("expected 2 enabled rules, got %d", len(configs))
		}
		if configs[0].ID != "velocity-high" || configs[1].ID != "velocity-low" {
			t.Errorf("order = %s, %s; want velocity-high, velocity-low", configs[0].ID, configs[1].ID)
		}
	})

	t.Run("UpsertUpdates", func(t *testing.T) {
		save("velocity-high", 150, true)
		got, _ := repo.GetRuleConfig(ctx, "*", "velocity-high")
		if got.Priority != 150 {
			t.Errorf("priority = %d, want 150 after upsert", got.Priority)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		if err := repo.DeleteRuleConfig(ctx, "*", "velocity-low"); err != nil {
			t.Fatalf("DeleteRuleConfig failed: %v", err)
		}
		if _, err := repo.GetRuleConfig(ctx, "*", "velocity-low"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound after delete, got %v", err)
		}
	})

	t.Run("DeleteMissing", func(t *testing.T) {
		if err := repo.DeleteRuleConfig(ctx, "*", "no-such-rule"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestDecisionRoundTrip(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	decision := &domain.Decision{
		ID:       uuid.NewString(),
		TenantID: "tenant-001",
		EventID:  uuid.NewString(),
		IP:       "203.0.113.7",
		Username: "alice",
		Action:   domain.ActionBlock,
		TriggeredRules: []domain.TriggeredRule{
			{RuleID: "velocity-1", RuleName: "Velocity", RuleType: domain.RuleVelocity, Reason: "12 events in 60s"},
		},
		Reasons:       []string{"12 events in 60s"},
		RiskScore:     40,
		AdjustedScore: 50,
		Confidence:    0.6,
		Timestamp:     time.Now().UTC().Truncate(time.Second),
		Metadata:      domain.DecisionMetadata{TraceID: "trace-1", RulesEvaluated: 3},
	}

	if err := repo.SaveDecision(ctx, "tenant-001", decision); err != nil {
		t.Fatalf("SaveDecision failed: %v", err)
	}

	got, err := repo.GetDecision(ctx, "tenant-001", decision.ID)
	if err != nil {
		t.Fatalf("GetDecision failed: %v", err)
	}
	if got.Action != domain.ActionBlock || got.AdjustedScore != 50 {
		t.Errorf("decision = %s/%d, want block/50", got.Action, got.AdjustedScore)
	}
	if len(got.TriggeredRules) != 1 || got.TriggeredRules[0].RuleID != "velocity-1" {
		t.Errorf("triggered rules = %+v", got.TriggeredRules)
	}
	if got.Metadata.TraceID != "trace-1" {
		t.Errorf("metadata = %+v", got.Metadata)
	}

	if _, err := repo.GetDecision(ctx, "tenant-002", decision.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound across tenants, got %v", err)
	}
}

func TestIPReputation(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	if err := repo.UpsertIPReputation(ctx, "tenant-001", "198.51.100.9", 75); err != nil {
		t.Fatalf("UpsertIPReputation failed: %v", err)
	}

	score, err := repo.GetIPReputation(ctx, "tenant-001", "198.51.100.9")
	if err != nil {
		t.Fatalf("GetIPReputation failed: %v", err)
	}
	if score != 75 {
		t.Errorf("score = %d, want 75", score)
	}

	if err := repo.UpsertIPReputation(ctx, "tenant-001", "198.51.100.9", 90); err != nil {
		t.Fatalf("UpsertIPReputation failed: %v", err)
	}
	score, _ = repo.GetIPReputation(ctx, "tenant-001", "198.51.100.9")
	if score != 90 {
		t.Errorf("score = %d, want 90 after upsert", score)
	}

	if _, err := repo.GetIPReputation(ctx, "tenant-001", "192.0.2.1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestAcquireCooldown(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	ok, err := repo.AcquireCooldown(ctx, "tenant-001", "rule-1", time.Minute)
	if err != nil {
		t.Fatalf("AcquireCooldown failed: %v", err)
	}
	if !ok {
		t.Error("first acquire should win")
	}

	ok, err = repo.AcquireCooldown(ctx, "tenant-001", "rule-1", time.Minute)
	if err != nil {
		t.Fatalf("AcquireCooldown failed: %v", err)
	}
	if ok {
		t.Error("second acquire inside the window should lose")
	}

	t.Run("OtherRuleIndependent", func(t *testing.T) {
		ok, err := repo.AcquireCooldown(ctx, "tenant-001", "rule-2", time.Minute)
		if err != nil {
			t.Fatalf("AcquireCooldown failed: %v", err)
		}
		if !ok {
			t.Error("different rule should acquire independently")
		}
	})

	t.Run("ExpiredWindowReclaimable", func(t *testing.T) {
		ok, err := repo.AcquireCooldown(ctx, "tenant-001", "rule-3", -time.Second)
		if err != nil {
			t.Fatalf("AcquireCooldown failed: %v", err)
		}
		if !ok {
			t.Error("first acquire should win")
		}

		ok, err = repo.AcquireCooldown(ctx, "tenant-001", "rule-3", time.Minute)
		if err != nil {
			t.Fatalf("AcquireCooldown failed: %v", err)
		}
		if !ok {
			t.Error("expired cooldown should be reclaimable")
		}
	})
}

func TestAggregates(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	since := now.Add(-time.Hour)

	// One attacker IP hitting three usernames, one clean user.
	attacker := "198.51.100.9"
	for i, username := range []string{"alice", "bob", "carol", "alice", "bob"} {
		saveEvent(t, repo, makeEvent("tenant-001", attacker, username, domain.EventFailed, now.Add(time.Duration(i)*time.Second)))
	}
	success := makeEvent("tenant-001", attacker, "alice", domain.EventSuccessful, now.Add(10*time.Second))
	saveEvent(t, repo, success)
	saveEvent(t, repo, makeEvent("tenant-001", "203.0.113.7", "dave", domain.EventSuccessful, now))

	// Out of window.
	saveEvent(t, repo, makeEvent("tenant-001", attacker, "alice", domain.EventFailed, now.Add(-2*time.Hour)))

	t.Run("CountEventsByIP", func(t *testing.T) {
		count, err := repo.CountEventsByIP(ctx, "tenant-001", attacker, since)
		if err != nil {
			t.Fatalf("CountEventsByIP failed: %v", err)
		}
		if count != 6 {
			t.Errorf("count = %d, want 6 inside window", count)
		}
	})

	t.Run("IPAttemptStats", func(t *testing.T) {
		stats, err := repo.IPAttemptStats(ctx, "tenant-001", attacker, since)
		if err != nil {
			t.Fatalf("IPAttemptStats failed: %v", err)
		}
		if stats.Total != 6 || stats.Failed != 5 {
			t.Errorf("stats = %d/%d, want 6 total, 5 failed", stats.Total, stats.Failed)
		}
	})

	t.Run("IPStuffingStats", func(t *testing.T) {
		stats, err := repo.IPStuffingStats(ctx, "tenant-001", attacker, since, "")
		if err != nil {
			t.Fatalf("IPStuffingStats failed: %v", err)
		}
		if stats.UniqueUsernames != 3 || stats.TotalAttempts != 6 || stats.Successes != 1 {
			t.Errorf("stats = %+v, want 3 usernames, 6 attempts, 1 success", stats)
		}

		failedOnly, err := repo.IPStuffingStats(ctx, "tenant-001", attacker, since, domain.EventFailed)
		if err != nil {
			t.Fatalf("IPStuffingStats failed: %v", err)
		}
		if failedOnly.TotalAttempts != 5 || failedOnly.Successes != 0 {
			t.Errorf("failed-only stats = %+v, want 5 attempts, 0 successes", failedOnly)
		}
	})

	t.Run("CountFailedByIPUser", func(t *testing.T) {
		count, err := repo.CountFailedByIPUser(ctx, "tenant-001", attacker, "alice", since)
		if err != nil {
			t.Fatalf("CountFailedByIPUser failed: %v", err)
		}
		if count != 2 {
			t.Errorf("count = %d, want 2", count)
		}
	})

	t.Run("ListEventTimesByIP", func(t *testing.T) {
		times, err := repo.ListEventTimesByIP(ctx, "tenant-001", attacker, since)
		if err != nil {
			t.Fatalf("ListEventTimesByIP failed: %v", err)
		}
		if len(times) != 6 {
			t.Fatalf("times = %d, want 6", len(times))
		}
		for i := 1; i < len(times); i++ {
			if times[i].Before(times[i-1]) {
				t.Errorf("timestamps not ascending: %v", times)
			}
		}
	})

	t.Run("FleetStats", func(t *testing.T) {
		stats, err := repo.FleetStats(ctx, "tenant-001", "", since, 50)
		if err != nil {
			t.Fatalf("FleetStats failed: %v", err)
		}
		if stats.UniqueIPs != 1 || stats.UniqueUsernames != 3 || stats.TotalAttempts != 5 {
			t.Errorf("stats = %+v, want 1 IP, 3 usernames, 5 attempts", stats)
		}
		if stats.AvgAttemptsPerIP != 5.0 {
			t.Errorf("AvgAttemptsPerIP = %v, want 5.0", stats.AvgAttemptsPerIP)
		}
	})

	t.Run("FleetStatsCountsHighReputationIPs", func(t *testing.T) {
		if err := repo.UpsertIPReputation(ctx, "tenant-001", attacker, 80); err != nil {
			t.Fatalf("UpsertIPReputation failed: %v", err)
		}
		stats, err := repo.FleetStats(ctx, "tenant-001", "", since, 50)
		if err != nil {
			t.Fatalf("FleetStats failed: %v", err)
		}
		if stats.HighReputationIPs != 1 {
			t.Errorf("HighReputationIPs = %d, want 1", stats.HighReputationIPs)
		}
	})

	t.Run("TakeoverCandidates", func(t *testing.T) {
		// Second IP targets alice so she crosses the 2-IP threshold.
		saveEvent(t, repo, makeEvent("tenant-001", "192.0.2.50", "alice", domain.EventFailed, now))

		candidates, err := repo.TakeoverCandidates(ctx, "tenant-001", since, 2, 99)
		if err != nil {
			t.Fatalf("TakeoverCandidates failed: %v", err)
		}
		if len(candidates) != 1 || candidates[0].Username != "alice" {
			t.Fatalf("candidates = %+v, want alice only", candidates)
		}
		if candidates[0].UniqueIPs != 2 {
			t.Errorf("UniqueIPs = %d, want 2", candidates[0].UniqueIPs)
		}
	})

	t.Run("LatestSuccessfulByInsertion", func(t *testing.T) {
		// Inserted later but timestamped earlier: insertion order must win.
		backdated := makeEvent("tenant-001", attacker, "eve", domain.EventSuccessful, now.Add(-30*time.Minute))
		saveEvent(t, repo, backdated)

		got, err := repo.LatestSuccessfulByInsertion(ctx, "tenant-001", attacker)
		if err != nil {
			t.Fatalf("LatestSuccessfulByInsertion failed: %v", err)
		}
		if got.ID != backdated.ID {
			t.Errorf("got event %s (user %s), want most recently inserted %s", got.ID, got.Username, backdated.ID)
		}
	})

	t.Run("TenantScoped", func(t *testing.T) {
		count, err := repo.CountEventsByIP(ctx, "tenant-002", attacker, since)
		if err != nil {
			t.Fatalf("CountEventsByIP failed: %v", err)
		}
		if count != 0 {
			t.Errorf("count = %d, want 0 for other tenant", count)
		}
	})
}

func TestLastSuccessfulLoginAndCountryDistribution(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	since := now.Add(-24 * time.Hour)

	addLogin := func(country string, lat, lon float64, ts time.Time) {
		event := makeEvent("tenant-001", "203.0.113.7", "alice", domain.EventSuccessful, ts)
		event.Country = country
		event.Latitude = &lat
		event.Longitude = &lon
		saveEvent(t, repo, event)
	}

	addLogin("DE", 52.52, 13.405, now.Add(-3*time.Hour))
	addLogin("DE", 52.52, 13.405, now.Add(-2*time.Hour))
	addLogin("FR", 48.857, 2.352, now.Add(-100*time.Minute))
	addLogin("GB", 51.507, -0.128, now.Add(-90*time.Minute))
	addLogin("US", 40.713, -74.006, now.Add(-80*time.Minute))
	addLogin("JP", 35.676, 139.65, now.Add(-time.Hour))

	// No coordinates: must not be returned by LastSuccessfulLogin.
	saveEvent(t, repo, makeEvent("tenant-001", "203.0.113.7", "alice", domain.EventSuccessful, now))

	t.Run("LastSuccessfulLoginRequiresCoordinates", func(t *testing.T) {
		got, err := repo.LastSuccessfulLogin(ctx, "tenant-001", "alice")
		if err != nil {
			t.Fatalf("LastSuccessfulLogin failed: %v", err)
		}
		if got.Country != "JP" {
			t.Errorf("country = %s, want JP (latest geo-bearing login)", got.Country)
		}
	})

	t.Run("CountryDistribution", func(t *testing.T) {
		dist, total, err := repo.CountryDistribution(ctx, "tenant-001", "alice", since, 3)
		if err != nil {
			t.Fatalf("CountryDistribution failed: %v", err)
		}
		if len(dist) != 3 {
			t.Fatalf("distribution = %+v, want 3 countries at limit 3", dist)
		}
		if dist[0].Country != "DE" || dist[0].Count != 2 {
			t.Errorf("top country = %+v, want DE with 2", dist[0])
		}
		// Total spans all five countries, not just the returned three.
		if total != 6 {
			t.Errorf("total = %d, want 6", total)
		}
	})

	t.Run("NoHistory", func(t *testing.T) {
		_, err := repo.LastSuccessfulLogin(ctx, "tenant-001", "ghost")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}
