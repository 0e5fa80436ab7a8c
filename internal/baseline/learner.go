package baseline

import (
	"context"
	"sort"
	"time"

	"github.com/opensource-security/kestrel/internal/domain"
)

// ObservedLogin is one authentication observation handed to the learner.
type ObservedLogin struct {
	Username     string
	IP           string
	Country      string
	City         string
	IsSuccessful bool
	Timestamp    time.Time
}

// LearnFromLogin folds one observation into the user's behavioral profile.
// Only successful authentications feed the behavioral maps: a failed
// attempt increments the failure counter and nothing else, so attackers
// cannot poison the learned baseline. Concurrent logins for the same user
// serialize on the store's per-user lock.
func (s *Store) LearnFromLogin(ctx context.Context, tenantID string, obs ObservedLogin) error {
	if obs.Username == "" {
		return nil
	}

	lock := s.userLock(tenantID, obs.Username)
	lock.Lock()
	defer lock.Unlock()

	profile, err := s.Profile(ctx, tenantID, obs.Username)
	if err != nil {
		return err
	}
	if profile == nil {
		profile = domain.NewProfile(tenantID, obs.Username)
	}

	if !obs.IsSuccessful {
		profile.FailedCount++
		return s.repo.UpsertProfile(ctx, tenantID, profile)
	}

	ts := obs.Timestamp.UTC()

	profile.TypicalHours[ts.Hour()]++
	profile.TypicalDays[ts.Weekday().String()[:3]]++

	if known(obs.IP) {
		profile.KnownIPs[obs.IP]++
	}
	if known(obs.Country) {
		profile.KnownCountries[obs.Country]++
	}
	if known(obs.City) {
		profile.KnownCities[obs.City]++
	}

	profile.KnownIPs = evictLeastFrequent(profile.KnownIPs, domain.MaxIPsTracked)
	profile.KnownCities = evictLeastFrequent(profile.KnownCities, domain.MaxCitiesTracked)

	profile.LoginCount++
	profile.SuccessfulCount++

	if profile.LastLoginAt != nil {
		gap := ts.Sub(*profile.LastLoginAt).Hours()
		if profile.AvgSessionGapHours == nil {
			profile.AvgSessionGapHours = &gap
		} else {
			n := float64(profile.LoginCount)
			avg := (*profile.AvgSessionGapHours*(n-1) + gap) / n
			profile.AvgSessionGapHours = &avg
		}
	}
	profile.LastLoginAt = &ts

	profile.ConfidenceScore = confidence(profile.LoginCount)

	return s.repo.UpsertProfile(ctx, tenantID, profile)
}

func confidence(loginCount int) float64 {
	c := float64(loginCount) / 100.0
	if c > 1.0 {
		return 1.0
	}
	return c
}

// known filters values that carry no information.
func known(v string) bool {
	return v != "" && v != "Unknown"
}

// evictLeastFrequent bounds a frequency map by dropping its least-used
// entries. Ties break on the key so eviction stays deterministic.
func evictLeastFrequent(m map[string]int, limit int) map[string]int {
	if len(m) <= limit {
		return m
	}

	type entry struct {
		key   string
		count int
	}
	entries := make([]entry, 0, len(m))
	for k, v := range m {
		entries = append(entries, entry{k, v})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].count != entries[j].count {
			return entries[i].count > entries[j].count
		}
		return entries[i].key < entries[j].key
	})

	kept := make(map[string]int, limit)
	for _, e := range entries[:limit] {
		kept[e.key] = e.count
	}
	return kept
}
