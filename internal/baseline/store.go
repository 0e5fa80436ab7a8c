// Package baseline maintains per-user learned login behavior: the full
// behavioral profile fed by successful logins, and the lightweight
// last-known-location record used for travel checks.
package baseline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/opensource-security/kestrel/internal/domain"
	"github.com/opensource-security/kestrel/internal/repository"
)

// ProfileRepository is the slice of the persistence contract the
// baseline store needs. domain.Repository satisfies it.
type ProfileRepository interface {
	GetProfile(ctx context.Context, tenantID string, username string) (*domain.UserBehaviorProfile, error)
	UpsertProfile(ctx context.Context, tenantID string, profile *domain.UserBehaviorProfile) error
	GetLoginBaseline(ctx context.Context, tenantID string, username string) (*domain.UserLoginBaseline, error)
	UpsertLoginBaseline(ctx context.Context, tenantID string, baseline *domain.UserLoginBaseline) error
}

// Store wraps the repository with per-user serialization so concurrent
// read-modify-write cycles on the same profile or travel baseline cannot
// lose updates. Cross-process deployments rely on the repository's atomic
// upserts for the same guarantee.
type Store struct {
	repo ProfileRepository

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore creates a baseline store backed by repo.
func NewStore(repo ProfileRepository) *Store {
	return &Store{
		repo:  repo,
		locks: make(map[string]*sync.Mutex),
	}
}

// userLock returns the mutex guarding one tenant/username pair.
func (s *Store) userLock(tenantID, username string) *sync.Mutex {
	key := tenantID + ":" + username
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[key] = lock
	}
	return lock
}

// Profile loads a user's behavioral profile. Returns nil (no error) when
// the user has no history yet, so detectors can abstain.
func (s *Store) Profile(ctx context.Context, tenantID, username string) (*domain.UserBehaviorProfile, error) {
	profile, err := s.repo.GetProfile(ctx, tenantID, username)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	return profile, err
}

// LoginBaseline loads the last-known-location record. Returns nil when
// none exists.
func (s *Store) LoginBaseline(ctx context.Context, tenantID, username string) (*domain.UserLoginBaseline, error) {
	b, err := s.repo.GetLoginBaseline(ctx, tenantID, username)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	return b, err
}

// LocationPoint is one geolocated login observation.
type LocationPoint struct {
	Latitude  float64
	Longitude float64
	Country   string
	City      string
	IP        string
	LoginAt   time.Time
}

// AdvanceLoginBaseline atomically reads the prior travel baseline and
// replaces it with the new point, returning the prior record (nil if the
// baseline was just created). The baseline advances on every geo-bearing
// attempt regardless of outcome: it must always reflect the most recent
// observed location.
func (s *Store) AdvanceLoginBaseline(ctx context.Context, tenantID, username string, point LocationPoint) (*domain.UserLoginBaseline, error) {
	lock := s.userLock(tenantID, username)
	lock.Lock()
	defer lock.Unlock()

	prior, err := s.LoginBaseline(ctx, tenantID, username)
	if err != nil {
		return nil, err
	}

	next := &domain.UserLoginBaseline{
		TenantID:   tenantID,
		Username:   username,
		Latitude:   point.Latitude,
		Longitude:  point.Longitude,
		Country:    point.Country,
		City:       point.City,
		IP:         point.IP,
		LoginAt:    point.LoginAt,
		LoginCount: 1,
	}
	if prior != nil {
		next.LoginCount = prior.LoginCount + 1
	}

	if err := s.repo.UpsertLoginBaseline(ctx, tenantID, next); err != nil {
		return nil, err
	}

	return prior, nil
}
