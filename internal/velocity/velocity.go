// Package velocity provides windowed per-IP event rate counting.
package velocity

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-security/kestrel/internal/domain"
)

// EventSource counts stored auth events; the repository implements it.
type EventSource interface {
	CountEventsByIP(ctx context.Context, tenantID string, ip string, since time.Time) (int64, error)
}

// Counter serves event rate lookups for the rule evaluators. With a
// cache attached, counts come from an atomic windowed counter that the
// lookup itself advances; a caller evaluating one event must consult
// each window at most once or the event is counted repeatedly. Without
// a cache it falls back to counting persisted events.
type Counter struct {
	cache domain.Cache
	store EventSource
}

// NewCounter creates a counter. cache may be nil to always count from
// the store.
func NewCounter(cache domain.Cache, store EventSource) *Counter {
	return &Counter{
		cache: cache,
		store: store,
	}
}

// CountEventsByIP returns the number of events seen from ip in the
// window starting at since. The count includes the event currently
// being evaluated.
func (c *Counter) CountEventsByIP(ctx context.Context, tenantID, ip string, since time.Time) (int64, error) {
	if tenantID == "" || ip == "" {
		return 0, fmt.Errorf("tenantID and ip are required")
	}

	if c.cache != nil {
		window := time.Since(since)
		if window <= 0 {
			window = time.Second
		}
		// One counter per window length; rules with different windows
		// track independently.
		key := fmt.Sprintf("velocity:%s:%d", ip, int64(window.Seconds()))
		return c.cache.IncrementCounter(ctx, tenantID, key, window)
	}

	if c.store != nil {
		return c.store.CountEventsByIP(ctx, tenantID, ip, since)
	}

	return 0, fmt.Errorf("no data source available")
}
