package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-security/kestrel/internal/domain"
)

// Aggregate queries backing the behavioral detectors and rule evaluators.
// Every query is tenant-scoped and windowed by a caller-supplied lower
// bound; a zero since covers all history.

// CountEventsByIP returns the number of events from an IP since the bound.
func (r *SQLRepository) CountEventsByIP(ctx context.Context, tenantID string, ip string, since time.Time) (int64, error) {
	if tenantID == "" || ip == "" {
		return 0, fmt.Errorf("%w: tenantID and ip are required", ErrInvalidInput)
	}

	query := `SELECT COUNT(*) FROM auth_events WHERE tenant_id = ? AND ip = ? AND timestamp >= ?`

	var count int64
	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, ip, since).Scan(&count)
	return count, err
}

// IPAttemptStats returns total and failed attempt counts for an IP.
func (r *SQLRepository) IPAttemptStats(ctx context.Context, tenantID string, ip string, since time.Time) (*domain.AttemptStats, error) {
	if tenantID == "" || ip == "" {
		return nil, fmt.Errorf("%w: tenantID and ip are required", ErrInvalidInput)
	}

	query := `
		SELECT COUNT(*),
			   COALESCE(SUM(CASE WHEN event_type = 'failed' THEN 1 ELSE 0 END), 0)
		FROM auth_events
		WHERE tenant_id = ? AND ip = ? AND timestamp >= ?
	`

	var stats domain.AttemptStats
	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, ip, since).Scan(&stats.Total, &stats.Failed)
	if err != nil {
		return nil, err
	}

	return &stats, nil
}

// IPStuffingStats returns distinct-username, total and success counts for
// an IP, optionally restricted to one event type.
func (r *SQLRepository) IPStuffingStats(ctx context.Context, tenantID string, ip string, since time.Time, eventType domain.EventType) (*domain.StuffingStats, error) {
	if tenantID == "" || ip == "" {
		return nil, fmt.Errorf("%w: tenantID and ip are required", ErrInvalidInput)
	}

	query := `
		SELECT COUNT(DISTINCT username),
			   COUNT(*),
			   COALESCE(SUM(CASE WHEN event_type = 'successful' THEN 1 ELSE 0 END), 0)
		FROM auth_events
		WHERE tenant_id = ? AND ip = ? AND timestamp >= ?
	`
	args := []any{tenantID, ip, since}

	if eventType != "" {
		query += ` AND event_type = ?`
		args = append(args, string(eventType))
	}

	var stats domain.StuffingStats
	err := r.db.QueryRowContext(ctx, r.rebind(query), args...).Scan(
		&stats.UniqueUsernames, &stats.TotalAttempts, &stats.Successes,
	)
	if err != nil {
		return nil, err
	}

	return &stats, nil
}

// CountFailedByIPUser counts failed attempts from one IP+username pair.
func (r *SQLRepository) CountFailedByIPUser(ctx context.Context, tenantID string, ip string, username string, since time.Time) (int64, error) {
	if tenantID == "" {
		return 0, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT COUNT(*) FROM auth_events
		WHERE tenant_id = ? AND ip = ? AND username = ?
		  AND event_type = 'failed' AND timestamp >= ?
	`

	var count int64
	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, ip, username, since).Scan(&count)
	return count, err
}

// CountryDistribution returns the user's successful-login country counts,
// most frequent first, plus the total successful logins carrying country
// data in the window. The total covers all countries, not just the
// returned top entries.
func (r *SQLRepository) CountryDistribution(ctx context.Context, tenantID string, username string, since time.Time, limit int) ([]domain.CountryCount, int64, error) {
	if tenantID == "" || username == "" {
		return nil, 0, fmt.Errorf("%w: tenantID and username are required", ErrInvalidInput)
	}
	if limit <= 0 {
		limit = 3
	}

	query := `
		SELECT country, COUNT(*)
		FROM auth_events
		WHERE tenant_id = ? AND username = ? AND event_type = 'successful'
		  AND timestamp >= ? AND country IS NOT NULL AND country <> ''
		GROUP BY country
		ORDER BY COUNT(*) DESC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, username, since, limit)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var dist []domain.CountryCount
	for rows.Next() {
		var cc domain.CountryCount
		if err := rows.Scan(&cc.Country, &cc.Count); err != nil {
			return nil, 0, err
		}
		dist = append(dist, cc)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	totalQuery := `
		SELECT COUNT(*) FROM auth_events
		WHERE tenant_id = ? AND username = ? AND event_type = 'successful'
		  AND timestamp >= ? AND country IS NOT NULL AND country <> ''
	`
	var total int64
	if err := r.db.QueryRowContext(ctx, r.rebind(totalQuery), tenantID, username, since).Scan(&total); err != nil {
		return nil, 0, err
	}

	return dist, total, nil
}

// LastSuccessfulLogin returns the user's most recent successful login that
// carries coordinates, or ErrNotFound.
func (r *SQLRepository) LastSuccessfulLogin(ctx context.Context, tenantID string, username string) (*domain.AuthEvent, error) {
	if tenantID == "" || username == "" {
		return nil, fmt.Errorf("%w: tenantID and username are required", ErrInvalidInput)
	}

	query := authEventColumns + `
		WHERE tenant_id = ? AND username = ? AND event_type = 'successful'
		  AND latitude IS NOT NULL AND longitude IS NOT NULL
		ORDER BY timestamp DESC
		LIMIT 1
	`

	row := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, username)
	return scanAuthEvent(row)
}

// FleetStats returns fleet-wide failed-attempt aggregates, optionally
// scoped to one target server, plus the number of involved IPs whose
// cached reputation meets minAbuseScore.
func (r *SQLRepository) FleetStats(ctx context.Context, tenantID string, targetServer string, since time.Time, minAbuseScore int) (*domain.DistributedStats, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT COUNT(DISTINCT ip), COUNT(DISTINCT username), COUNT(*)
		FROM auth_events
		WHERE tenant_id = ? AND event_type = 'failed' AND timestamp >= ?
	`
	args := []any{tenantID, since}

	if targetServer != "" {
		query += ` AND target_server = ?`
		args = append(args, targetServer)
	}

	var stats domain.DistributedStats
	err := r.db.QueryRowContext(ctx, r.rebind(query), args...).Scan(
		&stats.UniqueIPs, &stats.UniqueUsernames, &stats.TotalAttempts,
	)
	if err != nil {
		return nil, err
	}

	if stats.UniqueIPs > 0 {
		stats.AvgAttemptsPerIP = float64(stats.TotalAttempts) / float64(stats.UniqueIPs)
	}

	repQuery := `
		SELECT COUNT(*) FROM ip_reputation
		WHERE tenant_id = ? AND abuse_score >= ?
		  AND ip IN (
			SELECT DISTINCT ip FROM auth_events
			WHERE tenant_id = ? AND event_type = 'failed' AND timestamp >= ?
	`
	repArgs := []any{tenantID, minAbuseScore, tenantID, since}
	if targetServer != "" {
		repQuery += ` AND target_server = ?`
		repArgs = append(repArgs, targetServer)
	}
	repQuery += `)`

	if err := r.db.QueryRowContext(ctx, r.rebind(repQuery), repArgs...).Scan(&stats.HighReputationIPs); err != nil {
		return nil, err
	}

	return &stats, nil
}

// TakeoverCandidates returns usernames targeted by at least minIPs
// distinct IPs or minCountries distinct countries within the window,
// most-targeted first.
func (r *SQLRepository) TakeoverCandidates(ctx context.Context, tenantID string, since time.Time, minIPs int, minCountries int) ([]domain.TakeoverCandidate, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT e.username,
			   COUNT(DISTINCT e.ip),
			   COUNT(DISTINCT e.country),
			   COALESCE(AVG(r.abuse_score), 0)
		FROM auth_events e
		LEFT JOIN ip_reputation r ON r.tenant_id = e.tenant_id AND r.ip = e.ip
		WHERE e.tenant_id = ? AND e.timestamp >= ? AND e.username <> ''
		GROUP BY e.username
		HAVING COUNT(DISTINCT e.ip) >= ? OR COUNT(DISTINCT e.country) >= ?
		ORDER BY COUNT(DISTINCT e.ip) DESC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, since, minIPs, minCountries)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var candidates []domain.TakeoverCandidate
	for rows.Next() {
		var c domain.TakeoverCandidate
		if err := rows.Scan(&c.Username, &c.UniqueIPs, &c.UniqueCountries, &c.AvgAbuseScore); err != nil {
			return nil, err
		}
		candidates = append(candidates, c)
	}

	return candidates, rows.Err()
}

// ListEventTimesByIP returns event timestamps for an IP since the bound.
func (r *SQLRepository) ListEventTimesByIP(ctx context.Context, tenantID string, ip string, since time.Time) ([]time.Time, error) {
	if tenantID == "" || ip == "" {
		return nil, fmt.Errorf("%w: tenantID and ip are required", ErrInvalidInput)
	}

	query := `
		SELECT timestamp FROM auth_events
		WHERE tenant_id = ? AND ip = ? AND timestamp >= ?
		ORDER BY timestamp
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, ip, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var times []time.Time
	for rows.Next() {
		var t time.Time
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		times = append(times, t)
	}

	return times, rows.Err()
}

// LatestSuccessfulByInsertion returns the most recently inserted
// successful event for an IP. Ordering is by the insertion sequence, not
// the event timestamp, so late-arriving batches are still examined.
func (r *SQLRepository) LatestSuccessfulByInsertion(ctx context.Context, tenantID string, ip string) (*domain.AuthEvent, error) {
	if tenantID == "" || ip == "" {
		return nil, fmt.Errorf("%w: tenantID and ip are required", ErrInvalidInput)
	}

	query := authEventColumns + `
		WHERE tenant_id = ? AND ip = ? AND event_type = 'successful'
		ORDER BY seq DESC
		LIMIT 1
	`

	row := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, ip)
	return scanAuthEvent(row)
}
