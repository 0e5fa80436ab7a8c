// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-security/kestrel/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas(r.driver) {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveAuthEvent stores an authentication event with tenant isolation.
func (r *SQLRepository) SaveAuthEvent(ctx context.Context, tenantID string, event *domain.AuthEvent) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	metadata, _ := json.Marshal(event.Metadata)

	var lat, lon sql.NullFloat64
	if event.Latitude != nil {
		lat = sql.NullFloat64{Float64: *event.Latitude, Valid: true}
	}
	if event.Longitude != nil {
		lon = sql.NullFloat64{Float64: *event.Longitude, Valid: true}
	}

	query := `
		INSERT INTO auth_events (
			id, tenant_id, ip, username, event_type, target_server,
			country, city, latitude, longitude, timestamp, created_at, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		event.ID, tenantID, event.IP, event.Username, string(event.EventType),
		event.TargetServer, event.Country, event.City, lat, lon,
		event.Timestamp, event.CreatedAt, string(metadata),
	)
	return err
}

// GetAuthEvent retrieves an event by ID with tenant isolation.
func (r *SQLRepository) GetAuthEvent(ctx context.Context, tenantID string, eventID string) (*domain.AuthEvent, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := authEventColumns + ` WHERE tenant_id = ? AND id = ?`
	row := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, eventID)
	return scanAuthEvent(row)
}

const authEventColumns = `
	SELECT id, tenant_id, ip, username, event_type, target_server,
		   country, city, latitude, longitude, timestamp, created_at, metadata
	FROM auth_events
`

// rowScanner abstracts *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanAuthEvent(row rowScanner) (*domain.AuthEvent, error) {
	var event domain.AuthEvent
	var eventType, metadata string
	var targetServer, country, city sql.NullString
	var lat, lon sql.NullFloat64

	err := row.Scan(
		&event.ID, &event.TenantID, &event.IP, &event.Username, &eventType,
		&targetServer, &country, &city, &lat, &lon,
		&event.Timestamp, &event.CreatedAt, &metadata,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	event.EventType = domain.EventType(eventType)
	event.TargetServer = targetServer.String
	event.Country = country.String
	event.City = city.String
	if lat.Valid {
		event.Latitude = &lat.Float64
	}
	if lon.Valid {
		event.Longitude = &lon.Float64
	}
	if metadata != "" {
		json.Unmarshal([]byte(metadata), &event.Metadata)
	}

	return &event, nil
}

// GetProfile retrieves a user's behavioral profile.
func (r *SQLRepository) GetProfile(ctx context.Context, tenantID string, username string) (*domain.UserBehaviorProfile, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT tenant_id, username, typical_hours, typical_days,
			   known_ips, known_cities, known_countries,
			   login_count, successful_count, failed_count,
			   avg_session_gap_hours, confidence_score, last_login_at, updated_at
		FROM user_behavior_profiles
		WHERE tenant_id = ? AND username = ?
	`

	var p domain.UserBehaviorProfile
	var hours, days, ips, cities, countries string
	var avgGap sql.NullFloat64
	var lastLogin sql.NullTime

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, username).Scan(
		&p.TenantID, &p.Username, &hours, &days,
		&ips, &cities, &countries,
		&p.LoginCount, &p.SuccessfulCount, &p.FailedCount,
		&avgGap, &p.ConfidenceScore, &lastLogin, &p.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if avgGap.Valid {
		p.AvgSessionGapHours = &avgGap.Float64
	}
	if lastLogin.Valid {
		t := lastLogin.Time
		p.LastLoginAt = &t
	}

	json.Unmarshal([]byte(hours), &p.TypicalHours)
	json.Unmarshal([]byte(days), &p.TypicalDays)
	json.Unmarshal([]byte(ips), &p.KnownIPs)
	json.Unmarshal([]byte(cities), &p.KnownCities)
	json.Unmarshal([]byte(countries), &p.KnownCountries)

	return &p, nil
}

// UpsertProfile stores a user's behavioral profile atomically.
func (r *SQLRepository) UpsertProfile(ctx context.Context, tenantID string, profile *domain.UserBehaviorProfile) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if profile.Username == "" {
		return fmt.Errorf("%w: username is required", ErrInvalidInput)
	}

	hours, _ := json.Marshal(profile.TypicalHours)
	days, _ := json.Marshal(profile.TypicalDays)
	ips, _ := json.Marshal(profile.KnownIPs)
	cities, _ := json.Marshal(profile.KnownCities)
	countries, _ := json.Marshal(profile.KnownCountries)

	var avgGap sql.NullFloat64
	if profile.AvgSessionGapHours != nil {
		avgGap = sql.NullFloat64{Float64: *profile.AvgSessionGapHours, Valid: true}
	}
	var lastLogin sql.NullTime
	if profile.LastLoginAt != nil {
		lastLogin = sql.NullTime{Time: *profile.LastLoginAt, Valid: true}
	}

	query := `
		INSERT INTO user_behavior_profiles (
			tenant_id, username, typical_hours, typical_days,
			known_ips, known_cities, known_countries,
			login_count, successful_count, failed_count,
			avg_session_gap_hours, confidence_score, last_login_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, username) DO UPDATE SET
			typical_hours = excluded.typical_hours,
			typical_days = excluded.typical_days,
			known_ips = excluded.known_ips,
			known_cities = excluded.known_cities,
			known_countries = excluded.known_countries,
			login_count = excluded.login_count,
			successful_count = excluded.successful_count,
			failed_count = excluded.failed_count,
			avg_session_gap_hours = excluded.avg_session_gap_hours,
			confidence_score = excluded.confidence_score,
			last_login_at = excluded.last_login_at,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		tenantID, profile.Username, string(hours), string(days),
		string(ips), string(cities), string(countries),
		profile.LoginCount, profile.SuccessfulCount, profile.FailedCount,
		avgGap, profile.ConfidenceScore, lastLogin, time.Now().UTC(),
	)
	return err
}

// GetLoginBaseline retrieves the last known location record for a user.
func (r *SQLRepository) GetLoginBaseline(ctx context.Context, tenantID string, username string) (*domain.UserLoginBaseline, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT tenant_id, username, latitude, longitude, country, city, ip, login_at, login_count
		FROM user_login_baselines
		WHERE tenant_id = ? AND username = ?
	`

	var b domain.UserLoginBaseline
	var country, city, ip sql.NullString

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, username).Scan(
		&b.TenantID, &b.Username, &b.Latitude, &b.Longitude,
		&country, &city, &ip, &b.LoginAt, &b.LoginCount,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	b.Country = country.String
	b.City = city.String
	b.IP = ip.String

	return &b, nil
}

// UpsertLoginBaseline stores the last known location record atomically.
func (r *SQLRepository) UpsertLoginBaseline(ctx context.Context, tenantID string, baseline *domain.UserLoginBaseline) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if baseline.Username == "" {
		return fmt.Errorf("%w: username is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO user_login_baselines (
			tenant_id, username, latitude, longitude, country, city, ip, login_at, login_count
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, username) DO UPDATE SET
			latitude = excluded.latitude,
			longitude = excluded.longitude,
			country = excluded.country,
			city = excluded.city,
			ip = excluded.ip,
			login_at = excluded.login_at,
			login_count = excluded.login_count
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		tenantID, baseline.Username, baseline.Latitude, baseline.Longitude,
		baseline.Country, baseline.City, baseline.IP, baseline.LoginAt, baseline.LoginCount,
	)
	return err
}

// SaveRuleConfig stores a rule configuration with tenant isolation.
func (r *SQLRepository) SaveRuleConfig(ctx context.Context, tenantID string, rule *domain.RuleConfig) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	enabled := 0
	if rule.Enabled {
		enabled = 1
	}
	approval := 0
	if rule.RequiresApproval {
		approval = 1
	}

	conditions := string(rule.Conditions)
	if conditions == "" {
		conditions = "{}"
	}

	now := time.Now().UTC()

	query := `
		INSERT INTO rule_configs (
			id, tenant_id, name, description, rule_type, conditions,
			priority, requires_approval, cooldown_minutes, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, tenant_id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			rule_type = excluded.rule_type,
			conditions = excluded.conditions,
			priority = excluded.priority,
			requires_approval = excluded.requires_approval,
			cooldown_minutes = excluded.cooldown_minutes,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, tenantID, rule.Name, rule.Description, string(rule.Type), conditions,
		rule.Priority, approval, rule.CooldownMinutes, enabled, now, now,
	)
	return err
}

// GetRuleConfig retrieves a rule configuration with tenant isolation.
func (r *SQLRepository) GetRuleConfig(ctx context.Context, tenantID string, ruleID string) (*domain.RuleConfig, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, name, description, rule_type, conditions,
			   priority, requires_approval, cooldown_minutes, enabled, created_at, updated_at
		FROM rule_configs
		WHERE tenant_id = ? AND id = ?
	`

	row := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, ruleID)
	return scanRuleConfig(row)
}

// ListRuleConfigs retrieves all enabled rule configurations for a tenant,
// highest priority first.
func (r *SQLRepository) ListRuleConfigs(ctx context.Context, tenantID string) ([]*domain.RuleConfig, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, name, description, rule_type, conditions,
			   priority, requires_approval, cooldown_minutes, enabled, created_at, updated_at
		FROM rule_configs
		WHERE tenant_id = ? AND enabled = 1
		ORDER BY priority DESC, name
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var configs []*domain.RuleConfig
	for rows.Next() {
		cfg, err := scanRuleConfig(rows)
		if err != nil {
			return nil, err
		}
		configs = append(configs, cfg)
	}

	return configs, rows.Err()
}

// DeleteRuleConfig removes a rule configuration with tenant isolation.
func (r *SQLRepository) DeleteRuleConfig(ctx context.Context, tenantID string, ruleID string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `DELETE FROM rule_configs WHERE tenant_id = ? AND id = ?`

	res, err := r.db.ExecContext(ctx, r.rebind(query), tenantID, ruleID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanRuleConfig(row rowScanner) (*domain.RuleConfig, error) {
	var cfg domain.RuleConfig
	var ruleType, conditions string
	var description sql.NullString
	var approval, enabled int

	err := row.Scan(
		&cfg.ID, &cfg.TenantID, &cfg.Name, &description, &ruleType, &conditions,
		&cfg.Priority, &approval, &cfg.CooldownMinutes, &enabled,
		&cfg.CreatedAt, &cfg.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	cfg.Description = description.String
	cfg.Type = domain.RuleType(ruleType)
	cfg.Conditions = json.RawMessage(conditions)
	cfg.RequiresApproval = approval == 1
	cfg.Enabled = enabled == 1

	return &cfg, nil
}

// SaveDecision stores a decision with tenant isolation.
func (r *SQLRepository) SaveDecision(ctx context.Context, tenantID string, decision *domain.Decision) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	triggered, _ := json.Marshal(decision.TriggeredRules)
	reasons, _ := json.Marshal(decision.Reasons)
	factors, _ := json.Marshal(decision.RiskFactors)
	recommendations, _ := json.Marshal(decision.Recommendations)
	adjustments, _ := json.Marshal(decision.AdjustmentReasons)
	metadata, _ := json.Marshal(decision.Metadata)

	query := `
		INSERT INTO decisions (
			id, tenant_id, event_id, ip, username, action, block_method,
			risk_score, adjusted_score, confidence,
			triggered_rules, reasons, risk_factors, recommendations,
			adjustment_reasons, timestamp, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		decision.ID, tenantID, decision.EventID, decision.IP, decision.Username,
		string(decision.Action), string(decision.BlockMethod),
		decision.RiskScore, decision.AdjustedScore, decision.Confidence,
		string(triggered), string(reasons), string(factors), string(recommendations),
		string(adjustments), decision.Timestamp, string(metadata),
	)
	return err
}

// GetDecision retrieves a decision by ID with tenant isolation.
func (r *SQLRepository) GetDecision(ctx context.Context, tenantID string, decisionID string) (*domain.Decision, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, event_id, ip, username, action, block_method,
			   risk_score, adjusted_score, confidence,
			   triggered_rules, reasons, risk_factors, recommendations,
			   adjustment_reasons, timestamp, metadata
		FROM decisions
		WHERE tenant_id = ? AND id = ?
	`

	var d domain.Decision
	var action, blockMethod string
	var triggered, reasons, factors, recommendations, adjustments, metadata string

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, decisionID).Scan(
		&d.ID, &d.TenantID, &d.EventID, &d.IP, &d.Username, &action, &blockMethod,
		&d.RiskScore, &d.AdjustedScore, &d.Confidence,
		&triggered, &reasons, &factors, &recommendations,
		&adjustments, &d.Timestamp, &metadata,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	d.Action = domain.Action(action)
	d.BlockMethod = domain.BlockMethod(blockMethod)
	json.Unmarshal([]byte(triggered), &d.TriggeredRules)
	json.Unmarshal([]byte(reasons), &d.Reasons)
	json.Unmarshal([]byte(factors), &d.RiskFactors)
	json.Unmarshal([]byte(recommendations), &d.Recommendations)
	json.Unmarshal([]byte(adjustments), &d.AdjustmentReasons)
	json.Unmarshal([]byte(metadata), &d.Metadata)

	return &d, nil
}

// UpsertIPReputation caches an abuse score from a threat-intel lookup.
func (r *SQLRepository) UpsertIPReputation(ctx context.Context, tenantID string, ip string, abuseScore int) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO ip_reputation (tenant_id, ip, abuse_score, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(tenant_id, ip) DO UPDATE SET
			abuse_score = excluded.abuse_score,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query), tenantID, ip, abuseScore, time.Now().UTC())
	return err
}

// GetIPReputation returns the cached abuse score for an IP, or ErrNotFound.
func (r *SQLRepository) GetIPReputation(ctx context.Context, tenantID string, ip string) (int, error) {
	if tenantID == "" {
		return 0, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `SELECT abuse_score FROM ip_reputation WHERE tenant_id = ? AND ip = ?`

	var score int
	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, ip).Scan(&score)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}

	return score, nil
}

// AcquireCooldown atomically claims the notification cooldown for a rule.
// The conditional upsert only advances an expired cooldown; zero rows
// affected means the window is still active.
func (r *SQLRepository) AcquireCooldown(ctx context.Context, tenantID string, ruleID string, window time.Duration) (bool, error) {
	if tenantID == "" {
		return false, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	now := time.Now().UTC()

	query := `
		INSERT INTO notification_cooldowns (tenant_id, rule_id, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT(tenant_id, rule_id) DO UPDATE SET
			expires_at = excluded.expires_at
		WHERE notification_cooldowns.expires_at <= ?
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query), tenantID, ruleID, now.Add(window), now)
	if err != nil {
		return false, err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}

	return rows > 0, nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
