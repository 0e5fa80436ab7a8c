package repository

// Schema definitions for the Kestrel database.
// The auth_events table differs per driver: the insertion sequence column
// is a rowid alias on SQLite and a BIGSERIAL on PostgreSQL. Everything
// else is shared.

const schemaAuthEventsSQLite = `
CREATE TABLE IF NOT EXISTS auth_events (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT NOT NULL UNIQUE,
    tenant_id TEXT NOT NULL,
    ip TEXT NOT NULL,
    username TEXT NOT NULL,
    event_type TEXT NOT NULL,
    target_server TEXT,
    country TEXT,
    city TEXT,
    latitude REAL,
    longitude REAL,
    timestamp TIMESTAMP NOT NULL,
    created_at TIMESTAMP NOT NULL,
    metadata TEXT
);
`

const schemaAuthEventsPostgres = `
CREATE TABLE IF NOT EXISTS auth_events (
    seq BIGSERIAL PRIMARY KEY,
    id TEXT NOT NULL UNIQUE,
    tenant_id TEXT NOT NULL,
    ip TEXT NOT NULL,
    username TEXT NOT NULL,
    event_type TEXT NOT NULL,
    target_server TEXT,
    country TEXT,
    city TEXT,
    latitude REAL,
    longitude REAL,
    timestamp TIMESTAMP NOT NULL,
    created_at TIMESTAMP NOT NULL,
    metadata TEXT
);
`

const schemaAuthEventIndexes = `
CREATE INDEX IF NOT EXISTS idx_auth_events_ip ON auth_events(tenant_id, ip, timestamp);
CREATE INDEX IF NOT EXISTS idx_auth_events_user ON auth_events(tenant_id, username, timestamp);
CREATE INDEX IF NOT EXISTS idx_auth_events_type ON auth_events(tenant_id, event_type, timestamp);
CREATE INDEX IF NOT EXISTS idx_auth_events_server ON auth_events(tenant_id, target_server, timestamp);
`

const schemaProfiles = `
CREATE TABLE IF NOT EXISTS user_behavior_profiles (
    tenant_id TEXT NOT NULL,
    username TEXT NOT NULL,
    typical_hours TEXT NOT NULL,
    typical_days TEXT NOT NULL,
    known_ips TEXT NOT NULL,
    known_cities TEXT NOT NULL,
    known_countries TEXT NOT NULL,
    login_count INTEGER NOT NULL DEFAULT 0,
    successful_count INTEGER NOT NULL DEFAULT 0,
    failed_count INTEGER NOT NULL DEFAULT 0,
    avg_session_gap_hours REAL,
    confidence_score REAL NOT NULL DEFAULT 0,
    last_login_at TIMESTAMP,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (tenant_id, username)
);
`

const schemaBaselines = `
CREATE TABLE IF NOT EXISTS user_login_baselines (
    tenant_id TEXT NOT NULL,
    username TEXT NOT NULL,
    latitude REAL NOT NULL,
    longitude REAL NOT NULL,
    country TEXT,
    city TEXT,
    ip TEXT,
    login_at TIMESTAMP NOT NULL,
    login_count INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (tenant_id, username)
);
`

const schemaRuleConfigs = `
CREATE TABLE IF NOT EXISTS rule_configs (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT,
    rule_type TEXT NOT NULL,
    conditions TEXT NOT NULL,
    priority INTEGER NOT NULL DEFAULT 0,
    requires_approval INTEGER NOT NULL DEFAULT 0,
    cooldown_minutes INTEGER NOT NULL DEFAULT 0,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_rule_configs_tenant ON rule_configs(tenant_id, enabled);
`

const schemaDecisions = `
CREATE TABLE IF NOT EXISTS decisions (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    event_id TEXT NOT NULL,
    ip TEXT NOT NULL,
    username TEXT NOT NULL,
    action TEXT NOT NULL,
    block_method TEXT NOT NULL,
    risk_score INTEGER NOT NULL DEFAULT 0,
    adjusted_score INTEGER NOT NULL DEFAULT 0,
    confidence REAL NOT NULL DEFAULT 0,
    triggered_rules TEXT,
    reasons TEXT,
    risk_factors TEXT,
    recommendations TEXT,
    adjustment_reasons TEXT,
    timestamp TIMESTAMP NOT NULL,
    metadata TEXT
);

CREATE INDEX IF NOT EXISTS idx_decisions_tenant ON decisions(tenant_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_decisions_ip ON decisions(tenant_id, ip);
`

const schemaIPReputation = `
CREATE TABLE IF NOT EXISTS ip_reputation (
    tenant_id TEXT NOT NULL,
    ip TEXT NOT NULL,
    abuse_score INTEGER NOT NULL DEFAULT 0,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (tenant_id, ip)
);
`

const schemaCooldowns = `
CREATE TABLE IF NOT EXISTS notification_cooldowns (
    tenant_id TEXT NOT NULL,
    rule_id TEXT NOT NULL,
    expires_at TIMESTAMP NOT NULL,
    PRIMARY KEY (tenant_id, rule_id)
);
`

// AllSchemas returns all schema statements for the given driver,
// in dependency order.
func AllSchemas(driver string) []string {
	events := schemaAuthEventsSQLite
	if driver == "postgres" {
		events = schemaAuthEventsPostgres
	}
	return []string{
		events,
		schemaAuthEventIndexes,
		schemaProfiles,
		schemaBaselines,
		schemaRuleConfigs,
		schemaDecisions,
		schemaIPReputation,
		schemaCooldowns,
	}
}
