package store

import (
	"fmt"
	"strings"
)

// dialect rewrites the portable DDL below for one driver.
type dialect struct {
	name string
	ddl  *strings.Replacer
}

var sqliteDialect = dialect{
	name: DriverSQLite,
	ddl: strings.NewReplacer(
		"{{pk}}", "INTEGER PRIMARY KEY AUTOINCREMENT",
		"{{ts}}", "DATETIME",
		"{{bool}}", "INTEGER",
		"{{true}}", "1",
		"{{false}}", "0",
		"{{bigint}}", "INTEGER",
		"{{blob}}", "BLOB",
	),
}

var postgresDialect = dialect{
	name: DriverPostgres,
	ddl: strings.NewReplacer(
		"{{pk}}", "BIGSERIAL PRIMARY KEY",
		"{{ts}}", "TIMESTAMPTZ",
		"{{bool}}", "BOOLEAN",
		"{{true}}", "TRUE",
		"{{false}}", "FALSE",
		"{{bigint}}", "BIGINT",
		"{{blob}}", "BYTEA",
	),
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS connectors (
			id {{pk}},
			team_id TEXT,
			owner_id TEXT,
			scope_key TEXT NOT NULL,
			slug TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			base_url TEXT NOT NULL,
			allowed_hosts TEXT NOT NULL DEFAULT '[]',
			secret_refs TEXT NOT NULL DEFAULT '[]',
			auth_type TEXT NOT NULL DEFAULT 'none',
			auth_config TEXT NOT NULL DEFAULT '{}',
			health_check_path TEXT NOT NULL DEFAULT '',
			visibility TEXT NOT NULL DEFAULT 'private',
			status TEXT NOT NULL DEFAULT 'draft',
			version INTEGER NOT NULL DEFAULT 1,
			created_at {{ts}} NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at {{ts}} NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(scope_key, slug),
			CHECK ((team_id IS NULL) <> (owner_id IS NULL))
		)`,

		`CREATE TABLE IF NOT EXISTS endpoints (
			id {{pk}},
			connector_id {{bigint}} NOT NULL REFERENCES connectors(id) ON DELETE CASCADE,
			method TEXT NOT NULL,
			path TEXT NOT NULL,
			upstream_path TEXT NOT NULL DEFAULT '',
			content_type TEXT NOT NULL DEFAULT '',
			summary TEXT NOT NULL DEFAULT '',
			body_schema TEXT NOT NULL DEFAULT '',
			body_blacklist TEXT NOT NULL DEFAULT '[]',
			body_pattern TEXT NOT NULL DEFAULT '',
			cache_ttl_seconds INTEGER NOT NULL DEFAULT 0,
			rate_limit INTEGER NOT NULL DEFAULT 0,
			timeout_ms INTEGER NOT NULL DEFAULT 0,
			enabled {{bool}} NOT NULL DEFAULT {{true}},
			created_at {{ts}} NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at {{ts}} NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(connector_id, method, path)
		)`,

		`CREATE TABLE IF NOT EXISTS secrets (
			key TEXT PRIMARY KEY,
			ciphertext {{blob}} NOT NULL,
			nonce {{blob}} NOT NULL,
			created_at {{ts}} NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at {{ts}} NOT NULL DEFAULT CURRENT_TIMESTAMP,
			rotated_at {{ts}}
		)`,

		`CREATE TABLE IF NOT EXISTS plans (
			id {{pk}},
			team_id TEXT,
			owner_id TEXT,
			scope_key TEXT NOT NULL,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			rate_limit INTEGER NOT NULL DEFAULT 0,
			rate_window_seconds INTEGER NOT NULL DEFAULT 60,
			burst INTEGER NOT NULL DEFAULT 0,
			daily_quota {{bigint}} NOT NULL DEFAULT 0,
			monthly_quota {{bigint}} NOT NULL DEFAULT 0,
			max_request_bytes {{bigint}} NOT NULL DEFAULT 0,
			max_response_bytes {{bigint}} NOT NULL DEFAULT 0,
			allowed_connectors TEXT NOT NULL DEFAULT '[]',
			created_at {{ts}} NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at {{ts}} NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(scope_key, name),
			CHECK ((team_id IS NULL) <> (owner_id IS NULL))
		)`,

		`CREATE TABLE IF NOT EXISTS api_keys (
			id {{pk}},
			team_id TEXT,
			owner_id TEXT,
			scope_key TEXT NOT NULL,
			key_hash TEXT UNIQUE NOT NULL,
			key_prefix TEXT NOT NULL,
			label TEXT NOT NULL DEFAULT '',
			connector_id {{bigint}} REFERENCES connectors(id) ON DELETE SET NULL,
			plan_id {{bigint}} REFERENCES plans(id) ON DELETE SET NULL,
			allowed_endpoints TEXT NOT NULL DEFAULT '[]',
			allowed_ips TEXT NOT NULL DEFAULT '[]',
			expires_at {{ts}},
			status TEXT NOT NULL DEFAULT 'active',
			rotated_from {{bigint}},
			created_at {{ts}} NOT NULL DEFAULT CURRENT_TIMESTAMP,
			revoked_at {{ts}},
			last_used_at {{ts}},
			CHECK ((team_id IS NULL) <> (owner_id IS NULL))
		)`,

		// Timestamps on the append-only tables are unix milliseconds so range
		// scans compare the same way on both drivers.
		`CREATE TABLE IF NOT EXISTS usage_records (
			id {{pk}},
			connector_id {{bigint}} NOT NULL,
			api_key_id {{bigint}},
			endpoint_id {{bigint}},
			method TEXT NOT NULL DEFAULT '',
			path TEXT NOT NULL DEFAULT '',
			status_code INTEGER NOT NULL DEFAULT 0,
			latency_ms {{bigint}} NOT NULL DEFAULT 0,
			upstream_latency_ms {{bigint}} NOT NULL DEFAULT 0,
			request_bytes {{bigint}} NOT NULL DEFAULT 0,
			response_bytes {{bigint}} NOT NULL DEFAULT 0,
			error_layer TEXT NOT NULL DEFAULT '',
			cache_hit {{bool}} NOT NULL DEFAULT {{false}},
			created_ms {{bigint}} NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS health_checks (
			id {{pk}},
			connector_id {{bigint}} NOT NULL,
			status TEXT NOT NULL,
			latency_ms {{bigint}} NOT NULL DEFAULT 0,
			status_code INTEGER NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT '',
			checked_ms {{bigint}} NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL DEFAULT ''
		)`,

		`CREATE INDEX IF NOT EXISTS idx_api_keys_hash ON api_keys(key_hash)`,
		`CREATE INDEX IF NOT EXISTS idx_api_keys_scope ON api_keys(scope_key)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_key_time ON usage_records(api_key_id, created_ms)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_connector_time ON usage_records(connector_id, created_ms)`,
		`CREATE INDEX IF NOT EXISTS idx_health_connector_time ON health_checks(connector_id, checked_ms)`,
	}

	for _, m := range migrations {
		stmt := s.dialect.ddl.Replace(m)
		if _, err := s.db.Exec(stmt); err != nil {
			// ALTER TABLE ADD COLUMN fails if the column already exists;
			// treat it as a no-op for idempotent migrations.
			if strings.Contains(err.Error(), "duplicate column") || strings.Contains(err.Error(), "already exists") {
				continue
			}
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, stmt)
		}
	}
	return nil
}
