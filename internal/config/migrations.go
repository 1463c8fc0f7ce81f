package config

import (
	"fmt"
	"strings"
)

// column types that differ between SQLite and PostgreSQL
type ddlTypes struct {
	serial    string
	boolean   string
	timestamp string
	real      string
}

func (s *Store) ddl() ddlTypes {
	if s.dialect == DialectPostgres {
		return ddlTypes{
			serial:    "BIGSERIAL PRIMARY KEY",
			boolean:   "BOOLEAN",
			timestamp: "TIMESTAMPTZ",
			real:      "DOUBLE PRECISION",
		}
	}
	return ddlTypes{
		serial:    "INTEGER PRIMARY KEY AUTOINCREMENT",
		boolean:   "INTEGER",
		timestamp: "DATETIME",
		real:      "REAL",
	}
}

func (s *Store) migrate() error {
	t := s.ddl()
	trueLit := "1"
	if s.dialect == DialectPostgres {
		trueLit = "TRUE"
	}

	migrations := []string{
		`CREATE TABLE IF NOT EXISTS api_keys (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			hint TEXT NOT NULL,
			salt TEXT NOT NULL,
			secret_hash TEXT NOT NULL,
			is_active ` + t.boolean + ` NOT NULL DEFAULT ` + trueLit + `,
			target_url TEXT NOT NULL DEFAULT '',
			tier TEXT NOT NULL DEFAULT 'free',
			label TEXT NOT NULL DEFAULT '',
			created_at ` + t.timestamp + ` NOT NULL DEFAULT CURRENT_TIMESTAMP,
			last_used_at ` + t.timestamp + `
		)`,

		`CREATE INDEX IF NOT EXISTS idx_api_keys_hint_active ON api_keys(hint, is_active)`,
		`CREATE INDEX IF NOT EXISTS idx_api_keys_owner ON api_keys(owner_id)`,

		`CREATE TABLE IF NOT EXISTS rate_counters (
			scope TEXT NOT NULL,
			subject TEXT NOT NULL,
			bucket TEXT NOT NULL,
			count INTEGER NOT NULL DEFAULT 0,
			expires_at ` + t.timestamp + ` NOT NULL,
			PRIMARY KEY (scope, subject, bucket)
		)`,

		`CREATE INDEX IF NOT EXISTS idx_rate_counters_expires ON rate_counters(expires_at)`,

		`CREATE TABLE IF NOT EXISTS api_usage (
			id TEXT PRIMARY KEY,
			key_id TEXT NOT NULL,
			endpoint TEXT NOT NULL DEFAULT '',
			status INTEGER NOT NULL DEFAULT 0,
			validation_ms ` + t.real + ` NOT NULL DEFAULT 0,
			forward_ms ` + t.real + ` NOT NULL DEFAULT 0,
			created_at ` + t.timestamp + ` NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE INDEX IF NOT EXISTS idx_api_usage_key ON api_usage(key_id, created_at)`,

		`CREATE TABLE IF NOT EXISTS admins (
			id ` + t.serial + `,
			email TEXT UNIQUE NOT NULL,
			password_hash TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			is_active ` + t.boolean + ` NOT NULL DEFAULT ` + trueLit + `,
			last_login_at ` + t.timestamp + `,
			created_at ` + t.timestamp + ` NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at ` + t.timestamp + ` NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		// Key-value settings (instance ID, etc.)
		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL DEFAULT ''
		)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			// ALTER TABLE ADD COLUMN fails if the column already exists;
			// treat "duplicate column" / "already exists" as a no-op.
			msg := err.Error()
			if strings.Contains(msg, "duplicate column") || strings.Contains(msg, "already exists") {
				continue
			}
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}
