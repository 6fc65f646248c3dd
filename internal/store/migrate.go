package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
)

// schemaVersion is the current expected schema version.
const schemaVersion = 3

type migration struct {
	Version     int
	Description string
	SQL         string
}

// migrations is the ordered list of schema migrations.
// Each migration is applied exactly once, tracked in the schema_version table.
var migrations = []migration{
	{
		Version:     1,
		Description: "base schema: instances, users, contacts, templates, audit_logs",
		SQL: `
		CREATE TABLE IF NOT EXISTS instances (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			name          TEXT NOT NULL,
			status        TEXT NOT NULL DEFAULT 'stopped',
			last_error    TEXT DEFAULT '',
			stop_reason   TEXT DEFAULT '',
			owner_user_id INTEGER DEFAULT 0,
			created_at    DATETIME,
			updated_at    DATETIME
		);

		CREATE TABLE IF NOT EXISTS users (
			id               INTEGER PRIMARY KEY AUTOINCREMENT,
			username         TEXT NOT NULL UNIQUE,
			role             TEXT NOT NULL DEFAULT 'agent',
			status           TEXT NOT NULL DEFAULT 'active',
			message_limit    INTEGER NOT NULL DEFAULT 1000,
			message_usage    INTEGER NOT NULL DEFAULT 0,
			limit_frequency  TEXT NOT NULL DEFAULT 'daily',
			last_usage_reset DATETIME,
			created_at       DATETIME
		);

		CREATE TABLE IF NOT EXISTS contacts (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			name            TEXT NOT NULL DEFAULT '',
			phone           TEXT NOT NULL UNIQUE,
			email           TEXT DEFAULT '',
			tags            TEXT DEFAULT '',
			notes           TEXT DEFAULT '',
			source          TEXT NOT NULL DEFAULT 'manual',
			suppressed      INTEGER NOT NULL DEFAULT 0,
			last_inbound_at DATETIME,
			created_at      DATETIME
		);

		CREATE TABLE IF NOT EXISTS templates (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			name           TEXT NOT NULL UNIQUE,
			body           TEXT NOT NULL,
			variable_count INTEGER NOT NULL DEFAULT 0,
			created_at     DATETIME
		);

		CREATE TABLE IF NOT EXISTS audit_logs (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id     INTEGER DEFAULT 0,
			instance_id INTEGER,
			action      TEXT NOT NULL,
			details     TEXT,
			severity    TEXT NOT NULL DEFAULT 'INFO',
			actor_type  TEXT DEFAULT 'system',
			auth_type   TEXT DEFAULT 'system',
			created_at  DATETIME
		);
		CREATE INDEX IF NOT EXISTS idx_audit_time ON audit_logs(created_at);
		`,
	},
	{
		Version:     2,
		Description: "v2: api tokens and their instance scope",
		SQL: `
		CREATE TABLE IF NOT EXISTS api_tokens (
			id               INTEGER PRIMARY KEY AUTOINCREMENT,
			assigned_user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			name             TEXT NOT NULL,
			token_hash       TEXT NOT NULL UNIQUE,
			last_used_at     DATETIME,
			created_at       DATETIME
		);

		CREATE TABLE IF NOT EXISTS token_instances (
			token_id    INTEGER NOT NULL REFERENCES api_tokens(id) ON DELETE CASCADE,
			instance_id INTEGER NOT NULL,
			PRIMARY KEY (token_id, instance_id)
		);
		`,
	},
	{
		Version:     3,
		Description: "v3: protocol credentials and key material",
		SQL: `
		CREATE TABLE IF NOT EXISTS wa_creds (
			instance_id INTEGER PRIMARY KEY,
			creds       TEXT NOT NULL,
			updated_at  DATETIME
		);

		CREATE TABLE IF NOT EXISTS wa_keys (
			instance_id INTEGER NOT NULL,
			type        TEXT NOT NULL,
			key_id      TEXT NOT NULL,
			value       TEXT NOT NULL,
			PRIMARY KEY (instance_id, type, key_id)
		);
		`,
	},
}

// RunMigrations applies all pending schema migrations.
func RunMigrations(db *sql.DB, logger *slog.Logger) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version     INTEGER PRIMARY KEY,
			description TEXT,
			applied_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	current := 0
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&current); err != nil {
		return fmt.Errorf("query schema version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}

		logger.Info("applying migration", "version", m.Version, "description", m.Description)

		if err := applyMigration(db, m); err != nil {
			logger.Warn("migration batch failed, retrying statement by statement",
				"version", m.Version,
				"err", err,
			)
			if err := applyMigrationStatements(db, m, logger); err != nil {
				return err
			}
		}

		logger.Info("migration applied", "version", m.Version)
	}

	return nil
}

func applyMigration(db *sql.DB, m migration) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration v%d: %w", m.Version, err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(m.SQL); err != nil {
		return err
	}
	if _, err := tx.Exec(
		"INSERT OR REPLACE INTO schema_version (version, description) VALUES (?, ?)",
		m.Version, m.Description,
	); err != nil {
		return fmt.Errorf("record migration v%d: %w", m.Version, err)
	}
	return tx.Commit()
}

// applyMigrationStatements applies each statement individually, skipping
// "duplicate column" and "already exists" failures.
func applyMigrationStatements(db *sql.DB, m migration, logger *slog.Logger) error {
	for _, stmt := range strings.Split(m.SQL, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := db.Exec(stmt); err != nil {
			msg := strings.ToLower(err.Error())
			if strings.Contains(msg, "duplicate column") || strings.Contains(msg, "already exists") {
				logger.Debug("migration statement skipped (already applied)", "stmt_prefix", truncate(stmt, 60))
				continue
			}
			return fmt.Errorf("migration v%d statement failed: %w\nSQL: %s", m.Version, err, truncate(stmt, 200))
		}
	}

	if _, err := db.Exec(
		"INSERT OR REPLACE INTO schema_version (version, description) VALUES (?, ?)",
		m.Version, m.Description,
	); err != nil {
		return fmt.Errorf("record migration v%d: %w", m.Version, err)
	}
	return nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

// GetSchemaVersion returns the current schema version, 0 for a fresh database.
func GetSchemaVersion(db *sql.DB) (int, error) {
	var name string
	err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='schema_version'").Scan(&name)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	var version int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return 0, err
	}
	return version, nil
}
