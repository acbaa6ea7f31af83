package storage

import (
	"database/sql"
	"fmt"

	"github.com/hushlog/hushlog/internal/errs"
	"github.com/hushlog/hushlog/internal/logger"
)

// Schema migrations are applied in order inside one transaction each and
// tracked through PRAGMA user_version. New installs and upgrades go
// through the same path.
type migration struct {
	version     int
	description string
	statements  []string
}

var migrations = []migration{
	{
		version:     1,
		description: "initial schema: hosts, sessions, commands, tokens",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS hosts (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				hostname TEXT NOT NULL UNIQUE,
				created_at INTEGER NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS sessions (
				id TEXT PRIMARY KEY,
				host_id INTEGER NOT NULL REFERENCES hosts(id) ON DELETE CASCADE,
				started_at INTEGER NOT NULL,
				ended_at INTEGER
			)`,
			`CREATE TABLE IF NOT EXISTS commands (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
				command TEXT NOT NULL,
				timestamp INTEGER NOT NULL,
				directory TEXT NOT NULL,
				redacted INTEGER NOT NULL DEFAULT 0,
				exit_code INTEGER
			)`,
			`CREATE TABLE IF NOT EXISTS tokens (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				command_id INTEGER NOT NULL REFERENCES commands(id) ON DELETE CASCADE,
				token_type TEXT NOT NULL,
				placeholder TEXT NOT NULL,
				original_value TEXT NOT NULL,
				created_at INTEGER NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_sessions_host ON sessions(host_id)`,
			`CREATE INDEX IF NOT EXISTS idx_commands_session ON commands(session_id)`,
			`CREATE INDEX IF NOT EXISTS idx_commands_timestamp ON commands(timestamp)`,
			`CREATE INDEX IF NOT EXISTS idx_commands_directory ON commands(directory)`,
			`CREATE INDEX IF NOT EXISTS idx_tokens_command ON tokens(command_id)`,
		},
	},
}

// schemaVersion is what a fully migrated database reports.
var schemaVersion = migrations[len(migrations)-1].version

func currentVersion(db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRow("PRAGMA user_version").Scan(&v); err != nil {
		return 0, errs.E(errs.KindConstraint, "storage.schema", err)
	}
	return v, nil
}

func runMigrations(db *sql.DB, log *logger.Logger) error {
	version, err := currentVersion(db)
	if err != nil {
		return err
	}
	if version > schemaVersion {
		return errs.Errorf(errs.KindConstraint, "storage.schema",
			"database schema version %d is newer than this build understands (%d)",
			version, schemaVersion)
	}
	for _, m := range migrations {
		if m.version <= version {
			continue
		}
		log.Info().Int("version", m.version).Str("description", m.description).
			Msg("applying schema migration")
		tx, err := db.Begin()
		if err != nil {
			return errs.E(errs.KindConstraint, "storage.schema", err)
		}
		if err := applyMigration(tx, m); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return errs.E(errs.KindConstraint, "storage.schema", err)
		}
	}
	return nil
}

func applyMigration(tx *sql.Tx, m migration) error {
	for _, stmt := range m.statements {
		if _, err := tx.Exec(stmt); err != nil {
			return errs.Errorf(errs.KindConstraint, "storage.schema",
				"migration %d (%s): %v", m.version, m.description, err)
		}
	}
	// PRAGMA does not take placeholders.
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", m.version)); err != nil {
		return errs.E(errs.KindConstraint, "storage.schema", err)
	}
	return nil
}
