package access

import (
	"database/sql"
	"log/slog"

	"github.com/pkg/errors"
)

// schemaVersion is the current expected schema version.
const schemaVersion = 2

type migration struct {
	Version     int
	Description string
	SQL         string
}

// migrations is the ordered list of schema migrations. Each one is applied
// exactly once, tracked in the schema_version table. Timestamps are unix
// seconds.
var migrations = []migration{
	{
		Version:     1,
		Description: "base schema: users, activation_codes",
		SQL: `
		CREATE TABLE IF NOT EXISTS users (
			user_id                 TEXT PRIMARY KEY,
			total_requests_in_plan  INTEGER NOT NULL DEFAULT 0,
			used_requests_in_plan   INTEGER NOT NULL DEFAULT 0,
			total_requests_all_time INTEGER NOT NULL DEFAULT 0,
			expires_at              INTEGER,
			last_activation_at      INTEGER,
			last_request_at         INTEGER,
			created_at              INTEGER NOT NULL,
			updated_at              INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS activation_codes (
			code        TEXT PRIMARY KEY,
			user_id     TEXT,
			created_at  INTEGER NOT NULL,
			used_at     INTEGER
		);
		`,
	},
	{
		Version:     2,
		Description: "v2: activation code note, index on redeemer",
		SQL: `
		ALTER TABLE activation_codes ADD COLUMN note TEXT NOT NULL DEFAULT '';
		CREATE INDEX IF NOT EXISTS idx_codes_user ON activation_codes(user_id);
		`,
	},
}

// runMigrations applies all pending schema migrations inside one transaction each.
func runMigrations(db *sql.DB, logger *slog.Logger) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version     INTEGER PRIMARY KEY,
			description TEXT,
			applied_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return errors.Wrap(err, "create schema_version table")
	}

	current, err := schemaVersionOf(db)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}

		logger.Info("applying access migration",
			"version", m.Version,
			"description", m.Description,
		)

		tx, err := db.Begin()
		if err != nil {
			return errors.Wrapf(err, "begin migration v%d", m.Version)
		}
		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return errors.Wrapf(err, "apply migration v%d", m.Version)
		}
		if _, err := tx.Exec(
			"INSERT OR REPLACE INTO schema_version (version, description) VALUES (?, ?)",
			m.Version, m.Description,
		); err != nil {
			tx.Rollback()
			return errors.Wrapf(err, "record migration v%d", m.Version)
		}
		if err := tx.Commit(); err != nil {
			return errors.Wrapf(err, "commit migration v%d", m.Version)
		}
	}

	return nil
}

func schemaVersionOf(db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&v); err != nil {
		return 0, errors.Wrap(err, "query schema version")
	}
	return v, nil
}
