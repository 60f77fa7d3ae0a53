package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// schemaStep moves the schema one version forward (up) or back (down).
// The applied version lives in PRAGMA user_version.
type schemaStep struct {
	version int
	name    string
	up      string
	down    string
}

var schemaSteps = []schemaStep{
	{
		version: 1,
		name:    "lock sessions",
		up: `
CREATE TABLE IF NOT EXISTS lock_sessions (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    mode            TEXT NOT NULL,
    started_ns      INTEGER NOT NULL,
    ended_ns        INTEGER,
    reason          TEXT,
    auto_unlock_ms  INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_lock_sessions_started ON lock_sessions(started_ns);
`,
		down: `
DROP INDEX IF EXISTS idx_lock_sessions_started;
DROP TABLE IF EXISTS lock_sessions;
`,
	},
	{
		version: 2,
		name:    "lock failures",
		up: `
CREATE TABLE IF NOT EXISTS lock_failures (
    id      INTEGER PRIMARY KEY AUTOINCREMENT,
    mode    TEXT NOT NULL,
    at_ns   INTEGER NOT NULL,
    error   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_lock_failures_at ON lock_failures(at_ns);
`,
		down: `
DROP INDEX IF EXISTS idx_lock_failures_at;
DROP TABLE IF EXISTS lock_failures;
`,
	},
}

// ErrNothingToRollback is returned by RollbackMigration on an empty schema.
var ErrNothingToRollback = errors.New("store: no schema version to roll back")

func latestVersion() int { return schemaSteps[len(schemaSteps)-1].version }

func schemaVersion(q interface {
	QueryRow(query string, args ...any) *sql.Row
}) (int, error) {
	var v int
	if err := q.QueryRow("PRAGMA user_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}

// applyStep runs sql and records version in one transaction. SQLite
// keeps user_version changes inside the transaction.
func applyStep(db *sql.DB, sqlText string, version int) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	if _, err := tx.Exec(sqlText); err != nil {
		tx.Rollback()
		return err
	}
	// PRAGMA arguments cannot be bound.
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", version)); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// MigrateDB brings the schema up to the latest version.
func MigrateDB(db *sql.DB) error {
	current, err := schemaVersion(db)
	if err != nil {
		return err
	}
	if current > latestVersion() {
		return fmt.Errorf("store: schema version %d is newer than this build (%d)", current, latestVersion())
	}
	for _, step := range schemaSteps {
		if step.version <= current {
			continue
		}
		if err := applyStep(db, step.up, step.version); err != nil {
			return fmt.Errorf("migrate to v%d (%s): %w", step.version, step.name, err)
		}
	}
	return nil
}

// RollbackMigration undoes the most recent schema step.
func RollbackMigration(db *sql.DB) error {
	current, err := schemaVersion(db)
	if err != nil {
		return err
	}
	if current == 0 {
		return ErrNothingToRollback
	}
	for _, step := range schemaSteps {
		if step.version != current {
			continue
		}
		if err := applyStep(db, step.down, current-1); err != nil {
			return fmt.Errorf("roll back v%d (%s): %w", step.version, step.name, err)
		}
		return nil
	}
	return fmt.Errorf("store: unknown schema version %d", current)
}

// ValidateSchema reports an error unless the schema is at the latest
// version with every table present.
func ValidateSchema(db *sql.DB) error {
	v, err := schemaVersion(db)
	if err != nil {
		return err
	}
	if v != latestVersion() {
		return fmt.Errorf("store: schema at v%d, want v%d", v, latestVersion())
	}
	for _, table := range []string{"lock_sessions", "lock_failures"} {
		var n int
		err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", table).Scan(&n)
		if err != nil {
			return fmt.Errorf("check table %s: %w", table, err)
		}
		if n == 0 {
			return fmt.Errorf("store: missing table %s", table)
		}
	}
	return nil
}
