package persistence

import (
	"database/sql"
	"fmt"
)

// initializeSchema ensures the database schema is at the current
// version. Fresh databases get the full schema; older versions would be
// migrated step by step.
func initializeSchema(db *sql.DB) error {
	version, err := schemaVersion(db)
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}

	if version == 0 {
		return createSchema(db)
	}
	if version == CurrentSchemaVersion {
		return nil
	}
	return fmt.Errorf("unsupported schema version %d (current is %d)", version, CurrentSchemaVersion)
}

func schemaVersion(db *sql.DB) (int, error) {
	var version int
	err := db.QueryRow("PRAGMA user_version").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to read user_version: %w", err)
	}
	return version, nil
}

func createSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id         TEXT PRIMARY KEY,
		started_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS iterations (
		session_id   TEXT NOT NULL REFERENCES sessions(id),
		iteration    INTEGER NOT NULL,
		story_id     TEXT NOT NULL,
		outcome      TEXT NOT NULL,
		tests_passed BOOLEAN NOT NULL,
		duration_ms  INTEGER NOT NULL,
		created_at   TEXT NOT NULL,
		PRIMARY KEY (session_id, iteration)
	);

	CREATE INDEX IF NOT EXISTS idx_iterations_story ON iterations(story_id);
	`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", CurrentSchemaVersion)); err != nil {
		return fmt.Errorf("failed to set schema version: %w", err)
	}
	return nil
}
