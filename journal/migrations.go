package journal

import (
	"context"
	"database/sql"
)

const schemaVersion = 1

const schemaV1 = `
CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS transitions (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    backend    TEXT NOT NULL DEFAULT '',
    from_state TEXT NOT NULL DEFAULT '',
    to_state   TEXT NOT NULL
               CHECK(to_state IN ('Pending','Ready','Closing','Closed','Failed')),
    detail     TEXT NOT NULL DEFAULT '',
    at         TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transitions_session ON transitions(session_id, id DESC);
`

func runMigrations(ctx context.Context, db *sql.DB) error {
	var current int
	if err := db.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&current); err != nil {
		// missing table or empty: fresh database
		current = 0
	}
	if current >= schemaVersion {
		return nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if current < 1 {
		if _, err := tx.ExecContext(ctx, schemaV1); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM schema_version"); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
		return err
	}
	return tx.Commit()
}
