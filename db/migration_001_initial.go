package db

import "database/sql"

func init() {
	RegisterMigration(Migration{
		Version:     1,
		Description: "create conversation_prefs table",
		Up: func(db *sql.DB) error {
			_, err := db.Exec(`
				CREATE TABLE IF NOT EXISTS conversation_prefs (
					session_id TEXT PRIMARY KEY,
					archived INTEGER NOT NULL DEFAULT 0,
					pinned INTEGER NOT NULL DEFAULT 0,
					custom_name TEXT NOT NULL DEFAULT '',
					continuation_session_id TEXT NOT NULL DEFAULT '',
					updated_at TEXT NOT NULL
				)
			`)
			return err
		},
	})
}
