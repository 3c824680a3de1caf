package migrations

import (
	"database/sql"

	"github.com/pkg/errors"

	"github.com/example/chatwarden/pkg/db"
)

// Migration0002UniqueSteamAccount enforces that a Steam account can be
// linked to at most one Telegram user. Existing duplicate links are resolved
// in favor of the earliest one, then the table is rebuilt with a UNIQUE
// constraint on account_id (SQLite cannot add constraints in place).
func Migration0002UniqueSteamAccount() db.Migration {
	return db.Migration{
		Version:     2,
		Description: "Enforce unique steam account links",
		Up: func(tx *sql.Tx) error {
			var exists bool
			err := tx.QueryRow(`
				SELECT COUNT(*) > 0 FROM sqlite_master
				WHERE type='table' AND name='steam_links'
			`).Scan(&exists)
			if err != nil {
				return errors.Wrap(err, "failed to check steam_links table")
			}

			if !exists {
				// Fresh database: create the table with the constraint directly
				_, err := tx.Exec(`
					CREATE TABLE steam_links (
						user_id INTEGER PRIMARY KEY,
						account_id INTEGER NOT NULL UNIQUE,
						persona_name TEXT,
						linked_at DATETIME NOT NULL
					)
				`)
				return errors.Wrap(err, "failed to create steam_links table")
			}

			// Keep the earliest link per account, drop the rest
			if _, err := tx.Exec(`
				DELETE FROM steam_links
				WHERE rowid NOT IN (
					SELECT MIN(rowid)
					FROM steam_links
					GROUP BY account_id
				)
			`); err != nil {
				return errors.Wrap(err, "failed to remove duplicate steam links")
			}

			if _, err := tx.Exec(`
				CREATE TABLE steam_links_new (
					user_id INTEGER PRIMARY KEY,
					account_id INTEGER NOT NULL UNIQUE,
					persona_name TEXT,
					linked_at DATETIME NOT NULL
				)
			`); err != nil {
				return errors.Wrap(err, "failed to create rebuilt steam_links table")
			}

			if _, err := tx.Exec(`
				INSERT INTO steam_links_new (user_id, account_id, persona_name, linked_at)
				SELECT user_id, account_id, persona_name, linked_at
				FROM steam_links
			`); err != nil {
				return errors.Wrap(err, "failed to copy steam links")
			}

			if _, err := tx.Exec("DROP TABLE steam_links"); err != nil {
				return errors.Wrap(err, "failed to drop old steam_links table")
			}

			if _, err := tx.Exec("ALTER TABLE steam_links_new RENAME TO steam_links"); err != nil {
				return errors.Wrap(err, "failed to rename rebuilt steam_links table")
			}

			return nil
		},
		Down: func(tx *sql.Tx) error {
			var exists bool
			err := tx.QueryRow(`
				SELECT COUNT(*) > 0 FROM sqlite_master
				WHERE type='table' AND name='steam_links'
			`).Scan(&exists)
			if err != nil {
				return errors.Wrap(err, "failed to check steam_links table")
			}
			if !exists {
				return nil
			}

			// Rebuild without the UNIQUE constraint
			if _, err := tx.Exec(`
				CREATE TABLE steam_links_old (
					user_id INTEGER PRIMARY KEY,
					account_id INTEGER NOT NULL,
					persona_name TEXT,
					linked_at DATETIME NOT NULL
				)
			`); err != nil {
				return errors.Wrap(err, "failed to create unconstrained steam_links table")
			}

			if _, err := tx.Exec(`
				INSERT INTO steam_links_old (user_id, account_id, persona_name, linked_at)
				SELECT user_id, account_id, persona_name, linked_at
				FROM steam_links
			`); err != nil {
				return errors.Wrap(err, "failed to copy steam links")
			}

			if _, err := tx.Exec("DROP TABLE steam_links"); err != nil {
				return errors.Wrap(err, "failed to drop constrained steam_links table")
			}

			if _, err := tx.Exec("ALTER TABLE steam_links_old RENAME TO steam_links"); err != nil {
				return errors.Wrap(err, "failed to rename steam_links table")
			}

			return nil
		},
	}
}
