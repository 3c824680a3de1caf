package migrations

import (
	"database/sql"

	"github.com/pkg/errors"

	"github.com/example/chatwarden/pkg/db"
)

// Migration0001CreateModerationSchema creates the moderation tables: spam
// records, violations, whitelist, per-chat settings and ban statistics.
func Migration0001CreateModerationSchema() db.Migration {
	return db.Migration{
		Version:     1,
		Description: "Create moderation schema",
		Up: func(tx *sql.Tx) error {
			if _, err := tx.Exec(`
				CREATE TABLE IF NOT EXISTS spam_records (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					user_id INTEGER NOT NULL,
					chat_id INTEGER NOT NULL,
					spam_type TEXT NOT NULL,
					content_hash TEXT,
					timestamp DATETIME NOT NULL
				)
			`); err != nil {
				return errors.Wrap(err, "failed to create spam_records table")
			}

			if _, err := tx.Exec(`
				CREATE INDEX IF NOT EXISTS idx_spam_user_type
				ON spam_records(user_id, chat_id, spam_type, timestamp)
			`); err != nil {
				return errors.Wrap(err, "failed to create spam_records index")
			}

			if _, err := tx.Exec(`
				CREATE TABLE IF NOT EXISTS violations (
					user_id INTEGER NOT NULL,
					chat_id INTEGER NOT NULL,
					count INTEGER DEFAULT 0,
					last_violation DATETIME,
					banned_until DATETIME,
					PRIMARY KEY (user_id, chat_id)
				)
			`); err != nil {
				return errors.Wrap(err, "failed to create violations table")
			}

			if _, err := tx.Exec(`
				CREATE TABLE IF NOT EXISTS whitelist (
					user_id INTEGER NOT NULL,
					chat_id INTEGER NOT NULL,
					added_by INTEGER,
					added_at DATETIME,
					PRIMARY KEY (user_id, chat_id)
				)
			`); err != nil {
				return errors.Wrap(err, "failed to create whitelist table")
			}

			if _, err := tx.Exec(`
				CREATE TABLE IF NOT EXISTS chat_settings (
					chat_id INTEGER PRIMARY KEY,
					sticker_limit INTEGER DEFAULT 3,
					sticker_window INTEGER DEFAULT 30,
					text_limit INTEGER DEFAULT 3,
					text_window INTEGER DEFAULT 20,
					image_limit INTEGER DEFAULT 3,
					image_window INTEGER DEFAULT 30,
					video_limit INTEGER DEFAULT 3,
					video_window INTEGER DEFAULT 30,
					warning_enabled INTEGER DEFAULT 1,
					updated_at DATETIME
				)
			`); err != nil {
				return errors.Wrap(err, "failed to create chat_settings table")
			}

			if _, err := tx.Exec(`
				CREATE TABLE IF NOT EXISTS ban_stats (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					user_id INTEGER NOT NULL,
					chat_id INTEGER NOT NULL,
					ban_type TEXT NOT NULL,
					ban_minutes INTEGER NOT NULL,
					reason TEXT,
					timestamp DATETIME NOT NULL
				)
			`); err != nil {
				return errors.Wrap(err, "failed to create ban_stats table")
			}

			if _, err := tx.Exec(`
				CREATE INDEX IF NOT EXISTS idx_ban_stats_chat_time
				ON ban_stats(chat_id, timestamp)
			`); err != nil {
				return errors.Wrap(err, "failed to create ban_stats index")
			}

			return nil
		},
		Down: func(tx *sql.Tx) error {
			// Drop in reverse creation order
			statements := []string{
				"DROP INDEX IF EXISTS idx_ban_stats_chat_time",
				"DROP TABLE IF EXISTS ban_stats",
				"DROP TABLE IF EXISTS chat_settings",
				"DROP TABLE IF EXISTS whitelist",
				"DROP TABLE IF EXISTS violations",
				"DROP INDEX IF EXISTS idx_spam_user_type",
				"DROP TABLE IF EXISTS spam_records",
			}
			for _, stmt := range statements {
				if _, err := tx.Exec(stmt); err != nil {
					return errors.Wrapf(err, "failed to execute %q", stmt)
				}
			}
			return nil
		},
	}
}
