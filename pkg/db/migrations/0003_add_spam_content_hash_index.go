package migrations

import (
	"database/sql"

	"github.com/pkg/errors"

	"github.com/example/chatwarden/pkg/db"
)

// Migration0003AddSpamContentHashIndex speeds up duplicate-content lookups
// (repeated photos and videos are matched by content hash within a time
// window).
func Migration0003AddSpamContentHashIndex() db.Migration {
	return db.Migration{
		Version:     3,
		Description: "Add content hash index to spam_records",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
				CREATE INDEX IF NOT EXISTS idx_spam_content_hash
				ON spam_records(chat_id, spam_type, content_hash, timestamp)
			`)
			return errors.Wrap(err, "failed to create content hash index")
		},
		Down: func(tx *sql.Tx) error {
			_, err := tx.Exec("DROP INDEX IF EXISTS idx_spam_content_hash")
			return errors.Wrap(err, "failed to drop content hash index")
		},
	}
}
