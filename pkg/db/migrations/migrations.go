// Package migrations contains all database migrations for chatwarden.
// Versions are small sequential integers assigned by the author of the
// migration; a shipped migration must never be edited, only superseded by a
// new one.
package migrations

import (
	"github.com/example/chatwarden/pkg/db"
)

// All returns all registered migrations in the correct order.
// New migrations should be added to this list.
func All() []db.Migration {
	return []db.Migration{
		Migration0001CreateModerationSchema(),
		Migration0002UniqueSteamAccount(),
		Migration0003AddSpamContentHashIndex(),
	}
}
