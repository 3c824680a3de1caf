// Package moderation implements the bot's persistent moderation state on top
// of the migrated SQLite schema: spam tracking, violations and bans,
// whitelists, per-chat settings and Steam account links.
package moderation

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/example/chatwarden/pkg/db"
	"github.com/example/chatwarden/pkg/db/migrations"
)

// Store provides access to the moderation tables. Opening a store runs all
// pending migrations first, so a Store never operates against a schema of
// unknown version.
type Store struct {
	dbPath string
	db     *sqlx.DB
	runner *db.MigrationRunner
}

// NewStore opens (or creates) the database at dbPath and brings its schema to
// the latest registered version. A migration failure means the store must not
// be used; the caller should treat it as fatal.
func NewStore(ctx context.Context, dbPath string) (*Store, error) {
	sqlDB, err := db.Open(ctx, dbPath)
	if err != nil {
		return nil, err
	}

	runner := db.NewMigrationRunner(sqlDB)
	if err := runner.Run(ctx, migrations.All()); err != nil {
		sqlDB.Close()
		return nil, errors.Wrap(err, "failed to migrate database")
	}

	return &Store{
		dbPath: dbPath,
		db:     sqlDB,
		runner: runner,
	}, nil
}

// SchemaVersion returns the store's current schema version for diagnostics.
func (s *Store) SchemaVersion(ctx context.Context) (int64, error) {
	return s.runner.CurrentVersion(ctx)
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// AddSpamRecord records one unit of potentially spammy content. contentHash
// may be empty for content types that are not deduplicated.
func (s *Store) AddSpamRecord(ctx context.Context, userID, chatID int64, spamType, contentHash string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO spam_records (user_id, chat_id, spam_type, content_hash, timestamp) VALUES (?, ?, ?, ?, ?)",
		userID, chatID, spamType, nullString(contentHash), time.Now().UTC())
	return errors.Wrap(err, "failed to add spam record")
}

// AddAndCountRecentSpam atomically records content and returns how many
// matching records fall inside the window, the new one included. The caller
// compares the count against the chat's limit.
func (s *Store) AddAndCountRecentSpam(ctx context.Context, userID, chatID int64, spamType string, window time.Duration, contentHash string) (int, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	cutoff := now.Add(-window)

	_, err = tx.ExecContext(ctx,
		"INSERT INTO spam_records (user_id, chat_id, spam_type, content_hash, timestamp) VALUES (?, ?, ?, ?, ?)",
		userID, chatID, spamType, nullString(contentHash), now)
	if err != nil {
		return 0, errors.Wrap(err, "failed to add spam record")
	}

	count, err := countSpamTx(ctx, tx, userID, chatID, spamType, cutoff, contentHash)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "failed to commit spam record")
	}
	return count, nil
}

// CountRecentSpam returns the number of matching records inside the window.
func (s *Store) CountRecentSpam(ctx context.Context, userID, chatID int64, spamType string, window time.Duration, contentHash string) (int, error) {
	cutoff := time.Now().UTC().Add(-window)

	query := "SELECT COUNT(*) FROM spam_records WHERE user_id = ? AND chat_id = ? AND spam_type = ? AND timestamp >= ?"
	args := []interface{}{userID, chatID, spamType, cutoff}
	if contentHash != "" {
		query += " AND content_hash = ?"
		args = append(args, contentHash)
	}

	var count int
	if err := s.db.GetContext(ctx, &count, query, args...); err != nil {
		return 0, errors.Wrap(err, "failed to count spam records")
	}
	return count, nil
}

func countSpamTx(ctx context.Context, tx *sqlx.Tx, userID, chatID int64, spamType string, cutoff time.Time, contentHash string) (int, error) {
	query := "SELECT COUNT(*) FROM spam_records WHERE user_id = ? AND chat_id = ? AND spam_type = ? AND timestamp >= ?"
	args := []interface{}{userID, chatID, spamType, cutoff}
	if contentHash != "" {
		query += " AND content_hash = ?"
		args = append(args, contentHash)
	}

	var count int
	if err := tx.GetContext(ctx, &count, query, args...); err != nil {
		return 0, errors.Wrap(err, "failed to count spam records")
	}
	return count, nil
}

// CleanupSpamRecords deletes spam records older than the given age and
// returns how many were removed. Meant to run periodically; recent records
// are all the rate limiter ever looks at.
func (s *Store) CleanupSpamRecords(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)

	res, err := s.db.ExecContext(ctx, "DELETE FROM spam_records WHERE timestamp < ?", cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "failed to clean up spam records")
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to count deleted spam records")
	}
	return deleted, nil
}

// ClearUserSpam removes all spam records for a user in a chat.
func (s *Store) ClearUserSpam(ctx context.Context, userID, chatID int64) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM spam_records WHERE user_id = ? AND chat_id = ?", userID, chatID)
	return errors.Wrap(err, "failed to clear spam records")
}

// RecordViolation atomically increments a user's violation count, stamps the
// violation time and extends the ban. It returns the new count.
func (s *Store) RecordViolation(ctx context.Context, userID, chatID int64, banFor time.Duration) (int, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	var count int
	err = tx.GetContext(ctx, &count, "SELECT count FROM violations WHERE user_id = ? AND chat_id = ?", userID, chatID)
	if err != nil && err != sql.ErrNoRows {
		return 0, errors.Wrap(err, "failed to read violation count")
	}
	count++

	now := time.Now().UTC()
	until := now.Add(banFor)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO violations (user_id, chat_id, count, last_violation, banned_until)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id, chat_id) DO UPDATE SET
			count = excluded.count,
			last_violation = excluded.last_violation,
			banned_until = excluded.banned_until
	`, userID, chatID, count, now, until)
	if err != nil {
		return 0, errors.Wrap(err, "failed to record violation")
	}

	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "failed to commit violation")
	}
	return count, nil
}

// Violation returns the violation row for a user in a chat. A user with no
// history gets a zero-count row, not an error.
func (s *Store) Violation(ctx context.Context, userID, chatID int64) (Violation, error) {
	var v Violation
	err := s.db.GetContext(ctx, &v,
		"SELECT user_id, chat_id, count, last_violation, banned_until FROM violations WHERE user_id = ? AND chat_id = ?",
		userID, chatID)
	if err == sql.ErrNoRows {
		return Violation{UserID: userID, ChatID: chatID}, nil
	}
	if err != nil {
		return Violation{}, errors.Wrap(err, "failed to load violation")
	}
	return v, nil
}

// IsBanned reports whether the user is currently banned in the chat.
func (s *Store) IsBanned(ctx context.Context, userID, chatID int64) (bool, error) {
	v, err := s.Violation(ctx, userID, chatID)
	if err != nil {
		return false, err
	}
	return v.BannedUntil.Valid && v.BannedUntil.Time.After(time.Now().UTC()), nil
}

// RemoveBan lifts the user's current ban without touching the violation
// count. Returns false when there was nothing to lift.
func (s *Store) RemoveBan(ctx context.Context, userID, chatID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE violations SET banned_until = NULL WHERE user_id = ? AND chat_id = ? AND banned_until IS NOT NULL",
		userID, chatID)
	if err != nil {
		return false, errors.Wrap(err, "failed to remove ban")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to count updated rows")
	}
	return affected > 0, nil
}

// ClearViolations erases the user's violation history in the chat.
func (s *Store) ClearViolations(ctx context.Context, userID, chatID int64) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM violations WHERE user_id = ? AND chat_id = ?", userID, chatID)
	return errors.Wrap(err, "failed to clear violations")
}

// TopViolators returns the chat's worst offenders, highest count first.
func (s *Store) TopViolators(ctx context.Context, chatID int64, limit int) ([]ViolatorCount, error) {
	var top []ViolatorCount
	err := s.db.SelectContext(ctx, &top,
		"SELECT user_id, count FROM violations WHERE chat_id = ? ORDER BY count DESC LIMIT ?",
		chatID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load top violators")
	}
	return top, nil
}

// AddToWhitelist exempts a user from moderation in a chat.
func (s *Store) AddToWhitelist(ctx context.Context, userID, chatID, addedBy int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO whitelist (user_id, chat_id, added_by, added_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, chat_id) DO UPDATE SET
			added_by = excluded.added_by,
			added_at = excluded.added_at
	`, userID, chatID, addedBy, time.Now().UTC())
	return errors.Wrap(err, "failed to add whitelist entry")
}

// RemoveFromWhitelist removes the exemption. Returns false when the user was
// not whitelisted.
func (s *Store) RemoveFromWhitelist(ctx context.Context, userID, chatID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM whitelist WHERE user_id = ? AND chat_id = ?", userID, chatID)
	if err != nil {
		return false, errors.Wrap(err, "failed to remove whitelist entry")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to count deleted rows")
	}
	return affected > 0, nil
}

// IsWhitelisted reports whether the user is exempt from moderation in the chat.
func (s *Store) IsWhitelisted(ctx context.Context, userID, chatID int64) (bool, error) {
	var count int
	err := s.db.GetContext(ctx, &count, "SELECT COUNT(*) FROM whitelist WHERE user_id = ? AND chat_id = ?", userID, chatID)
	if err != nil {
		return false, errors.Wrap(err, "failed to check whitelist")
	}
	return count > 0, nil
}

// WhitelistEntries returns all whitelist entries for a chat.
func (s *Store) WhitelistEntries(ctx context.Context, chatID int64) ([]WhitelistEntry, error) {
	var entries []WhitelistEntry
	err := s.db.SelectContext(ctx, &entries,
		"SELECT user_id, chat_id, added_by, added_at FROM whitelist WHERE chat_id = ? ORDER BY user_id",
		chatID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load whitelist")
	}
	return entries, nil
}

// ChatSettings returns the chat's settings, falling back to defaults for
// chats that were never configured.
func (s *Store) ChatSettings(ctx context.Context, chatID int64) (ChatSettings, error) {
	var settings ChatSettings
	err := s.db.GetContext(ctx, &settings, `
		SELECT chat_id, sticker_limit, sticker_window, text_limit, text_window,
			image_limit, image_window, video_limit, video_window, warning_enabled, updated_at
		FROM chat_settings WHERE chat_id = ?
	`, chatID)
	if err == sql.ErrNoRows {
		return DefaultChatSettings(chatID), nil
	}
	if err != nil {
		return ChatSettings{}, errors.Wrap(err, "failed to load chat settings")
	}
	return settings, nil
}

// SaveChatSettings upserts the chat's settings.
func (s *Store) SaveChatSettings(ctx context.Context, settings ChatSettings) error {
	settings.UpdatedAt = sql.NullTime{Time: time.Now().UTC(), Valid: true}

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO chat_settings (
			chat_id, sticker_limit, sticker_window, text_limit, text_window,
			image_limit, image_window, video_limit, video_window, warning_enabled, updated_at
		) VALUES (
			:chat_id, :sticker_limit, :sticker_window, :text_limit, :text_window,
			:image_limit, :image_window, :video_limit, :video_window, :warning_enabled, :updated_at
		)
		ON CONFLICT(chat_id) DO UPDATE SET
			sticker_limit = excluded.sticker_limit,
			sticker_window = excluded.sticker_window,
			text_limit = excluded.text_limit,
			text_window = excluded.text_window,
			image_limit = excluded.image_limit,
			image_window = excluded.image_window,
			video_limit = excluded.video_limit,
			video_window = excluded.video_window,
			warning_enabled = excluded.warning_enabled,
			updated_at = excluded.updated_at
	`, settings)
	return errors.Wrap(err, "failed to save chat settings")
}

// RecordBan logs an issued ban for statistics.
func (s *Store) RecordBan(ctx context.Context, userID, chatID int64, banType string, banFor time.Duration, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ban_stats (user_id, chat_id, ban_type, ban_minutes, reason, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`, userID, chatID, banType, int(banFor.Minutes()), nullString(reason), time.Now().UTC())
	return errors.Wrap(err, "failed to record ban")
}

// BanStatsForChat summarizes bans issued in the chat over the last N days.
func (s *Store) BanStatsForChat(ctx context.Context, chatID int64, days int) (BanStats, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	stats := BanStats{PeriodDays: days}

	err := s.db.GetContext(ctx, &stats.TotalBans,
		"SELECT COUNT(*) FROM ban_stats WHERE chat_id = ? AND timestamp > ?", chatID, cutoff)
	if err != nil {
		return BanStats{}, errors.Wrap(err, "failed to count bans")
	}

	err = s.db.SelectContext(ctx, &stats.ByType, `
		SELECT ban_type, COUNT(*) as count
		FROM ban_stats
		WHERE chat_id = ? AND timestamp > ?
		GROUP BY ban_type
		ORDER BY count DESC
	`, chatID, cutoff)
	if err != nil {
		return BanStats{}, errors.Wrap(err, "failed to group bans by type")
	}

	err = s.db.SelectContext(ctx, &stats.TopViolators, `
		SELECT user_id, COUNT(*) as count
		FROM ban_stats
		WHERE chat_id = ? AND timestamp > ?
		GROUP BY user_id
		ORDER BY count DESC
		LIMIT 5
	`, chatID, cutoff)
	if err != nil {
		return BanStats{}, errors.Wrap(err, "failed to load top banned users")
	}

	err = s.db.GetContext(ctx, &stats.TotalBanMinutes,
		"SELECT COALESCE(SUM(ban_minutes), 0) FROM ban_stats WHERE chat_id = ? AND timestamp > ?", chatID, cutoff)
	if err != nil {
		return BanStats{}, errors.Wrap(err, "failed to sum ban minutes")
	}

	return stats, nil
}

// LinkSteamAccount ties a Steam account to a Telegram user. Linking an
// account that already belongs to another user fails on the UNIQUE
// constraint.
func (s *Store) LinkSteamAccount(ctx context.Context, userID, accountID int64, personaName string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO steam_links (user_id, account_id, persona_name, linked_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			account_id = excluded.account_id,
			persona_name = excluded.persona_name,
			linked_at = excluded.linked_at
	`, userID, accountID, nullString(personaName), time.Now().UTC())
	return errors.Wrap(err, "failed to link steam account")
}

// SteamLink returns the user's Steam link, or nil when none exists.
func (s *Store) SteamLink(ctx context.Context, userID int64) (*SteamLink, error) {
	var link SteamLink
	err := s.db.GetContext(ctx, &link,
		"SELECT user_id, account_id, persona_name, linked_at FROM steam_links WHERE user_id = ?", userID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to load steam link")
	}
	return &link, nil
}

// SteamLinkByAccount returns the link owning a Steam account, or nil.
func (s *Store) SteamLinkByAccount(ctx context.Context, accountID int64) (*SteamLink, error) {
	var link SteamLink
	err := s.db.GetContext(ctx, &link,
		"SELECT user_id, account_id, persona_name, linked_at FROM steam_links WHERE account_id = ?", accountID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to load steam link")
	}
	return &link, nil
}

// UnlinkSteamAccount removes the user's Steam link. Returns false when there
// was nothing to remove.
func (s *Store) UnlinkSteamAccount(ctx context.Context, userID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM steam_links WHERE user_id = ?", userID)
	if err != nil {
		return false, errors.Wrap(err, "failed to unlink steam account")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to count deleted rows")
	}
	return affected > 0, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
