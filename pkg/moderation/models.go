package moderation

import (
	"database/sql"
	"time"
)

// Violation tracks how many times a user has been sanctioned in a chat and
// until when the current ban lasts.
type Violation struct {
	UserID        int64        `db:"user_id"`
	ChatID        int64        `db:"chat_id"`
	Count         int          `db:"count"`
	LastViolation sql.NullTime `db:"last_violation"`
	BannedUntil   sql.NullTime `db:"banned_until"`
}

// WhitelistEntry marks a user as exempt from moderation in a chat.
type WhitelistEntry struct {
	UserID  int64         `db:"user_id"`
	ChatID  int64         `db:"chat_id"`
	AddedBy sql.NullInt64 `db:"added_by"`
	AddedAt sql.NullTime  `db:"added_at"`
}

// ChatSettings holds the per-chat rate limits. Limits are maximum message
// counts, windows are in seconds.
type ChatSettings struct {
	ChatID         int64        `db:"chat_id"`
	StickerLimit   int          `db:"sticker_limit"`
	StickerWindow  int          `db:"sticker_window"`
	TextLimit      int          `db:"text_limit"`
	TextWindow     int          `db:"text_window"`
	ImageLimit     int          `db:"image_limit"`
	ImageWindow    int          `db:"image_window"`
	VideoLimit     int          `db:"video_limit"`
	VideoWindow    int          `db:"video_window"`
	WarningEnabled bool         `db:"warning_enabled"`
	UpdatedAt      sql.NullTime `db:"updated_at"`
}

// DefaultChatSettings returns the settings used for chats that have not been
// configured.
func DefaultChatSettings(chatID int64) ChatSettings {
	return ChatSettings{
		ChatID:         chatID,
		StickerLimit:   3,
		StickerWindow:  30,
		TextLimit:      3,
		TextWindow:     20,
		ImageLimit:     3,
		ImageWindow:    30,
		VideoLimit:     3,
		VideoWindow:    30,
		WarningEnabled: true,
	}
}

// ViolatorCount pairs a user with a count, used for top-violator listings.
type ViolatorCount struct {
	UserID int64 `db:"user_id"`
	Count  int   `db:"count"`
}

// BanTypeCount pairs a ban type with its occurrence count.
type BanTypeCount struct {
	BanType string `db:"ban_type"`
	Count   int    `db:"count"`
}

// BanStats summarizes bans issued in a chat over a period.
type BanStats struct {
	TotalBans       int
	ByType          []BanTypeCount
	TopViolators    []ViolatorCount
	TotalBanMinutes int
	PeriodDays      int
}

// SteamLink ties a Telegram user to a Steam account. Account IDs are unique:
// one Steam account cannot be claimed by two users.
type SteamLink struct {
	UserID      int64          `db:"user_id"`
	AccountID   int64          `db:"account_id"`
	PersonaName sql.NullString `db:"persona_name"`
	LinkedAt    time.Time      `db:"linked_at"`
}
