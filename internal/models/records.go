package models

import "time"

// Profile is a user as other users see them.
type Profile struct {
	ID          string `json:"id"`
	OrgID       string `json:"org_id,omitempty"`
	DisplayName string `json:"display_name"`
	Email       string `json:"email,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// User is the account row. PasswordHash never leaves the gateway.
type User struct {
	Profile
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

type ReadReceipt struct {
	MessageID string    `json:"message_id"`
	ChannelID string    `json:"channel_id"`
	UserID    string    `json:"user_id"`
	ReadAt    time.Time `json:"read_at"`
}

// Reaction is one user's emoji on one message; (MessageID, UserID, Emoji) is unique.
type Reaction struct {
	ID        string    `json:"id"`
	MessageID string    `json:"message_id"`
	ChannelID string    `json:"channel_id"`
	UserID    string    `json:"user_id"`
	Emoji     string    `json:"emoji"`
	CreatedAt time.Time `json:"created_at"`
}

// TypingMarker signals that UserID is composing in ChannelID.
type TypingMarker struct {
	ChannelID   string    `json:"channel_id"`
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name,omitempty"`
	LastTypedAt time.Time `json:"last_typed_at"`
}

// Stale reports whether the marker is older than window at now.
func (t TypingMarker) Stale(now time.Time, window time.Duration) bool {
	return now.Sub(t.LastTypedAt) > window
}
