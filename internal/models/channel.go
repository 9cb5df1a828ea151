package models

import "time"

type ChannelKind string

const (
	KindGroup  ChannelKind = "group"
	KindDirect ChannelKind = "direct"
)

// Channel represents a channel entity as seen by one user. UnreadCount and
// Counterpart are per-viewer and never stored on the channel row.
type Channel struct {
	ID          string          `json:"id"`
	OrgID       string          `json:"org_id"`
	Kind        ChannelKind     `json:"kind"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	MemberCount int             `json:"member_count"`
	LastMessage *MessagePreview `json:"last_message,omitempty"`
	UnreadCount int             `json:"unread_count"`
	Counterpart *Profile        `json:"counterpart,omitempty"`
	IsDefault   bool            `json:"is_default,omitempty"`
	CreatedBy   string          `json:"created_by,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// MessagePreview is the denormalized last message shown in channel lists.
type MessagePreview struct {
	Content   string    `json:"content"`
	AuthorID  string    `json:"author_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ChannelMember represents a channel membership with role
type ChannelMember struct {
	ChannelID string    `json:"channel_id"`
	UserID    string    `json:"user_id"`
	Role      string    `json:"role"` // admin, member
	JoinedAt  time.Time `json:"joined_at"`
}

// LastActivity is the time used to order channels for display.
func (c Channel) LastActivity() time.Time {
	if c.LastMessage != nil {
		return c.LastMessage.CreatedAt
	}
	return c.CreatedAt
}
