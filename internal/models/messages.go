package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// PlaceholderPrefix marks client-assigned ids of messages not yet persisted.
// Server ids never start with it.
const PlaceholderPrefix = "tmp-"

type MessageStatus string

const (
	StatusSending MessageStatus = "sending"
	StatusSent    MessageStatus = "sent"
)

// Message is one chat message. Author and ReplyMessage are snapshots taken
// when the row was read and may be stale relative to the users table.
type Message struct {
	ID           string         `json:"id"`
	ChannelID    string         `json:"channel_id"`
	AuthorID     string         `json:"author_id"`
	Author       Profile        `json:"author"`
	Content      string         `json:"content"`
	CreatedAt    time.Time      `json:"created_at"`
	EditedAt     *time.Time     `json:"edited_at,omitempty"`
	IsEdited     bool           `json:"is_edited,omitempty"`
	ReplyTo      string         `json:"reply_to,omitempty"`
	ReplyMessage *ReplySnapshot `json:"reply_message,omitempty"`
	Attachments  []Attachment   `json:"attachments,omitempty"`
	Reactions    []Reaction     `json:"reactions,omitempty"`
	ReadBy       []string       `json:"read_by,omitempty"`
	IsStarred    bool           `json:"is_starred,omitempty"`
	IsPinned     bool           `json:"is_pinned,omitempty"`
	// ClientToken correlates a placeholder with its confirmed row.
	ClientToken string        `json:"client_token,omitempty"`
	Status      MessageStatus `json:"status,omitempty"`
}

// ReplySnapshot is the denormalized copy of a replied-to message.
type ReplySnapshot struct {
	ID         string `json:"id"`
	AuthorID   string `json:"author_id"`
	AuthorName string `json:"author_name"`
	Content    string `json:"content"`
}

type Attachment struct {
	ID           string `json:"id"`
	Kind         string `json:"kind"` // image, video, file
	URL          string `json:"url,omitempty"`
	ThumbnailURL string `json:"thumbnail_url,omitempty"`
	Name         string `json:"name"`
	Size         int64  `json:"size"`
	MIME         string `json:"mime"`
	// ObjectKey locates the blob; URLs are signed from it on read.
	ObjectKey string `json:"object_key,omitempty"`
}

// NewMessage is the insert payload for the backend.
type NewMessage struct {
	ChannelID   string       `json:"channel_id"`
	AuthorID    string       `json:"author_id"`
	Content     string       `json:"content"`
	ReplyTo     string       `json:"reply_to,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	ClientToken string       `json:"client_token,omitempty"`
}

func NewPlaceholderID() string {
	return PlaceholderPrefix + uuid.NewString()
}

func IsPlaceholderID(id string) bool {
	return strings.HasPrefix(id, PlaceholderPrefix)
}

func (m Message) IsPlaceholder() bool {
	return IsPlaceholderID(m.ID)
}

// Preview returns the channel-list preview of m.
func (m Message) Preview() *MessagePreview {
	return &MessagePreview{Content: m.Content, AuthorID: m.AuthorID, CreatedAt: m.CreatedAt}
}

// Snapshot returns the reply snapshot of m.
func (m Message) Snapshot() *ReplySnapshot {
	return &ReplySnapshot{ID: m.ID, AuthorID: m.AuthorID, AuthorName: m.Author.DisplayName, Content: m.Content}
}

// Less orders messages by created_at, then id.
func Less(a, b Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}
