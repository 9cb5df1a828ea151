package models

import (
	"fmt"
	"time"
)

// Table names the row family a realtime event concerns.
type Table string

const (
	TableMessages  Table = "messages"
	TableReactions Table = "reactions"
	TableReceipts  Table = "read_receipts"
	TableTyping    Table = "typing_markers"
	TablePins      Table = "pins"
)

type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
	// OpResync is emitted by a feed after a gap in delivery (reconnect,
	// overflow). Consumers must refetch instead of assuming continuity.
	OpResync Op = "resync"
)

// Topic is a subscription filter: rows of Table with channel_id = ChannelID.
type Topic struct {
	Table     Table  `json:"table"`
	ChannelID string `json:"channel_id"`
}

func (t Topic) String() string {
	return fmt.Sprintf("%s:%s", t.Table, t.ChannelID)
}

// Event is a change notification for one row (or one batch of receipts).
type Event struct {
	Table     Table         `json:"table"`
	Op        Op            `json:"op"`
	ChannelID string        `json:"channel_id"`
	Message   *Message      `json:"message,omitempty"`
	MessageID string        `json:"message_id,omitempty"`
	Reaction  *Reaction     `json:"reaction,omitempty"`
	Receipts  []ReadReceipt `json:"receipts,omitempty"`
	Typing    *TypingMarker `json:"typing,omitempty"`
	Pinned    bool          `json:"pinned,omitempty"`
	At        time.Time     `json:"at"`
}

func (e Event) Topic() Topic {
	return Topic{Table: e.Table, ChannelID: e.ChannelID}
}
