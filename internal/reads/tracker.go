// Package reads persists read receipts and derives unread state from them.
package reads

import (
	"context"
	"fmt"
	"time"

	"github.com/nikhil/eaven-sync/internal/backend"
	"github.com/nikhil/eaven-sync/internal/logger"
	"github.com/nikhil/eaven-sync/internal/models"
)

// UnreadFunc receives the recomputed unread count of a channel.
type UnreadFunc func(channelID string, unread int)

// Tracker marks channels read on behalf of one user.
type Tracker struct {
	store  backend.Store
	selfID string
	log    *logger.Logger
	notify UnreadFunc
	now    func() time.Time
}

func NewTracker(store backend.Store, selfID string, log *logger.Logger, notify UnreadFunc) *Tracker {
	if notify == nil {
		notify = func(string, int) {}
	}
	return &Tracker{
		store:  store,
		selfID: selfID,
		log:    log.Named("reads"),
		notify: notify,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// MarkChannelRead inserts receipts for every message by others that the
// user has not read yet and publishes the new unread count. Calling it
// again on an unchanged channel inserts nothing.
func (t *Tracker) MarkChannelRead(ctx context.Context, channelID string) (int, error) {
	msgs, err := t.store.ListMessages(ctx, channelID)
	if err != nil {
		return 0, fmt.Errorf("list messages: %w", err)
	}

	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if m.AuthorID != t.selfID && !m.IsPlaceholder() {
			ids = append(ids, m.ID)
		}
	}
	if len(ids) == 0 {
		t.notify(channelID, 0)
		return 0, nil
	}

	receipts, err := t.store.ListReceipts(ctx, ids)
	if err != nil {
		return 0, fmt.Errorf("list receipts: %w", err)
	}
	seen := readBy(receipts, t.selfID)

	at := t.now()
	var missing []models.ReadReceipt
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		missing = append(missing, models.ReadReceipt{MessageID: id, ChannelID: channelID, UserID: t.selfID, ReadAt: at})
	}

	if len(missing) > 0 {
		if err := t.store.InsertReceipts(ctx, missing); err != nil {
			return 0, fmt.Errorf("insert receipts: %w", err)
		}
		t.log.Debug("Marked channel read", "channel_id", channelID, "receipts", len(missing))
	}

	unread := UnreadCount(msgs, append(receipts, missing...), t.selfID)
	t.notify(channelID, unread)
	return unread, nil
}

func readBy(receipts []models.ReadReceipt, userID string) map[string]struct{} {
	out := make(map[string]struct{}, len(receipts))
	for _, r := range receipts {
		if r.UserID == userID {
			out[r.MessageID] = struct{}{}
		}
	}
	return out
}

// UnreadCount counts confirmed messages by others without a receipt from userID.
func UnreadCount(msgs []models.Message, receipts []models.ReadReceipt, userID string) int {
	seen := readBy(receipts, userID)
	n := 0
	for _, m := range msgs {
		if m.AuthorID == userID || m.IsPlaceholder() {
			continue
		}
		if _, ok := seen[m.ID]; !ok {
			n++
		}
	}
	return n
}

// LastReadAt is the newest created_at among messages userID has a receipt
// for. The zero time means nothing was read.
func LastReadAt(msgs []models.Message, receipts []models.ReadReceipt, userID string) time.Time {
	seen := readBy(receipts, userID)
	var last time.Time
	for _, m := range msgs {
		if _, ok := seen[m.ID]; ok && m.CreatedAt.After(last) {
			last = m.CreatedAt
		}
	}
	return last
}

// Separator places the "new messages" marker. Index is -1 when there is
// nothing unread.
type Separator struct {
	Index int `json:"index"`
	Count int `json:"count"`
}

// UnreadSeparator finds the first message by someone other than selfID
// created strictly after lastReadAt and counts all such messages.
func UnreadSeparator(msgs []models.Message, lastReadAt time.Time, selfID string) Separator {
	sep := Separator{Index: -1}
	for i, m := range msgs {
		if m.AuthorID == selfID || m.IsPlaceholder() || !m.CreatedAt.After(lastReadAt) {
			continue
		}
		if sep.Index < 0 {
			sep.Index = i
		}
		sep.Count++
	}
	return sep
}

// LastReadFromReadBy derives the boundary from messages already decorated
// with ReadBy.
func LastReadFromReadBy(msgs []models.Message, userID string) time.Time {
	var last time.Time
	for _, m := range msgs {
		for _, u := range m.ReadBy {
			if u == userID && m.CreatedAt.After(last) {
				last = m.CreatedAt
				break
			}
		}
	}
	return last
}
