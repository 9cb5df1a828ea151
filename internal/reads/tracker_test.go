package reads

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nikhil/eaven-sync/internal/backend"
	"github.com/nikhil/eaven-sync/internal/logger"
	"github.com/nikhil/eaven-sync/internal/models"
)

func at(sec float64) time.Time {
	return time.Unix(0, 0).UTC().Add(time.Duration(sec * float64(time.Second)))
}

func TestUnreadSeparator(t *testing.T) {
	msgs := []models.Message{
		{ID: "m1", AuthorID: "bob", CreatedAt: at(1)},
		{ID: "m2", AuthorID: "bob", CreatedAt: at(2)},
		{ID: "m3", AuthorID: "bob", CreatedAt: at(3)},
	}

	sep := UnreadSeparator(msgs, at(1.5), "alice")
	assert.Equal(t, Separator{Index: 1, Count: 2}, sep)

	assert.Equal(t, Separator{Index: -1}, UnreadSeparator(msgs, at(3), "alice"))
	assert.Equal(t, Separator{Index: 0, Count: 3}, UnreadSeparator(msgs, time.Time{}, "alice"))
}

func TestUnreadSeparatorSkipsOwnMessages(t *testing.T) {
	msgs := []models.Message{
		{ID: "m1", AuthorID: "bob", CreatedAt: at(1)},
		{ID: "m2", AuthorID: "alice", CreatedAt: at(2)},
		{ID: "m3", AuthorID: "bob", CreatedAt: at(3)},
		{ID: models.NewPlaceholderID(), AuthorID: "alice", CreatedAt: at(4)},
	}
	assert.Equal(t, Separator{Index: 2, Count: 1}, UnreadSeparator(msgs, at(1), "alice"))
}

func TestLastReadAtAndUnreadCount(t *testing.T) {
	msgs := []models.Message{
		{ID: "m1", AuthorID: "bob", CreatedAt: at(1)},
		{ID: "m2", AuthorID: "bob", CreatedAt: at(2)},
		{ID: "m3", AuthorID: "alice", CreatedAt: at(3)},
		{ID: "m4", AuthorID: "bob", CreatedAt: at(4)},
	}
	receipts := []models.ReadReceipt{
		{MessageID: "m1", UserID: "alice"},
		{MessageID: "m2", UserID: "alice"},
		{MessageID: "m4", UserID: "carol"},
	}

	assert.Equal(t, at(2), LastReadAt(msgs, receipts, "alice"))
	assert.Equal(t, 1, UnreadCount(msgs, receipts, "alice"))
	assert.True(t, LastReadAt(msgs, nil, "alice").IsZero())

	msgs[0].ReadBy = []string{"alice"}
	msgs[1].ReadBy = []string{"carol", "alice"}
	assert.Equal(t, at(2), LastReadFromReadBy(msgs, "alice"))
}

func TestMarkChannelReadIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := backend.NewMemoryStore()
	store.PutUser(models.Profile{ID: "alice", DisplayName: "Alice"})
	store.PutUser(models.Profile{ID: "bob", DisplayName: "Bob"})
	_, err := store.CreateChannel(ctx, models.Channel{ID: "general", Name: "general"}, []string{"alice", "bob"})
	require.NoError(t, err)
	for _, text := range []string{"one", "two", "three"} {
		_, err := store.InsertMessage(ctx, models.NewMessage{ChannelID: "general", AuthorID: "bob", Content: text})
		require.NoError(t, err)
	}
	_, err = store.InsertMessage(ctx, models.NewMessage{ChannelID: "general", AuthorID: "alice", Content: "mine"})
	require.NoError(t, err)

	published := map[string][]int{}
	tracker := NewTracker(store, "alice", logger.NewNop(), func(channelID string, unread int) {
		published[channelID] = append(published[channelID], unread)
	})

	unread, err := tracker.MarkChannelRead(ctx, "general")
	require.NoError(t, err)
	assert.Equal(t, 0, unread)
	assert.Equal(t, 3, store.ReceiptCount())

	unread, err = tracker.MarkChannelRead(ctx, "general")
	require.NoError(t, err)
	assert.Equal(t, 0, unread)
	assert.Equal(t, 3, store.ReceiptCount(), "second call inserts nothing")

	assert.Equal(t, []int{0, 0}, published["general"])
}

func TestMarkChannelReadEmptyChannel(t *testing.T) {
	ctx := context.Background()
	store := backend.NewMemoryStore()
	_, err := store.CreateChannel(ctx, models.Channel{ID: "quiet"}, []string{"alice"})
	require.NoError(t, err)

	tracker := NewTracker(store, "alice", logger.NewNop(), nil)
	unread, err := tracker.MarkChannelRead(ctx, "quiet")
	require.NoError(t, err)
	assert.Zero(t, unread)
	assert.Zero(t, store.ReceiptCount())
}
