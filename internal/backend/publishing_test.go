package backend

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nikhil/eaven-sync/internal/logger"
	"github.com/nikhil/eaven-sync/internal/models"
)

type recorder struct {
	mu     sync.Mutex
	events []models.Event
	err    error
}

func (r *recorder) Publish(_ context.Context, ev models.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return r.err
}

func (r *recorder) tables() []models.Table {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.Table, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Table)
	}
	return out
}

func TestPublisherEmitsOnSuccessOnly(t *testing.T) {
	mem := seeded(t)
	rec := &recorder{}
	s := WithPublisher(mem, rec, logger.NewNop())
	ctx := context.Background()

	_, err := s.InsertMessage(ctx, models.NewMessage{ChannelID: "general", AuthorID: "carol", Content: "denied"})
	require.Error(t, err)
	assert.Empty(t, rec.tables())

	m, err := s.InsertMessage(ctx, models.NewMessage{ChannelID: "general", AuthorID: "alice", Content: "hi"})
	require.NoError(t, err)
	require.NoError(t, s.InsertReceipts(ctx, []models.ReadReceipt{{MessageID: m.ID, ChannelID: "general", UserID: "bob"}}))
	_, err = s.InsertReaction(ctx, models.Reaction{MessageID: m.ID, UserID: "bob", Emoji: "🎉"})
	require.NoError(t, err)
	require.NoError(t, s.SetPinned(ctx, "general", m.ID, "bob", true))
	require.NoError(t, s.UpsertTypingMarker(ctx, models.TypingMarker{ChannelID: "general", UserID: "bob"}))
	require.NoError(t, s.DeleteTypingMarker(ctx, "general", "bob"))
	_, err = s.DeleteMessage(ctx, m.ID, "alice")
	require.NoError(t, err)

	assert.Equal(t, []models.Table{
		models.TableMessages, models.TableReceipts, models.TableReactions,
		models.TablePins, models.TableTyping, models.TableTyping, models.TableMessages,
	}, rec.tables())

	rec.mu.Lock()
	defer rec.mu.Unlock()
	first := rec.events[0]
	assert.Equal(t, models.OpInsert, first.Op)
	assert.Equal(t, "general", first.ChannelID)
	assert.False(t, first.At.IsZero())
	assert.Equal(t, models.OpDelete, rec.events[len(rec.events)-1].Op)
}

func TestPublishFailureDoesNotFailMutation(t *testing.T) {
	mem := seeded(t)
	s := WithPublisher(mem, &recorder{err: errors.New("broker down")}, logger.NewNop())

	_, err := s.InsertMessage(context.Background(), models.NewMessage{ChannelID: "general", AuthorID: "alice", Content: "hi"})
	require.NoError(t, err)
}

func TestPublishersFanOut(t *testing.T) {
	a, b := &recorder{err: errors.New("first")}, &recorder{}
	err := Publishers{a, b}.Publish(context.Background(), models.Event{Table: models.TableMessages})
	assert.EqualError(t, err, "first")
	assert.Len(t, a.tables(), 1)
	assert.Len(t, b.tables(), 1)
}
