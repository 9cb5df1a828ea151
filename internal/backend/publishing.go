package backend

import (
	"context"
	"time"

	"github.com/nikhil/eaven-sync/internal/logger"
	"github.com/nikhil/eaven-sync/internal/models"
)

// publishingStore emits a change event after every successful mutation.
// A failed publish is logged and does not fail the mutation; subscribers
// recover through resync.
type publishingStore struct {
	Store
	pub Publisher
	log *logger.Logger
}

// WithPublisher decorates store so that mutations are published to pub.
func WithPublisher(store Store, pub Publisher, log *logger.Logger) Store {
	return &publishingStore{Store: store, pub: pub, log: log}
}

func (s *publishingStore) emit(ctx context.Context, ev models.Event) {
	ev.At = time.Now().UTC()
	// The request context may be cancelled right after the response is written.
	ctx = context.WithoutCancel(ctx)
	if err := s.pub.Publish(ctx, ev); err != nil {
		s.log.Warn("Failed to publish change event", "table", ev.Table, "op", ev.Op, "channel_id", ev.ChannelID, "error", err)
	}
}

func (s *publishingStore) InsertMessage(ctx context.Context, in models.NewMessage) (*models.Message, error) {
	m, err := s.Store.InsertMessage(ctx, in)
	if err != nil {
		return nil, err
	}
	s.emit(ctx, models.Event{Table: models.TableMessages, Op: models.OpInsert, ChannelID: m.ChannelID, Message: m, MessageID: m.ID})
	return m, nil
}

func (s *publishingStore) UpdateMessage(ctx context.Context, id, authorID, content string) (*models.Message, error) {
	m, err := s.Store.UpdateMessage(ctx, id, authorID, content)
	if err != nil {
		return nil, err
	}
	s.emit(ctx, models.Event{Table: models.TableMessages, Op: models.OpUpdate, ChannelID: m.ChannelID, Message: m, MessageID: m.ID})
	return m, nil
}

func (s *publishingStore) DeleteMessage(ctx context.Context, id, authorID string) (*models.Message, error) {
	m, err := s.Store.DeleteMessage(ctx, id, authorID)
	if err != nil {
		return nil, err
	}
	s.emit(ctx, models.Event{Table: models.TableMessages, Op: models.OpDelete, ChannelID: m.ChannelID, MessageID: m.ID})
	return m, nil
}

func (s *publishingStore) InsertReceipts(ctx context.Context, receipts []models.ReadReceipt) error {
	if err := s.Store.InsertReceipts(ctx, receipts); err != nil {
		return err
	}
	byChannel := make(map[string][]models.ReadReceipt)
	for _, r := range receipts {
		byChannel[r.ChannelID] = append(byChannel[r.ChannelID], r)
	}
	for channelID, batch := range byChannel {
		s.emit(ctx, models.Event{Table: models.TableReceipts, Op: models.OpInsert, ChannelID: channelID, Receipts: batch})
	}
	return nil
}

func (s *publishingStore) InsertReaction(ctx context.Context, r models.Reaction) (*models.Reaction, error) {
	out, err := s.Store.InsertReaction(ctx, r)
	if err != nil {
		return nil, err
	}
	s.emit(ctx, models.Event{Table: models.TableReactions, Op: models.OpInsert, ChannelID: out.ChannelID, Reaction: out, MessageID: out.MessageID})
	return out, nil
}

func (s *publishingStore) DeleteReaction(ctx context.Context, reactionID, userID string) (*models.Reaction, error) {
	out, err := s.Store.DeleteReaction(ctx, reactionID, userID)
	if err != nil {
		return nil, err
	}
	s.emit(ctx, models.Event{Table: models.TableReactions, Op: models.OpDelete, ChannelID: out.ChannelID, Reaction: out, MessageID: out.MessageID})
	return out, nil
}

func (s *publishingStore) SetPinned(ctx context.Context, channelID, messageID, userID string, pinned bool) error {
	if err := s.Store.SetPinned(ctx, channelID, messageID, userID, pinned); err != nil {
		return err
	}
	op := models.OpInsert
	if !pinned {
		op = models.OpDelete
	}
	s.emit(ctx, models.Event{Table: models.TablePins, Op: op, ChannelID: channelID, MessageID: messageID, Pinned: pinned})
	return nil
}

func (s *publishingStore) UpsertTypingMarker(ctx context.Context, m models.TypingMarker) error {
	if err := s.Store.UpsertTypingMarker(ctx, m); err != nil {
		return err
	}
	s.emit(ctx, models.Event{Table: models.TableTyping, Op: models.OpUpdate, ChannelID: m.ChannelID, Typing: &m})
	return nil
}

func (s *publishingStore) DeleteTypingMarker(ctx context.Context, channelID, userID string) error {
	if err := s.Store.DeleteTypingMarker(ctx, channelID, userID); err != nil {
		return err
	}
	s.emit(ctx, models.Event{Table: models.TableTyping, Op: models.OpDelete, ChannelID: channelID,
		Typing: &models.TypingMarker{ChannelID: channelID, UserID: userID}})
	return nil
}
