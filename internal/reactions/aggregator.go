// Package reactions toggles a user's emoji reactions and groups them for display.
package reactions

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/nikhil/eaven-sync/internal/apperr"
	"github.com/nikhil/eaven-sync/internal/backend"
	"github.com/nikhil/eaven-sync/internal/logger"
	"github.com/nikhil/eaven-sync/internal/models"
)

// Change is the outcome of a toggle as the backend now records it.
type Change struct {
	Added    bool
	Reaction models.Reaction
}

// Op is the feed operation equivalent to c.
func (c Change) Op() models.Op {
	if c.Added {
		return models.OpInsert
	}
	return models.OpDelete
}

type Aggregator struct {
	store  backend.Store
	selfID string
	log    *logger.Logger
}

func NewAggregator(store backend.Store, selfID string, log *logger.Logger) *Aggregator {
	return &Aggregator{store: store, selfID: selfID, log: log.Named("reactions")}
}

// Toggle removes the user's emoji on messageID if the backend has it and
// adds it otherwise. The existence check decides; a duplicate tap racing
// this one surfaces as Conflict or NotFound and is settled by re-reading.
func (a *Aggregator) Toggle(ctx context.Context, messageID, emoji string) (Change, error) {
	const op = "toggle reaction"
	emoji = strings.TrimSpace(emoji)
	if messageID == "" || emoji == "" {
		return Change{}, apperr.Validation(op, "message and emoji are required")
	}
	if models.IsPlaceholderID(messageID) {
		return Change{}, apperr.Validation(op, "message is still sending")
	}

	existing, err := a.store.FindReaction(ctx, messageID, a.selfID, emoji)
	switch {
	case err == nil:
		return a.remove(ctx, *existing)
	case apperr.Is(err, apperr.KindNotFound):
		return a.add(ctx, messageID, emoji)
	default:
		return Change{}, fmt.Errorf("%s: %w", op, err)
	}
}

func (a *Aggregator) add(ctx context.Context, messageID, emoji string) (Change, error) {
	r, err := a.store.InsertReaction(ctx, models.Reaction{MessageID: messageID, UserID: a.selfID, Emoji: emoji})
	if err == nil {
		return Change{Added: true, Reaction: *r}, nil
	}
	if !apperr.Is(err, apperr.KindConflict) {
		return Change{}, fmt.Errorf("add reaction: %w", err)
	}
	a.log.Debug("Reaction inserted concurrently, re-reading", "message_id", messageID, "emoji", emoji)
	r, err = a.store.FindReaction(ctx, messageID, a.selfID, emoji)
	if err != nil {
		return Change{}, fmt.Errorf("re-read reaction: %w", err)
	}
	return Change{Added: true, Reaction: *r}, nil
}

func (a *Aggregator) remove(ctx context.Context, r models.Reaction) (Change, error) {
	_, err := a.store.DeleteReaction(ctx, r.ID, a.selfID)
	if err != nil && !apperr.Is(err, apperr.KindNotFound) {
		return Change{}, fmt.Errorf("remove reaction: %w", err)
	}
	if err != nil {
		a.log.Debug("Reaction already removed", "reaction_id", r.ID)
	}
	return Change{Added: false, Reaction: r}, nil
}

// Summary is the display state of one emoji on one message.
type Summary struct {
	Count       int  `json:"count"`
	ReactedByMe bool `json:"reacted_by_me"`
}

// GroupForDisplay counts reactions per emoji.
func GroupForDisplay(reactions []models.Reaction, selfID string) map[string]Summary {
	out := make(map[string]Summary)
	for _, r := range reactions {
		s := out[r.Emoji]
		s.Count++
		if r.UserID == selfID {
			s.ReactedByMe = true
		}
		out[r.Emoji] = s
	}
	return out
}

// Group is one emoji row in display order.
type Group struct {
	Emoji string `json:"emoji"`
	Summary
}

// Ordered returns the groups in the order each emoji was first used.
func Ordered(reactions []models.Reaction, selfID string) []Group {
	sorted := append([]models.Reaction(nil), reactions...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].CreatedAt.Before(sorted[j].CreatedAt) })

	summaries := GroupForDisplay(sorted, selfID)
	seen := make(map[string]bool, len(summaries))
	out := make([]Group, 0, len(summaries))
	for _, r := range sorted {
		if seen[r.Emoji] {
			continue
		}
		seen[r.Emoji] = true
		out = append(out, Group{Emoji: r.Emoji, Summary: summaries[r.Emoji]})
	}
	return out
}
