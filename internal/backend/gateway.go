// Package backend defines the contract between the sync core and the
// managed backend: relational CRUD (Store) and the filtered change feed (Feed).
package backend

import (
	"context"

	"github.com/nikhil/eaven-sync/internal/models"
)

// Store is the relational side of the gateway.
//
// Mutations that violate a uniqueness rule return an apperr Conflict;
// lookups of missing rows return NotFound; acting on another user's row
// returns AccessDenied.
type Store interface {
	ListChannelsForUser(ctx context.Context, userID string) ([]models.Channel, error)
	ListDirectChannelsForUser(ctx context.Context, userID string) ([]models.Channel, error)
	GetChannel(ctx context.Context, channelID string) (*models.Channel, error)
	CreateChannel(ctx context.Context, ch models.Channel, memberIDs []string) (*models.Channel, error)
	SetChannelKind(ctx context.Context, channelID string, kind models.ChannelKind) error
	// AddMembers is idempotent.
	AddMembers(ctx context.Context, channelID string, userIDs ...string) error
	IsMember(ctx context.Context, channelID, userID string) (bool, error)
	ListDefaultChannels(ctx context.Context, orgID string) ([]models.Channel, error)

	// ListMessages returns the channel history ordered by created_at, id.
	ListMessages(ctx context.Context, channelID string) ([]models.Message, error)
	GetMessages(ctx context.Context, ids []string) ([]models.Message, error)
	InsertMessage(ctx context.Context, in models.NewMessage) (*models.Message, error)
	UpdateMessage(ctx context.Context, id, authorID, content string) (*models.Message, error)
	// DeleteMessage returns the removed row.
	DeleteMessage(ctx context.Context, id, authorID string) (*models.Message, error)

	ListReceipts(ctx context.Context, messageIDs []string) ([]models.ReadReceipt, error)
	// InsertReceipts skips receipts that already exist.
	InsertReceipts(ctx context.Context, receipts []models.ReadReceipt) error

	ListReactions(ctx context.Context, messageIDs []string) ([]models.Reaction, error)
	FindReaction(ctx context.Context, messageID, userID, emoji string) (*models.Reaction, error)
	InsertReaction(ctx context.Context, r models.Reaction) (*models.Reaction, error)
	DeleteReaction(ctx context.Context, reactionID, userID string) (*models.Reaction, error)

	ListStarred(ctx context.Context, userID string, messageIDs []string) ([]string, error)
	SetStarred(ctx context.Context, userID, messageID string, starred bool) error
	ListPinned(ctx context.Context, channelID string) ([]string, error)
	SetPinned(ctx context.Context, channelID, messageID, userID string, pinned bool) error

	UpsertTypingMarker(ctx context.Context, m models.TypingMarker) error
	DeleteTypingMarker(ctx context.Context, channelID, userID string) error
	ListTypingMarkers(ctx context.Context, channelID string) ([]models.TypingMarker, error)
}

// UserStore backs authentication on the gateway. The sync core never uses it.
type UserStore interface {
	CreateUser(ctx context.Context, u models.User) (*models.User, error)
	FindUserByEmail(ctx context.Context, email string) (*models.User, error)
	GetProfiles(ctx context.Context, ids []string) ([]models.Profile, error)
}

// Subscription delivers events for one topic. The channel is closed when
// the subscription is dropped or closed; a drop means events may be lost.
type Subscription interface {
	Events() <-chan models.Event
	Close() error
}

// Feed is the subscribe-by-filter event stream.
type Feed interface {
	Subscribe(ctx context.Context, topic models.Topic) (Subscription, error)
}

// Publisher accepts change events produced by mutations.
type Publisher interface {
	Publish(ctx context.Context, ev models.Event) error
}

// Gateway is everything the sync core consumes.
type Gateway interface {
	Store
	Feed
}

type gateway struct {
	Store
	Feed
}

// Combine joins a store and a feed into a Gateway.
func Combine(store Store, feed Feed) Gateway {
	return gateway{Store: store, Feed: feed}
}

// Publishers fans an event out to several publishers and returns the first error.
type Publishers []Publisher

func (ps Publishers) Publish(ctx context.Context, ev models.Event) error {
	var first error
	for _, p := range ps {
		if err := p.Publish(ctx, ev); err != nil && first == nil {
			first = err
		}
	}
	return first
}
