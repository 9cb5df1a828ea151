// Package channels aggregates a user's group and direct-message channels.
package channels

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/nikhil/eaven-sync/internal/apperr"
	"github.com/nikhil/eaven-sync/internal/backend"
	"github.com/nikhil/eaven-sync/internal/logger"
	"github.com/nikhil/eaven-sync/internal/models"
	"github.com/nikhil/eaven-sync/internal/observe"
	"github.com/nikhil/eaven-sync/internal/reads"
)

// Directory holds the channel list of one signed-in user.
type Directory struct {
	store backend.Store
	self  models.Profile
	log   *logger.Logger

	mu           sync.Mutex
	bootstrapped bool

	channels *observe.Value[[]models.Channel]
	active   *observe.Value[string]
}

func NewDirectory(store backend.Store, self models.Profile, log *logger.Logger) *Directory {
	return &Directory{
		store:    store,
		self:     self,
		log:      log.Named("channels"),
		channels: observe.NewValue[[]models.Channel](nil),
		active:   observe.NewValue(""),
	}
}

// DirectPrefix starts every direct channel id.
const DirectPrefix = "dm_"

// DirectChannelID is the canonical id of the DM channel between a and b in
// an organization. It does not depend on argument order.
func DirectChannelID(orgID, a, b string) string {
	if b < a {
		a, b = b, a
	}
	sum := sha256.Sum256([]byte(orgID + "|" + a + "|" + b))
	return DirectPrefix + hex.EncodeToString(sum[:])[:32]
}

// Merge unions channel lists by id. A channel seen more than once keeps the
// position of its first occurrence and the data of its last.
func Merge(lists ...[]models.Channel) []models.Channel {
	index := make(map[string]int)
	var out []models.Channel
	for _, list := range lists {
		for _, ch := range list {
			if i, seen := index[ch.ID]; seen {
				out[i] = ch
				continue
			}
			index[ch.ID] = len(out)
			out = append(out, ch)
		}
	}
	return out
}

// Load fetches group and direct channels, merges them and computes unread
// counts. A user with no channels is enrolled in the organization's default
// channels once per Directory, then the list is fetched again.
func (d *Directory) Load(ctx context.Context) ([]models.Channel, error) {
	list, err := d.fetch(ctx)
	if err != nil {
		return nil, err
	}

	if len(list) == 0 && d.claimBootstrap() {
		joined, err := d.bootstrap(ctx)
		if err != nil {
			return nil, err
		}
		if joined > 0 {
			if list, err = d.fetch(ctx); err != nil {
				return nil, err
			}
		}
	}

	active := d.active.Get()
	for i := range list {
		n, err := d.unreadFor(ctx, list[i].ID)
		if err != nil {
			d.log.Warn("Failed to compute unread count", "channel_id", list[i].ID, "error", err)
			continue
		}
		list[i].UnreadCount = n
		if list[i].ID == active {
			list[i].UnreadCount = 0
		}
	}

	d.channels.Set(list)
	d.log.Debug("Channels loaded", "user_id", d.self.ID, "count", len(list))
	return cloneList(list), nil
}

func (d *Directory) fetch(ctx context.Context) ([]models.Channel, error) {
	groups, err := d.store.ListChannelsForUser(ctx, d.self.ID)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	direct, err := d.store.ListDirectChannelsForUser(ctx, d.self.ID)
	if err != nil {
		return nil, fmt.Errorf("list direct channels: %w", err)
	}
	return Merge(groups, direct), nil
}

func (d *Directory) claimBootstrap() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.bootstrapped {
		return false
	}
	d.bootstrapped = true
	return true
}

func (d *Directory) bootstrap(ctx context.Context) (int, error) {
	defaults, err := d.store.ListDefaultChannels(ctx, d.self.OrgID)
	if err != nil {
		return 0, fmt.Errorf("list default channels: %w", err)
	}
	joined := 0
	for _, ch := range defaults {
		if err := d.store.AddMembers(ctx, ch.ID, d.self.ID); err != nil {
			d.log.Warn("Failed to join default channel", "channel_id", ch.ID, "error", err)
			continue
		}
		joined++
	}
	d.log.Info("Joined default channels", "user_id", d.self.ID, "org_id", d.self.OrgID, "joined", joined)
	return joined, nil
}

// unreadFor diffs messages by others against the user's receipts.
func (d *Directory) unreadFor(ctx context.Context, channelID string) (int, error) {
	msgs, err := d.store.ListMessages(ctx, channelID)
	if err != nil {
		return 0, err
	}
	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if m.AuthorID != d.self.ID {
			ids = append(ids, m.ID)
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}
	receipts, err := d.store.ListReceipts(ctx, ids)
	if err != nil {
		return 0, err
	}
	return reads.UnreadCount(msgs, receipts, d.self.ID), nil
}

// Select makes channelID the active channel and zeroes its unread count
// locally; the read tracker publishes the authoritative value later.
func (d *Directory) Select(channelID string) {
	d.active.Set(channelID)
	d.SetUnread(channelID, 0)
}

func (d *Directory) Active() string {
	return d.active.Get()
}

// SetUnread replaces the unread count of one channel.
func (d *Directory) SetUnread(channelID string, n int) {
	d.update(channelID, func(ch *models.Channel) { ch.UnreadCount = n })
}

// ApplyPreview records m as the channel's last message unless a newer one
// is already shown. Unread counts are left alone: the active channel's comes
// from the read tracker and the others are recomputed by Load.
func (d *Directory) ApplyPreview(m models.Message) {
	if m.IsPlaceholder() {
		return
	}
	d.update(m.ChannelID, func(ch *models.Channel) {
		if ch.LastMessage == nil || !m.CreatedAt.Before(ch.LastMessage.CreatedAt) {
			ch.LastMessage = m.Preview()
		}
	})
}

func (d *Directory) update(channelID string, fn func(*models.Channel)) {
	d.channels.Update(func(cur []models.Channel) []models.Channel {
		next := cloneList(cur)
		for i := range next {
			if next[i].ID == channelID {
				fn(&next[i])
			}
		}
		return next
	})
}

func (d *Directory) upsert(ch models.Channel) {
	d.channels.Update(func(cur []models.Channel) []models.Channel {
		return Merge(cur, []models.Channel{ch})
	})
}

// GetOrCreateDirect returns the DM channel with other, creating it if
// needed. Concurrent first contact from both sides converges on one row.
func (d *Directory) GetOrCreateDirect(ctx context.Context, other models.Profile) (*models.Channel, error) {
	const op = "open direct channel"
	if other.ID == "" || other.ID == d.self.ID {
		return nil, apperr.Validation(op, "pick another user to message")
	}
	if other.OrgID != "" && other.OrgID != d.self.OrgID {
		return nil, apperr.AccessDenied(op, "user belongs to another organization")
	}

	id := DirectChannelID(d.self.OrgID, d.self.ID, other.ID)
	ch, err := d.store.GetChannel(ctx, id)
	switch {
	case err == nil:
		if err := d.heal(ctx, ch, other.ID); err != nil {
			return nil, err
		}
	case apperr.Is(err, apperr.KindNotFound):
		ch, err = d.store.CreateChannel(ctx, models.Channel{
			ID:        id,
			OrgID:     d.self.OrgID,
			Kind:      models.KindDirect,
			CreatedBy: d.self.ID,
		}, []string{d.self.ID, other.ID})
		if apperr.Is(err, apperr.KindConflict) {
			// The other side created it first.
			d.log.Debug("Direct channel created concurrently, refetching", "channel_id", id)
			if ch, err = d.store.GetChannel(ctx, id); err != nil {
				return nil, fmt.Errorf("refetch direct channel: %w", err)
			}
			if err := d.heal(ctx, ch, other.ID); err != nil {
				return nil, err
			}
		} else if err != nil {
			return nil, fmt.Errorf("create direct channel: %w", err)
		}
	default:
		return nil, fmt.Errorf("get direct channel: %w", err)
	}

	ch.Kind = models.KindDirect
	ch.Counterpart = &other
	if ch.MemberCount < 2 {
		ch.MemberCount = 2
	}
	d.upsert(*ch)
	return ch, nil
}

// heal repairs a DM row whose kind or membership was lost.
func (d *Directory) heal(ctx context.Context, ch *models.Channel, otherID string) error {
	if ch.Kind != models.KindDirect {
		d.log.Warn("Direct channel had wrong kind, repairing", "channel_id", ch.ID, "kind", ch.Kind)
		if err := d.store.SetChannelKind(ctx, ch.ID, models.KindDirect); err != nil {
			return fmt.Errorf("repair direct channel kind: %w", err)
		}
	}
	if err := d.store.AddMembers(ctx, ch.ID, d.self.ID, otherID); err != nil {
		return fmt.Errorf("repair direct channel members: %w", err)
	}
	return nil
}

// Snapshot returns a copy of the current list.
func (d *Directory) Snapshot() []models.Channel {
	return cloneList(d.channels.Get())
}

// Channels streams the channel list.
func (d *Directory) Channels() (<-chan []models.Channel, func()) {
	return d.channels.Subscribe()
}

// ActiveChanges streams the active channel id.
func (d *Directory) ActiveChanges() (<-chan string, func()) {
	return d.active.Subscribe()
}

// Filter selects channels for display.
type Filter struct {
	Kind  models.ChannelKind // empty means any
	Query string             // case-insensitive substring of the display name
}

// DisplayName is the name shown for ch: the counterpart for DMs.
func DisplayName(ch models.Channel) string {
	if ch.Kind == models.KindDirect && ch.Counterpart != nil {
		return ch.Counterpart.DisplayName
	}
	return ch.Name
}

// View returns the channels matching f, unread first, then most recent
// activity, then name.
func (d *Directory) View(f Filter) []models.Channel {
	return Sorted(FilterList(d.Snapshot(), f))
}

func FilterList(list []models.Channel, f Filter) []models.Channel {
	q := strings.ToLower(strings.TrimSpace(f.Query))
	var out []models.Channel
	for _, ch := range list {
		if f.Kind != "" && ch.Kind != f.Kind {
			continue
		}
		if q != "" && !strings.Contains(strings.ToLower(DisplayName(ch)), q) {
			continue
		}
		out = append(out, ch)
	}
	return out
}

func Sorted(list []models.Channel) []models.Channel {
	out := cloneList(list)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if (a.UnreadCount > 0) != (b.UnreadCount > 0) {
			return a.UnreadCount > 0
		}
		if !a.LastActivity().Equal(b.LastActivity()) {
			return a.LastActivity().After(b.LastActivity())
		}
		return strings.ToLower(DisplayName(a)) < strings.ToLower(DisplayName(b))
	})
	return out
}

func cloneList(in []models.Channel) []models.Channel {
	if in == nil {
		return nil
	}
	out := make([]models.Channel, len(in))
	copy(out, in)
	return out
}
