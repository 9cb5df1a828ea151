// Package session is the entry point UI code drives: it owns the channel
// directory and the state of the active channel, and routes realtime
// events to the component that owns each piece of state.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nikhil/eaven-sync/internal/apperr"
	"github.com/nikhil/eaven-sync/internal/backend"
	"github.com/nikhil/eaven-sync/internal/channels"
	"github.com/nikhil/eaven-sync/internal/logger"
	"github.com/nikhil/eaven-sync/internal/messages"
	"github.com/nikhil/eaven-sync/internal/models"
	"github.com/nikhil/eaven-sync/internal/observe"
	"github.com/nikhil/eaven-sync/internal/reactions"
	"github.com/nikhil/eaven-sync/internal/reads"
	"github.com/nikhil/eaven-sync/internal/typing"
)

// followed are the tables the active channel subscribes to besides typing.
var followed = []models.Table{models.TableMessages, models.TableReactions, models.TableReceipts, models.TablePins}

type Options struct {
	Typing typing.Options
	// ResubscribeDelay is the pause before retrying a failed resubscribe.
	ResubscribeDelay time.Duration
}

type Session struct {
	gw   backend.Gateway
	self models.Profile
	log  *logger.Logger
	opts Options

	dir      *channels.Directory
	tracker  *reads.Tracker
	presence *typing.Presence
	agg      *reactions.Aggregator

	mu     sync.Mutex
	gen    uint64
	active *activeChannel
	closed bool

	msgs      *observe.Value[[]models.Message]
	typers    *observe.Value[[]models.TypingMarker]
	separator *observe.Value[reads.Separator]
}

// activeChannel is everything tied to one visit of a channel. Handlers
// capture it directly so events of an old visit never reach a new one.
type activeChannel struct {
	gen     uint64
	id      string
	store   *messages.Store
	watcher *typing.Watcher

	mu         sync.Mutex
	lastReadAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(gw backend.Gateway, self models.Profile, log *logger.Logger, opts Options) *Session {
	if opts.ResubscribeDelay <= 0 {
		opts.ResubscribeDelay = time.Second
	}
	log = log.Named("session").WithUser(self.ID)
	s := &Session{
		gw:        gw,
		self:      self,
		log:       log,
		opts:      opts,
		dir:       channels.NewDirectory(gw, self, log),
		presence:  typing.NewPresence(gw, self, log, opts.Typing),
		agg:       reactions.NewAggregator(gw, self.ID, log),
		msgs:      observe.NewValue[[]models.Message](nil),
		typers:    observe.NewValue[[]models.TypingMarker](nil),
		separator: observe.NewValue(reads.Separator{Index: -1}),
	}
	s.tracker = reads.NewTracker(gw, self.ID, log, s.dir.SetUnread)
	return s
}

func (s *Session) Self() models.Profile { return s.self }

func (s *Session) Directory() *channels.Directory { return s.dir }

// LoadChannels fetches the user's channels.
func (s *Session) LoadChannels(ctx context.Context) ([]models.Channel, error) {
	return s.dir.Load(ctx)
}

// Channels streams the channel list.
func (s *Session) Channels() (<-chan []models.Channel, func()) {
	return s.dir.Channels()
}

// Messages streams the message list of the active channel.
func (s *Session) Messages() (<-chan []models.Message, func()) {
	return s.msgs.Subscribe()
}

// TypingUsers streams who is typing in the active channel.
func (s *Session) TypingUsers() (<-chan []models.TypingMarker, func()) {
	return s.typers.Subscribe()
}

// Separator streams the unread separator of the active channel.
func (s *Session) Separator() (<-chan reads.Separator, func()) {
	return s.separator.Subscribe()
}

func (s *Session) MessageSnapshot() []models.Message { return s.msgs.Get() }

func (s *Session) SeparatorSnapshot() reads.Separator { return s.separator.Get() }

func (s *Session) ActiveChannel() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return ""
	}
	return s.active.id
}

func (s *Session) current(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen == gen && !s.closed
}

// SelectChannel makes channelID active: the previous channel's
// subscriptions are torn down first, then the new channel subscribes,
// loads its history and is marked read.
func (s *Session) SelectChannel(ctx context.Context, channelID string) error {
	if channelID == "" {
		return apperr.Validation("select channel", "channel id is required")
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return apperr.Validation("select channel", "session is closed")
	}
	s.gen++
	gen := s.gen
	prev := s.active
	s.active = nil
	s.mu.Unlock()

	s.teardown(prev)
	s.msgs.Set(nil)
	s.typers.Set(nil)
	s.separator.Set(reads.Separator{Index: -1})
	s.dir.Select(channelID)

	ac, err := s.open(gen, channelID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.gen != gen || s.closed {
		s.mu.Unlock()
		s.teardown(ac)
		return nil
	}
	s.active = ac
	s.mu.Unlock()

	list, err := ac.store.Load(ctx)
	if !s.current(gen) {
		// Superseded while loading.
		return nil
	}
	if err != nil {
		return err
	}
	ac.mu.Lock()
	ac.lastReadAt = reads.LastReadFromReadBy(list, s.self.ID)
	ac.mu.Unlock()
	s.publishList(ac, list)

	if _, err := s.tracker.MarkChannelRead(ctx, channelID); err != nil {
		s.log.Warn("Failed to mark channel read", "channel_id", channelID, "error", err)
	}
	return nil
}

func (s *Session) open(gen uint64, channelID string) (*activeChannel, error) {
	ctx, cancel := context.WithCancel(context.Background())
	ac := &activeChannel{
		gen:    gen,
		id:     channelID,
		store:  messages.NewStore(s.gw, channelID, s.self, s.log),
		ctx:    ctx,
		cancel: cancel,
	}

	for _, table := range followed {
		topic := models.Topic{Table: table, ChannelID: channelID}
		sub, err := s.gw.Subscribe(ctx, topic)
		if err != nil {
			s.teardown(ac)
			return nil, fmt.Errorf("subscribe %s: %w", topic, err)
		}
		ac.wg.Add(1)
		go s.pump(ac, topic, sub)
	}

	w, err := s.presence.Observe(ctx, channelID)
	if err != nil {
		s.teardown(ac)
		return nil, err
	}
	ac.watcher = w

	ac.wg.Add(2)
	go s.forwardMessages(ac)
	go s.forwardTyping(ac)
	return ac, nil
}

func (s *Session) teardown(ac *activeChannel) {
	if ac == nil {
		return
	}
	ac.cancel()
	if ac.watcher != nil {
		ac.watcher.Close()
	}
	ac.store.Close()
	ac.wg.Wait()
	s.presence.Stop(ac.id)
}

// pump routes events of one topic until the visit ends. A dropped
// subscription is re-established and the channel refetched.
func (s *Session) pump(ac *activeChannel, topic models.Topic, sub backend.Subscription) {
	defer ac.wg.Done()
	for {
		for ev := range sub.Events() {
			if !s.current(ac.gen) || ev.ChannelID != ac.id {
				continue
			}
			s.dispatch(ac, ev)
		}
		_ = sub.Close()
		if ac.ctx.Err() != nil {
			return
		}

		s.log.Info("Subscription dropped, resubscribing", "topic", topic.String())
		next, ok := s.resubscribe(ac, topic)
		if !ok {
			return
		}
		sub = next
		s.resync(ac)
	}
}

func (s *Session) resubscribe(ac *activeChannel, topic models.Topic) (backend.Subscription, bool) {
	for {
		sub, err := s.gw.Subscribe(ac.ctx, topic)
		if err == nil {
			return sub, true
		}
		s.log.Warn("Failed to resubscribe", "topic", topic.String(), "error", err)
		select {
		case <-ac.ctx.Done():
			return nil, false
		case <-time.After(s.opts.ResubscribeDelay):
		}
	}
}

func (s *Session) resync(ac *activeChannel) {
	if _, err := ac.store.Load(ac.ctx); err != nil {
		s.log.Warn("Failed to refetch messages after resync", "channel_id", ac.id, "error", err)
	}
}

func (s *Session) dispatch(ac *activeChannel, ev models.Event) {
	if ev.Op == models.OpResync {
		s.resync(ac)
		return
	}
	switch ev.Table {
	case models.TableMessages:
		switch ev.Op {
		case models.OpInsert:
			if ev.Message == nil {
				return
			}
			ac.store.OnRemoteInsert(*ev.Message)
			s.dir.ApplyPreview(*ev.Message)
			if ev.Message.AuthorID != s.self.ID {
				if _, err := s.tracker.MarkChannelRead(ac.ctx, ac.id); err != nil {
					s.log.Warn("Failed to mark incoming message read", "channel_id", ac.id, "error", err)
				}
			}
		case models.OpUpdate:
			if ev.Message != nil {
				ac.store.OnRemoteUpdate(*ev.Message)
			}
		case models.OpDelete:
			ac.store.OnRemoteDelete(ev.MessageID)
		}
	case models.TableReactions:
		if ev.Reaction != nil {
			ac.store.ApplyReaction(ev.Op, *ev.Reaction)
		}
	case models.TableReceipts:
		ac.store.ApplyReceipts(ev.Receipts)
	case models.TablePins:
		ac.store.SetPin(ev.MessageID, ev.Pinned)
	}
}

func (s *Session) forwardMessages(ac *activeChannel) {
	defer ac.wg.Done()
	updates, cancel := ac.store.Messages()
	defer cancel()
	for {
		select {
		case list := <-updates:
			if !s.current(ac.gen) {
				return
			}
			s.publishList(ac, list)
		case <-ac.ctx.Done():
			return
		}
	}
}

// publishList exposes list and its separator. The separator boundary is
// fixed when the channel is opened so the marker stays put while reading.
func (s *Session) publishList(ac *activeChannel, list []models.Message) {
	ac.mu.Lock()
	defer ac.mu.Unlock()
	s.msgs.Set(list)
	s.separator.Set(reads.UnreadSeparator(list, ac.lastReadAt, s.self.ID))
}

func (s *Session) forwardTyping(ac *activeChannel) {
	defer ac.wg.Done()
	updates, cancel := ac.watcher.Updates()
	defer cancel()
	for {
		select {
		case users := <-updates:
			if !s.current(ac.gen) {
				return
			}
			s.typers.Set(users)
		case <-ac.ctx.Done():
			return
		}
	}
}

func (s *Session) activeOrErr(op string) (*activeChannel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return nil, apperr.Validation(op, "no channel selected")
	}
	return s.active, nil
}

// SendMessage sends content to the active channel.
func (s *Session) SendMessage(ctx context.Context, content, replyTo string) (*models.Message, error) {
	return s.SendDraft(ctx, messages.Draft{Content: content, ReplyTo: replyTo})
}

func (s *Session) SendDraft(ctx context.Context, d messages.Draft) (*models.Message, error) {
	ac, err := s.activeOrErr("send message")
	if err != nil {
		return nil, err
	}
	s.presence.Stop(ac.id)
	m, err := ac.store.SendDraft(ctx, d)
	if err != nil {
		return nil, err
	}
	s.dir.ApplyPreview(*m)
	return m, nil
}

func (s *Session) EditMessage(ctx context.Context, id, content string) (*models.Message, error) {
	ac, err := s.activeOrErr("edit message")
	if err != nil {
		return nil, err
	}
	return ac.store.Edit(ctx, id, content)
}

func (s *Session) DeleteMessage(ctx context.Context, id string) error {
	ac, err := s.activeOrErr("delete message")
	if err != nil {
		return err
	}
	return ac.store.Delete(ctx, id)
}

// ToggleReaction flips the user's emoji on a message of the active channel.
func (s *Session) ToggleReaction(ctx context.Context, messageID, emoji string) (reactions.Change, error) {
	ac, err := s.activeOrErr("toggle reaction")
	if err != nil {
		return reactions.Change{}, err
	}
	change, err := s.agg.Toggle(ctx, messageID, emoji)
	if err != nil {
		return reactions.Change{}, err
	}
	ac.store.ApplyReaction(change.Op(), change.Reaction)
	return change, nil
}

func (s *Session) StarMessage(ctx context.Context, id string, starred bool) error {
	ac, err := s.activeOrErr("star message")
	if err != nil {
		return err
	}
	return ac.store.Star(ctx, id, starred)
}

func (s *Session) PinMessage(ctx context.Context, id string, pinned bool) error {
	ac, err := s.activeOrErr("pin message")
	if err != nil {
		return err
	}
	return ac.store.Pin(ctx, id, pinned)
}

// MarkRead marks every message in channelID as read.
func (s *Session) MarkRead(ctx context.Context, channelID string) (int, error) {
	return s.tracker.MarkChannelRead(ctx, channelID)
}

// Typing signals local input in the active channel.
func (s *Session) Typing(ctx context.Context) error {
	ac, err := s.activeOrErr("typing")
	if err != nil {
		return err
	}
	return s.presence.Notify(ctx, ac.id)
}

// OpenDirect finds or creates the DM channel with other and selects it.
func (s *Session) OpenDirect(ctx context.Context, other models.Profile) (*models.Channel, error) {
	ch, err := s.dir.GetOrCreateDirect(ctx, other)
	if err != nil {
		return nil, err
	}
	if err := s.SelectChannel(ctx, ch.ID); err != nil {
		return nil, err
	}
	return ch, nil
}

// Close tears down the active channel and clears pending typing markers.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.gen++
	prev := s.active
	s.active = nil
	s.mu.Unlock()

	s.teardown(prev)
	s.presence.Close()
}
