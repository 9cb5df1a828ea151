// Package messages keeps the ordered message list of one channel in sync
// with the backend: optimistic sends, confirmation, realtime events and the
// per-message decorations (replies, reactions, receipts, stars, pins).
package messages

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/nikhil/eaven-sync/internal/apperr"
	"github.com/nikhil/eaven-sync/internal/backend"
	"github.com/nikhil/eaven-sync/internal/logger"
	"github.com/nikhil/eaven-sync/internal/models"
	"github.com/nikhil/eaven-sync/internal/observe"
)

// MaxContentRunes is the longest message accepted, counted after trimming.
const MaxContentRunes = 4000

// ValidateContent trims content and rejects it when empty or too long.
// Over-long content is never truncated.
func ValidateContent(op, content string, allowEmpty bool) (string, error) {
	text := strings.TrimSpace(content)
	if text == "" && !allowEmpty {
		return "", apperr.Validation(op, "message is empty")
	}
	if n := utf8.RuneCountInString(text); n > MaxContentRunes {
		return "", apperr.Validation(op, fmt.Sprintf("message is %d characters, the limit is %d", n, MaxContentRunes))
	}
	return text, nil
}

// Draft is a message about to be sent.
type Draft struct {
	Content     string
	ReplyTo     string
	Attachments []models.Attachment
}

// Store owns the message list of one channel. All list mutation runs on
// its mailbox goroutine; backend calls run on the caller's goroutine and
// post their results back.
type Store struct {
	gw        backend.Store
	channelID string
	self      models.Profile
	log       *logger.Logger
	now       func() time.Time

	mailbox chan task
	done    chan struct{}
	stopped chan struct{}

	msgs *observe.Value[[]models.Message]
}

type task struct {
	fn       func(*state)
	finished chan struct{}
}

// state is only touched by the mailbox goroutine.
type state struct {
	list []models.Message
	seq  uint64

	loadSeq uint64 // sequence of the newest applied load

	// Realtime changes newer than an in-flight load survive its result.
	arrived   map[string]uint64
	tombstone map[string]uint64
	touched   map[string]uint64 // edits and decorations on listed rows

	// Reactions and receipts travel on their own topics and can beat the
	// message they decorate; they wait here until it shows up.
	early map[string][]func(*models.Message)
}

func NewStore(gw backend.Store, channelID string, self models.Profile, log *logger.Logger) *Store {
	s := &Store{
		gw:        gw,
		channelID: channelID,
		self:      self,
		log:       log.Named("messages").WithFields(map[string]interface{}{"channel_id": channelID}),
		now:       func() time.Time { return time.Now().UTC() },
		mailbox:   make(chan task, 64),
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
		msgs:      observe.NewValue[[]models.Message](nil),
	}
	go s.run()
	return s
}

func (s *Store) ChannelID() string { return s.channelID }

func (s *Store) run() {
	defer close(s.stopped)
	st := &state{
		arrived:   make(map[string]uint64),
		tombstone: make(map[string]uint64),
		touched:   make(map[string]uint64),
		early:     make(map[string][]func(*models.Message)),
	}
	for {
		select {
		case t := <-s.mailbox:
			st.seq++
			t.fn(st)
			s.msgs.Set(cloneList(st.list))
			close(t.finished)
		case <-s.done:
			return
		}
	}
}

// do runs fn on the mailbox goroutine and waits for it. It is a no-op once
// the store is closed.
func (s *Store) do(fn func(*state)) bool {
	t := task{fn: fn, finished: make(chan struct{})}
	select {
	case s.mailbox <- t:
	case <-s.done:
		return false
	}
	select {
	case <-t.finished:
		return true
	case <-s.stopped:
		return false
	}
}

// Close stops the mailbox. Pending backend calls finish but their results
// are discarded.
func (s *Store) Close() {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	<-s.stopped
}

// Snapshot returns the current list.
func (s *Store) Snapshot() []models.Message {
	return cloneList(s.msgs.Get())
}

// Messages streams the list after every change.
func (s *Store) Messages() (<-chan []models.Message, func()) {
	return s.msgs.Subscribe()
}

// Load fetches the channel history and decorates it. Enrichment failures
// are logged and leave the affected decoration empty. On a failed fetch the
// previous list is kept.
func (s *Store) Load(ctx context.Context) ([]models.Message, error) {
	var start uint64
	if !s.do(func(st *state) { start = st.seq }) {
		return nil, apperr.Transient("load messages", fmt.Errorf("store closed"))
	}

	msgs, err := s.gw.ListMessages(ctx, s.channelID)
	if err != nil {
		s.log.Warn("Failed to load messages", "error", err)
		return nil, fmt.Errorf("load messages: %w", err)
	}
	s.enrich(ctx, msgs)

	var out []models.Message
	s.do(func(st *state) {
		if start < st.loadSeq {
			// A newer load already landed.
			out = cloneList(st.list)
			return
		}
		st.applyLoad(msgs, start)
		out = cloneList(st.list)
	})
	return out, nil
}

func (s *Store) enrich(ctx context.Context, msgs []models.Message) {
	if len(msgs) == 0 {
		return
	}
	ids := make([]string, len(msgs))
	byID := make(map[string]int, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
		byID[m.ID] = i
	}

	// Replies
	var missing []string
	for _, m := range msgs {
		if m.ReplyTo != "" {
			if _, ok := byID[m.ReplyTo]; !ok {
				missing = append(missing, m.ReplyTo)
			}
		}
	}
	targets := make(map[string]models.Message)
	if len(missing) > 0 {
		found, err := s.gw.GetMessages(ctx, missing)
		if err != nil {
			s.log.Warn("Failed to resolve reply targets", "error", err)
		}
		for _, m := range found {
			targets[m.ID] = m
		}
	}
	for i := range msgs {
		if msgs[i].ReplyTo == "" {
			continue
		}
		if j, ok := byID[msgs[i].ReplyTo]; ok {
			msgs[i].ReplyMessage = msgs[j].Snapshot()
		} else if t, ok := targets[msgs[i].ReplyTo]; ok {
			msgs[i].ReplyMessage = t.Snapshot()
		}
	}

	if receipts, err := s.gw.ListReceipts(ctx, ids); err != nil {
		s.log.Warn("Failed to load read receipts", "error", err)
	} else {
		for _, r := range receipts {
			if i, ok := byID[r.MessageID]; ok {
				msgs[i].ReadBy = appendUnique(msgs[i].ReadBy, r.UserID)
			}
		}
	}

	if reactions, err := s.gw.ListReactions(ctx, ids); err != nil {
		s.log.Warn("Failed to load reactions", "error", err)
	} else {
		for _, r := range reactions {
			if i, ok := byID[r.MessageID]; ok {
				msgs[i].Reactions = append(msgs[i].Reactions, r)
			}
		}
	}

	if starred, err := s.gw.ListStarred(ctx, s.self.ID, ids); err != nil {
		s.log.Warn("Failed to load starred messages", "error", err)
	} else {
		for _, id := range starred {
			if i, ok := byID[id]; ok {
				msgs[i].IsStarred = true
			}
		}
	}

	if pinned, err := s.gw.ListPinned(ctx, s.channelID); err != nil {
		s.log.Warn("Failed to load pinned messages", "error", err)
	} else {
		for _, id := range pinned {
			if i, ok := byID[id]; ok {
				msgs[i].IsPinned = true
			}
		}
	}
}

// applyLoad replaces the list with a fetched one, keeping outstanding
// placeholders and realtime changes that arrived after the fetch started.
func (st *state) applyLoad(loaded []models.Message, start uint64) {
	st.loadSeq = start
	live := make(map[string]models.Message)
	for _, m := range st.list {
		if st.touched[m.ID] > start {
			live[m.ID] = m
		}
	}
	present := make(map[string]bool, len(loaded))
	tokens := make(map[string]bool)
	next := make([]models.Message, 0, len(loaded))
	for _, m := range loaded {
		if seq, gone := st.tombstone[m.ID]; gone && seq > start {
			continue
		}
		m.Status = models.StatusSent
		if cur, ok := live[m.ID]; ok {
			m = keepLive(m, cur)
		}
		present[m.ID] = true
		if m.ClientToken != "" {
			tokens[m.ClientToken] = true
		}
		next = append(next, m)
	}
	for _, m := range st.list {
		switch {
		case m.IsPlaceholder():
			if !tokens[m.ClientToken] {
				next = append(next, m)
			}
		case !present[m.ID] && st.arrived[m.ID] > start:
			next = append(next, m)
		}
	}
	st.list = next
	st.sort()
	for i := range st.list {
		st.settle(i)
	}
	clear(st.early)

	for id, seq := range st.arrived {
		if seq <= start {
			delete(st.arrived, id)
		}
	}
	for id, seq := range st.tombstone {
		if seq <= start {
			delete(st.tombstone, id)
		}
	}
	for id, seq := range st.touched {
		if seq <= start {
			delete(st.touched, id)
		}
	}
}

// keepLive carries changes made to cur after the fetch started over the
// fetched row m.
func keepLive(m, cur models.Message) models.Message {
	m.Content = cur.Content
	m.EditedAt = cur.EditedAt
	m.IsEdited = cur.IsEdited
	m.Reactions = cur.Reactions
	m.ReadBy = cur.ReadBy
	m.IsPinned = cur.IsPinned
	m.IsStarred = cur.IsStarred
	return m
}

// Send validates and sends content. See SendDraft.
func (s *Store) Send(ctx context.Context, content, replyTo string) (*models.Message, error) {
	return s.SendDraft(ctx, Draft{Content: content, ReplyTo: replyTo})
}

// SendDraft shows a placeholder immediately, inserts the message and
// replaces the placeholder with the confirmed row in place. On failure the
// placeholder is removed and the error returned; nothing is retried.
func (s *Store) SendDraft(ctx context.Context, d Draft) (*models.Message, error) {
	const op = "send message"
	text, err := ValidateContent(op, d.Content, len(d.Attachments) > 0)
	if err != nil {
		return nil, err
	}

	ph := models.Message{
		ID:          models.NewPlaceholderID(),
		ChannelID:   s.channelID,
		AuthorID:    s.self.ID,
		Author:      s.self,
		Content:     text,
		CreatedAt:   s.now(),
		ReplyTo:     d.ReplyTo,
		Attachments: d.Attachments,
		ClientToken: uuid.NewString(),
		Status:      models.StatusSending,
	}
	if !s.do(func(st *state) {
		if d.ReplyTo != "" {
			if i := st.index(d.ReplyTo); i >= 0 {
				ph.ReplyMessage = st.list[i].Snapshot()
			}
		}
		st.list = append(st.list, ph)
	}) {
		return nil, apperr.Transient(op, fmt.Errorf("store closed"))
	}

	confirmed, err := s.gw.InsertMessage(ctx, models.NewMessage{
		ChannelID:   s.channelID,
		AuthorID:    s.self.ID,
		Content:     text,
		ReplyTo:     d.ReplyTo,
		Attachments: d.Attachments,
		ClientToken: ph.ClientToken,
	})
	if err != nil {
		s.do(func(st *state) { st.remove(ph.ID) })
		s.log.Warn("Failed to send message", "error", err)
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	out := *confirmed
	s.do(func(st *state) {
		out = st.confirm(ph, *confirmed)
	})
	return &out, nil
}

// confirm swaps placeholder ph for the persisted m. If a realtime echo got
// there first only the decorations are merged.
func (st *state) confirm(ph, m models.Message) models.Message {
	m.Status = models.StatusSent
	if m.ReplyMessage == nil {
		m.ReplyMessage = ph.ReplyMessage
	}
	if i := st.index(m.ID); i >= 0 {
		st.remove(ph.ID)
		return st.list[st.index(m.ID)]
	}
	if _, gone := st.tombstone[m.ID]; gone {
		st.remove(ph.ID)
		return m
	}
	if i := st.index(ph.ID); i >= 0 {
		st.list[i] = m
	} else {
		st.list = append(st.list, m)
	}
	st.arrived[m.ID] = st.seq
	st.sort()
	i := st.index(m.ID)
	st.settle(i)
	return st.list[i]
}

// OnRemoteInsert merges a message pushed by the realtime feed. An
// outstanding placeholder with the same client token is replaced in place.
// Rows without a token fall back to matching the oldest placeholder with
// the same author and content.
func (s *Store) OnRemoteInsert(m models.Message) {
	if m.ChannelID != s.channelID || m.IsPlaceholder() {
		return
	}
	s.do(func(st *state) {
		if st.index(m.ID) >= 0 {
			return
		}
		if _, gone := st.tombstone[m.ID]; gone {
			return
		}
		m.Status = models.StatusSent
		if m.ReplyTo != "" && m.ReplyMessage == nil {
			if i := st.index(m.ReplyTo); i >= 0 {
				m.ReplyMessage = st.list[i].Snapshot()
			}
		}
		st.arrived[m.ID] = st.seq
		if i := st.placeholderFor(m); i >= 0 {
			if m.ReplyMessage == nil {
				m.ReplyMessage = st.list[i].ReplyMessage
			}
			st.list[i] = m
		} else {
			st.list = append(st.list, m)
		}
		st.sort()
		st.settle(st.index(m.ID))
	})
}

func (st *state) placeholderFor(m models.Message) int {
	if m.ClientToken != "" {
		for i, p := range st.list {
			if p.IsPlaceholder() && p.ClientToken == m.ClientToken {
				return i
			}
		}
		return -1
	}
	for i, p := range st.list {
		if p.IsPlaceholder() && p.AuthorID == m.AuthorID && p.Content == m.Content {
			return i
		}
	}
	return -1
}

// OnRemoteUpdate applies an edit made elsewhere, keeping local decorations.
func (s *Store) OnRemoteUpdate(m models.Message) {
	if m.ChannelID != s.channelID {
		return
	}
	s.do(func(st *state) { st.applyEdit(m) })
}

func (st *state) applyEdit(m models.Message) (models.Message, bool) {
	i := st.index(m.ID)
	if i < 0 {
		return models.Message{}, false
	}
	cur := st.list[i]
	cur.Content = m.Content
	cur.EditedAt = m.EditedAt
	cur.IsEdited = m.IsEdited || m.EditedAt != nil
	st.list[i] = cur
	st.touched[m.ID] = st.seq
	for j := range st.list {
		if r := st.list[j].ReplyMessage; r != nil && r.ID == m.ID {
			snap := *r
			snap.Content = m.Content
			st.list[j].ReplyMessage = &snap
		}
	}
	return cur, true
}

// OnRemoteDelete removes id. Deleting an absent message does nothing.
func (s *Store) OnRemoteDelete(id string) {
	s.do(func(st *state) {
		st.tombstone[id] = st.seq
		delete(st.early, id)
		delete(st.touched, id)
		st.remove(id)
	})
}

// Edit changes the content of one of the user's messages. Authorization is
// decided by the backend; the local list only changes on success.
func (s *Store) Edit(ctx context.Context, id, content string) (*models.Message, error) {
	const op = "edit message"
	if models.IsPlaceholderID(id) {
		return nil, apperr.Validation(op, "message is still sending")
	}
	text, err := ValidateContent(op, content, false)
	if err != nil {
		return nil, err
	}
	updated, err := s.gw.UpdateMessage(ctx, id, s.self.ID, text)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	out := *updated
	s.do(func(st *state) {
		if cur, ok := st.applyEdit(*updated); ok {
			out = cur
		}
	})
	return &out, nil
}

// Delete removes one of the user's messages.
func (s *Store) Delete(ctx context.Context, id string) error {
	const op = "delete message"
	if models.IsPlaceholderID(id) {
		return apperr.Validation(op, "message is still sending")
	}
	if _, err := s.gw.DeleteMessage(ctx, id, s.self.ID); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	s.OnRemoteDelete(id)
	return nil
}

// ApplyReaction adds or removes one reaction row on its message.
func (s *Store) ApplyReaction(op models.Op, r models.Reaction) {
	s.do(func(st *state) {
		st.decorate(r.MessageID, func(m *models.Message) {
			var next []models.Reaction
			for _, cur := range m.Reactions {
				if cur.ID == r.ID || (cur.UserID == r.UserID && cur.Emoji == r.Emoji) {
					continue
				}
				next = append(next, cur)
			}
			if op == models.OpInsert {
				next = append(next, r)
			}
			m.Reactions = next
		})
	})
}

// ApplyReceipts marks messages as read by the receipt owners.
func (s *Store) ApplyReceipts(receipts []models.ReadReceipt) {
	s.do(func(st *state) {
		for _, r := range receipts {
			userID := r.UserID
			st.decorate(r.MessageID, func(m *models.Message) {
				m.ReadBy = appendUnique(cloneStrings(m.ReadBy), userID)
			})
		}
	})
}

// decorate applies fn to message id now, or when it arrives.
func (st *state) decorate(id string, fn func(*models.Message)) {
	if i := st.index(id); i >= 0 {
		fn(&st.list[i])
		st.touched[id] = st.seq
		return
	}
	if _, gone := st.tombstone[id]; gone || models.IsPlaceholderID(id) {
		return
	}
	st.early[id] = append(st.early[id], fn)
}

func (st *state) settle(i int) {
	if i < 0 {
		return
	}
	id := st.list[i].ID
	for _, fn := range st.early[id] {
		fn(&st.list[i])
	}
	delete(st.early, id)
}

// SetStar sets the local starred flag.
func (s *Store) SetStar(id string, starred bool) {
	s.do(func(st *state) {
		if i := st.index(id); i >= 0 {
			st.list[i].IsStarred = starred
			st.touched[id] = st.seq
		}
	})
}

// SetPin sets the local pinned flag.
func (s *Store) SetPin(id string, pinned bool) {
	s.do(func(st *state) {
		if i := st.index(id); i >= 0 {
			st.list[i].IsPinned = pinned
			st.touched[id] = st.seq
		}
	})
}

// Star persists the user's star on id and updates the list.
func (s *Store) Star(ctx context.Context, id string, starred bool) error {
	if err := s.gw.SetStarred(ctx, s.self.ID, id, starred); err != nil {
		return fmt.Errorf("star message: %w", err)
	}
	s.SetStar(id, starred)
	return nil
}

// Pin persists the channel pin on id and updates the list.
func (s *Store) Pin(ctx context.Context, id string, pinned bool) error {
	if err := s.gw.SetPinned(ctx, s.channelID, id, s.self.ID, pinned); err != nil {
		return fmt.Errorf("pin message: %w", err)
	}
	s.SetPin(id, pinned)
	return nil
}

func (st *state) index(id string) int {
	for i := range st.list {
		if st.list[i].ID == id {
			return i
		}
	}
	return -1
}

func (st *state) remove(id string) {
	if i := st.index(id); i >= 0 {
		st.list = append(st.list[:i:i], st.list[i+1:]...)
	}
}

// sort orders confirmed messages by created_at then id, followed by
// placeholders in the order they were sent.
func (st *state) sort() {
	sort.SliceStable(st.list, func(i, j int) bool {
		a, b := st.list[i], st.list[j]
		ap, bp := a.IsPlaceholder(), b.IsPlaceholder()
		if ap || bp {
			return !ap && bp
		}
		return models.Less(a, b)
	})
}

func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}

func cloneStrings(in []string) []string {
	return append([]string(nil), in...)
}

func cloneList(in []models.Message) []models.Message {
	if in == nil {
		return nil
	}
	out := make([]models.Message, len(in))
	copy(out, in)
	return out
}
