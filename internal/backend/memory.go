package backend

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nikhil/eaven-sync/internal/apperr"
	"github.com/nikhil/eaven-sync/internal/models"
)

type channelRow struct {
	ch      models.Channel
	members map[string]time.Time
}

// MemoryStore is an in-process Store and UserStore. It enforces the same
// uniqueness rules as the MySQL schema and is safe for concurrent use.
type MemoryStore struct {
	mu sync.Mutex

	users    map[string]models.User
	byEmail  map[string]string
	channels map[string]*channelRow
	messages map[string]models.Message
	order    map[string][]string // channel id -> message ids in insert order
	receipts map[[2]string]models.ReadReceipt
	reacts   map[string]models.Reaction
	reactKey map[string]string // message|user|emoji -> reaction id
	stars    map[string]map[string]bool
	pins     map[string]map[string]bool
	typing   map[string]map[string]models.TypingMarker

	now  func() time.Time
	last time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:    make(map[string]models.User),
		byEmail:  make(map[string]string),
		channels: make(map[string]*channelRow),
		messages: make(map[string]models.Message),
		order:    make(map[string][]string),
		receipts: make(map[[2]string]models.ReadReceipt),
		reacts:   make(map[string]models.Reaction),
		reactKey: make(map[string]string),
		stars:    make(map[string]map[string]bool),
		pins:     make(map[string]map[string]bool),
		typing:   make(map[string]map[string]models.TypingMarker),
		now:      time.Now,
	}
}

// SetClock replaces the time source. Timestamps stay strictly increasing.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) tick() time.Time {
	t := s.now().UTC()
	if !t.After(s.last) {
		t = s.last.Add(time.Microsecond)
	}
	s.last = t
	return t
}

// PutUser registers a profile without credentials (tests, seeding).
func (s *MemoryStore) PutUser(p models.Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[p.ID] = models.User{Profile: p, CreatedAt: s.tick()}
	if p.Email != "" {
		s.byEmail[strings.ToLower(p.Email)] = p.ID
	}
}

func (s *MemoryStore) CreateUser(_ context.Context, u models.User) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	email := strings.ToLower(u.Email)
	if _, taken := s.byEmail[email]; taken {
		return nil, apperr.Conflict("create user", errors.New("email already registered"))
	}
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	u.CreatedAt = s.tick()
	s.users[u.ID] = u
	s.byEmail[email] = u.ID
	out := u
	return &out, nil
}

func (s *MemoryStore) FindUserByEmail(_ context.Context, email string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byEmail[strings.ToLower(email)]
	if !ok {
		return nil, apperr.NotFound("find user", "user not found")
	}
	u := s.users[id]
	return &u, nil
}

func (s *MemoryStore) GetProfiles(_ context.Context, ids []string) ([]models.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Profile, 0, len(ids))
	for _, id := range ids {
		if u, ok := s.users[id]; ok {
			out = append(out, u.Profile)
		}
	}
	return out, nil
}

func (s *MemoryStore) profile(id string) models.Profile {
	if u, ok := s.users[id]; ok {
		return u.Profile
	}
	return models.Profile{ID: id}
}

func (s *MemoryStore) viewChannel(row *channelRow, viewer string) models.Channel {
	ch := row.ch
	ch.MemberCount = len(row.members)
	if ids := s.order[ch.ID]; len(ids) > 0 {
		ch.LastMessage = s.messages[ids[len(ids)-1]].Preview()
	}
	if ch.Kind == models.KindDirect {
		for id := range row.members {
			if id != viewer {
				p := s.profile(id)
				ch.Counterpart = &p
			}
		}
	}
	return ch
}

func (s *MemoryStore) listForUser(userID string, kind models.ChannelKind) []models.Channel {
	var out []models.Channel
	for _, row := range s.channels {
		if row.ch.Kind != kind {
			continue
		}
		if _, ok := row.members[userID]; ok {
			out = append(out, s.viewChannel(row, userID))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *MemoryStore) ListChannelsForUser(_ context.Context, userID string) ([]models.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listForUser(userID, models.KindGroup), nil
}

func (s *MemoryStore) ListDirectChannelsForUser(_ context.Context, userID string) ([]models.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listForUser(userID, models.KindDirect), nil
}

func (s *MemoryStore) GetChannel(_ context.Context, channelID string) (*models.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.channels[channelID]
	if !ok {
		return nil, apperr.NotFound("get channel", "channel not found")
	}
	ch := s.viewChannel(row, "")
	ch.Counterpart = nil
	return &ch, nil
}

func (s *MemoryStore) CreateChannel(_ context.Context, ch models.Channel, memberIDs []string) (*models.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch.ID == "" {
		ch.ID = uuid.NewString()
	}
	if _, exists := s.channels[ch.ID]; exists {
		return nil, apperr.Conflict("create channel", errors.New("channel "+ch.ID+" already exists"))
	}
	if ch.Kind == "" {
		ch.Kind = models.KindGroup
	}
	ch.CreatedAt = s.tick()
	row := &channelRow{ch: ch, members: make(map[string]time.Time)}
	for _, id := range memberIDs {
		row.members[id] = ch.CreatedAt
	}
	s.channels[ch.ID] = row
	out := s.viewChannel(row, ch.CreatedBy)
	return &out, nil
}

func (s *MemoryStore) SetChannelKind(_ context.Context, channelID string, kind models.ChannelKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.channels[channelID]
	if !ok {
		return apperr.NotFound("set channel kind", "channel not found")
	}
	row.ch.Kind = kind
	return nil
}

func (s *MemoryStore) AddMembers(_ context.Context, channelID string, userIDs ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.channels[channelID]
	if !ok {
		return apperr.NotFound("add members", "channel not found")
	}
	now := s.tick()
	for _, id := range userIDs {
		if _, ok := row.members[id]; !ok {
			row.members[id] = now
		}
	}
	return nil
}

// RemoveMember drops a membership row. Used to simulate lost membership.
func (s *MemoryStore) RemoveMember(channelID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row, ok := s.channels[channelID]; ok {
		delete(row.members, userID)
	}
}

func (s *MemoryStore) IsMember(_ context.Context, channelID, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.channels[channelID]
	if !ok {
		return false, nil
	}
	_, member := row.members[userID]
	return member, nil
}

func (s *MemoryStore) ListDefaultChannels(_ context.Context, orgID string) ([]models.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Channel
	for _, row := range s.channels {
		if row.ch.IsDefault && row.ch.OrgID == orgID {
			out = append(out, s.viewChannel(row, ""))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// decorate fills the author snapshot; reactions and receipts are left to callers.
func (s *MemoryStore) decorate(m models.Message) models.Message {
	m.Author = s.profile(m.AuthorID)
	m.Attachments = append([]models.Attachment(nil), m.Attachments...)
	return m
}

func (s *MemoryStore) ListMessages(_ context.Context, channelID string) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.order[channelID]
	out := make([]models.Message, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.decorate(s.messages[id]))
	}
	sort.SliceStable(out, func(i, j int) bool { return models.Less(out[i], out[j]) })
	return out, nil
}

func (s *MemoryStore) GetMessages(_ context.Context, ids []string) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Message, 0, len(ids))
	for _, id := range ids {
		if m, ok := s.messages[id]; ok {
			out = append(out, s.decorate(m))
		}
	}
	return out, nil
}

func (s *MemoryStore) InsertMessage(_ context.Context, in models.NewMessage) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.channels[in.ChannelID]
	if !ok {
		return nil, apperr.NotFound("insert message", "channel not found")
	}
	if _, member := row.members[in.AuthorID]; !member {
		return nil, apperr.AccessDenied("insert message", "not a member of this channel")
	}
	m := models.Message{
		ID:          uuid.NewString(),
		ChannelID:   in.ChannelID,
		AuthorID:    in.AuthorID,
		Content:     in.Content,
		CreatedAt:   s.tick(),
		ReplyTo:     in.ReplyTo,
		Attachments: append([]models.Attachment(nil), in.Attachments...),
		ClientToken: in.ClientToken,
		Status:      models.StatusSent,
	}
	for i := range m.Attachments {
		if m.Attachments[i].ID == "" {
			m.Attachments[i].ID = uuid.NewString()
		}
	}
	s.messages[m.ID] = m
	s.order[m.ChannelID] = append(s.order[m.ChannelID], m.ID)
	out := s.decorate(m)
	return &out, nil
}

func (s *MemoryStore) UpdateMessage(_ context.Context, id, authorID, content string) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, apperr.NotFound("update message", "message not found")
	}
	if m.AuthorID != authorID {
		return nil, apperr.AccessDenied("update message", "only the author can edit a message")
	}
	now := s.tick()
	m.Content = content
	m.EditedAt = &now
	m.IsEdited = true
	s.messages[id] = m
	out := s.decorate(m)
	return &out, nil
}

func (s *MemoryStore) DeleteMessage(_ context.Context, id, authorID string) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, apperr.NotFound("delete message", "message not found")
	}
	if m.AuthorID != authorID {
		return nil, apperr.AccessDenied("delete message", "only the author can delete a message")
	}
	delete(s.messages, id)
	ids := s.order[m.ChannelID]
	for i, mid := range ids {
		if mid == id {
			s.order[m.ChannelID] = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
	for key := range s.receipts {
		if key[0] == id {
			delete(s.receipts, key)
		}
	}
	for rid, r := range s.reacts {
		if r.MessageID == id {
			delete(s.reacts, rid)
			delete(s.reactKey, reactionKey(r.MessageID, r.UserID, r.Emoji))
		}
	}
	out := s.decorate(m)
	return &out, nil
}

func (s *MemoryStore) ListReceipts(_ context.Context, messageIDs []string) ([]models.ReadReceipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[string]bool, len(messageIDs))
	for _, id := range messageIDs {
		want[id] = true
	}
	var out []models.ReadReceipt
	for key, r := range s.receipts {
		if want[key[0]] {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReadAt.Before(out[j].ReadAt) })
	return out, nil
}

func (s *MemoryStore) InsertReceipts(_ context.Context, receipts []models.ReadReceipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range receipts {
		key := [2]string{r.MessageID, r.UserID}
		if _, exists := s.receipts[key]; exists {
			continue
		}
		if r.ReadAt.IsZero() {
			r.ReadAt = s.tick()
		}
		s.receipts[key] = r
	}
	return nil
}

// ReceiptCount is the number of stored receipts. Tests use it to check idempotency.
func (s *MemoryStore) ReceiptCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.receipts)
}

func reactionKey(messageID, userID, emoji string) string {
	return messageID + "|" + userID + "|" + emoji
}

func (s *MemoryStore) ListReactions(_ context.Context, messageIDs []string) ([]models.Reaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[string]bool, len(messageIDs))
	for _, id := range messageIDs {
		want[id] = true
	}
	var out []models.Reaction
	for _, r := range s.reacts {
		if want[r.MessageID] {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) FindReaction(_ context.Context, messageID, userID, emoji string) (*models.Reaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.reactKey[reactionKey(messageID, userID, emoji)]
	if !ok {
		return nil, apperr.NotFound("find reaction", "reaction not found")
	}
	r := s.reacts[id]
	return &r, nil
}

func (s *MemoryStore) InsertReaction(_ context.Context, r models.Reaction) (*models.Reaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[r.MessageID]
	if !ok {
		return nil, apperr.NotFound("insert reaction", "message not found")
	}
	key := reactionKey(r.MessageID, r.UserID, r.Emoji)
	if _, exists := s.reactKey[key]; exists {
		return nil, apperr.Conflict("insert reaction", errors.New("reaction already exists"))
	}
	r.ID = uuid.NewString()
	r.ChannelID = m.ChannelID
	r.CreatedAt = s.tick()
	s.reacts[r.ID] = r
	s.reactKey[key] = r.ID
	return &r, nil
}

func (s *MemoryStore) DeleteReaction(_ context.Context, reactionID, userID string) (*models.Reaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reacts[reactionID]
	if !ok {
		return nil, apperr.NotFound("delete reaction", "reaction not found")
	}
	if r.UserID != userID {
		return nil, apperr.AccessDenied("delete reaction", "reaction belongs to another user")
	}
	delete(s.reacts, reactionID)
	delete(s.reactKey, reactionKey(r.MessageID, r.UserID, r.Emoji))
	return &r, nil
}

func (s *MemoryStore) ListStarred(_ context.Context, userID string, messageIDs []string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, id := range messageIDs {
		if s.stars[userID][id] {
			out = append(out, id)
		}
	}
	return out, nil
}

func (s *MemoryStore) SetStarred(_ context.Context, userID, messageID string, starred bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[messageID]; !ok {
		return apperr.NotFound("star message", "message not found")
	}
	if s.stars[userID] == nil {
		s.stars[userID] = make(map[string]bool)
	}
	if starred {
		s.stars[userID][messageID] = true
	} else {
		delete(s.stars[userID], messageID)
	}
	return nil
}

func (s *MemoryStore) ListPinned(_ context.Context, channelID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for id := range s.pins[channelID] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) SetPinned(_ context.Context, channelID, messageID, _ string, pinned bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[messageID]
	if !ok || m.ChannelID != channelID {
		return apperr.NotFound("pin message", "message not found in channel")
	}
	if s.pins[channelID] == nil {
		s.pins[channelID] = make(map[string]bool)
	}
	if pinned {
		s.pins[channelID][messageID] = true
	} else {
		delete(s.pins[channelID], messageID)
	}
	return nil
}

func (s *MemoryStore) UpsertTypingMarker(_ context.Context, m models.TypingMarker) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.typing[m.ChannelID] == nil {
		s.typing[m.ChannelID] = make(map[string]models.TypingMarker)
	}
	if m.DisplayName == "" {
		m.DisplayName = s.profile(m.UserID).DisplayName
	}
	s.typing[m.ChannelID][m.UserID] = m
	return nil
}

func (s *MemoryStore) DeleteTypingMarker(_ context.Context, channelID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.typing[channelID], userID)
	return nil
}

func (s *MemoryStore) ListTypingMarkers(_ context.Context, channelID string) ([]models.TypingMarker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.TypingMarker, 0, len(s.typing[channelID]))
	for _, m := range s.typing[channelID] {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}
