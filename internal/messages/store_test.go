package messages

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nikhil/eaven-sync/internal/apperr"
	"github.com/nikhil/eaven-sync/internal/backend"
	"github.com/nikhil/eaven-sync/internal/logger"
	"github.com/nikhil/eaven-sync/internal/models"
)

var (
	alice = models.Profile{ID: "alice", OrgID: "acme", DisplayName: "Alice"}
	bob   = models.Profile{ID: "bob", OrgID: "acme", DisplayName: "Bob"}
)

func seed(t *testing.T) *backend.MemoryStore {
	t.Helper()
	s := backend.NewMemoryStore()
	s.PutUser(alice)
	s.PutUser(bob)
	_, err := s.CreateChannel(context.Background(), models.Channel{ID: "general", OrgID: "acme", Name: "general"}, []string{"alice", "bob"})
	require.NoError(t, err)
	return s
}

func newStore(t *testing.T, gw backend.Store, self models.Profile) *Store {
	t.Helper()
	s := NewStore(gw, "general", self, logger.NewNop())
	t.Cleanup(s.Close)
	return s
}

// heldStore parks InsertMessage after the row is written so tests can
// deliver the realtime echo before the confirmation.
type heldStore struct {
	backend.Store
	inserted chan models.Message
	release  chan struct{}
}

func newHeldStore(inner backend.Store) *heldStore {
	return &heldStore{Store: inner, inserted: make(chan models.Message, 4), release: make(chan struct{})}
}

func (h *heldStore) InsertMessage(ctx context.Context, in models.NewMessage) (*models.Message, error) {
	m, err := h.Store.InsertMessage(ctx, in)
	if err != nil {
		return nil, err
	}
	h.inserted <- *m
	<-h.release
	return m, nil
}

func waitRow(t *testing.T, ch <-chan models.Message) models.Message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(time.Second):
		t.Fatal("insert never reached the backend")
		return models.Message{}
	}
}

type sendResult struct {
	msg *models.Message
	err error
}

func sendAsync(s *Store, content string) <-chan sendResult {
	out := make(chan sendResult, 1)
	go func() {
		m, err := s.Send(context.Background(), content, "")
		out <- sendResult{m, err}
	}()
	return out
}

func contents(list []models.Message) []string {
	out := make([]string, len(list))
	for i, m := range list {
		out[i] = m.Content
	}
	return out
}

func TestEchoBeforeConfirmationLeavesOneMessage(t *testing.T) {
	held := newHeldStore(seed(t))
	s := newStore(t, held, alice)

	done := sendAsync(s, "  hi  ")
	row := waitRow(t, held.inserted)

	pending := s.Snapshot()
	require.Len(t, pending, 1)
	assert.True(t, pending[0].IsPlaceholder())
	assert.Equal(t, models.StatusSending, pending[0].Status)
	assert.Equal(t, "hi", pending[0].Content)

	s.OnRemoteInsert(row)
	echoed := s.Snapshot()
	require.Len(t, echoed, 1)
	assert.Equal(t, row.ID, echoed[0].ID)

	close(held.release)
	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, row.ID, res.msg.ID)

	final := s.Snapshot()
	require.Len(t, final, 1)
	assert.Equal(t, row.ID, final[0].ID)
	assert.Equal(t, models.StatusSent, final[0].Status)
}

func TestEchoAfterConfirmationIsIgnored(t *testing.T) {
	s := newStore(t, seed(t), alice)
	m, err := s.Send(context.Background(), "hi", "")
	require.NoError(t, err)
	assert.False(t, m.IsPlaceholder())

	s.OnRemoteInsert(*m)
	list := s.Snapshot()
	require.Len(t, list, 1)
	assert.Equal(t, m.ID, list[0].ID)
}

func TestEchoWithoutTokenMatchesByAuthorAndContent(t *testing.T) {
	held := newHeldStore(seed(t))
	s := newStore(t, held, alice)

	done := sendAsync(s, "hi")
	row := waitRow(t, held.inserted)
	row.ClientToken = ""
	s.OnRemoteInsert(row)

	list := s.Snapshot()
	require.Len(t, list, 1)
	assert.Equal(t, row.ID, list[0].ID)

	close(held.release)
	require.NoError(t, (<-done).err)
	assert.Len(t, s.Snapshot(), 1)
}

func TestDuplicateTextSendsAreMatchedByToken(t *testing.T) {
	held := newHeldStore(seed(t))
	s := newStore(t, held, alice)

	first := sendAsync(s, "same")
	row1 := waitRow(t, held.inserted)
	second := sendAsync(s, "same")
	row2 := waitRow(t, held.inserted)
	require.Len(t, s.Snapshot(), 2)

	// Echoes arrive in reverse order.
	s.OnRemoteInsert(row2)
	s.OnRemoteInsert(row1)
	list := s.Snapshot()
	require.Len(t, list, 2)
	assert.Equal(t, row1.ID, list[0].ID)
	assert.Equal(t, row2.ID, list[1].ID)

	close(held.release)
	require.NoError(t, (<-first).err)
	require.NoError(t, (<-second).err)
	assert.Len(t, s.Snapshot(), 2)
}

func TestConfirmedMessageKeepsPlaceholderPosition(t *testing.T) {
	gw := seed(t)
	held := newHeldStore(gw)
	s := newStore(t, held, alice)

	_, err := gw.InsertMessage(context.Background(), models.NewMessage{ChannelID: "general", AuthorID: "bob", Content: "earlier"})
	require.NoError(t, err)
	_, err = s.Load(context.Background())
	require.NoError(t, err)

	done := sendAsync(s, "mine")
	waitRow(t, held.inserted)
	assert.Equal(t, []string{"earlier", "mine"}, contents(s.Snapshot()))

	close(held.release)
	require.NoError(t, (<-done).err)
	assert.Equal(t, []string{"earlier", "mine"}, contents(s.Snapshot()))
}

func TestSendFailureRollsBack(t *testing.T) {
	gw := seed(t)
	carol := models.Profile{ID: "carol", OrgID: "acme", DisplayName: "Carol"}
	gw.PutUser(carol)
	_, err := gw.InsertMessage(context.Background(), models.NewMessage{ChannelID: "general", AuthorID: "bob", Content: "hello"})
	require.NoError(t, err)

	s := newStore(t, gw, carol)
	_, err = s.Load(context.Background())
	require.NoError(t, err)
	before := len(s.Snapshot())

	_, err = s.Send(context.Background(), "let me in", "")
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindAccessDenied))
	assert.Len(t, s.Snapshot(), before)
}

type countingStore struct {
	backend.Store
	inserts atomic.Int32
}

func (c *countingStore) InsertMessage(ctx context.Context, in models.NewMessage) (*models.Message, error) {
	c.inserts.Add(1)
	return c.Store.InsertMessage(ctx, in)
}

func TestSendValidation(t *testing.T) {
	gw := &countingStore{Store: seed(t)}
	s := newStore(t, gw, alice)

	for _, content := range []string{"", "   \n\t", strings.Repeat("x", MaxContentRunes+1)} {
		_, err := s.Send(context.Background(), content, "")
		assert.True(t, apperr.Is(err, apperr.KindValidation), "content %q", content)
	}
	assert.Zero(t, gw.inserts.Load())
	assert.Empty(t, s.Snapshot())

	m, err := s.Send(context.Background(), strings.Repeat("é", MaxContentRunes), "")
	require.NoError(t, err)
	assert.Equal(t, MaxContentRunes, len([]rune(m.Content)))
}

func TestSendWithAttachmentOnly(t *testing.T) {
	s := newStore(t, seed(t), alice)
	m, err := s.SendDraft(context.Background(), Draft{Attachments: []models.Attachment{{Name: "a.png", Kind: "image", ObjectKey: "general/a.png"}}})
	require.NoError(t, err)
	require.Len(t, m.Attachments, 1)
	assert.NotEmpty(t, m.Attachments[0].ID)
}

func TestRemoteInsertAndDelete(t *testing.T) {
	gw := seed(t)
	s := newStore(t, gw, alice)
	ctx := context.Background()

	m1, err := gw.InsertMessage(ctx, models.NewMessage{ChannelID: "general", AuthorID: "bob", Content: "one"})
	require.NoError(t, err)
	m2, err := gw.InsertMessage(ctx, models.NewMessage{ChannelID: "general", AuthorID: "bob", Content: "two"})
	require.NoError(t, err)

	s.OnRemoteInsert(*m2)
	s.OnRemoteInsert(*m1)
	s.OnRemoteInsert(*m1)
	s.OnRemoteInsert(models.Message{ID: "x", ChannelID: "elsewhere", Content: "stray"})
	assert.Equal(t, []string{"one", "two"}, contents(s.Snapshot()))

	s.OnRemoteDelete(m1.ID)
	s.OnRemoteDelete(m1.ID)
	assert.Equal(t, []string{"two"}, contents(s.Snapshot()))

	// A late echo of a deleted row does not bring it back.
	s.OnRemoteInsert(*m1)
	assert.Equal(t, []string{"two"}, contents(s.Snapshot()))
}

type flakyStore struct {
	backend.Store
}

func (flakyStore) ListReactions(context.Context, []string) ([]models.Reaction, error) {
	return nil, apperr.Transient("list reactions", errors.New("connection reset"))
}

func TestLoadEnrichesAndDegrades(t *testing.T) {
	gw := seed(t)
	ctx := context.Background()
	root, err := gw.InsertMessage(ctx, models.NewMessage{ChannelID: "general", AuthorID: "bob", Content: "question"})
	require.NoError(t, err)
	reply, err := gw.InsertMessage(ctx, models.NewMessage{ChannelID: "general", AuthorID: "alice", Content: "answer", ReplyTo: root.ID})
	require.NoError(t, err)
	require.NoError(t, gw.InsertReceipts(ctx, []models.ReadReceipt{{MessageID: root.ID, ChannelID: "general", UserID: "alice"}}))
	_, err = gw.InsertReaction(ctx, models.Reaction{MessageID: root.ID, UserID: "alice", Emoji: "👍"})
	require.NoError(t, err)
	require.NoError(t, gw.SetStarred(ctx, "alice", reply.ID, true))
	require.NoError(t, gw.SetPinned(ctx, "general", root.ID, "bob", true))

	list, err := newStore(t, gw, alice).Load(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, []string{"alice"}, list[0].ReadBy)
	assert.Len(t, list[0].Reactions, 1)
	assert.True(t, list[0].IsPinned)
	assert.True(t, list[1].IsStarred)
	require.NotNil(t, list[1].ReplyMessage)
	assert.Equal(t, "question", list[1].ReplyMessage.Content)
	assert.Equal(t, "Bob", list[1].ReplyMessage.AuthorName)

	degraded, err := newStore(t, flakyStore{gw}, alice).Load(ctx)
	require.NoError(t, err)
	require.Len(t, degraded, 2)
	assert.Empty(t, degraded[0].Reactions)
	assert.Equal(t, []string{"alice"}, degraded[0].ReadBy)
}

type failingList struct {
	backend.Store
}

func (failingList) ListMessages(context.Context, string) ([]models.Message, error) {
	return nil, apperr.Transient("list messages", errors.New("timeout"))
}

func TestLoadFailureKeepsPriorState(t *testing.T) {
	gw := seed(t)
	s := newStore(t, gw, alice)
	_, err := s.Send(context.Background(), "kept", "")
	require.NoError(t, err)

	s.gw = failingList{gw}
	_, err = s.Load(context.Background())
	assert.True(t, apperr.Is(err, apperr.KindTransient))
	assert.Equal(t, []string{"kept"}, contents(s.Snapshot()))
}

// gatedStore parks InsertMessage before the row is written.
type gatedStore struct {
	backend.Store
	entered chan struct{}
	release chan struct{}
}

func (g *gatedStore) InsertMessage(ctx context.Context, in models.NewMessage) (*models.Message, error) {
	g.entered <- struct{}{}
	<-g.release
	return g.Store.InsertMessage(ctx, in)
}

func TestLoadKeepsOutstandingPlaceholder(t *testing.T) {
	gw := seed(t)
	_, err := gw.InsertMessage(context.Background(), models.NewMessage{ChannelID: "general", AuthorID: "bob", Content: "history"})
	require.NoError(t, err)
	gated := &gatedStore{Store: gw, entered: make(chan struct{}, 1), release: make(chan struct{})}
	s := newStore(t, gated, alice)

	done := sendAsync(s, "pending")
	<-gated.entered

	list, err := s.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "history", list[0].Content)
	assert.True(t, list[1].IsPlaceholder())

	close(gated.release)
	require.NoError(t, (<-done).err)
	final := s.Snapshot()
	assert.Equal(t, []string{"history", "pending"}, contents(final))
	assert.False(t, final[1].IsPlaceholder())
}

func TestLoadCollapsesPlaceholderIntoStoredRow(t *testing.T) {
	held := newHeldStore(seed(t))
	s := newStore(t, held, alice)

	done := sendAsync(s, "in flight")
	row := waitRow(t, held.inserted)

	// The row is already stored, so the load sees it with its token and
	// the placeholder collapses into it.
	list, err := s.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, row.ID, list[0].ID)

	close(held.release)
	require.NoError(t, (<-done).err)
	assert.Len(t, s.Snapshot(), 1)
}

// parkedList holds ListMessages after the fetch, once parked is set, so
// tests can change the list while a load is in flight.
type parkedList struct {
	backend.Store
	parked  atomic.Bool
	fetched chan struct{}
	release chan struct{}
}

func (p *parkedList) ListMessages(ctx context.Context, channelID string) ([]models.Message, error) {
	msgs, err := p.Store.ListMessages(ctx, channelID)
	if p.parked.Load() {
		p.fetched <- struct{}{}
		<-p.release
	}
	return msgs, err
}

func TestLoadKeepsChangesMadeWhileFetching(t *testing.T) {
	gw := seed(t)
	ctx := context.Background()
	m, err := gw.InsertMessage(ctx, models.NewMessage{ChannelID: "general", AuthorID: "bob", Content: "before"})
	require.NoError(t, err)

	pl := &parkedList{Store: gw, fetched: make(chan struct{}, 1), release: make(chan struct{})}
	s := newStore(t, pl, alice)
	_, err = s.Load(ctx)
	require.NoError(t, err)

	pl.parked.Store(true)
	type loadResult struct {
		list []models.Message
		err  error
	}
	done := make(chan loadResult, 1)
	go func() {
		list, err := s.Load(ctx)
		done <- loadResult{list, err}
	}()
	<-pl.fetched

	edited, err := gw.UpdateMessage(ctx, m.ID, "bob", "after")
	require.NoError(t, err)
	s.OnRemoteUpdate(*edited)
	s.ApplyReaction(models.OpInsert, models.Reaction{ID: "r1", MessageID: m.ID, UserID: "bob", Emoji: "👍"})
	s.ApplyReceipts([]models.ReadReceipt{{MessageID: m.ID, ChannelID: "general", UserID: "bob"}})
	s.SetPin(m.ID, true)

	close(pl.release)
	res := <-done
	require.NoError(t, res.err)
	require.Len(t, res.list, 1)
	got := res.list[0]
	assert.Equal(t, "after", got.Content)
	assert.True(t, got.IsEdited)
	require.Len(t, got.Reactions, 1)
	assert.Equal(t, "👍", got.Reactions[0].Emoji)
	assert.Equal(t, []string{"bob"}, got.ReadBy)
	assert.True(t, got.IsPinned)
	assert.Equal(t, res.list, s.Snapshot())

	// Nothing changed during this one, so the fetched rows win again.
	pl.parked.Store(false)
	list, err := s.Load(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "after", list[0].Content)
	assert.Empty(t, list[0].Reactions)
}

func TestEditAndDeleteRequireAuthor(t *testing.T) {
	gw := seed(t)
	ctx := context.Background()
	theirs, err := gw.InsertMessage(ctx, models.NewMessage{ChannelID: "general", AuthorID: "bob", Content: "bob's"})
	require.NoError(t, err)

	s := newStore(t, gw, alice)
	_, err = s.Load(ctx)
	require.NoError(t, err)

	_, err = s.Edit(ctx, theirs.ID, "hijacked")
	assert.True(t, apperr.Is(err, apperr.KindAccessDenied))
	assert.True(t, apperr.Is(s.Delete(ctx, theirs.ID), apperr.KindAccessDenied))
	assert.Equal(t, []string{"bob's"}, contents(s.Snapshot()))

	mine, err := s.Send(ctx, "typo", "")
	require.NoError(t, err)
	edited, err := s.Edit(ctx, mine.ID, "fixed")
	require.NoError(t, err)
	assert.True(t, edited.IsEdited)
	assert.NotNil(t, edited.EditedAt)
	assert.Equal(t, []string{"bob's", "fixed"}, contents(s.Snapshot()))

	require.NoError(t, s.Delete(ctx, mine.ID))
	assert.Equal(t, []string{"bob's"}, contents(s.Snapshot()))

	_, err = s.Edit(ctx, models.NewPlaceholderID(), "x")
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestRemoteUpdateRefreshesReplySnapshots(t *testing.T) {
	gw := seed(t)
	ctx := context.Background()
	root, err := gw.InsertMessage(ctx, models.NewMessage{ChannelID: "general", AuthorID: "bob", Content: "v1"})
	require.NoError(t, err)
	_, err = gw.InsertMessage(ctx, models.NewMessage{ChannelID: "general", AuthorID: "alice", Content: "re", ReplyTo: root.ID})
	require.NoError(t, err)

	s := newStore(t, gw, alice)
	_, err = s.Load(ctx)
	require.NoError(t, err)

	edited, err := gw.UpdateMessage(ctx, root.ID, "bob", "v2")
	require.NoError(t, err)
	s.OnRemoteUpdate(*edited)

	list := s.Snapshot()
	assert.Equal(t, "v2", list[0].Content)
	assert.True(t, list[0].IsEdited)
	assert.Equal(t, "v2", list[1].ReplyMessage.Content)
}

func TestDecorations(t *testing.T) {
	gw := seed(t)
	ctx := context.Background()
	m, err := gw.InsertMessage(ctx, models.NewMessage{ChannelID: "general", AuthorID: "bob", Content: "hi"})
	require.NoError(t, err)
	s := newStore(t, gw, alice)
	_, err = s.Load(ctx)
	require.NoError(t, err)

	r := models.Reaction{ID: "r1", MessageID: m.ID, UserID: "bob", Emoji: "🎉"}
	s.ApplyReaction(models.OpInsert, r)
	s.ApplyReaction(models.OpInsert, r)
	assert.Len(t, s.Snapshot()[0].Reactions, 1)
	s.ApplyReaction(models.OpDelete, r)
	assert.Empty(t, s.Snapshot()[0].Reactions)

	s.ApplyReceipts([]models.ReadReceipt{{MessageID: m.ID, UserID: "carol"}, {MessageID: m.ID, UserID: "carol"}})
	assert.Equal(t, []string{"carol"}, s.Snapshot()[0].ReadBy)

	require.NoError(t, s.Star(ctx, m.ID, true))
	require.NoError(t, s.Pin(ctx, m.ID, true))
	assert.True(t, s.Snapshot()[0].IsStarred)
	assert.True(t, s.Snapshot()[0].IsPinned)

	starred, err := gw.ListStarred(ctx, "alice", []string{m.ID})
	require.NoError(t, err)
	assert.Equal(t, []string{m.ID}, starred)
}

func TestDecorationsBeforeTheirMessageAreKept(t *testing.T) {
	s := newStore(t, seed(t), alice)
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	// Receipt and reaction events can overtake the insert event.
	s.ApplyReceipts([]models.ReadReceipt{{MessageID: "m1", ChannelID: "general", UserID: "bob"}})
	s.ApplyReaction(models.OpInsert, models.Reaction{ID: "r1", MessageID: "m1", UserID: "bob", Emoji: "👀"})
	assert.Empty(t, s.Snapshot())

	s.OnRemoteInsert(models.Message{ID: "m1", ChannelID: "general", AuthorID: "alice", Content: "hi", CreatedAt: at})
	list := s.Snapshot()
	require.Len(t, list, 1)
	assert.Equal(t, []string{"bob"}, list[0].ReadBy)
	require.Len(t, list[0].Reactions, 1)
	assert.Equal(t, "👀", list[0].Reactions[0].Emoji)

	// Deleted before it ever arrived: nothing is held for it.
	s.OnRemoteDelete("m2")
	s.ApplyReceipts([]models.ReadReceipt{{MessageID: "m2", ChannelID: "general", UserID: "bob"}})
	s.OnRemoteInsert(models.Message{ID: "m2", ChannelID: "general", AuthorID: "bob", Content: "gone", CreatedAt: at.Add(time.Second)})
	assert.Len(t, s.Snapshot(), 1)
}

func TestMessagesStreamsChanges(t *testing.T) {
	s := newStore(t, seed(t), alice)
	updates, cancel := s.Messages()
	defer cancel()
	<-updates

	_, err := s.Send(context.Background(), "hi", "")
	require.NoError(t, err)

	deadline := time.After(time.Second)
	for {
		select {
		case list := <-updates:
			if len(list) == 1 && !list[0].IsPlaceholder() {
				return
			}
		case <-deadline:
			t.Fatal("confirmed message never observed")
		}
	}
}
