package channels

import (
	"context"
	"sync"
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

func newStore(t *testing.T) *backend.MemoryStore {
	t.Helper()
	s := backend.NewMemoryStore()
	s.PutUser(alice)
	s.PutUser(bob)
	return s
}

func TestMergeDeduplicatesWithLastSeenData(t *testing.T) {
	a := []models.Channel{{ID: "c1", Name: "old"}, {ID: "c2", Name: "two"}}
	b := []models.Channel{{ID: "c3", Name: "three"}, {ID: "c1", Name: "new"}}

	merged := Merge(a, b)
	require.Len(t, merged, 3)
	assert.Equal(t, "c1", merged[0].ID)
	assert.Equal(t, "new", merged[0].Name)
	assert.Equal(t, []string{"c1", "c2", "c3"}, ids(merged))

	assert.Len(t, Merge(a, a, a), 2)
	assert.Empty(t, Merge())
}

func ids(list []models.Channel) []string {
	out := make([]string, len(list))
	for i, ch := range list {
		out[i] = ch.ID
	}
	return out
}

func TestDirectChannelIDIsSymmetric(t *testing.T) {
	assert.Equal(t, DirectChannelID("acme", "alice", "bob"), DirectChannelID("acme", "bob", "alice"))
	assert.NotEqual(t, DirectChannelID("acme", "alice", "bob"), DirectChannelID("globex", "alice", "bob"))
	assert.NotEqual(t, DirectChannelID("acme", "alice", "bob"), DirectChannelID("acme", "alice", "carol"))
	assert.Len(t, DirectChannelID("acme", "a", "b"), len("dm_")+32)
}

func TestGetOrCreateDirectBothSidesConverge(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	fromAlice := NewDirectory(store, alice, logger.NewNop())
	fromBob := NewDirectory(store, bob, logger.NewNop())

	a, err := fromAlice.GetOrCreateDirect(ctx, bob)
	require.NoError(t, err)
	b, err := fromBob.GetOrCreateDirect(ctx, alice)
	require.NoError(t, err)

	assert.Equal(t, a.ID, b.ID)
	assert.Equal(t, models.KindDirect, b.Kind)
	assert.Equal(t, "Alice", b.Counterpart.DisplayName)

	direct, err := store.ListDirectChannelsForUser(ctx, "bob")
	require.NoError(t, err)
	assert.Len(t, direct, 1)
}

// raceStore hides the channel from the first lookup so that create runs
// into the row the other party just inserted.
type raceStore struct {
	backend.Store
	once sync.Once
}

func (r *raceStore) GetChannel(ctx context.Context, id string) (*models.Channel, error) {
	var hide bool
	r.once.Do(func() { hide = true })
	if hide {
		return nil, apperr.NotFound("get channel", "channel not found")
	}
	return r.Store.GetChannel(ctx, id)
}

func TestGetOrCreateDirectAbsorbsConflict(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	_, err := NewDirectory(store, bob, logger.NewNop()).GetOrCreateDirect(ctx, alice)
	require.NoError(t, err)

	dir := NewDirectory(&raceStore{Store: store}, alice, logger.NewNop())
	ch, err := dir.GetOrCreateDirect(ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, DirectChannelID("acme", "alice", "bob"), ch.ID)
	assert.Len(t, dir.Snapshot(), 1)
}

func TestGetOrCreateDirectHealsBrokenRow(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	id := DirectChannelID("acme", "alice", "bob")
	_, err := store.CreateChannel(ctx, models.Channel{ID: id, OrgID: "acme", Kind: models.KindGroup}, []string{"bob"})
	require.NoError(t, err)

	ch, err := NewDirectory(store, alice, logger.NewNop()).GetOrCreateDirect(ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, id, ch.ID)

	row, err := store.GetChannel(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.KindDirect, row.Kind)
	member, err := store.IsMember(ctx, id, "alice")
	require.NoError(t, err)
	assert.True(t, member)
}

func TestGetOrCreateDirectValidation(t *testing.T) {
	dir := NewDirectory(newStore(t), alice, logger.NewNop())

	_, err := dir.GetOrCreateDirect(context.Background(), alice)
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	_, err = dir.GetOrCreateDirect(context.Background(), models.Profile{ID: "eve", OrgID: "globex"})
	assert.True(t, apperr.Is(err, apperr.KindAccessDenied))
}

type countingStore struct {
	backend.Store
	defaults int
}

func (c *countingStore) ListDefaultChannels(ctx context.Context, orgID string) ([]models.Channel, error) {
	c.defaults++
	return c.Store.ListDefaultChannels(ctx, orgID)
}

func TestLoadBootstrapsDefaultsOnce(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	_, err := store.CreateChannel(ctx, models.Channel{ID: "general", OrgID: "acme", Name: "general", IsDefault: true}, []string{"bob"})
	require.NoError(t, err)

	counting := &countingStore{Store: store}
	dir := NewDirectory(counting, alice, logger.NewNop())
	list, err := dir.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"general"}, ids(list))
	assert.Equal(t, 1, counting.defaults)

	// Losing every membership does not trigger a second bootstrap.
	store.RemoveMember("general", "alice")
	list, err = dir.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.Equal(t, 1, counting.defaults)
}

func TestLoadWithoutDefaultsDoesNotLoop(t *testing.T) {
	counting := &countingStore{Store: newStore(t)}
	dir := NewDirectory(counting, alice, logger.NewNop())
	list, err := dir.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.Equal(t, 1, counting.defaults)
}

func TestLoadComputesUnread(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	_, err := store.CreateChannel(ctx, models.Channel{ID: "general", OrgID: "acme", Name: "general"}, []string{"alice", "bob"})
	require.NoError(t, err)
	m1, err := store.InsertMessage(ctx, models.NewMessage{ChannelID: "general", AuthorID: "bob", Content: "one"})
	require.NoError(t, err)
	_, err = store.InsertMessage(ctx, models.NewMessage{ChannelID: "general", AuthorID: "bob", Content: "two"})
	require.NoError(t, err)
	_, err = store.InsertMessage(ctx, models.NewMessage{ChannelID: "general", AuthorID: "alice", Content: "mine"})
	require.NoError(t, err)
	require.NoError(t, store.InsertReceipts(ctx, []models.ReadReceipt{{MessageID: m1.ID, ChannelID: "general", UserID: "alice"}}))

	dir := NewDirectory(store, alice, logger.NewNop())
	list, err := dir.Load(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 1, list[0].UnreadCount)
	assert.Equal(t, "mine", list[0].LastMessage.Content)

	dir.Select("general")
	assert.Equal(t, "general", dir.Active())
	assert.Equal(t, 0, dir.Snapshot()[0].UnreadCount)
}

func TestApplyPreviewLeavesUnreadToLoad(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	for _, id := range []string{"a", "b"} {
		_, err := store.CreateChannel(ctx, models.Channel{ID: id, OrgID: "acme", Name: id}, []string{"alice", "bob"})
		require.NoError(t, err)
	}
	dir := NewDirectory(store, alice, logger.NewNop())
	_, err := dir.Load(ctx)
	require.NoError(t, err)
	dir.Select("a")

	now := time.Now()
	dir.ApplyPreview(models.Message{ID: "m1", ChannelID: "a", AuthorID: "bob", Content: "hi", CreatedAt: now})
	dir.ApplyPreview(models.Message{ID: "m2", ChannelID: "b", AuthorID: "bob", Content: "yo", CreatedAt: now})
	dir.ApplyPreview(models.Message{ID: "m3", ChannelID: "b", AuthorID: "alice", Content: "me", CreatedAt: now.Add(time.Second)})
	dir.ApplyPreview(models.Message{ID: "m0", ChannelID: "b", AuthorID: "bob", Content: "old", CreatedAt: now.Add(-time.Minute)})
	dir.ApplyPreview(models.Message{ID: models.NewPlaceholderID(), ChannelID: "b", AuthorID: "alice", Content: "draft", CreatedAt: now.Add(time.Minute)})

	byID := map[string]models.Channel{}
	for _, ch := range dir.Snapshot() {
		byID[ch.ID] = ch
	}
	assert.Equal(t, "hi", byID["a"].LastMessage.Content)
	assert.Equal(t, "me", byID["b"].LastMessage.Content)
	assert.Equal(t, 0, byID["a"].UnreadCount)
	assert.Equal(t, 0, byID["b"].UnreadCount)

	// Stored messages by others in b are counted on the next load.
	_, err = store.InsertMessage(ctx, models.NewMessage{ChannelID: "b", AuthorID: "bob", Content: "ping"})
	require.NoError(t, err)
	list, err := dir.Load(ctx)
	require.NoError(t, err)
	for _, ch := range list {
		if ch.ID == "b" {
			assert.Equal(t, 1, ch.UnreadCount)
		}
	}
}

func TestViewFiltersAndSorts(t *testing.T) {
	now := time.Now()
	list := []models.Channel{
		{ID: "1", Kind: models.KindGroup, Name: "random", CreatedAt: now.Add(-3 * time.Hour)},
		{ID: "2", Kind: models.KindGroup, Name: "General", CreatedAt: now.Add(-2 * time.Hour)},
		{ID: "3", Kind: models.KindDirect, Counterpart: &models.Profile{DisplayName: "Bob"}, UnreadCount: 2, CreatedAt: now.Add(-5 * time.Hour)},
		{ID: "4", Kind: models.KindGroup, Name: "engineering", LastMessage: &models.MessagePreview{CreatedAt: now}},
	}

	assert.Equal(t, []string{"3", "4", "2", "1"}, ids(Sorted(list)))
	assert.Equal(t, []string{"3"}, ids(FilterList(list, Filter{Kind: models.KindDirect})))
	assert.Equal(t, []string{"2"}, ids(FilterList(list, Filter{Query: "gen"})))
	assert.Equal(t, []string{"3"}, ids(FilterList(list, Filter{Query: "BO"})))
}
