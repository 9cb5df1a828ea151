package typing

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nikhil/eaven-sync/internal/backend"
	"github.com/nikhil/eaven-sync/internal/logger"
	"github.com/nikhil/eaven-sync/internal/models"
	"github.com/nikhil/eaven-sync/internal/realtime"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type countingGateway struct {
	backend.Gateway
	upserts atomic.Int32
	deletes atomic.Int32
}

func (g *countingGateway) UpsertTypingMarker(ctx context.Context, m models.TypingMarker) error {
	g.upserts.Add(1)
	return g.Gateway.UpsertTypingMarker(ctx, m)
}

func (g *countingGateway) DeleteTypingMarker(ctx context.Context, channelID, userID string) error {
	g.deletes.Add(1)
	return g.Gateway.DeleteTypingMarker(ctx, channelID, userID)
}

func newGateway() (*backend.MemoryStore, backend.Gateway) {
	mem := backend.NewMemoryStore()
	hub := realtime.NewHub(16)
	return mem, backend.Combine(backend.WithPublisher(mem, hub, logger.NewNop()), hub)
}

var (
	alice = models.Profile{ID: "alice", DisplayName: "Alice"}
	bob   = models.Profile{ID: "bob", DisplayName: "Bob"}
)

func TestNotifyDebouncesBursts(t *testing.T) {
	clock := newClock()
	_, gw := newGateway()
	counting := &countingGateway{Gateway: gw}
	p := NewPresence(counting, alice, logger.NewNop(), Options{Now: clock.Now, ClearAfter: time.Hour})
	defer p.Close()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, p.Notify(ctx, "general"))
		clock.Advance(50 * time.Millisecond)
	}
	assert.Equal(t, int32(1), counting.upserts.Load())

	clock.Advance(DefaultDebounce)
	require.NoError(t, p.Notify(ctx, "general"))
	assert.Equal(t, int32(2), counting.upserts.Load())

	// Channels debounce independently.
	require.NoError(t, p.Notify(ctx, "random"))
	assert.Equal(t, int32(3), counting.upserts.Load())
}

func TestNotifyClearsMarkerAfterLastPublish(t *testing.T) {
	mem, gw := newGateway()
	p := NewPresence(gw, alice, logger.NewNop(), Options{ClearAfter: 20 * time.Millisecond})
	defer p.Close()

	require.NoError(t, p.Notify(context.Background(), "general"))
	markers, err := mem.ListTypingMarkers(context.Background(), "general")
	require.NoError(t, err)
	require.Len(t, markers, 1)
	assert.Equal(t, "Alice", markers[0].DisplayName)

	assert.Eventually(t, func() bool {
		markers, err := mem.ListTypingMarkers(context.Background(), "general")
		return err == nil && len(markers) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestStopAndCloseCancelTimers(t *testing.T) {
	mem, gw := newGateway()
	counting := &countingGateway{Gateway: gw}
	p := NewPresence(counting, alice, logger.NewNop(), Options{ClearAfter: time.Hour})
	ctx := context.Background()

	require.NoError(t, p.Notify(ctx, "general"))
	p.Stop("general")
	assert.Equal(t, int32(1), counting.deletes.Load())
	p.Stop("general")
	assert.Equal(t, int32(1), counting.deletes.Load(), "nothing left to clear")

	require.NoError(t, p.Notify(ctx, "random"))
	p.Close()
	markers, err := mem.ListTypingMarkers(ctx, "random")
	require.NoError(t, err)
	assert.Empty(t, markers)

	require.NoError(t, p.Notify(ctx, "random"))
	assert.Equal(t, int32(2), counting.upserts.Load(), "closed presence publishes nothing")
}

func TestWatcherExcludesStaleAndSelf(t *testing.T) {
	clock := newClock()
	mem, gw := newGateway()
	ctx := context.Background()

	// Left behind by a client that never deleted it.
	require.NoError(t, mem.UpsertTypingMarker(ctx, models.TypingMarker{
		ChannelID: "general", UserID: "carol", DisplayName: "Carol", LastTypedAt: clock.Now().Add(-10 * time.Second),
	}))

	w, err := Watch(ctx, gw, "general", "alice", logger.NewNop(), Options{Now: clock.Now})
	require.NoError(t, err)
	defer w.Close()
	assert.Empty(t, w.Users())

	require.NoError(t, gw.UpsertTypingMarker(ctx, models.TypingMarker{ChannelID: "general", UserID: "bob", DisplayName: "Bob", LastTypedAt: clock.Now()}))
	require.NoError(t, gw.UpsertTypingMarker(ctx, models.TypingMarker{ChannelID: "general", UserID: "alice", DisplayName: "Alice", LastTypedAt: clock.Now()}))

	require.Eventually(t, func() bool { return len(w.Users()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "bob", w.Users()[0].UserID)

	// No delete event ever arrives; the marker ages out on read.
	clock.Advance(DefaultWindow + time.Millisecond)
	assert.Empty(t, w.Users())
}

func TestWatcherAppliesDeletes(t *testing.T) {
	_, gw := newGateway()
	ctx := context.Background()
	w, err := Watch(ctx, gw, "general", "alice", logger.NewNop(), Options{})
	require.NoError(t, err)
	defer w.Close()

	p := NewPresence(gw, bob, logger.NewNop(), Options{ClearAfter: time.Hour})
	defer p.Close()
	require.NoError(t, p.Notify(ctx, "general"))
	require.Eventually(t, func() bool { return len(w.Users()) == 1 }, time.Second, 5*time.Millisecond)

	p.Stop("general")
	require.Eventually(t, func() bool { return len(w.Users()) == 0 }, time.Second, 5*time.Millisecond)
}

func TestWatcherSweepPublishesExpiry(t *testing.T) {
	_, gw := newGateway()
	ctx := context.Background()
	w, err := Watch(ctx, gw, "general", "alice", logger.NewNop(), Options{Window: 30 * time.Millisecond})
	require.NoError(t, err)
	defer w.Close()

	updates, cancel := w.Updates()
	defer cancel()

	require.NoError(t, gw.UpsertTypingMarker(ctx, models.TypingMarker{ChannelID: "general", UserID: "bob", LastTypedAt: time.Now().UTC()}))

	sawTyping := false
	deadline := time.After(time.Second)
	for {
		select {
		case users := <-updates:
			if len(users) == 1 {
				sawTyping = true
			}
			if sawTyping && len(users) == 0 {
				return
			}
		case <-deadline:
			t.Fatalf("typing indicator never expired (saw typing: %v)", sawTyping)
		}
	}
}
