package client

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nikhil/eaven-sync/internal/apperr"
	"github.com/nikhil/eaven-sync/internal/auth"
	"github.com/nikhil/eaven-sync/internal/backend"
	"github.com/nikhil/eaven-sync/internal/blob"
	"github.com/nikhil/eaven-sync/internal/handlers"
	"github.com/nikhil/eaven-sync/internal/logger"
	"github.com/nikhil/eaven-sync/internal/models"
	"github.com/nikhil/eaven-sync/internal/realtime"
	"github.com/nikhil/eaven-sync/internal/routes"
	"github.com/nikhil/eaven-sync/internal/session"
)

func newServer(t *testing.T) (*httptest.Server, *backend.MemoryStore) {
	t.Helper()
	log := logger.NewNop()
	mem := backend.NewMemoryStore()
	hub := realtime.NewHub(64)
	deps := &routes.Deps{
		Auth: auth.NewAuthService(mem, "test-secret", log),
		API:  handlers.NewHandler(backend.WithPublisher(mem, hub, log), mem, hub, nil, log),
		Log:  log,
	}
	srv := httptest.NewServer(routes.RegisterAllRoutes(deps))
	t.Cleanup(srv.Close)
	return srv, mem
}

func signup(t *testing.T, baseURL, name string) (*Remote, models.Profile) {
	t.Helper()
	res, err := Signup(context.Background(), baseURL, auth.SignupRequest{
		Email: name + "@acme.test", Password: "correct-horse", DisplayName: name, OrgID: "acme",
	}, logger.NewNop())
	require.NoError(t, err)
	r, err := New(baseURL, res.Token, logger.NewNop(), Options{InitialBackoff: 10 * time.Millisecond, MaxBackoff: 50 * time.Millisecond, AckTimeout: 2 * time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r, res.User
}

func next(t *testing.T, sub backend.Subscription) models.Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		require.True(t, ok, "subscription closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event")
		return models.Event{}
	}
}

func TestNewRejectsBadURL(t *testing.T) {
	_, err := New("ftp://example.com", "", logger.NewNop(), Options{})
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestLoginErrorsAreClassified(t *testing.T) {
	srv, _ := newServer(t)
	signup(t, srv.URL, "alice")

	_, err := Login(context.Background(), srv.URL, auth.LoginRequest{Email: "alice@acme.test", Password: "wrong-horse"}, logger.NewNop())
	assert.True(t, apperr.Is(err, apperr.KindAccessDenied))
	res, err := Login(context.Background(), srv.URL, auth.LoginRequest{Email: "alice@acme.test", Password: "correct-horse"}, logger.NewNop())
	require.NoError(t, err)
	assert.NotEmpty(t, res.Token)

	_, err = Signup(context.Background(), srv.URL, auth.SignupRequest{Email: "alice@acme.test", Password: "correct-horse", DisplayName: "a", OrgID: "acme"}, logger.NewNop())
	assert.True(t, apperr.Is(err, apperr.KindConflict))
}

func TestRemoteStoreRoundTrip(t *testing.T) {
	srv, _ := newServer(t)
	alice, _ := signup(t, srv.URL, "alice")
	bob, bobProfile := signup(t, srv.URL, "bob")
	ctx := context.Background()

	ch, err := alice.CreateChannel(ctx, models.Channel{Name: "eng"}, []string{bobProfile.ID})
	require.NoError(t, err)

	m, err := alice.InsertMessage(ctx, models.NewMessage{ChannelID: ch.ID, Content: "hello", ClientToken: "t1"})
	require.NoError(t, err)
	assert.Equal(t, "t1", m.ClientToken)

	list, err := bob.ListMessages(ctx, ch.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "hello", list[0].Content)

	member, err := bob.IsMember(ctx, ch.ID, "")
	require.NoError(t, err)
	assert.True(t, member)

	require.NoError(t, bob.InsertReceipts(ctx, []models.ReadReceipt{{MessageID: m.ID, ChannelID: ch.ID}}))
	receipts, err := alice.ListReceipts(ctx, []string{m.ID})
	require.NoError(t, err)
	require.Len(t, receipts, 1)
	assert.Equal(t, bobProfile.ID, receipts[0].UserID)

	re, err := bob.InsertReaction(ctx, models.Reaction{MessageID: m.ID, Emoji: "🚀"})
	require.NoError(t, err)
	_, err = bob.InsertReaction(ctx, models.Reaction{MessageID: m.ID, Emoji: "🚀"})
	assert.True(t, apperr.Is(err, apperr.KindConflict))
	found, err := bob.FindReaction(ctx, m.ID, "", "🚀")
	require.NoError(t, err)
	assert.Equal(t, re.ID, found.ID)

	require.NoError(t, bob.SetPinned(ctx, ch.ID, m.ID, "", true))
	pins, err := alice.ListPinned(ctx, ch.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{m.ID}, pins)

	_, err = alice.GetChannel(ctx, "missing")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
	_, err = alice.InsertMessage(ctx, models.NewMessage{ChannelID: ch.ID, Content: " "})
	assert.True(t, apperr.Is(err, apperr.KindValidation))
	_, err = bob.UpdateMessage(ctx, m.ID, "", "mine now")
	assert.True(t, apperr.Is(err, apperr.KindAccessDenied))
}

func TestSubscribeDeliversAndDenies(t *testing.T) {
	srv, _ := newServer(t)
	alice, _ := signup(t, srv.URL, "alice")
	carol, _ := signup(t, srv.URL, "carol")
	ctx := context.Background()
	ch, err := alice.CreateChannel(ctx, models.Channel{Name: "eng"}, nil)
	require.NoError(t, err)

	_, err = carol.Subscribe(ctx, models.Topic{Table: models.TableMessages, ChannelID: ch.ID})
	assert.True(t, apperr.Is(err, apperr.KindAccessDenied))

	sub, err := alice.Subscribe(ctx, models.Topic{Table: models.TableMessages, ChannelID: ch.ID})
	require.NoError(t, err)
	defer sub.Close()

	_, err = alice.InsertMessage(ctx, models.NewMessage{ChannelID: ch.ID, Content: "live"})
	require.NoError(t, err)
	ev := next(t, sub)
	assert.Equal(t, models.OpInsert, ev.Op)
	assert.Equal(t, "live", ev.Message.Content)

	require.NoError(t, sub.Close())
	_, open := <-sub.Events()
	assert.False(t, open)
}

func TestSubscriptionEndsWithItsContext(t *testing.T) {
	srv, _ := newServer(t)
	alice, _ := signup(t, srv.URL, "alice")
	ch, err := alice.CreateChannel(context.Background(), models.Channel{Name: "eng"}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	sub, err := alice.Subscribe(ctx, models.Topic{Table: models.TableMessages, ChannelID: ch.ID})
	require.NoError(t, err)
	cancel()

	select {
	case _, open := <-sub.Events():
		assert.False(t, open)
	case <-time.After(2 * time.Second):
		t.Fatal("events channel still open after the context ended")
	}
}

// within fails the test when fn does not return in time.
func within(t *testing.T, d time.Duration, what string, fn func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatalf("%s still blocked after %s", what, d)
	}
}

func TestSessionSwitchesChannelsOverRemote(t *testing.T) {
	srv, _ := newServer(t)
	alice, aliceProfile := signup(t, srv.URL, "alice")
	bob, bobProfile := signup(t, srv.URL, "bob")
	ctx := context.Background()
	one, err := alice.CreateChannel(ctx, models.Channel{Name: "one"}, []string{bobProfile.ID})
	require.NoError(t, err)
	two, err := alice.CreateChannel(ctx, models.Channel{Name: "two"}, []string{bobProfile.ID})
	require.NoError(t, err)

	a := session.New(alice, aliceProfile, logger.NewNop(), session.Options{ResubscribeDelay: 10 * time.Millisecond})
	require.NoError(t, a.SelectChannel(ctx, one.ID))
	var switchErr error
	within(t, 5*time.Second, "switching channels", func() {
		switchErr = a.SelectChannel(ctx, two.ID)
	})
	require.NoError(t, switchErr)
	assert.Equal(t, two.ID, a.ActiveChannel())

	_, err = bob.InsertMessage(ctx, models.NewMessage{ChannelID: one.ID, Content: "elsewhere"})
	require.NoError(t, err)
	_, err = bob.InsertMessage(ctx, models.NewMessage{ChannelID: two.ID, Content: "here"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(a.MessageSnapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "here", a.MessageSnapshot()[0].Content)

	within(t, 5*time.Second, "closing the session", a.Close)
}

// proxy forwards TCP to target and can cut every open connection.
type proxy struct {
	ln     net.Listener
	target string
	mu     sync.Mutex
	conns  []net.Conn
}

func newProxy(t *testing.T, target string) *proxy {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	p := &proxy{ln: ln, target: target}
	go p.serve()
	t.Cleanup(func() { ln.Close(); p.cut() })
	return p
}

func (p *proxy) serve() {
	for {
		in, err := p.ln.Accept()
		if err != nil {
			return
		}
		out, err := net.Dial("tcp", p.target)
		if err != nil {
			in.Close()
			continue
		}
		p.mu.Lock()
		p.conns = append(p.conns, in, out)
		p.mu.Unlock()
		go func() { _, _ = io.Copy(out, in); out.Close() }()
		go func() { _, _ = io.Copy(in, out); in.Close() }()
	}
}

func (p *proxy) cut() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.conns {
		c.Close()
	}
	p.conns = nil
}

func TestReconnectRenewsSubscriptionsWithResync(t *testing.T) {
	srv, _ := newServer(t)
	p := newProxy(t, srv.Listener.Addr().String())
	base := "http://" + p.ln.Addr().String()
	alice, _ := signup(t, base, "alice")
	ctx := context.Background()
	ch, err := alice.CreateChannel(ctx, models.Channel{Name: "eng"}, nil)
	require.NoError(t, err)

	sub, err := alice.Subscribe(ctx, models.Topic{Table: models.TableMessages, ChannelID: ch.ID})
	require.NoError(t, err)
	defer sub.Close()

	p.cut()
	ev := next(t, sub)
	assert.Equal(t, models.OpResync, ev.Op)
	assert.Equal(t, ch.ID, ev.ChannelID)

	_, err = alice.InsertMessage(ctx, models.NewMessage{ChannelID: ch.ID, Content: "after"})
	require.NoError(t, err)
	ev = next(t, sub)
	assert.Equal(t, models.OpInsert, ev.Op)
}

func TestSessionsSyncThroughServer(t *testing.T) {
	srv, _ := newServer(t)
	alice, aliceProfile := signup(t, srv.URL, "alice")
	bob, bobProfile := signup(t, srv.URL, "bob")
	ctx := context.Background()
	ch, err := alice.CreateChannel(ctx, models.Channel{Name: "eng"}, []string{bobProfile.ID})
	require.NoError(t, err)

	a := session.New(alice, aliceProfile, logger.NewNop(), session.Options{ResubscribeDelay: 10 * time.Millisecond})
	defer a.Close()
	b := session.New(bob, bobProfile, logger.NewNop(), session.Options{ResubscribeDelay: 10 * time.Millisecond})
	defer b.Close()

	require.NoError(t, a.SelectChannel(ctx, ch.ID))
	require.NoError(t, b.SelectChannel(ctx, ch.ID))

	_, err = a.SendMessage(ctx, "over the wire", "")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		list := b.MessageSnapshot()
		return len(list) == 1 && list[0].Content == "over the wire"
	}, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, a.MessageSnapshot(), 1)

	dm, err := a.OpenDirect(ctx, bobProfile)
	require.NoError(t, err)
	dm2, err := b.OpenDirect(ctx, aliceProfile)
	require.NoError(t, err)
	assert.Equal(t, dm.ID, dm2.ID)
}

type fixedSigner struct {
	putURL string
}

func (s fixedSigner) SignAttachments(context.Context, []models.Message) {}

func (s fixedSigner) PresignPut(_ context.Context, name string) (*blob.Upload, error) {
	return &blob.Upload{ObjectKey: "uploads/" + name, URL: s.putURL, ExpiresAt: time.Now().Add(time.Minute)}, nil
}

func TestUploadPutsFileAndDescribesIt(t *testing.T) {
	var (
		mu       sync.Mutex
		received []byte
		ctype    string
	)
	storage := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		received, ctype = body, r.Header.Get("Content-Type")
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer storage.Close()

	log := logger.NewNop()
	mem := backend.NewMemoryStore()
	hub := realtime.NewHub(64)
	srv := httptest.NewServer(routes.RegisterAllRoutes(&routes.Deps{
		Auth: auth.NewAuthService(mem, "test-secret", log),
		API:  handlers.NewHandler(backend.WithPublisher(mem, hub, log), mem, hub, fixedSigner{putURL: storage.URL + "/put"}, log),
		Log:  log,
	}))
	defer srv.Close()
	r, _ := signup(t, srv.URL, "alice")

	path := filepath.Join(t.TempDir(), "photo.png")
	require.NoError(t, os.WriteFile(path, []byte("not really a png"), 0o600))

	att, err := r.Upload(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "image", att.Kind)
	assert.Equal(t, "photo.png", att.Name)
	assert.Equal(t, int64(16), att.Size)
	assert.Equal(t, "uploads/photo.png", att.ObjectKey)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "not really a png", string(received))
	assert.Equal(t, "image/png", ctype)

	_, err = r.Upload(context.Background(), filepath.Join(t.TempDir(), "missing.txt"))
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}
