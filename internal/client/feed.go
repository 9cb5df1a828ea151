package client

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/nikhil/eaven-sync/internal/apperr"
	"github.com/nikhil/eaven-sync/internal/backend"
	"github.com/nikhil/eaven-sync/internal/models"
	"github.com/nikhil/eaven-sync/internal/realtime"
)

// feed multiplexes every subscription over one websocket. After a
// reconnect each live subscription is renewed and receives an OpResync,
// since events sent while disconnected are gone.
type feed struct {
	r      *Remote
	dialer *websocket.Dialer

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
	done   chan struct{}

	mu     sync.Mutex
	ws     *websocket.Conn
	ready  chan struct{} // closed while connected
	subs   map[string]*subscription
	acks   map[string]chan error
	nextID uint64

	writeMu sync.Mutex
}

type subscription struct {
	f     *feed
	id    string
	topic models.Topic

	mu     sync.Mutex
	events chan models.Event
	stop   chan struct{} // closed with events
	closed bool
	resync bool // renewed after a reconnect; resync once acknowledged
}

func newFeed(r *Remote) *feed {
	ctx, cancel := context.WithCancel(context.Background())
	return &feed{
		r:      r,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second, Proxy: http.ProxyFromEnvironment},
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		ready:  make(chan struct{}),
		subs:   make(map[string]*subscription),
		acks:   make(map[string]chan error),
	}
}

func (f *feed) wsURL() string {
	u := *f.r.base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = f.r.base.Path + "/ws"
	u.RawQuery = url.Values{"token": {f.r.token}}.Encode()
	return u.String()
}

// Subscribe implements backend.Feed. It returns once the server has
// accepted the subscription.
func (r *Remote) Subscribe(ctx context.Context, topic models.Topic) (backend.Subscription, error) {
	return r.feed.subscribe(ctx, topic)
}

func (f *feed) subscribe(ctx context.Context, topic models.Topic) (backend.Subscription, error) {
	if f.ctx.Err() != nil {
		return nil, apperr.Transient("subscribe", errors.New("client closed"))
	}
	f.once.Do(func() { go f.run() })

	ack := make(chan error, 1)
	f.mu.Lock()
	f.nextID++
	sub := &subscription{
		f:      f,
		id:     strconv.FormatUint(f.nextID, 10),
		topic:  topic,
		events: make(chan models.Event, f.r.opts.EventBuffer),
		stop:   make(chan struct{}),
	}
	f.subs[sub.id] = sub
	f.acks[sub.id] = ack
	ready := f.ready
	f.mu.Unlock()

	timeout := time.NewTimer(f.r.opts.AckTimeout)
	defer timeout.Stop()
	fail := func(err error) (backend.Subscription, error) {
		f.forget(sub.id)
		return nil, err
	}

	select {
	case <-ready:
	case <-ctx.Done():
		return fail(ctx.Err())
	case <-timeout.C:
		return fail(apperr.Transient("subscribe", errors.New("realtime connection unavailable")))
	}
	// A failed write also breaks the read loop; the reconnect renews the
	// subscription and the ack still arrives.
	_ = f.send(realtime.Frame{Type: realtime.FrameSubscribe, ID: sub.id, Table: topic.Table, ChannelID: topic.ChannelID})

	select {
	case err := <-ack:
		if err != nil {
			return fail(err)
		}
		// The subscription lives as long as ctx, as with the local hub.
		go func() {
			select {
			case <-ctx.Done():
				_ = sub.Close()
			case <-sub.stop:
			}
		}()
		return sub, nil
	case <-ctx.Done():
		return fail(ctx.Err())
	case <-timeout.C:
		return fail(apperr.Transient("subscribe", errors.New("no answer from server")))
	}
}

func (f *feed) send(fr realtime.Frame) error {
	f.mu.Lock()
	ws := f.ws
	f.mu.Unlock()
	if ws == nil {
		return errors.New("not connected")
	}
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	_ = ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return ws.WriteJSON(fr)
}

// forget removes a subscription and tells the server.
func (f *feed) forget(id string) {
	f.mu.Lock()
	_, ok := f.subs[id]
	delete(f.subs, id)
	delete(f.acks, id)
	f.mu.Unlock()
	if ok {
		_ = f.send(realtime.Frame{Type: realtime.FrameUnsubscribe, ID: id})
	}
}

func (f *feed) run() {
	defer close(f.done)
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = f.r.opts.InitialBackoff
	b.MaxInterval = f.r.opts.MaxBackoff
	b.MaxElapsedTime = 0

	for {
		ws, _, err := f.dialer.DialContext(f.ctx, f.wsURL(), nil)
		if err != nil {
			if f.ctx.Err() != nil {
				return
			}
			wait := b.NextBackOff()
			f.r.log.Warn("Realtime connection failed, retrying", "retry_in", wait, "error", err)
			select {
			case <-f.ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}
		b.Reset()

		f.mu.Lock()
		f.ws = ws
		var renew []realtime.Frame
		for id, sub := range f.subs {
			sub.mu.Lock()
			if sub.resync {
				renew = append(renew, realtime.Frame{Type: realtime.FrameSubscribe, ID: id, Table: sub.topic.Table, ChannelID: sub.topic.ChannelID})
			}
			sub.mu.Unlock()
		}
		close(f.ready)
		f.mu.Unlock()
		if len(renew) > 0 {
			f.r.log.Info("Realtime connection restored", "subscriptions", len(renew))
		}
		for _, fr := range renew {
			_ = f.send(fr)
		}

		f.read(ws)
		_ = ws.Close()

		f.mu.Lock()
		f.ws = nil
		f.ready = make(chan struct{})
		for _, sub := range f.subs {
			sub.mu.Lock()
			sub.resync = true
			sub.mu.Unlock()
		}
		f.mu.Unlock()
		if f.ctx.Err() != nil {
			return
		}
		f.r.log.Warn("Realtime connection lost, reconnecting")
	}
}

func (f *feed) read(ws *websocket.Conn) {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		// Unblocks ReadJSON on shutdown.
		select {
		case <-f.ctx.Done():
			_ = ws.Close()
		case <-stop:
		}
	}()
	for {
		var fr realtime.Frame
		if err := ws.ReadJSON(&fr); err != nil {
			if f.ctx.Err() == nil {
				f.r.log.Debug("Realtime read failed", "error", err)
			}
			return
		}
		f.dispatch(fr)
	}
}

func (f *feed) dispatch(fr realtime.Frame) {
	f.mu.Lock()
	sub := f.subs[fr.ID]
	ack, waiting := f.acks[fr.ID]
	if waiting && (fr.Type == realtime.FrameSubscribed || fr.Type == realtime.FrameError) {
		delete(f.acks, fr.ID)
	}
	f.mu.Unlock()
	if sub == nil {
		return
	}

	switch fr.Type {
	case realtime.FrameSubscribed:
		if waiting {
			sub.clearResync()
			ack <- nil
			return
		}
		if sub.clearResync() {
			sub.deliver(models.Event{Table: sub.topic.Table, Op: models.OpResync, ChannelID: sub.topic.ChannelID, At: time.Now().UTC()})
		}
	case realtime.FrameError:
		if waiting {
			ack <- apperr.AccessDenied("subscribe", fr.Error)
			return
		}
		f.r.log.Warn("Subscription rejected after reconnect", "topic", sub.topic.String(), "error", fr.Error)
		f.drop(sub)
	case realtime.FrameEvent:
		if fr.Event != nil {
			sub.deliver(*fr.Event)
		}
	case realtime.FrameClosed:
		// The server dropped it; the owner resubscribes and refetches.
		f.drop(sub)
	}
}

func (f *feed) drop(sub *subscription) {
	f.mu.Lock()
	if f.subs[sub.id] == sub {
		delete(f.subs, sub.id)
	}
	f.mu.Unlock()
	sub.shut()
}

func (f *feed) close() {
	f.cancel()
	// Either run was started and closes done itself, or it never will be.
	f.once.Do(func() { close(f.done) })
	<-f.done

	f.mu.Lock()
	subs := f.subs
	f.subs = make(map[string]*subscription)
	f.mu.Unlock()
	for _, sub := range subs {
		sub.shut()
	}
}

func (s *subscription) Events() <-chan models.Event { return s.events }

func (s *subscription) Close() error {
	s.f.forget(s.id)
	s.shut()
	return nil
}

func (s *subscription) deliver(ev models.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	default:
		// Consumer fell behind; closing tells it to resubscribe.
		s.closeLocked()
		go s.f.forget(s.id)
	}
}

func (s *subscription) clearResync() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	was := s.resync
	s.resync = false
	return was
}

func (s *subscription) shut() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
}

func (s *subscription) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.events)
	close(s.stop)
}
