package typing

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nikhil/eaven-sync/internal/backend"
	"github.com/nikhil/eaven-sync/internal/logger"
	"github.com/nikhil/eaven-sync/internal/models"
	"github.com/nikhil/eaven-sync/internal/observe"
)

// Watcher follows the typing markers of one channel. Markers older than
// the window are hidden whether or not a delete event arrived.
type Watcher struct {
	gw        backend.Gateway
	channelID string
	selfID    string
	log       *logger.Logger
	opts      Options

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	markers map[string]models.TypingMarker
	sweep   *time.Timer

	users *observe.Value[[]models.TypingMarker]
}

// Watch subscribes to typing events in channelID and loads the markers
// already present.
func Watch(ctx context.Context, gw backend.Gateway, channelID, selfID string, log *logger.Logger, opts Options) (*Watcher, error) {
	ctx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		gw:        gw,
		channelID: channelID,
		selfID:    selfID,
		log:       log,
		opts:      opts.withDefaults(),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		markers:   make(map[string]models.TypingMarker),
		users:     observe.NewValue[[]models.TypingMarker](nil),
	}

	sub, err := gw.Subscribe(ctx, w.topic())
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe typing: %w", err)
	}
	w.refetch()
	go w.run(sub)
	return w, nil
}

func (w *Watcher) topic() models.Topic {
	return models.Topic{Table: models.TableTyping, ChannelID: w.channelID}
}

func (w *Watcher) run(sub backend.Subscription) {
	defer close(w.done)
	for {
		for ev := range sub.Events() {
			w.apply(ev)
		}
		_ = sub.Close()
		if w.ctx.Err() != nil {
			return
		}

		// Dropped by the feed; anything in between is lost.
		w.log.Debug("Typing subscription dropped, resubscribing", "channel_id", w.channelID)
		var err error
		for {
			sub, err = w.gw.Subscribe(w.ctx, w.topic())
			if err == nil {
				break
			}
			w.log.Warn("Failed to resubscribe to typing markers", "channel_id", w.channelID, "error", err)
			select {
			case <-w.ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
		w.refetch()
	}
}

func (w *Watcher) refetch() {
	list, err := w.gw.ListTypingMarkers(w.ctx, w.channelID)
	if err != nil {
		w.log.Warn("Failed to list typing markers", "channel_id", w.channelID, "error", err)
		return
	}
	w.mu.Lock()
	w.markers = make(map[string]models.TypingMarker, len(list))
	for _, m := range list {
		w.markers[m.UserID] = m
	}
	w.mu.Unlock()
	w.publish()
}

func (w *Watcher) apply(ev models.Event) {
	if ev.ChannelID != w.channelID {
		return
	}
	switch ev.Op {
	case models.OpResync:
		w.refetch()
		return
	case models.OpInsert, models.OpUpdate:
		if ev.Typing == nil {
			return
		}
		w.mu.Lock()
		w.markers[ev.Typing.UserID] = *ev.Typing
		w.mu.Unlock()
	case models.OpDelete:
		if ev.Typing == nil {
			return
		}
		w.mu.Lock()
		delete(w.markers, ev.Typing.UserID)
		w.mu.Unlock()
	}
	w.publish()
}

// Users returns the markers of others that are still fresh, by name.
func (w *Watcher) Users() []models.TypingMarker {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.visibleLocked(w.opts.Now())
}

func (w *Watcher) visibleLocked(now time.Time) []models.TypingMarker {
	var out []models.TypingMarker
	for _, m := range w.markers {
		if m.UserID == w.selfID || m.Stale(now, w.opts.Window) {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DisplayName != out[j].DisplayName {
			return out[i].DisplayName < out[j].DisplayName
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

// publish pushes the visible set and arms a sweep for the next expiry.
func (w *Watcher) publish() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.ctx.Err() != nil {
		return
	}
	now := w.opts.Now()
	visible := w.visibleLocked(now)
	w.users.Set(visible)

	if w.sweep != nil {
		w.sweep.Stop()
		w.sweep = nil
	}
	var next time.Duration
	for _, m := range visible {
		left := w.opts.Window - now.Sub(m.LastTypedAt)
		if next == 0 || left < next {
			next = left
		}
	}
	if len(visible) > 0 {
		if next < time.Millisecond {
			next = time.Millisecond
		}
		w.sweep = time.AfterFunc(next, w.publish)
	}
}

// Updates streams the visible typing users.
func (w *Watcher) Updates() (<-chan []models.TypingMarker, func()) {
	return w.users.Subscribe()
}

// Close stops the subscription and the sweep timer.
func (w *Watcher) Close() {
	w.cancel()
	w.mu.Lock()
	if w.sweep != nil {
		w.sweep.Stop()
		w.sweep = nil
	}
	w.mu.Unlock()
	<-w.done
}
