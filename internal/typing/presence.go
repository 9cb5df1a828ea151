// Package typing publishes the local user's typing markers and tracks
// the markers of others in a channel.
package typing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nikhil/eaven-sync/internal/backend"
	"github.com/nikhil/eaven-sync/internal/logger"
	"github.com/nikhil/eaven-sync/internal/models"
)

const (
	DefaultDebounce   = 300 * time.Millisecond
	DefaultClearAfter = 3 * time.Second
	DefaultWindow     = 5 * time.Second
)

type Options struct {
	// Debounce is the minimum time between two marker publishes per channel.
	Debounce time.Duration
	// ClearAfter is how long after the last publish the marker is deleted.
	ClearAfter time.Duration
	// Window is the age after which readers treat a marker as stale.
	Window time.Duration
	Now    func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Debounce <= 0 {
		o.Debounce = DefaultDebounce
	}
	if o.ClearAfter <= 0 {
		o.ClearAfter = DefaultClearAfter
	}
	if o.Window <= 0 {
		o.Window = DefaultWindow
	}
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
	return o
}

// Presence publishes typing markers for one user. Each channel has its own
// debounce state and clear timer; Close cancels all of them.
type Presence struct {
	gw   backend.Gateway
	self models.Profile
	log  *logger.Logger
	opts Options

	mu     sync.Mutex
	last   map[string]time.Time
	clear  map[string]*time.Timer
	closed bool
}

func NewPresence(gw backend.Gateway, self models.Profile, log *logger.Logger, opts Options) *Presence {
	return &Presence{
		gw:    gw,
		self:  self,
		log:   log.Named("typing"),
		opts:  opts.withDefaults(),
		last:  make(map[string]time.Time),
		clear: make(map[string]*time.Timer),
	}
}

// Notify records local input in channelID. Bursts inside the debounce
// window collapse into one publish.
func (p *Presence) Notify(ctx context.Context, channelID string) error {
	now := p.opts.Now()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	if last, ok := p.last[channelID]; ok && now.Sub(last) < p.opts.Debounce {
		p.mu.Unlock()
		return nil
	}
	p.last[channelID] = now
	p.mu.Unlock()

	marker := models.TypingMarker{ChannelID: channelID, UserID: p.self.ID, DisplayName: p.self.DisplayName, LastTypedAt: now}
	if err := p.gw.UpsertTypingMarker(ctx, marker); err != nil {
		p.mu.Lock()
		delete(p.last, channelID)
		p.mu.Unlock()
		return fmt.Errorf("publish typing marker: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	if t, ok := p.clear[channelID]; ok {
		t.Stop()
	}
	p.clear[channelID] = time.AfterFunc(p.opts.ClearAfter, func() { p.expire(channelID, now) })
	return nil
}

// expire deletes the marker published at stamp unless a newer publish
// replaced it.
func (p *Presence) expire(channelID string, stamp time.Time) {
	p.mu.Lock()
	if p.closed || !p.last[channelID].Equal(stamp) {
		p.mu.Unlock()
		return
	}
	delete(p.clear, channelID)
	delete(p.last, channelID)
	p.mu.Unlock()
	p.remove(channelID)
}

// Stop clears the marker in channelID right away, e.g. after a send.
func (p *Presence) Stop(channelID string) {
	p.mu.Lock()
	t, ok := p.clear[channelID]
	if ok {
		t.Stop()
		delete(p.clear, channelID)
	}
	delete(p.last, channelID)
	p.mu.Unlock()
	if ok {
		p.remove(channelID)
	}
}

func (p *Presence) remove(channelID string) {
	ctx, cancel := context.WithTimeout(context.Background(), p.opts.ClearAfter)
	defer cancel()
	// Readers drop stale markers anyway; a failed delete only delays that.
	if err := p.gw.DeleteTypingMarker(ctx, channelID, p.self.ID); err != nil {
		p.log.Warn("Failed to clear typing marker", "channel_id", channelID, "error", err)
	}
}

// Close cancels every pending clear timer and deletes the markers they
// would have removed.
func (p *Presence) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	pending := make([]string, 0, len(p.clear))
	for channelID, t := range p.clear {
		t.Stop()
		pending = append(pending, channelID)
	}
	p.clear = make(map[string]*time.Timer)
	p.mu.Unlock()

	for _, channelID := range pending {
		p.remove(channelID)
	}
}

// Observe starts watching typing markers of others in channelID.
func (p *Presence) Observe(ctx context.Context, channelID string) (*Watcher, error) {
	return Watch(ctx, p.gw, channelID, p.self.ID, p.log, p.opts)
}
