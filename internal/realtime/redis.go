package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nikhil/eaven-sync/internal/logger"
	"github.com/nikhil/eaven-sync/internal/models"
)

const channelPrefix = "eaven:feed:"

// RedisBroker publishes change events to Redis so that every gateway
// instance sees mutations made through any other instance.
type RedisBroker struct {
	R   *redis.Client
	Log *logger.Logger
}

func NewRedisBroker(addr string, log *logger.Logger) *RedisBroker {
	rdb := redis.NewClient(&redis.Options{Addr: addr, DB: 0})
	return &RedisBroker{R: rdb, Log: log}
}

func (b *RedisBroker) Ping(ctx context.Context) error {
	return b.R.Ping(ctx).Err()
}

func redisChannel(t models.Topic) string {
	return channelPrefix + string(t.Table) + ":" + t.ChannelID
}

// Publish implements backend.Publisher.
func (b *RedisBroker) Publish(ctx context.Context, ev models.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := b.R.Publish(ctx, redisChannel(ev.Topic()), payload).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Relay pattern-subscribes to all feed channels and republishes into the
// local hub until ctx is done. Events missed while the connection to Redis
// is down are not replayed; local subscribers are sent an OpResync for every
// topic they hold once the connection recovers.
func (b *RedisBroker) Relay(ctx context.Context, hub *Hub) error {
	ps := b.R.PSubscribe(ctx, channelPrefix+"*")
	defer ps.Close()

	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("redis psubscribe: %w", err)
	}
	b.Log.Info("Realtime relay subscribed", "pattern", channelPrefix+"*")

	for {
		msg, err := ps.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			b.Log.Warn("Realtime relay receive failed", "error", err)
			time.Sleep(time.Second)
			continue
		}
		switch m := msg.(type) {
		case *redis.Message:
			var ev models.Event
			if err := json.Unmarshal([]byte(m.Payload), &ev); err != nil {
				b.Log.Warn("Dropping malformed feed event", "channel", m.Channel, "error", err)
				continue
			}
			if t, ok := topicFromChannel(m.Channel); ok && ev.ChannelID == "" {
				ev.Table, ev.ChannelID = t.Table, t.ChannelID
			}
			_ = hub.Publish(ctx, ev)
		case *redis.Subscription:
			// go-redis resubscribes after a reconnect; anything published in
			// between is gone.
			if m.Kind == "psubscribe" {
				b.Log.Info("Realtime relay resubscribed", "pattern", m.Channel)
				hub.resyncAll(ctx)
			}
		}
	}
}

// resyncAll tells every local subscriber to refetch.
func (h *Hub) resyncAll(ctx context.Context) {
	h.mu.Lock()
	topics := make([]models.Topic, 0, len(h.topics))
	for t := range h.topics {
		topics = append(topics, t)
	}
	h.mu.Unlock()
	for _, t := range topics {
		_ = h.Publish(ctx, models.Event{Table: t.Table, ChannelID: t.ChannelID, Op: models.OpResync, At: time.Now().UTC()})
	}
}

// topicFromChannel parses a Redis channel name back into a topic.
func topicFromChannel(name string) (models.Topic, bool) {
	rest, ok := strings.CutPrefix(name, channelPrefix)
	if !ok {
		return models.Topic{}, false
	}
	table, channelID, ok := strings.Cut(rest, ":")
	if !ok || channelID == "" {
		return models.Topic{}, false
	}
	return models.Topic{Table: models.Table(table), ChannelID: channelID}, true
}
