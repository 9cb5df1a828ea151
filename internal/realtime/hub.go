// Package realtime carries change events from mutations to subscribers:
// an in-process Hub, a Redis relay between gateway instances, and the
// websocket connection that exposes subscriptions to remote clients.
package realtime

import (
	"context"
	"sync"

	"github.com/nikhil/eaven-sync/internal/backend"
	"github.com/nikhil/eaven-sync/internal/metrics"
	"github.com/nikhil/eaven-sync/internal/models"
)

// DefaultBuffer is the per-subscription queue length.
const DefaultBuffer = 256

// Hub fans events out to subscriptions by topic. It is both a backend.Feed
// and a backend.Publisher.
type Hub struct {
	mu     sync.Mutex
	topics map[models.Topic]map[*subscription]struct{}
	buffer int
}

type subscription struct {
	hub    *Hub
	topic  models.Topic
	events chan models.Event
	closed bool
	stop   chan struct{}
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{topics: make(map[models.Topic]map[*subscription]struct{}), buffer: buffer}
}

// Subscribe registers interest in topic until Close or ctx is done.
func (h *Hub) Subscribe(ctx context.Context, topic models.Topic) (backend.Subscription, error) {
	s := &subscription{
		hub:    h,
		topic:  topic,
		events: make(chan models.Event, h.buffer),
		stop:   make(chan struct{}),
	}

	h.mu.Lock()
	if h.topics[topic] == nil {
		h.topics[topic] = make(map[*subscription]struct{})
	}
	h.topics[topic][s] = struct{}{}
	h.mu.Unlock()
	metrics.ActiveSubscriptions.Inc()

	go func() {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-s.stop:
		}
	}()
	return s, nil
}

// Publish delivers ev to every subscription of its topic. A subscription
// whose queue is full is dropped: its channel closes and the consumer is
// expected to resubscribe and refetch.
func (h *Hub) Publish(_ context.Context, ev models.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	metrics.EventsPublished.WithLabelValues(string(ev.Table)).Inc()
	for s := range h.topics[ev.Topic()] {
		select {
		case s.events <- ev:
		default:
			metrics.SubscriptionsDropped.Inc()
			h.removeLocked(s)
		}
	}
	return nil
}

// Subscribers reports the number of subscriptions for topic.
func (h *Hub) Subscribers(topic models.Topic) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.topics[topic])
}

func (h *Hub) removeLocked(s *subscription) {
	if s.closed {
		return
	}
	s.closed = true
	close(s.events)
	close(s.stop)
	if set, ok := h.topics[s.topic]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(h.topics, s.topic)
		}
	}
	metrics.ActiveSubscriptions.Dec()
}

func (s *subscription) Events() <-chan models.Event { return s.events }

func (s *subscription) Close() error {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	s.hub.removeLocked(s)
	return nil
}
