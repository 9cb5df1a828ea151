package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nikhil/eaven-sync/internal/backend"
	"github.com/nikhil/eaven-sync/internal/logger"
	"github.com/nikhil/eaven-sync/internal/metrics"
	"github.com/nikhil/eaven-sync/internal/models"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period
	PingPeriod = (pongWait * 9) / 10

	// Maximum inbound frame size; clients only send subscribe/unsubscribe
	maxMessageSize = 4096
)

// Frame types on the realtime websocket.
const (
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
	FrameSubscribed  = "subscribed"
	FrameEvent       = "event"
	FrameClosed      = "closed"
	FrameError       = "error"
)

// Frame is the JSON envelope exchanged on the websocket. ID is chosen by
// the client and names one subscription.
type Frame struct {
	Type      string        `json:"type"`
	ID        string        `json:"id,omitempty"`
	Table     models.Table  `json:"table,omitempty"`
	ChannelID string        `json:"channel_id,omitempty"`
	Event     *models.Event `json:"event,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// Authorizer decides whether the connection's user may follow topic.
type Authorizer func(ctx context.Context, topic models.Topic) error

// Conn bridges one websocket to feed subscriptions.
type Conn struct {
	ws        *websocket.Conn
	feed      backend.Feed
	authorize Authorizer
	log       *logger.Logger

	send   chan Frame
	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	subs map[string]backend.Subscription

	prepare func(ctx context.Context, ev *models.Event)
}

func NewConn(ws *websocket.Conn, feed backend.Feed, authorize Authorizer, log *logger.Logger) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		ws:        ws,
		feed:      feed,
		authorize: authorize,
		log:       log,
		send:      make(chan Frame, 256),
		ctx:       ctx,
		cancel:    cancel,
		subs:      make(map[string]backend.Subscription),
	}
}

// OnEvent installs fn to adjust every event before it is written, e.g. to
// sign attachment URLs. Call before Serve.
func (c *Conn) OnEvent(fn func(ctx context.Context, ev *models.Event)) {
	c.prepare = fn
}

// Serve runs the connection until the peer goes away.
func (c *Conn) Serve() {
	metrics.WebsocketConnections.Inc()
	defer metrics.WebsocketConnections.Dec()

	go c.writePump()
	c.readPump()

	c.cancel()
	c.mu.Lock()
	for id, sub := range c.subs {
		_ = sub.Close()
		delete(c.subs, id)
	}
	c.mu.Unlock()
}

// readPump reads control frames from the websocket.
func (c *Conn) readPump() {
	defer c.ws.Close()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var f Frame
		if err := c.ws.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("Realtime connection closed unexpectedly", "error", err)
			}
			return
		}
		switch f.Type {
		case FrameSubscribe:
			c.subscribe(f)
		case FrameUnsubscribe:
			c.unsubscribe(f.ID)
		default:
			c.enqueue(Frame{Type: FrameError, ID: f.ID, Error: "unknown frame type " + f.Type})
		}
	}
}

func (c *Conn) subscribe(f Frame) {
	if f.ID == "" || f.ChannelID == "" || f.Table == "" {
		c.enqueue(Frame{Type: FrameError, ID: f.ID, Error: "subscribe needs id, table and channel_id"})
		return
	}
	topic := models.Topic{Table: f.Table, ChannelID: f.ChannelID}
	if err := c.authorize(c.ctx, topic); err != nil {
		c.enqueue(Frame{Type: FrameError, ID: f.ID, Error: err.Error()})
		return
	}

	c.unsubscribe(f.ID)
	sub, err := c.feed.Subscribe(c.ctx, topic)
	if err != nil {
		c.enqueue(Frame{Type: FrameError, ID: f.ID, Error: err.Error()})
		return
	}
	c.mu.Lock()
	c.subs[f.ID] = sub
	c.mu.Unlock()

	c.enqueue(Frame{Type: FrameSubscribed, ID: f.ID, Table: f.Table, ChannelID: f.ChannelID})
	go c.forward(f.ID, sub)
}

func (c *Conn) unsubscribe(id string) {
	c.mu.Lock()
	sub, ok := c.subs[id]
	delete(c.subs, id)
	c.mu.Unlock()
	if ok {
		_ = sub.Close()
	}
}

// forward copies events of one subscription to the socket. When the feed
// drops the subscription the client is told so that it can resync.
func (c *Conn) forward(id string, sub backend.Subscription) {
	for ev := range sub.Events() {
		ev := ev
		if c.prepare != nil {
			c.prepare(c.ctx, &ev)
		}
		c.enqueue(Frame{Type: FrameEvent, ID: id, Event: &ev})
	}
	c.mu.Lock()
	current, still := c.subs[id]
	if still && current == sub {
		delete(c.subs, id)
	}
	c.mu.Unlock()
	if still && current == sub {
		c.enqueue(Frame{Type: FrameClosed, ID: id})
	}
}

func (c *Conn) enqueue(f Frame) {
	select {
	case c.send <- f:
	case <-c.ctx.Done():
	}
}

// writePump pumps frames to the websocket connection
func (c *Conn) writePump() {
	ticker := time.NewTicker(PingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case f := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(f); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.ctx.Done():
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
