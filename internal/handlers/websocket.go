package handlers

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/nikhil/eaven-sync/internal/models"
	"github.com/nikhil/eaven-sync/internal/realtime"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Clients authenticate with the token query parameter, not cookies.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleWebSocket upgrades the connection and serves feed subscriptions
// for channels the caller belongs to.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	claims := currentUser(r)
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Log.WithContext(r.Context()).Warn("Error upgrading connection", "error", err)
		return
	}
	log := h.Log.WithUser(claims.UserID)
	log.Debug("Realtime connection opened")

	authorize := func(ctx context.Context, topic models.Topic) error {
		return h.requireMember(ctx, topic.ChannelID, claims.UserID)
	}
	conn := realtime.NewConn(ws, h.Feed, authorize, log)
	if h.Signer != nil {
		conn.OnEvent(h.signEvent)
	}
	conn.Serve()
	log.Debug("Realtime connection closed")
}

// signEvent signs a private copy; the hub shares one event across subscribers.
func (h *Handler) signEvent(ctx context.Context, ev *models.Event) {
	if ev.Message == nil || len(ev.Message.Attachments) == 0 {
		return
	}
	list := []models.Message{*ev.Message}
	h.sign(ctx, list)
	ev.Message = &list[0]
}
