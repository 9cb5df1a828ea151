package handlers

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/nikhil/eaven-sync/internal/apperr"
	"github.com/nikhil/eaven-sync/internal/messages"
	"github.com/nikhil/eaven-sync/internal/metrics"
	"github.com/nikhil/eaven-sync/internal/models"
)

type EditRequest struct {
	Content string `json:"content"`
}

func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	channelID := mux.Vars(r)["id"]
	if err := h.requireMember(ctx, channelID, currentUser(r).UserID); err != nil {
		h.fail(w, r, err)
		return
	}
	list, err := h.Store.ListMessages(ctx, channelID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.sign(ctx, list)
	respondWithJSON(w, http.StatusOK, nonNil(list))
}

// SendMessage persists a message authored by the caller.
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	claims := currentUser(r)
	var in models.NewMessage
	if err := decodeJSON(r, &in); err != nil {
		h.fail(w, r, err)
		return
	}
	text, err := messages.ValidateContent("send message", in.Content, len(in.Attachments) > 0)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	in.Content = text
	in.ChannelID = mux.Vars(r)["id"]
	in.AuthorID = claims.UserID

	m, err := h.Store.InsertMessage(r.Context(), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	metrics.MessagesSent.Inc()
	out := []models.Message{*m}
	h.sign(r.Context(), out)
	respondWithJSON(w, http.StatusCreated, out[0])
}

// GetMessages returns the requested rows the caller may see.
func (h *Handler) GetMessages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	list, err := h.Store.GetMessages(ctx, queryIDs(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	access := h.memberships(currentUser(r).UserID)
	visible := make([]models.Message, 0, len(list))
	for _, m := range list {
		ok, err := access.allowed(ctx, m.ChannelID)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		if ok {
			visible = append(visible, m)
		}
	}
	h.sign(ctx, visible)
	respondWithJSON(w, http.StatusOK, visible)
}

func (h *Handler) UpdateMessage(w http.ResponseWriter, r *http.Request) {
	var req EditRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	text, err := messages.ValidateContent("edit message", req.Content, false)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	m, err := h.Store.UpdateMessage(r.Context(), mux.Vars(r)["id"], currentUser(r).UserID, text)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := []models.Message{*m}
	h.sign(r.Context(), out)
	respondWithJSON(w, http.StatusOK, out[0])
}

func (h *Handler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	m, err := h.Store.DeleteMessage(r.Context(), mux.Vars(r)["id"], currentUser(r).UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.Log.WithContext(r.Context()).Debug("Message deleted", "message_id", m.ID, "channel_id", m.ChannelID)
	respondWithJSON(w, http.StatusOK, m)
}

// messageChannel returns the channel of messageID after checking the
// caller belongs to it.
func (h *Handler) messageChannel(ctx context.Context, messageID, userID string) (string, error) {
	list, err := h.Store.GetMessages(ctx, []string{messageID})
	if err != nil {
		return "", err
	}
	if len(list) == 0 {
		return "", apperr.NotFound("get message", "message not found")
	}
	if err := h.requireMember(ctx, list[0].ChannelID, userID); err != nil {
		return "", err
	}
	return list[0].ChannelID, nil
}
