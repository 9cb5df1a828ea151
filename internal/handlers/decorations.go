package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/nikhil/eaven-sync/internal/apperr"
	"github.com/nikhil/eaven-sync/internal/models"
)

type ReceiptsRequest struct {
	Receipts []models.ReadReceipt `json:"receipts"`
}

type ReactionRequest struct {
	MessageID string `json:"message_id"`
	Emoji     string `json:"emoji"`
}

func (h *Handler) ListReceipts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	list, err := h.Store.ListReceipts(ctx, queryIDs(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	access := h.memberships(currentUser(r).UserID)
	visible := make([]models.ReadReceipt, 0, len(list))
	for _, rc := range list {
		ok, err := access.allowed(ctx, rc.ChannelID)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		if ok {
			visible = append(visible, rc)
		}
	}
	respondWithJSON(w, http.StatusOK, visible)
}

// InsertReceipts records the caller's receipts. Existing ones are skipped.
func (h *Handler) InsertReceipts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := currentUser(r)
	var req ReceiptsRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	access := h.memberships(claims.UserID)
	now := time.Now().UTC()
	for i := range req.Receipts {
		rc := &req.Receipts[i]
		if rc.MessageID == "" || rc.ChannelID == "" {
			h.fail(w, r, apperr.Validation("insert receipts", "message_id and channel_id are required"))
			return
		}
		ok, err := access.allowed(ctx, rc.ChannelID)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		if !ok {
			h.fail(w, r, apperr.AccessDenied("insert receipts", "you are not a member of this channel"))
			return
		}
		rc.UserID = claims.UserID
		if rc.ReadAt.IsZero() {
			rc.ReadAt = now
		}
	}
	if len(req.Receipts) > 0 {
		if err := h.Store.InsertReceipts(ctx, req.Receipts); err != nil {
			h.fail(w, r, err)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ListReactions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	list, err := h.Store.ListReactions(ctx, queryIDs(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	access := h.memberships(currentUser(r).UserID)
	visible := make([]models.Reaction, 0, len(list))
	for _, re := range list {
		ok, err := access.allowed(ctx, re.ChannelID)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		if ok {
			visible = append(visible, re)
		}
	}
	respondWithJSON(w, http.StatusOK, visible)
}

// FindReaction looks up the caller's own reaction.
func (h *Handler) FindReaction(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	re, err := h.Store.FindReaction(r.Context(), q.Get("message_id"), currentUser(r).UserID, q.Get("emoji"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, re)
}

func (h *Handler) InsertReaction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := currentUser(r)
	var req ReactionRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	req.Emoji = strings.TrimSpace(req.Emoji)
	if req.MessageID == "" || req.Emoji == "" {
		h.fail(w, r, apperr.Validation("insert reaction", "message_id and emoji are required"))
		return
	}
	channelID, err := h.messageChannel(ctx, req.MessageID, claims.UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	re, err := h.Store.InsertReaction(ctx, models.Reaction{
		MessageID: req.MessageID,
		ChannelID: channelID,
		UserID:    claims.UserID,
		Emoji:     req.Emoji,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, re)
}

func (h *Handler) DeleteReaction(w http.ResponseWriter, r *http.Request) {
	re, err := h.Store.DeleteReaction(r.Context(), mux.Vars(r)["id"], currentUser(r).UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, re)
}

func (h *Handler) ListStarred(w http.ResponseWriter, r *http.Request) {
	ids, err := h.Store.ListStarred(r.Context(), currentUser(r).UserID, queryIDs(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, nonNil(ids))
}

// SetStarred handles PUT (star) and DELETE (unstar).
func (h *Handler) SetStarred(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := currentUser(r)
	messageID := mux.Vars(r)["message"]
	if _, err := h.messageChannel(ctx, messageID, claims.UserID); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.Store.SetStarred(ctx, claims.UserID, messageID, r.Method == http.MethodPut); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ListPinned(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	channelID := mux.Vars(r)["id"]
	if err := h.requireMember(ctx, channelID, currentUser(r).UserID); err != nil {
		h.fail(w, r, err)
		return
	}
	ids, err := h.Store.ListPinned(ctx, channelID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, nonNil(ids))
}

// SetPinned handles PUT (pin) and DELETE (unpin).
func (h *Handler) SetPinned(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := currentUser(r)
	vars := mux.Vars(r)
	if err := h.requireMember(ctx, vars["id"], claims.UserID); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.Store.SetPinned(ctx, vars["id"], vars["message"], claims.UserID, r.Method == http.MethodPut); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
