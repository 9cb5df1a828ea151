package handlers

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/nikhil/eaven-sync/internal/models"
)

type TypingRequest struct {
	DisplayName string `json:"display_name"`
}

// Typing stamps the caller's marker with server time.
func (h *Handler) Typing(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := currentUser(r)
	channelID := mux.Vars(r)["id"]
	var req TypingRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			h.fail(w, r, err)
			return
		}
	}
	if err := h.requireMember(ctx, channelID, claims.UserID); err != nil {
		h.fail(w, r, err)
		return
	}
	if req.DisplayName == "" {
		// Watchers render the name straight from the event.
		if profiles, err := h.Users.GetProfiles(ctx, []string{claims.UserID}); err == nil && len(profiles) == 1 {
			req.DisplayName = profiles[0].DisplayName
		}
	}
	err := h.Store.UpsertTypingMarker(ctx, models.TypingMarker{
		ChannelID:   channelID,
		UserID:      claims.UserID,
		DisplayName: req.DisplayName,
		LastTypedAt: time.Now().UTC(),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) StopTyping(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.DeleteTypingMarker(r.Context(), mux.Vars(r)["id"], currentUser(r).UserID); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ListTyping(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	channelID := mux.Vars(r)["id"]
	if err := h.requireMember(ctx, channelID, currentUser(r).UserID); err != nil {
		h.fail(w, r, err)
		return
	}
	list, err := h.Store.ListTypingMarkers(ctx, channelID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, nonNil(list))
}
