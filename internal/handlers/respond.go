// Package handlers implements the HTTP API of the backend gateway.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/nikhil/eaven-sync/internal/apperr"
	"github.com/nikhil/eaven-sync/internal/auth"
	"github.com/nikhil/eaven-sync/internal/backend"
	"github.com/nikhil/eaven-sync/internal/blob"
	"github.com/nikhil/eaven-sync/internal/logger"
	"github.com/nikhil/eaven-sync/internal/middleware"
	"github.com/nikhil/eaven-sync/internal/models"
)

// AttachmentSigner turns stored object keys into URLs clients can fetch.
type AttachmentSigner interface {
	SignAttachments(ctx context.Context, msgs []models.Message)
	PresignPut(ctx context.Context, name string) (*blob.Upload, error)
}

// Handler serves the data routes. Identity always comes from the token.
type Handler struct {
	Store  backend.Store
	Users  backend.UserStore
	Feed   backend.Feed
	Signer AttachmentSigner // nil when blob storage is not configured
	Log    *logger.Logger
}

func NewHandler(store backend.Store, users backend.UserStore, feed backend.Feed, signer AttachmentSigner, log *logger.Logger) *Handler {
	return &Handler{Store: store, Users: users, Feed: feed, Signer: signer, Log: log}
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(response)
}

// fail writes err with the status of its kind.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := apperr.HTTPStatus(err)
	log := h.Log.WithContext(r.Context())
	if code >= http.StatusInternalServerError {
		log.Error("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		respondWithError(w, code, http.StatusText(code))
		return
	}
	log.Debug("Request rejected", "method", r.Method, "path", r.URL.Path, "status", code, "error", err)
	respondWithError(w, code, err.Error())
}

func currentUser(r *http.Request) *auth.Claims {
	claims, ok := middleware.UserFromContext(r.Context())
	if !ok {
		// Routes are registered behind the auth middleware.
		panic("handlers: request without authenticated user")
	}
	return claims
}

func decodeJSON(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperr.Validation("decode request", "Invalid request body")
	}
	return nil
}

// queryIDs reads ?ids=a,b&ids=c into one list.
func queryIDs(r *http.Request) []string {
	var out []string
	for _, v := range r.URL.Query()["ids"] {
		for _, id := range strings.Split(v, ",") {
			if id = strings.TrimSpace(id); id != "" {
				out = append(out, id)
			}
		}
	}
	return out
}

func (h *Handler) requireMember(ctx context.Context, channelID, userID string) error {
	member, err := h.Store.IsMember(ctx, channelID, userID)
	if err != nil {
		return err
	}
	if !member {
		return apperr.AccessDenied("channel access", "you are not a member of this channel")
	}
	return nil
}

// memberships answers IsMember once per channel for one request.
type memberships struct {
	h      *Handler
	userID string
	seen   map[string]bool
}

func (h *Handler) memberships(userID string) *memberships {
	return &memberships{h: h, userID: userID, seen: make(map[string]bool)}
}

func (m *memberships) allowed(ctx context.Context, channelID string) (bool, error) {
	if ok, cached := m.seen[channelID]; cached {
		return ok, nil
	}
	ok, err := m.h.Store.IsMember(ctx, channelID, m.userID)
	if err != nil {
		return false, err
	}
	m.seen[channelID] = ok
	return ok, nil
}

// sign fills attachment URLs. Attachment slices are copied first since
// rows may be shared with the store or with published events.
func (h *Handler) sign(ctx context.Context, msgs []models.Message) {
	if h.Signer == nil {
		return
	}
	for i := range msgs {
		msgs[i].Attachments = append([]models.Attachment(nil), msgs[i].Attachments...)
	}
	h.Signer.SignAttachments(ctx, msgs)
}

// Health reports liveness.
func Health(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
