package handlers

import (
	"context"
	"net/http"

	"github.com/nikhil/eaven-sync/internal/apperr"
	"github.com/nikhil/eaven-sync/internal/auth"
	"github.com/nikhil/eaven-sync/internal/backend"
	"github.com/nikhil/eaven-sync/internal/logger"
	"github.com/nikhil/eaven-sync/internal/models"
)

type AuthHandler struct {
	Service *auth.AuthService
	Users   backend.UserStore
	Log     *logger.Logger

	// Channels and DefaultChannels seed an organization's default channels
	// when its users sign up. Either may be empty.
	Channels        backend.Store
	DefaultChannels []string
}

// NewAuthHandler creates a new instance of AuthHandler
func NewAuthHandler(service *auth.AuthService, users backend.UserStore, log *logger.Logger) *AuthHandler {
	return &AuthHandler{Service: service, Users: users, Log: log}
}

// DefaultChannelID names the default channel called name in org.
func DefaultChannelID(org, name string) string {
	return org + "-" + name
}

// seedDefaults creates the configured default channels of org if missing.
// Members join them from the client.
func (h *AuthHandler) seedDefaults(ctx context.Context, org string) {
	if h.Channels == nil {
		return
	}
	for _, name := range h.DefaultChannels {
		_, err := h.Channels.CreateChannel(ctx, models.Channel{
			ID:        DefaultChannelID(org, name),
			OrgID:     org,
			Kind:      models.KindGroup,
			Name:      name,
			IsDefault: true,
		}, nil)
		if err != nil && !apperr.Is(err, apperr.KindConflict) {
			h.Log.Warn("Failed to create default channel", "org_id", org, "name", name, "error", err)
		}
	}
}

func (h *AuthHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	(&Handler{Log: h.Log}).fail(w, r, err)
}

// Signup handles the user registration request
func (h *AuthHandler) Signup(w http.ResponseWriter, r *http.Request) {
	var req auth.SignupRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	res, err := h.Service.Signup(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.seedDefaults(r.Context(), res.User.OrgID)
	respondWithJSON(w, http.StatusCreated, map[string]interface{}{
		"message":      "User created successfully",
		"user_details": res.User,
		"token":        res.Token,
	})
}

// Login handles the user authentication request
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	res, err := h.Service.Login(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, res)
}

// Me returns the caller's profile.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	claims := currentUser(r)
	profiles, err := h.Users.GetProfiles(r.Context(), []string{claims.UserID})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if len(profiles) == 0 {
		respondWithJSON(w, http.StatusOK, models.Profile{ID: claims.UserID, OrgID: claims.OrgID, Email: claims.Email})
		return
	}
	respondWithJSON(w, http.StatusOK, profiles[0])
}
