package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/nikhil/eaven-sync/internal/apperr"
	"github.com/nikhil/eaven-sync/internal/auth"
	"github.com/nikhil/eaven-sync/internal/channels"
	"github.com/nikhil/eaven-sync/internal/models"
)

type CreateChannelRequest struct {
	Channel   models.Channel `json:"channel"`
	MemberIDs []string       `json:"member_ids"`
}

type MembersRequest struct {
	UserIDs []string `json:"user_ids"`
}

type KindRequest struct {
	Kind models.ChannelKind `json:"kind"`
}

// ListMyChannels returns the caller's group channels.
func (h *Handler) ListMyChannels(w http.ResponseWriter, r *http.Request) {
	list, err := h.Store.ListChannelsForUser(r.Context(), currentUser(r).UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, nonNil(list))
}

// ListMyDirectChannels returns the caller's direct channels with counterparts.
func (h *Handler) ListMyDirectChannels(w http.ResponseWriter, r *http.Request) {
	list, err := h.Store.ListDirectChannelsForUser(r.Context(), currentUser(r).UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, nonNil(list))
}

func (h *Handler) ListDefaultChannels(w http.ResponseWriter, r *http.Request) {
	org := mux.Vars(r)["org"]
	if org != currentUser(r).OrgID {
		h.fail(w, r, apperr.AccessDenied("list default channels", "not a member of this organization"))
		return
	}
	list, err := h.Store.ListDefaultChannels(r.Context(), org)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, nonNil(list))
}

// GetChannel is open to anyone in the channel's organization so a direct
// channel can be found before its membership is repaired.
func (h *Handler) GetChannel(w http.ResponseWriter, r *http.Request) {
	ch, err := h.orgChannel(r.Context(), mux.Vars(r)["id"], currentUser(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, ch)
}

// orgChannel hides channels of other organizations behind NotFound.
func (h *Handler) orgChannel(ctx context.Context, id string, claims *auth.Claims) (*models.Channel, error) {
	ch, err := h.Store.GetChannel(ctx, id)
	if err != nil {
		return nil, err
	}
	if ch.OrgID != claims.OrgID {
		return nil, apperr.NotFound("get channel", "channel not found")
	}
	return ch, nil
}

func (h *Handler) CreateChannel(w http.ResponseWriter, r *http.Request) {
	claims := currentUser(r)
	var req CreateChannelRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	ch := req.Channel
	ch.OrgID = claims.OrgID
	ch.CreatedBy = claims.UserID
	members := uniqueIDs(append([]string{claims.UserID}, req.MemberIDs...))

	switch ch.Kind {
	case models.KindDirect:
		if len(members) != 2 {
			h.fail(w, r, apperr.Validation("create channel", "a direct channel has exactly two members"))
			return
		}
		canonical := channels.DirectChannelID(claims.OrgID, members[0], members[1])
		if ch.ID == "" {
			ch.ID = canonical
		}
		if ch.ID != canonical {
			h.fail(w, r, apperr.Validation("create channel", "direct channel id does not match its members"))
			return
		}
		ch.IsDefault = false
	case "", models.KindGroup:
		ch.Kind = models.KindGroup
		ch.Name = strings.TrimSpace(ch.Name)
		if ch.Name == "" {
			h.fail(w, r, apperr.Validation("create channel", "channel name is required"))
			return
		}
		if strings.HasPrefix(ch.ID, channels.DirectPrefix) {
			h.fail(w, r, apperr.Validation("create channel", "reserved channel id"))
			return
		}
	default:
		h.fail(w, r, apperr.Validation("create channel", "unknown channel kind"))
		return
	}

	if err := h.sameOrg(r.Context(), claims.OrgID, members); err != nil {
		h.fail(w, r, err)
		return
	}
	created, err := h.Store.CreateChannel(r.Context(), ch, members)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.Log.WithContext(r.Context()).Info("Channel created", "channel_id", created.ID, "kind", created.Kind, "members", len(members))
	respondWithJSON(w, http.StatusCreated, created)
}

// sameOrg requires every id to be a known user of org.
func (h *Handler) sameOrg(ctx context.Context, org string, ids []string) error {
	profiles, err := h.Users.GetProfiles(ctx, ids)
	if err != nil {
		return err
	}
	found := make(map[string]bool, len(profiles))
	for _, p := range profiles {
		if p.OrgID == org {
			found[p.ID] = true
		}
	}
	for _, id := range ids {
		if !found[id] {
			return apperr.Validation("channel members", "unknown user "+id)
		}
	}
	return nil
}

// AddMembers is allowed for members, for joining a default channel of the
// caller's organization, and for repairing the caller's own direct channel.
func (h *Handler) AddMembers(w http.ResponseWriter, r *http.Request) {
	claims := currentUser(r)
	var req MembersRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	ids := uniqueIDs(req.UserIDs)
	if len(ids) == 0 {
		h.fail(w, r, apperr.Validation("add members", "user_ids is required"))
		return
	}
	ctx := r.Context()
	ch, err := h.orgChannel(ctx, mux.Vars(r)["id"], claims)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.mayAddMembers(ctx, ch, claims, ids); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.sameOrg(ctx, claims.OrgID, ids); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.Store.AddMembers(ctx, ch.ID, ids...); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) mayAddMembers(ctx context.Context, ch *models.Channel, claims *auth.Claims, ids []string) error {
	if ch.IsDefault && len(ids) == 1 && ids[0] == claims.UserID {
		return nil
	}
	if ownDirect(ch.ID, claims, ids) {
		return nil
	}
	return h.requireMember(ctx, ch.ID, claims.UserID)
}

// ownDirect reports whether id is the direct channel between the caller and
// the other user named in ids.
func ownDirect(id string, claims *auth.Claims, ids []string) bool {
	other := ""
	for _, uid := range ids {
		if uid == claims.UserID {
			continue
		}
		if other != "" && other != uid {
			return false
		}
		other = uid
	}
	return other != "" && id == channels.DirectChannelID(claims.OrgID, claims.UserID, other)
}

// Membership reports whether the caller belongs to the channel.
func (h *Handler) Membership(w http.ResponseWriter, r *http.Request) {
	member, err := h.Store.IsMember(r.Context(), mux.Vars(r)["id"], currentUser(r).UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, MembershipResponse{Member: member})
}

type MembershipResponse struct {
	Member bool `json:"member"`
}

func (h *Handler) SetChannelKind(w http.ResponseWriter, r *http.Request) {
	claims := currentUser(r)
	var req KindRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	if req.Kind != models.KindDirect && req.Kind != models.KindGroup {
		h.fail(w, r, apperr.Validation("set channel kind", "unknown channel kind"))
		return
	}
	ctx := r.Context()
	ch, err := h.orgChannel(ctx, mux.Vars(r)["id"], claims)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	// Direct ids are derived from their members; only the kind can drift.
	healing := req.Kind == models.KindDirect && strings.HasPrefix(ch.ID, channels.DirectPrefix)
	if !healing {
		if err := h.requireMember(ctx, ch.ID, claims.UserID); err != nil {
			h.fail(w, r, err)
			return
		}
	}
	if err := h.Store.SetChannelKind(ctx, ch.ID, req.Kind); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func uniqueIDs(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func nonNil[T any](list []T) []T {
	if list == nil {
		return []T{}
	}
	return list
}
