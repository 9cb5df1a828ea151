package client

import (
	"context"
	"net/http"
	"net/url"

	"github.com/nikhil/eaven-sync/internal/backend"
	"github.com/nikhil/eaven-sync/internal/handlers"
	"github.com/nikhil/eaven-sync/internal/models"
)

var (
	_ backend.Gateway = (*Remote)(nil)
)

func channelPath(id string, rest ...string) string {
	p := "/channels/" + url.PathEscape(id)
	for _, r := range rest {
		p += "/" + r
	}
	return p
}

func (r *Remote) ListChannelsForUser(ctx context.Context, _ string) ([]models.Channel, error) {
	var out []models.Channel
	err := r.do(ctx, "list channels", http.MethodGet, "/me/channels", nil, nil, &out)
	return out, err
}

func (r *Remote) ListDirectChannelsForUser(ctx context.Context, _ string) ([]models.Channel, error) {
	var out []models.Channel
	err := r.do(ctx, "list direct channels", http.MethodGet, "/me/direct-channels", nil, nil, &out)
	return out, err
}

func (r *Remote) GetChannel(ctx context.Context, channelID string) (*models.Channel, error) {
	var out models.Channel
	if err := r.do(ctx, "get channel", http.MethodGet, channelPath(channelID), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *Remote) CreateChannel(ctx context.Context, ch models.Channel, memberIDs []string) (*models.Channel, error) {
	var out models.Channel
	req := handlers.CreateChannelRequest{Channel: ch, MemberIDs: memberIDs}
	if err := r.do(ctx, "create channel", http.MethodPost, "/channels", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *Remote) SetChannelKind(ctx context.Context, channelID string, kind models.ChannelKind) error {
	return r.do(ctx, "set channel kind", http.MethodPut, channelPath(channelID, "kind"), nil, handlers.KindRequest{Kind: kind}, nil)
}

func (r *Remote) AddMembers(ctx context.Context, channelID string, userIDs ...string) error {
	return r.do(ctx, "add members", http.MethodPost, channelPath(channelID, "members"), nil, handlers.MembersRequest{UserIDs: userIDs}, nil)
}

// IsMember answers for the token's user only.
func (r *Remote) IsMember(ctx context.Context, channelID, _ string) (bool, error) {
	var out handlers.MembershipResponse
	if err := r.do(ctx, "check membership", http.MethodGet, channelPath(channelID, "members", "me"), nil, nil, &out); err != nil {
		return false, err
	}
	return out.Member, nil
}

func (r *Remote) ListDefaultChannels(ctx context.Context, orgID string) ([]models.Channel, error) {
	var out []models.Channel
	path := "/orgs/" + url.PathEscape(orgID) + "/default-channels"
	err := r.do(ctx, "list default channels", http.MethodGet, path, nil, nil, &out)
	return out, err
}

func (r *Remote) ListMessages(ctx context.Context, channelID string) ([]models.Message, error) {
	var out []models.Message
	err := r.do(ctx, "list messages", http.MethodGet, channelPath(channelID, "messages"), nil, nil, &out)
	return out, err
}

func (r *Remote) GetMessages(ctx context.Context, ids []string) ([]models.Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var out []models.Message
	err := r.do(ctx, "get messages", http.MethodGet, "/messages", idsQuery(ids), nil, &out)
	return out, err
}

// InsertMessage sends in as the token's user; in.AuthorID is ignored.
func (r *Remote) InsertMessage(ctx context.Context, in models.NewMessage) (*models.Message, error) {
	var out models.Message
	if err := r.do(ctx, "send message", http.MethodPost, channelPath(in.ChannelID, "messages"), nil, in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *Remote) UpdateMessage(ctx context.Context, id, _, content string) (*models.Message, error) {
	var out models.Message
	if err := r.do(ctx, "edit message", http.MethodPut, "/messages/"+url.PathEscape(id), nil, handlers.EditRequest{Content: content}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *Remote) DeleteMessage(ctx context.Context, id, _ string) (*models.Message, error) {
	var out models.Message
	if err := r.do(ctx, "delete message", http.MethodDelete, "/messages/"+url.PathEscape(id), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *Remote) ListReceipts(ctx context.Context, messageIDs []string) ([]models.ReadReceipt, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}
	var out []models.ReadReceipt
	err := r.do(ctx, "list receipts", http.MethodGet, "/receipts", idsQuery(messageIDs), nil, &out)
	return out, err
}

func (r *Remote) InsertReceipts(ctx context.Context, receipts []models.ReadReceipt) error {
	if len(receipts) == 0 {
		return nil
	}
	return r.do(ctx, "insert receipts", http.MethodPost, "/receipts", nil, handlers.ReceiptsRequest{Receipts: receipts}, nil)
}

func (r *Remote) ListReactions(ctx context.Context, messageIDs []string) ([]models.Reaction, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}
	var out []models.Reaction
	err := r.do(ctx, "list reactions", http.MethodGet, "/reactions", idsQuery(messageIDs), nil, &out)
	return out, err
}

func (r *Remote) FindReaction(ctx context.Context, messageID, _, emoji string) (*models.Reaction, error) {
	var out models.Reaction
	q := url.Values{"message_id": {messageID}, "emoji": {emoji}}
	if err := r.do(ctx, "find reaction", http.MethodGet, "/reactions/find", q, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *Remote) InsertReaction(ctx context.Context, re models.Reaction) (*models.Reaction, error) {
	var out models.Reaction
	req := handlers.ReactionRequest{MessageID: re.MessageID, Emoji: re.Emoji}
	if err := r.do(ctx, "add reaction", http.MethodPost, "/reactions", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *Remote) DeleteReaction(ctx context.Context, reactionID, _ string) (*models.Reaction, error) {
	var out models.Reaction
	if err := r.do(ctx, "remove reaction", http.MethodDelete, "/reactions/"+url.PathEscape(reactionID), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *Remote) ListStarred(ctx context.Context, _ string, messageIDs []string) ([]string, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}
	var out []string
	err := r.do(ctx, "list stars", http.MethodGet, "/stars", idsQuery(messageIDs), nil, &out)
	return out, err
}

func (r *Remote) SetStarred(ctx context.Context, _, messageID string, starred bool) error {
	return r.do(ctx, "star message", toggleMethod(starred), "/stars/"+url.PathEscape(messageID), nil, nil, nil)
}

func (r *Remote) ListPinned(ctx context.Context, channelID string) ([]string, error) {
	var out []string
	err := r.do(ctx, "list pins", http.MethodGet, channelPath(channelID, "pins"), nil, nil, &out)
	return out, err
}

func (r *Remote) SetPinned(ctx context.Context, channelID, messageID, _ string, pinned bool) error {
	return r.do(ctx, "pin message", toggleMethod(pinned), channelPath(channelID, "pins", url.PathEscape(messageID)), nil, nil, nil)
}

// UpsertTypingMarker refreshes the caller's marker; the server stamps the time.
func (r *Remote) UpsertTypingMarker(ctx context.Context, m models.TypingMarker) error {
	return r.do(ctx, "typing", http.MethodPut, channelPath(m.ChannelID, "typing"), nil, handlers.TypingRequest{DisplayName: m.DisplayName}, nil)
}

func (r *Remote) DeleteTypingMarker(ctx context.Context, channelID, _ string) error {
	return r.do(ctx, "stop typing", http.MethodDelete, channelPath(channelID, "typing"), nil, nil, nil)
}

func (r *Remote) ListTypingMarkers(ctx context.Context, channelID string) ([]models.TypingMarker, error) {
	var out []models.TypingMarker
	err := r.do(ctx, "list typing", http.MethodGet, channelPath(channelID, "typing"), nil, nil, &out)
	return out, err
}

func toggleMethod(on bool) string {
	if on {
		return http.MethodPut
	}
	return http.MethodDelete
}
