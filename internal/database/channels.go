package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nikhil/eaven-sync/internal/apperr"
	"github.com/nikhil/eaven-sync/internal/models"
)

const channelColumns = `c.id, c.org_id, c.kind, c.name, c.description, c.is_default, c.created_by, c.created_at,
	(SELECT COUNT(*) FROM channel_members m WHERE m.channel_id = c.id)`

func scanChannel(sc scanner) (models.Channel, error) {
	var ch models.Channel
	var kind string
	err := sc.Scan(&ch.ID, &ch.OrgID, &kind, &ch.Name, &ch.Description, &ch.IsDefault, &ch.CreatedBy, &ch.CreatedAt, &ch.MemberCount)
	ch.Kind = models.ChannelKind(kind)
	return ch, err
}

func (s *Store) queryChannels(ctx context.Context, op, query string, args ...any) ([]models.Channel, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		s.Log.Error("Failed to query channels", "op", op, "error", err)
		return nil, classify(op, err)
	}
	defer rows.Close()

	var out []models.Channel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, classify(op, err)
		}
		out = append(out, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(op, err)
	}
	if err := s.attachPreviews(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) listForUser(ctx context.Context, op, userID string, kind models.ChannelKind) ([]models.Channel, error) {
	query := `SELECT ` + channelColumns + `
		FROM channels c
		INNER JOIN channel_members cm ON cm.channel_id = c.id
		WHERE cm.user_id = ? AND c.kind = ?
		ORDER BY c.created_at`
	return s.queryChannels(ctx, op, query, userID, string(kind))
}

func (s *Store) ListChannelsForUser(ctx context.Context, userID string) ([]models.Channel, error) {
	return s.listForUser(ctx, "list channels", userID, models.KindGroup)
}

func (s *Store) ListDirectChannelsForUser(ctx context.Context, userID string) ([]models.Channel, error) {
	out, err := s.listForUser(ctx, "list direct channels", userID, models.KindDirect)
	if err != nil {
		return nil, err
	}
	if err := s.attachCounterparts(ctx, out, userID); err != nil {
		return nil, err
	}
	return out, nil
}

// attachPreviews fills LastMessage with the newest message of each channel.
func (s *Store) attachPreviews(ctx context.Context, list []models.Channel) error {
	if len(list) == 0 {
		return nil
	}
	ids := make([]string, len(list))
	for i, ch := range list {
		ids[i] = ch.ID
	}
	query := fmt.Sprintf(`SELECT m.channel_id, m.author_id, m.content, m.created_at
		FROM messages m
		WHERE m.channel_id IN (%s) AND NOT EXISTS (
			SELECT 1 FROM messages n
			WHERE n.channel_id = m.channel_id
			  AND (n.created_at > m.created_at OR (n.created_at = m.created_at AND n.id > m.id))
		)`, placeholders(len(ids)))
	rows, err := s.DB.QueryContext(ctx, query, stringArgs(ids)...)
	if err != nil {
		s.Log.Error("Failed to load channel previews", "error", err)
		return classify("channel previews", err)
	}
	defer rows.Close()

	previews := make(map[string]*models.MessagePreview)
	for rows.Next() {
		var channelID string
		var p models.MessagePreview
		if err := rows.Scan(&channelID, &p.AuthorID, &p.Content, &p.CreatedAt); err != nil {
			return classify("channel previews", err)
		}
		previews[channelID] = &p
	}
	if err := rows.Err(); err != nil {
		return classify("channel previews", err)
	}
	for i := range list {
		list[i].LastMessage = previews[list[i].ID]
	}
	return nil
}

// attachCounterparts sets the other member of each direct channel.
func (s *Store) attachCounterparts(ctx context.Context, list []models.Channel, viewer string) error {
	if len(list) == 0 {
		return nil
	}
	ids := make([]string, len(list))
	for i, ch := range list {
		ids[i] = ch.ID
	}
	query := fmt.Sprintf(`SELECT cm.channel_id, u.id, u.org_id, u.display_name, u.email, u.avatar_url
		FROM channel_members cm
		INNER JOIN users u ON u.id = cm.user_id
		WHERE cm.channel_id IN (%s) AND cm.user_id <> ?`, placeholders(len(ids)))
	rows, err := s.DB.QueryContext(ctx, query, append(stringArgs(ids), viewer)...)
	if err != nil {
		return classify("direct counterparts", err)
	}
	defer rows.Close()

	others := make(map[string]*models.Profile)
	for rows.Next() {
		var channelID string
		var p models.Profile
		if err := rows.Scan(&channelID, &p.ID, &p.OrgID, &p.DisplayName, &p.Email, &p.AvatarURL); err != nil {
			return classify("direct counterparts", err)
		}
		others[channelID] = &p
	}
	if err := rows.Err(); err != nil {
		return classify("direct counterparts", err)
	}
	for i := range list {
		list[i].Counterpart = others[list[i].ID]
	}
	return nil
}

func (s *Store) GetChannel(ctx context.Context, channelID string) (*models.Channel, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+channelColumns+` FROM channels c WHERE c.id = ?`, channelID)
	ch, err := scanChannel(row)
	if err != nil {
		return nil, classify("get channel", err)
	}
	list := []models.Channel{ch}
	if err := s.attachPreviews(ctx, list); err != nil {
		return nil, err
	}
	return &list[0], nil
}

// CreateChannel inserts the channel row and its members in one
// transaction. A duplicate id is a Conflict.
func (s *Store) CreateChannel(ctx context.Context, ch models.Channel, memberIDs []string) (*models.Channel, error) {
	if ch.ID == "" {
		ch.ID = uuid.NewString()
	}
	if ch.Kind == "" {
		ch.Kind = models.KindGroup
	}
	ch.CreatedAt = time.Now().UTC()

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		s.Log.Error("Failed to begin transaction", "error", err)
		return nil, classify("create channel", err)
	}
	defer tx.Rollback() // Will be ignored if transaction is committed

	query := `INSERT INTO channels (id, org_id, kind, name, description, is_default, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, query, ch.ID, ch.OrgID, string(ch.Kind), ch.Name, ch.Description, ch.IsDefault, ch.CreatedBy, ch.CreatedAt); err != nil {
		return nil, classify("create channel", err)
	}
	if err := insertMembers(ctx, tx, ch.ID, ch.CreatedAt, memberIDs); err != nil {
		s.Log.Error("Failed to add channel members", "channel_id", ch.ID, "error", err)
		return nil, classify("create channel", err)
	}
	if err := tx.Commit(); err != nil {
		s.Log.Error("Failed to commit transaction", "error", err)
		return nil, classify("create channel", err)
	}

	seen := make(map[string]bool, len(memberIDs))
	for _, id := range memberIDs {
		seen[id] = true
	}
	ch.MemberCount = len(seen)
	s.Log.Info("Channel created", "channel_id", ch.ID, "kind", ch.Kind, "org_id", ch.OrgID)
	return &ch, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertMembers(ctx context.Context, db execer, channelID string, at time.Time, userIDs []string) error {
	if len(userIDs) == 0 {
		return nil
	}
	values := make([]string, 0, len(userIDs))
	args := make([]any, 0, len(userIDs)*3)
	for _, id := range userIDs {
		values = append(values, "(?, ?, 'member', ?)")
		args = append(args, channelID, id, at)
	}
	query := `INSERT IGNORE INTO channel_members (channel_id, user_id, role, joined_at) VALUES ` + strings.Join(values, ", ")
	_, err := db.ExecContext(ctx, query, args...)
	return err
}

func (s *Store) channelExists(ctx context.Context, channelID string) (bool, error) {
	var exists bool
	err := s.DB.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM channels WHERE id = ?)`, channelID).Scan(&exists)
	return exists, err
}

func (s *Store) SetChannelKind(ctx context.Context, channelID string, kind models.ChannelKind) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE channels SET kind = ? WHERE id = ?`, string(kind), channelID)
	if err != nil {
		return classify("set channel kind", err)
	}
	// MySQL reports zero affected rows when the value did not change.
	if n, _ := res.RowsAffected(); n == 0 {
		exists, err := s.channelExists(ctx, channelID)
		if err != nil {
			return classify("set channel kind", err)
		}
		if !exists {
			return apperr.NotFound("set channel kind", "channel not found")
		}
	}
	return nil
}

func (s *Store) AddMembers(ctx context.Context, channelID string, userIDs ...string) error {
	exists, err := s.channelExists(ctx, channelID)
	if err != nil {
		return classify("add members", err)
	}
	if !exists {
		return apperr.NotFound("add members", "channel not found")
	}
	if err := insertMembers(ctx, s.DB, channelID, time.Now().UTC(), userIDs); err != nil {
		s.Log.Error("Failed to add channel members", "channel_id", channelID, "error", err)
		return classify("add members", err)
	}
	return nil
}

func (s *Store) IsMember(ctx context.Context, channelID, userID string) (bool, error) {
	var member bool
	query := `SELECT EXISTS(SELECT 1 FROM channel_members WHERE channel_id = ? AND user_id = ?)`
	if err := s.DB.QueryRowContext(ctx, query, channelID, userID).Scan(&member); err != nil {
		return false, classify("check membership", err)
	}
	return member, nil
}

func (s *Store) ListDefaultChannels(ctx context.Context, orgID string) ([]models.Channel, error) {
	query := `SELECT ` + channelColumns + ` FROM channels c WHERE c.org_id = ? AND c.is_default = TRUE ORDER BY c.name`
	return s.queryChannels(ctx, "list default channels", query, orgID)
}
