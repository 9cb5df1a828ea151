package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nikhil/eaven-sync/internal/apperr"
	"github.com/nikhil/eaven-sync/internal/models"
)

const messageColumns = `m.id, m.channel_id, m.author_id, m.content, m.reply_to, m.client_token, m.created_at, m.edited_at,
	COALESCE(u.org_id, ''), COALESCE(u.display_name, ''), COALESCE(u.avatar_url, '')`

const messageFrom = ` FROM messages m LEFT JOIN users u ON u.id = m.author_id`

func scanMessage(sc scanner) (models.Message, error) {
	var m models.Message
	var edited sql.NullTime
	err := sc.Scan(&m.ID, &m.ChannelID, &m.AuthorID, &m.Content, &m.ReplyTo, &m.ClientToken, &m.CreatedAt, &edited,
		&m.Author.OrgID, &m.Author.DisplayName, &m.Author.AvatarURL)
	if err != nil {
		return m, err
	}
	m.Author.ID = m.AuthorID
	if edited.Valid {
		t := edited.Time
		m.EditedAt = &t
		m.IsEdited = true
	}
	m.Status = models.StatusSent
	return m, nil
}

func (s *Store) queryMessages(ctx context.Context, op, query string, args ...any) ([]models.Message, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		s.Log.Error("Failed to query messages", "op", op, "error", err)
		return nil, classify(op, err)
	}
	defer rows.Close()

	var out []models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, classify(op, err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(op, err)
	}
	if err := s.attachFiles(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

// attachFiles loads the attachments of every message in list.
func (s *Store) attachFiles(ctx context.Context, list []models.Message) error {
	if len(list) == 0 {
		return nil
	}
	ids := make([]string, len(list))
	for i, m := range list {
		ids[i] = m.ID
	}
	query := fmt.Sprintf(`SELECT id, message_id, kind, name, size, mime, object_key, url, thumbnail_url
		FROM attachments WHERE message_id IN (%s) ORDER BY message_id, position`, placeholders(len(ids)))
	rows, err := s.DB.QueryContext(ctx, query, stringArgs(ids)...)
	if err != nil {
		return classify("list attachments", err)
	}
	defer rows.Close()

	byMessage := make(map[string][]models.Attachment)
	for rows.Next() {
		var a models.Attachment
		var messageID string
		if err := rows.Scan(&a.ID, &messageID, &a.Kind, &a.Name, &a.Size, &a.MIME, &a.ObjectKey, &a.URL, &a.ThumbnailURL); err != nil {
			return classify("list attachments", err)
		}
		byMessage[messageID] = append(byMessage[messageID], a)
	}
	if err := rows.Err(); err != nil {
		return classify("list attachments", err)
	}
	for i := range list {
		list[i].Attachments = byMessage[list[i].ID]
	}
	return nil
}

func (s *Store) ListMessages(ctx context.Context, channelID string) ([]models.Message, error) {
	query := `SELECT ` + messageColumns + messageFrom + ` WHERE m.channel_id = ? ORDER BY m.created_at, m.id`
	return s.queryMessages(ctx, "list messages", query, channelID)
}

func (s *Store) GetMessages(ctx context.Context, ids []string) ([]models.Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := fmt.Sprintf(`SELECT `+messageColumns+messageFrom+` WHERE m.id IN (%s) ORDER BY m.created_at, m.id`, placeholders(len(ids)))
	return s.queryMessages(ctx, "get messages", query, stringArgs(ids)...)
}

func (s *Store) getMessage(ctx context.Context, op, id string) (*models.Message, error) {
	list, err := s.GetMessages(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, apperr.NotFound(op, "message not found")
	}
	return &list[0], nil
}

// InsertMessage stores a message with its attachments. The author must be
// a member of the channel.
func (s *Store) InsertMessage(ctx context.Context, in models.NewMessage) (*models.Message, error) {
	exists, err := s.channelExists(ctx, in.ChannelID)
	if err != nil {
		return nil, classify("insert message", err)
	}
	if !exists {
		return nil, apperr.NotFound("insert message", "channel not found")
	}
	member, err := s.IsMember(ctx, in.ChannelID, in.AuthorID)
	if err != nil {
		return nil, err
	}
	if !member {
		s.Log.Warn("Message from non-member rejected", "channel_id", in.ChannelID, "user_id", in.AuthorID)
		return nil, apperr.AccessDenied("insert message", "not a member of this channel")
	}

	id := uuid.NewString()
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, classify("insert message", err)
	}
	defer tx.Rollback() // Will be ignored if transaction is committed

	query := `INSERT INTO messages (id, channel_id, author_id, content, reply_to, client_token, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, query, id, in.ChannelID, in.AuthorID, in.Content, in.ReplyTo, in.ClientToken, time.Now().UTC()); err != nil {
		s.Log.Error("Failed to insert message", "channel_id", in.ChannelID, "error", err)
		return nil, classify("insert message", err)
	}
	for i, a := range in.Attachments {
		if a.ID == "" {
			a.ID = uuid.NewString()
		}
		query := `INSERT INTO attachments (id, message_id, kind, name, size, mime, object_key, url, thumbnail_url, position)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
		if _, err := tx.ExecContext(ctx, query, a.ID, id, a.Kind, a.Name, a.Size, a.MIME, a.ObjectKey, a.URL, a.ThumbnailURL, i); err != nil {
			s.Log.Error("Failed to insert attachment", "message_id", id, "error", err)
			return nil, classify("insert message", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, classify("insert message", err)
	}
	return s.getMessage(ctx, "insert message", id)
}

// authoredBy loads message id and checks that authorID wrote it.
func (s *Store) authoredBy(ctx context.Context, op, id, authorID string) (*models.Message, error) {
	m, err := s.getMessage(ctx, op, id)
	if err != nil {
		return nil, err
	}
	if m.AuthorID != authorID {
		return nil, apperr.AccessDenied(op, "only the author can change a message")
	}
	return m, nil
}

func (s *Store) UpdateMessage(ctx context.Context, id, authorID, content string) (*models.Message, error) {
	if _, err := s.authoredBy(ctx, "update message", id, authorID); err != nil {
		return nil, err
	}
	query := `UPDATE messages SET content = ?, edited_at = ? WHERE id = ?`
	if _, err := s.DB.ExecContext(ctx, query, content, time.Now().UTC(), id); err != nil {
		s.Log.Error("Failed to update message", "message_id", id, "error", err)
		return nil, classify("update message", err)
	}
	return s.getMessage(ctx, "update message", id)
}

// DeleteMessage removes the message and everything hanging off it.
func (s *Store) DeleteMessage(ctx context.Context, id, authorID string) (*models.Message, error) {
	m, err := s.authoredBy(ctx, "delete message", id, authorID)
	if err != nil {
		return nil, err
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, classify("delete message", err)
	}
	defer tx.Rollback() // Will be ignored if transaction is committed

	for _, query := range []string{
		`DELETE FROM attachments WHERE message_id = ?`,
		`DELETE FROM read_receipts WHERE message_id = ?`,
		`DELETE FROM reactions WHERE message_id = ?`,
		`DELETE FROM stars WHERE message_id = ?`,
		`DELETE FROM pins WHERE message_id = ?`,
		`DELETE FROM messages WHERE id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, query, id); err != nil {
			s.Log.Error("Failed to delete message", "message_id", id, "error", err)
			return nil, classify("delete message", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, classify("delete message", err)
	}
	return m, nil
}
