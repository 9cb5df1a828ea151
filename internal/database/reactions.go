package database

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nikhil/eaven-sync/internal/apperr"
	"github.com/nikhil/eaven-sync/internal/models"
)

func (s *Store) ListReceipts(ctx context.Context, messageIDs []string) ([]models.ReadReceipt, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}
	query := fmt.Sprintf(`SELECT message_id, channel_id, user_id, read_at FROM read_receipts
		WHERE message_id IN (%s) ORDER BY read_at`, placeholders(len(messageIDs)))
	rows, err := s.DB.QueryContext(ctx, query, stringArgs(messageIDs)...)
	if err != nil {
		return nil, classify("list receipts", err)
	}
	defer rows.Close()

	var out []models.ReadReceipt
	for rows.Next() {
		var r models.ReadReceipt
		if err := rows.Scan(&r.MessageID, &r.ChannelID, &r.UserID, &r.ReadAt); err != nil {
			return nil, classify("list receipts", err)
		}
		out = append(out, r)
	}
	return out, classify("list receipts", rows.Err())
}

// InsertReceipts writes receipts in one statement; existing pairs are kept.
func (s *Store) InsertReceipts(ctx context.Context, receipts []models.ReadReceipt) error {
	if len(receipts) == 0 {
		return nil
	}
	now := time.Now().UTC()
	values := make([]string, 0, len(receipts))
	args := make([]any, 0, len(receipts)*4)
	for _, r := range receipts {
		if r.ReadAt.IsZero() {
			r.ReadAt = now
		}
		values = append(values, "(?, ?, ?, ?)")
		args = append(args, r.MessageID, r.UserID, r.ChannelID, r.ReadAt)
	}
	query := `INSERT IGNORE INTO read_receipts (message_id, user_id, channel_id, read_at) VALUES ` + strings.Join(values, ", ")
	if _, err := s.DB.ExecContext(ctx, query, args...); err != nil {
		s.Log.Error("Failed to insert read receipts", "count", len(receipts), "error", err)
		return classify("insert receipts", err)
	}
	return nil
}

const reactionColumns = `id, message_id, channel_id, user_id, emoji, created_at`

func scanReaction(sc scanner) (models.Reaction, error) {
	var r models.Reaction
	err := sc.Scan(&r.ID, &r.MessageID, &r.ChannelID, &r.UserID, &r.Emoji, &r.CreatedAt)
	return r, err
}

func (s *Store) ListReactions(ctx context.Context, messageIDs []string) ([]models.Reaction, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}
	query := fmt.Sprintf(`SELECT `+reactionColumns+` FROM reactions WHERE message_id IN (%s) ORDER BY created_at, id`,
		placeholders(len(messageIDs)))
	rows, err := s.DB.QueryContext(ctx, query, stringArgs(messageIDs)...)
	if err != nil {
		return nil, classify("list reactions", err)
	}
	defer rows.Close()

	var out []models.Reaction
	for rows.Next() {
		r, err := scanReaction(rows)
		if err != nil {
			return nil, classify("list reactions", err)
		}
		out = append(out, r)
	}
	return out, classify("list reactions", rows.Err())
}

func (s *Store) FindReaction(ctx context.Context, messageID, userID, emoji string) (*models.Reaction, error) {
	query := `SELECT ` + reactionColumns + ` FROM reactions WHERE message_id = ? AND user_id = ? AND emoji = ?`
	r, err := scanReaction(s.DB.QueryRowContext(ctx, query, messageID, userID, emoji))
	if err != nil {
		return nil, classify("find reaction", err)
	}
	return &r, nil
}

// InsertReaction relies on the unique key: a second insert of the same
// (message, user, emoji) is a Conflict.
func (s *Store) InsertReaction(ctx context.Context, r models.Reaction) (*models.Reaction, error) {
	var channelID string
	if err := s.DB.QueryRowContext(ctx, `SELECT channel_id FROM messages WHERE id = ?`, r.MessageID).Scan(&channelID); err != nil {
		return nil, classify("insert reaction", err)
	}
	r.ID = uuid.NewString()
	r.ChannelID = channelID
	r.CreatedAt = time.Now().UTC()
	query := `INSERT INTO reactions (` + reactionColumns + `) VALUES (?, ?, ?, ?, ?, ?)`
	if _, err := s.DB.ExecContext(ctx, query, r.ID, r.MessageID, r.ChannelID, r.UserID, r.Emoji, r.CreatedAt); err != nil {
		return nil, classify("insert reaction", err)
	}
	return &r, nil
}

func (s *Store) DeleteReaction(ctx context.Context, reactionID, userID string) (*models.Reaction, error) {
	query := `SELECT ` + reactionColumns + ` FROM reactions WHERE id = ?`
	r, err := scanReaction(s.DB.QueryRowContext(ctx, query, reactionID))
	if err != nil {
		return nil, classify("delete reaction", err)
	}
	if r.UserID != userID {
		return nil, apperr.AccessDenied("delete reaction", "reaction belongs to another user")
	}
	res, err := s.DB.ExecContext(ctx, `DELETE FROM reactions WHERE id = ?`, reactionID)
	if err != nil {
		return nil, classify("delete reaction", err)
	}
	// Lost a race with another delete of the same row.
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, apperr.NotFound("delete reaction", "reaction not found")
	}
	return &r, nil
}
