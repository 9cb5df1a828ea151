package database

import (
	"context"
	"fmt"
	"time"

	"github.com/nikhil/eaven-sync/internal/apperr"
	"github.com/nikhil/eaven-sync/internal/models"
)

func (s *Store) queryIDs(ctx context.Context, op, query string, args ...any) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, classify(op, err)
		}
		out = append(out, id)
	}
	return out, classify(op, rows.Err())
}

func (s *Store) ListStarred(ctx context.Context, userID string, messageIDs []string) ([]string, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}
	query := fmt.Sprintf(`SELECT message_id FROM stars WHERE user_id = ? AND message_id IN (%s)`, placeholders(len(messageIDs)))
	return s.queryIDs(ctx, "list starred", query, append([]any{userID}, stringArgs(messageIDs)...)...)
}

func (s *Store) SetStarred(ctx context.Context, userID, messageID string, starred bool) error {
	if _, err := s.getMessage(ctx, "star message", messageID); err != nil {
		return err
	}
	var err error
	if starred {
		_, err = s.DB.ExecContext(ctx, `INSERT IGNORE INTO stars (user_id, message_id, created_at) VALUES (?, ?, ?)`,
			userID, messageID, time.Now().UTC())
	} else {
		_, err = s.DB.ExecContext(ctx, `DELETE FROM stars WHERE user_id = ? AND message_id = ?`, userID, messageID)
	}
	return classify("star message", err)
}

func (s *Store) ListPinned(ctx context.Context, channelID string) ([]string, error) {
	return s.queryIDs(ctx, "list pinned", `SELECT message_id FROM pins WHERE channel_id = ? ORDER BY message_id`, channelID)
}

func (s *Store) SetPinned(ctx context.Context, channelID, messageID, userID string, pinned bool) error {
	m, err := s.getMessage(ctx, "pin message", messageID)
	if err != nil {
		return err
	}
	if m.ChannelID != channelID {
		return apperr.NotFound("pin message", "message not found in channel")
	}
	if pinned {
		_, err = s.DB.ExecContext(ctx, `INSERT IGNORE INTO pins (channel_id, message_id, pinned_by, pinned_at) VALUES (?, ?, ?, ?)`,
			channelID, messageID, userID, time.Now().UTC())
	} else {
		_, err = s.DB.ExecContext(ctx, `DELETE FROM pins WHERE channel_id = ? AND message_id = ?`, channelID, messageID)
	}
	return classify("pin message", err)
}

// UpsertTypingMarker keeps one row per (channel, user). A blank display
// name is filled from the users table.
func (s *Store) UpsertTypingMarker(ctx context.Context, m models.TypingMarker) error {
	query := `INSERT INTO typing_markers (channel_id, user_id, display_name, last_typed_at)
		VALUES (?, ?, COALESCE(NULLIF(?, ''), (SELECT display_name FROM users WHERE id = ?), ''), ?)
		ON DUPLICATE KEY UPDATE display_name = VALUES(display_name), last_typed_at = VALUES(last_typed_at)`
	if _, err := s.DB.ExecContext(ctx, query, m.ChannelID, m.UserID, m.DisplayName, m.UserID, m.LastTypedAt.UTC()); err != nil {
		return classify("upsert typing marker", err)
	}
	return nil
}

func (s *Store) DeleteTypingMarker(ctx context.Context, channelID, userID string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM typing_markers WHERE channel_id = ? AND user_id = ?`, channelID, userID)
	return classify("delete typing marker", err)
}

func (s *Store) ListTypingMarkers(ctx context.Context, channelID string) ([]models.TypingMarker, error) {
	query := `SELECT channel_id, user_id, display_name, last_typed_at FROM typing_markers WHERE channel_id = ? ORDER BY user_id`
	rows, err := s.DB.QueryContext(ctx, query, channelID)
	if err != nil {
		return nil, classify("list typing markers", err)
	}
	defer rows.Close()

	var out []models.TypingMarker
	for rows.Next() {
		var m models.TypingMarker
		if err := rows.Scan(&m.ChannelID, &m.UserID, &m.DisplayName, &m.LastTypedAt); err != nil {
			return nil, classify("list typing markers", err)
		}
		out = append(out, m)
	}
	return out, classify("list typing markers", rows.Err())
}
