package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nikhil/eaven-sync/internal/apperr"
	"github.com/nikhil/eaven-sync/internal/models"
)

func (s *Store) CreateUser(ctx context.Context, u models.User) (*models.User, error) {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	u.Email = strings.ToLower(strings.TrimSpace(u.Email))
	u.CreatedAt = time.Now().UTC()

	query := `INSERT INTO users (id, org_id, email, display_name, avatar_url, password_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := s.DB.ExecContext(ctx, query, u.ID, u.OrgID, u.Email, u.DisplayName, u.AvatarURL, u.PasswordHash, u.CreatedAt)
	if err != nil {
		err = classify("create user", err)
		if apperr.Is(err, apperr.KindConflict) {
			return nil, apperr.Conflict("create user", errors.New("email already registered"))
		}
		s.Log.Error("Failed to create user", "error", err)
		return nil, err
	}
	return &u, nil
}

func (s *Store) FindUserByEmail(ctx context.Context, email string) (*models.User, error) {
	var u models.User
	query := `SELECT id, org_id, email, display_name, avatar_url, password_hash, created_at FROM users WHERE email = ?`
	err := s.DB.QueryRowContext(ctx, query, strings.ToLower(strings.TrimSpace(email))).
		Scan(&u.ID, &u.OrgID, &u.Email, &u.DisplayName, &u.AvatarURL, &u.PasswordHash, &u.CreatedAt)
	if err != nil {
		return nil, classify("find user", err)
	}
	return &u, nil
}

func (s *Store) GetProfiles(ctx context.Context, ids []string) ([]models.Profile, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := fmt.Sprintf(`SELECT id, org_id, display_name, email, avatar_url FROM users WHERE id IN (%s)`, placeholders(len(ids)))
	rows, err := s.DB.QueryContext(ctx, query, stringArgs(ids)...)
	if err != nil {
		return nil, classify("get profiles", err)
	}
	defer rows.Close()

	var out []models.Profile
	for rows.Next() {
		var p models.Profile
		if err := rows.Scan(&p.ID, &p.OrgID, &p.DisplayName, &p.Email, &p.AvatarURL); err != nil {
			return nil, classify("get profiles", err)
		}
		out = append(out, p)
	}
	return out, classify("get profiles", rows.Err())
}
