// Package auth registers users and issues the JWTs the gateway accepts.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/nikhil/eaven-sync/internal/apperr"
	"github.com/nikhil/eaven-sync/internal/backend"
	"github.com/nikhil/eaven-sync/internal/logger"
	"github.com/nikhil/eaven-sync/internal/models"
)

const (
	DefaultTokenTTL   = 24 * time.Hour
	MinPasswordLength = 8
)

// Claims is the JWT payload. The gateway takes the caller's identity from
// here and never from request bodies.
type Claims struct {
	UserID string `json:"user_id"`
	OrgID  string `json:"org_id"`
	Email  string `json:"email"`
	jwt.RegisteredClaims
}

type AuthService struct {
	Users  backend.UserStore
	Secret []byte
	TTL    time.Duration
	Log    *logger.Logger
	now    func() time.Time
}

// NewAuthService creates a new instance of AuthService
func NewAuthService(users backend.UserStore, secret string, log *logger.Logger) *AuthService {
	return &AuthService{
		Users:  users,
		Secret: []byte(secret),
		TTL:    DefaultTokenTTL,
		Log:    log,
		now:    time.Now,
	}
}

type SignupRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name"`
	OrgID       string `json:"org_id"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Result is returned by Signup and Login.
type Result struct {
	Token string         `json:"token"`
	User  models.Profile `json:"user_details"`
}

func (r SignupRequest) validate() error {
	if _, err := mail.ParseAddress(r.Email); err != nil {
		return apperr.Validation("signup", "a valid email is required")
	}
	if len(r.Password) < MinPasswordLength {
		return apperr.Validation("signup", fmt.Sprintf("password must be at least %d characters", MinPasswordLength))
	}
	if strings.TrimSpace(r.DisplayName) == "" {
		return apperr.Validation("signup", "display name is required")
	}
	if strings.TrimSpace(r.OrgID) == "" {
		return apperr.Validation("signup", "organization is required")
	}
	return nil
}

// Signup handles user registration
func (s *AuthService) Signup(ctx context.Context, req SignupRequest) (*Result, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	hashed, err := HashPassword(req.Password)
	if err != nil {
		return nil, err
	}
	u, err := s.Users.CreateUser(ctx, models.User{
		Profile: models.Profile{
			OrgID:       strings.TrimSpace(req.OrgID),
			DisplayName: strings.TrimSpace(req.DisplayName),
			Email:       strings.ToLower(strings.TrimSpace(req.Email)),
		},
		PasswordHash: hashed,
	})
	if err != nil {
		return nil, fmt.Errorf("signup: %w", err)
	}
	token, err := s.GenerateJWT(u.Profile)
	if err != nil {
		return nil, err
	}
	s.Log.Audit("User registered", "user_id", u.ID, "org_id", u.OrgID)
	return &Result{Token: token, User: u.Profile}, nil
}

var errBadCredentials = apperr.AccessDenied("login", "invalid email or password")

// Login authenticates a user
func (s *AuthService) Login(ctx context.Context, req LoginRequest) (*Result, error) {
	u, err := s.Users.FindUserByEmail(ctx, req.Email)
	if err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			return nil, errBadCredentials
		}
		return nil, fmt.Errorf("login: %w", err)
	}
	if err := CheckPassword(u.PasswordHash, req.Password); err != nil {
		s.Log.Warn("Failed login attempt", "user_id", u.ID)
		return nil, errBadCredentials
	}
	token, err := s.GenerateJWT(u.Profile)
	if err != nil {
		return nil, err
	}
	return &Result{Token: token, User: u.Profile}, nil
}

// GenerateJWT creates a JWT token for authentication
func (s *AuthService) GenerateJWT(p models.Profile) (string, error) {
	now := s.now()
	claims := Claims{
		UserID: p.ID,
		OrgID:  p.OrgID,
		Email:  p.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.TTL)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.Secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return token, nil
}

// ParseToken verifies signature and expiry and returns the claims.
func (s *AuthService) ParseToken(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		return s.Secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, &apperr.Error{Kind: apperr.KindAccessDenied, Op: "parse token", Msg: "invalid token", Err: err}
	}
	if claims.UserID == "" {
		return nil, apperr.AccessDenied("parse token", "token has no user")
	}
	return claims, nil
}

func HashPassword(password string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hashed), nil
}

func CheckPassword(hashed, password string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(hashed), []byte(password)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return errors.New("password mismatch")
		}
		return err
	}
	return nil
}
