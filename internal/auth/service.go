package auth

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/park285/tablutboard/internal/obslog"
)

const sessionIssuer = "tablutboard"

var usernamePattern = regexp.MustCompile(`^[a-z0-9_.-]{3,32}$`)

type Service struct {
	users  UserRepository
	secret []byte
	ttl    time.Duration
	cost   int
	now    func() time.Time
}

func NewService(users UserRepository, secret string, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Service{users: users, secret: []byte(secret), ttl: ttl, cost: bcrypt.DefaultCost, now: time.Now}
}

// TTL is the lifetime of issued session tokens.
func (s *Service) TTL() time.Duration { return s.ttl }

// Register creates an account with a bcrypt-hashed password.
func (s *Service) Register(ctx context.Context, username, password string) (*User, error) {
	name := canonicalUsername(username)
	if !usernamePattern.MatchString(name) {
		return nil, ErrInvalidUsername
	}
	// bcrypt only looks at the first 72 bytes
	if len(password) < 8 || len(password) > 72 {
		return nil, ErrWeakPassword
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	u := &User{
		ID:           uuid.NewString(),
		Username:     name,
		PasswordHash: string(hash),
		CreatedAt:    s.now().UTC(),
	}
	if err := s.users.Create(ctx, u); err != nil {
		return nil, err
	}
	obslog.L().Info("user_register", zap.String("user_id", u.ID), zap.String("username", u.Username))
	return u, nil
}

// Authenticate checks a username/password pair. Unknown users and wrong passwords look the same.
func (s *Service) Authenticate(ctx context.Context, username, password string) (*User, error) {
	u, err := s.users.FindByUsername(ctx, username)
	if errors.Is(err, ErrUserNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		obslog.L().Warn("user_login_failed", zap.String("username", u.Username))
		return nil, ErrInvalidCredentials
	}
	return u, nil
}

type sessionClaims struct {
	Name string `json:"name"`
	jwt.RegisteredClaims
}

// IssueSession signs an HS256 session token for u.
func (s *Service) IssueSession(u *User) (string, time.Time, error) {
	now := s.now()
	exp := now.Add(s.ttl)
	claims := sessionClaims{
		Name: u.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    sessionIssuer,
			Subject:   u.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign session: %w", err)
	}
	return signed, exp, nil
}

// ParseSession verifies a session token and returns the identity it carries.
func (s *Service) ParseSession(token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, ErrInvalidSession
	}
	var claims sessionClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(sessionIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if errors.Is(err, jwt.ErrTokenExpired) {
		return Identity{}, ErrSessionExpired
	}
	if err != nil || claims.Subject == "" {
		return Identity{}, ErrInvalidSession
	}
	return Identity{ID: claims.Subject, Username: claims.Name}, nil
}
