package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/park285/tablutboard/internal/storage"
)

type UserRepository interface {
	Create(ctx context.Context, u *User) error
	FindByUsername(ctx context.Context, username string) (*User, error)
	FindByID(ctx context.Context, id string) (*User, error)
}

type sqlUserRepository struct {
	db *storage.DB
}

func NewUserRepository(db *storage.DB) UserRepository {
	return &sqlUserRepository{db: db}
}

func (r *sqlUserRepository) Create(ctx context.Context, u *User) error {
	q := r.db.Rebind(`INSERT INTO users (id, username, password_hash, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (username) DO NOTHING`)
	res, err := r.db.ExecContext(ctx, q, u.ID, u.Username, u.PasswordHash, storage.Millis(u.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrUsernameTaken
	}
	return nil
}

func (r *sqlUserRepository) FindByUsername(ctx context.Context, username string) (*User, error) {
	return r.findOne(ctx, `SELECT id, username, password_hash, created_at FROM users WHERE username = ?`, canonicalUsername(username))
}

func (r *sqlUserRepository) FindByID(ctx context.Context, id string) (*User, error) {
	return r.findOne(ctx, `SELECT id, username, password_hash, created_at FROM users WHERE id = ?`, strings.TrimSpace(id))
}

func (r *sqlUserRepository) findOne(ctx context.Context, q string, arg string) (*User, error) {
	var (
		u       User
		created int64
	)
	err := r.db.QueryRowContext(ctx, r.db.Rebind(q), arg).Scan(&u.ID, &u.Username, &u.PasswordHash, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select user: %w", err)
	}
	u.CreatedAt = storage.FromMillis(created)
	return &u, nil
}

type memUserRepository struct {
	mu     sync.RWMutex
	byID   map[string]*User
	byName map[string]string
}

func NewMemoryUserRepository() UserRepository {
	return &memUserRepository{byID: make(map[string]*User), byName: make(map[string]string)}
}

func (m *memUserRepository) Create(ctx context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byName[u.Username]; ok {
		return ErrUsernameTaken
	}
	cp := *u
	m.byID[u.ID] = &cp
	m.byName[u.Username] = u.ID
	return nil
}

func (m *memUserRepository) FindByUsername(ctx context.Context, username string) (*User, error) {
	m.mu.RLock()
	id, ok := m.byName[canonicalUsername(username)]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrUserNotFound
	}
	return m.FindByID(ctx, id)
}

func (m *memUserRepository) FindByID(ctx context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.byID[strings.TrimSpace(id)]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

// canonicalUsername makes lookups case-insensitive.
func canonicalUsername(s string) string { return strings.ToLower(strings.TrimSpace(s)) }
