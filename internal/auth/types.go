package auth

import "time"

// User is a registered account. PasswordHash is a bcrypt hash.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// Identity is the authenticated caller attached to a request.
type Identity struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

var (
	ErrUserNotFound       = errf("user not found")
	ErrUsernameTaken      = errf("username already taken")
	ErrInvalidUsername    = errf("username must be 3-32 characters of [A-Za-z0-9_.-]")
	ErrWeakPassword       = errf("password must be 8-72 characters")
	ErrInvalidCredentials = errf("invalid username or password")
	ErrInvalidSession     = errf("invalid session")
	ErrSessionExpired     = errf("session expired")
)

type staticErr string

func (e staticErr) Error() string { return string(e) }
func errf(s string) error         { return staticErr(s) }
