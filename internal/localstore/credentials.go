package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CachedUser is the locally stored copy of an authenticated account. The
// bcrypt hash lets offline login verify a password without a server round
// trip; the token is the last session credential the server issued.
type CachedUser struct {
	UserID       string
	Email        string
	Name         string
	Role         string
	PasswordHash string
	Token        string
	CachedAt     time.Time
}

// PutCachedUser upserts the credential cache entry for u.Email.
func (s *Store) PutCachedUser(ctx context.Context, u CachedUser) error {
	if u.Email == "" {
		return errors.New("cached user email is required")
	}
	query := `
	INSERT INTO cached_credentials (email, user_id, name, role, password_hash, token, cached_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(email) DO UPDATE SET
		user_id = excluded.user_id,
		name = excluded.name,
		role = excluded.role,
		password_hash = excluded.password_hash,
		token = excluded.token,
		cached_at = excluded.cached_at
	`
	cachedAt := u.CachedAt
	if cachedAt.IsZero() {
		cachedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, query,
		u.Email, u.UserID, u.Name, u.Role, u.PasswordHash, u.Token,
		cachedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to cache credentials for %s: %w", u.Email, err)
	}
	return nil
}

// CachedUserByEmail returns the cached account for email, or ErrNotFound.
func (s *Store) CachedUserByEmail(ctx context.Context, email string) (CachedUser, error) {
	query := `
	SELECT email, user_id, name, role, password_hash, token, cached_at
	FROM cached_credentials WHERE email = ?`
	var u CachedUser
	var cachedAt string
	err := s.db.QueryRowContext(ctx, query, email).Scan(
		&u.Email, &u.UserID, &u.Name, &u.Role, &u.PasswordHash, &u.Token, &cachedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return CachedUser{}, ErrNotFound
	}
	if err != nil {
		return CachedUser{}, fmt.Errorf("failed to read cached credentials: %w", err)
	}
	if t, parseErr := time.Parse(time.RFC3339Nano, cachedAt); parseErr == nil {
		u.CachedAt = t
	}
	return u, nil
}
