package syncengine

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/crypto/bcrypt"

	"github.com/zakari90/centersync/internal/localstore"
	"github.com/zakari90/centersync/internal/netclient"
)

var (
	ErrBadCredentials = errors.New("invalid email or password")
	ErrNoCachedUser   = errors.New("server unreachable and no cached credentials for this account")
)

// CredentialStore caches the last successful login so the account can
// authenticate while the server is unreachable.
type CredentialStore interface {
	PutCachedUser(ctx context.Context, u localstore.CachedUser) error
	CachedUserByEmail(ctx context.Context, email string) (localstore.CachedUser, error)
}

// Session is the outcome of a login. Offline marks a session verified
// against the credential cache; its token is the previously issued one and
// may have expired server-side.
type Session struct {
	UserID  string
	Email   string
	Name    string
	Role    string
	Token   string
	Offline bool
}

// Login authenticates network first, always. Only a transport-level
// failure falls back to the cached bcrypt hash; a server rejection is a
// real rejection even when a matching cache entry exists, so a password
// changed elsewhere cannot keep working from an old cache.
func (e *Engine) Login(ctx context.Context, email, password string) (Session, error) {
	resp, err := e.client.Login(ctx, email, password)
	if err == nil {
		session := Session{
			UserID: resp.User.ID,
			Email:  resp.User.Email,
			Name:   resp.User.Name,
			Role:   resp.User.Role,
			Token:  resp.Token,
		}
		e.cacheSession(ctx, session, resp.User.PasswordHash)
		return session, nil
	}

	var apiErr *netclient.APIError
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden {
			return Session{}, ErrBadCredentials
		}
		return Session{}, err
	}
	if !netclient.IsNetworkError(err) {
		return Session{}, err
	}

	return e.offlineLogin(ctx, email, password)
}

func (e *Engine) offlineLogin(ctx context.Context, email, password string) (Session, error) {
	if e.credentials == nil {
		return Session{}, ErrNoCachedUser
	}
	cached, err := e.credentials.CachedUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, localstore.ErrNotFound) {
			return Session{}, ErrNoCachedUser
		}
		return Session{}, fmt.Errorf("read credential cache: %w", err)
	}
	if cached.PasswordHash == "" {
		return Session{}, ErrNoCachedUser
	}
	if bcrypt.CompareHashAndPassword([]byte(cached.PasswordHash), []byte(password)) != nil {
		return Session{}, ErrBadCredentials
	}
	e.logf("offline login for %s verified against cached credentials", email)
	return Session{
		UserID:  cached.UserID,
		Email:   cached.Email,
		Name:    cached.Name,
		Role:    cached.Role,
		Token:   cached.Token,
		Offline: true,
	}, nil
}

func (e *Engine) cacheSession(ctx context.Context, s Session, passwordHash string) {
	if e.credentials == nil || passwordHash == "" {
		return
	}
	err := e.credentials.PutCachedUser(ctx, localstore.CachedUser{
		UserID:       s.UserID,
		Email:        s.Email,
		Name:         s.Name,
		Role:         s.Role,
		PasswordHash: passwordHash,
		Token:        s.Token,
		CachedAt:     e.now().UTC(),
	})
	if err != nil {
		e.logf("credential cache write failed for %s: %v", s.Email, err)
	}
}
