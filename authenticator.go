package oauth

import (
	"errors"
	"net/http"
	"time"

	"github.com/giantswarm/oauth-sso/server"
	"github.com/giantswarm/oauth-sso/storage"
)

// DefaultSessionCookieName is the login session cookie read by
// SessionCookieAuthenticator.
const DefaultSessionCookieName = "sso_session"

// Authenticator resolves the end user behind an /authorize request.
//
// Authenticate returns (nil, nil) when the browser has no session. A non-nil
// error means the session could not be checked at all and is reported as
// server_error.
type Authenticator interface {
	Authenticate(r *http.Request) (*storage.User, error)
}

// AuthenticatorFunc adapts a function to the Authenticator interface.
type AuthenticatorFunc func(r *http.Request) (*storage.User, error)

// Authenticate calls f(r).
func (f AuthenticatorFunc) Authenticate(r *http.Request) (*storage.User, error) {
	return f(r)
}

// SessionCookieAuthenticator reads a session token minted by
// server.IssueSessionToken from a cookie.
type SessionCookieAuthenticator struct {
	Server *server.Server

	// CookieName defaults to DefaultSessionCookieName
	CookieName string

	// Secure sets the Secure attribute on cookies written by SetSessionCookie
	Secure bool
}

var _ Authenticator = (*SessionCookieAuthenticator)(nil)

func (a *SessionCookieAuthenticator) cookieName() string {
	if a.CookieName == "" {
		return DefaultSessionCookieName
	}
	return a.CookieName
}

// Authenticate implements Authenticator.
func (a *SessionCookieAuthenticator) Authenticate(r *http.Request) (*storage.User, error) {
	cookie, err := r.Cookie(a.cookieName())
	if err != nil {
		return nil, nil
	}
	user, err := a.Server.AuthenticateSession(r.Context(), cookie.Value)
	if errors.Is(err, server.ErrNoSession) {
		return nil, nil
	}
	return user, err
}

// SetSessionCookie logs user in for subsequent /authorize requests. It is
// meant for the login surface that LoginURL points to.
func (a *SessionCookieAuthenticator) SetSessionCookie(w http.ResponseWriter, user *storage.User) error {
	tok, err := a.Server.IssueSessionToken(user)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     a.cookieName(),
		Value:    tok,
		Path:     "/",
		MaxAge:   int(a.Server.Codec().SessionTTL() / time.Second),
		HttpOnly: true,
		Secure:   a.Secure,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// ClearSessionCookie ends the login session.
func (a *SessionCookieAuthenticator) ClearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     a.cookieName(),
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   a.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}
