package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/giantswarm/oauth-sso/storage"
	"github.com/giantswarm/oauth-sso/token"
)

// SessionSourceLocal marks a session minted by the authorization server's own
// login surface.
const SessionSourceLocal = "local"

// ErrNoSession is returned by AuthenticateSession when the session token is
// missing, invalid or names an unknown user.
var ErrNoSession = errors.New("no valid session")

func sessionUserFor(user *storage.User) token.SessionUser {
	return token.SessionUser{
		UserID: user.ID,
		Email:  user.Email,
		Name:   user.Name,
		Source: SessionSourceLocal,
	}
}

// IssueSessionToken mints the login session for user. The login surface sets
// it as a cookie and /authorize reads it back.
func (s *Server) IssueSessionToken(user *storage.User) (string, error) {
	if user == nil {
		return "", fmt.Errorf("user is required")
	}
	return s.codec.IssueSessionToken(sessionUserFor(user))
}

// AuthenticateSession verifies a session token and loads its user from the
// identity store.
func (s *Server) AuthenticateSession(ctx context.Context, sessionToken string) (*storage.User, error) {
	if sessionToken == "" {
		return nil, ErrNoSession
	}
	claims, err := s.codec.VerifySessionToken(sessionToken)
	if err != nil {
		s.Logger.Debug("Session token rejected", "kind", tokenErrorKind(err))
		return nil, fmt.Errorf("%w: %w", ErrNoSession, err)
	}
	user, err := s.userStore.GetUser(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			return nil, fmt.Errorf("%w: %w", ErrNoSession, err)
		}
		return nil, fmt.Errorf("failed to load session user: %w", err)
	}
	return user, nil
}
