package storage

import (
	"context"
	"errors"
	"slices"
	"time"
)

// Sentinel errors returned by every implementation. Callers match them with errors.Is.
var (
	ErrClientNotFound            = errors.New("client not found")
	ErrUserNotFound              = errors.New("user not found")
	ErrAuthorizationCodeNotFound = errors.New("authorization code not found")
	ErrAuthorizationCodeUsed     = errors.New("authorization code already used")
	ErrRefreshTokenNotFound      = errors.New("refresh token not found")
)

// Client types (RFC 6749 Section 2.1).
const (
	ClientTypeConfidential = "confidential"
	ClientTypePublic       = "public"
)

// Grant types a client may be registered for.
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
)

// ClientStore persists client registrations. Registration itself happens out of
// band; the authorization server only reads.
type ClientStore interface {
	SaveClient(ctx context.Context, client *Client) error

	// GetClient returns ErrClientNotFound for an unknown id.
	GetClient(ctx context.Context, clientID string) (*Client, error)
}

// UserStore is the read side of the external identity store.
type UserStore interface {
	SaveUser(ctx context.Context, user *User) error

	// GetUser returns ErrUserNotFound for an unknown id.
	GetUser(ctx context.Context, userID string) (*User, error)
}

// CodeStore persists authorization codes.
type CodeStore interface {
	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// GetAuthorizationCode returns a copy of the record, or ErrAuthorizationCodeNotFound.
	GetAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)

	// MarkAuthorizationCodeUsed flips Used from false to true atomically.
	// Exactly one caller succeeds for a given code; every other caller gets
	// ErrAuthorizationCodeUsed. An unknown code gives ErrAuthorizationCodeNotFound.
	MarkAuthorizationCodeUsed(ctx context.Context, code string) error
}

// RefreshTokenStore persists refresh tokens.
type RefreshTokenStore interface {
	SaveRefreshToken(ctx context.Context, token *RefreshToken) error

	// GetRefreshToken returns a copy of the record, or ErrRefreshTokenNotFound.
	GetRefreshToken(ctx context.Context, token string) (*RefreshToken, error)

	// RevokeRefreshToken marks a token revoked. Unknown and already revoked
	// tokens are not an error.
	RevokeRefreshToken(ctx context.Context, token string) error
}

// Store is everything the authorization server persists.
type Store interface {
	ClientStore
	UserStore
	CodeStore
	RefreshTokenStore
}

// Client is a registered OAuth client.
type Client struct {
	ClientID string `json:"client_id" yaml:"client_id"`

	// ClientSecretHash is a bcrypt hash; empty for public clients.
	ClientSecretHash string `json:"client_secret_hash,omitempty" yaml:"client_secret_hash,omitempty"`

	ClientType    string   `json:"client_type" yaml:"client_type"`
	Name          string   `json:"name" yaml:"name"`
	RedirectURIs  []string `json:"redirect_uris" yaml:"redirect_uris"`
	GrantTypes    []string `json:"grant_types" yaml:"grant_types"`
	AllowedScopes []string `json:"allowed_scopes" yaml:"allowed_scopes"`
	RequirePKCE   bool     `json:"require_pkce" yaml:"require_pkce"`

	// Trusted marks a first-party client that is issued codes without consent.
	Trusted bool `json:"trusted" yaml:"trusted"`

	Active    bool      `json:"active" yaml:"active"`
	CreatedAt time.Time `json:"created_at" yaml:"-"`
}

// IsConfidential reports whether the client must authenticate with a secret.
func (c *Client) IsConfidential() bool {
	return c.ClientType != ClientTypePublic
}

// HasRedirectURI reports whether uri is registered. Matching is byte-exact:
// no prefix, case or trailing-slash normalization.
func (c *Client) HasRedirectURI(uri string) bool {
	return uri != "" && slices.Contains(c.RedirectURIs, uri)
}

// AllowsGrant reports whether the client may use grantType. A registration with
// no grant types gets authorization_code and refresh_token.
func (c *Client) AllowsGrant(grantType string) bool {
	if len(c.GrantTypes) == 0 {
		return grantType == GrantTypeAuthorizationCode || grantType == GrantTypeRefreshToken
	}
	return slices.Contains(c.GrantTypes, grantType)
}

// AllowsScope reports whether every requested scope is in AllowedScopes. An
// empty allow-list accepts anything the server supports.
func (c *Client) AllowsScope(scopes []string) bool {
	if len(c.AllowedScopes) == 0 {
		return true
	}
	for _, s := range scopes {
		if !slices.Contains(c.AllowedScopes, s) {
			return false
		}
	}
	return true
}

// User is an identity the authorization server issues tokens for. It is owned by
// an external identity store; codes and tokens only reference it by ID.
type User struct {
	ID            string `json:"id" yaml:"id"`
	Name          string `json:"name" yaml:"name"`
	Email         string `json:"email" yaml:"email"`
	EmailVerified bool   `json:"email_verified" yaml:"email_verified"`
}

// AuthorizationCode is a single-use code issued by /authorize.
type AuthorizationCode struct {
	Code                string    `json:"code"`
	ClientID            string    `json:"client_id"`
	UserID              string    `json:"user_id"`
	RedirectURI         string    `json:"redirect_uri"`
	Scope               string    `json:"scope"`
	CodeChallenge       string    `json:"code_challenge,omitempty"`
	CodeChallengeMethod string    `json:"code_challenge_method,omitempty"`
	State               string    `json:"state,omitempty"`
	Nonce               string    `json:"nonce,omitempty"`
	Used                bool      `json:"used"`
	CreatedAt           time.Time `json:"created_at"`
	ExpiresAt           time.Time `json:"expires_at"`
}

// IsExpired reports whether the code can no longer be redeemed at now.
func (c *AuthorizationCode) IsExpired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// RefreshToken is a long-lived opaque token bound to a client and user.
type RefreshToken struct {
	Token     string    `json:"token"`
	ClientID  string    `json:"client_id"`
	UserID    string    `json:"user_id"`
	Scope     string    `json:"scope"`
	Revoked   bool      `json:"revoked"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// IsValid reports whether the token is neither revoked nor expired at now.
func (t *RefreshToken) IsValid(now time.Time) bool {
	return !t.Revoked && now.Before(t.ExpiresAt)
}
