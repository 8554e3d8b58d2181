package token

import "github.com/golang-jwt/jwt/v5"

// Token kinds carried in the token_type claim.
const (
	KindAccess  = "access_token"
	KindSession = "session"
)

// AccessClaims are the claims of an access token.
type AccessClaims struct {
	Scope     string `json:"scope"`
	ClientID  string `json:"client_id"`
	TokenType string `json:"token_type"`
	jwt.RegisteredClaims
}

// IDClaims are the claims of an OpenID Connect ID token. Name and Email are
// present only when the matching scope was granted.
type IDClaims struct {
	Name      string `json:"name,omitempty"`
	Email     string `json:"email,omitempty"`
	Nonce     string `json:"nonce,omitempty"`
	TokenType string `json:"token_type,omitempty"`
	jwt.RegisteredClaims
}

// SessionUser is the identity carried by a local session token.
type SessionUser struct {
	UserID string `json:"userId"`
	Email  string `json:"email,omitempty"`
	Name   string `json:"name,omitempty"`
	Source string `json:"source,omitempty"`
}

// SessionClaims are the claims of a local session token.
type SessionClaims struct {
	SessionUser
	TokenType string `json:"token_type"`
	jwt.RegisteredClaims
}
