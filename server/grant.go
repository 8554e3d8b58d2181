package server

import (
	"fmt"
	"net/url"

	"github.com/giantswarm/oauth-sso/storage"
)

// Grant is a parsed /token request body. It is one of
// *AuthorizationCodeGrant or *RefreshTokenGrant.
type Grant interface {
	// GrantType returns the grant_type value the grant was parsed from.
	GrantType() string

	grant()
}

// AuthorizationCodeGrant redeems an authorization code (RFC 6749 Section 4.1.3).
type AuthorizationCodeGrant struct {
	Code         string
	RedirectURI  string
	CodeVerifier string
}

// GrantType implements Grant.
func (*AuthorizationCodeGrant) GrantType() string { return storage.GrantTypeAuthorizationCode }

func (*AuthorizationCodeGrant) grant() {}

// RefreshTokenGrant exchanges a refresh token for a new access token
// (RFC 6749 Section 6).
type RefreshTokenGrant struct {
	RefreshToken string
}

// GrantType implements Grant.
func (*RefreshTokenGrant) GrantType() string { return storage.GrantTypeRefreshToken }

func (*RefreshTokenGrant) grant() {}

// ParseGrant builds a Grant from a /token form. Errors are *ProtocolError.
func ParseGrant(form url.Values) (Grant, error) {
	grantType := form.Get("grant_type")
	switch grantType {
	case "":
		return nil, errInvalidRequest("grant_type is required")

	case storage.GrantTypeAuthorizationCode:
		g := &AuthorizationCodeGrant{
			Code:         form.Get("code"),
			RedirectURI:  form.Get("redirect_uri"),
			CodeVerifier: form.Get("code_verifier"),
		}
		if g.Code == "" {
			return nil, errInvalidRequest("code is required")
		}
		if g.RedirectURI == "" {
			return nil, errInvalidRequest("redirect_uri is required")
		}
		return g, nil

	case storage.GrantTypeRefreshToken:
		g := &RefreshTokenGrant{RefreshToken: form.Get("refresh_token")}
		if g.RefreshToken == "" {
			return nil, errInvalidRequest("refresh_token is required")
		}
		return g, nil

	default:
		return nil, newProtocolError(ErrorCodeUnsupportedGrantType,
			fmt.Sprintf("grant_type %q is not supported", grantType))
	}
}
