package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/giantswarm/oauth-sso/instrumentation"
	"github.com/giantswarm/oauth-sso/internal/util"
	"github.com/giantswarm/oauth-sso/security"
	"github.com/giantswarm/oauth-sso/storage"
	"github.com/giantswarm/oauth-sso/token"
)

// TokenTypeBearer is the token_type of every access token.
const TokenTypeBearer = "Bearer"

// Token type hints accepted at /revoke (RFC 7009 Section 2.1).
const (
	TokenTypeHintAccessToken  = "access_token"
	TokenTypeHintRefreshToken = "refresh_token"
)

// genericGrantError is the only description a client sees for a failed grant,
// whatever the actual reason was.
const genericGrantError = "Authorization grant is invalid, expired or revoked"

// TokenResult is a successful /token response.
type TokenResult struct {
	AccessToken  string
	TokenType    string
	ExpiresIn    int64
	RefreshToken string // authorization_code grant only
	Scope        string
	IDToken      string // when openid was granted
}

// UserInfoClaims is the /userinfo response (OIDC Core Section 5.3.2).
type UserInfoClaims struct {
	Sub           string `json:"sub"`
	Name          string `json:"name,omitempty"`
	Email         string `json:"email,omitempty"`
	EmailVerified *bool  `json:"email_verified,omitempty"`
}

func isNotFound(err error) bool {
	return errors.Is(err, storage.ErrClientNotFound) ||
		errors.Is(err, storage.ErrUserNotFound) ||
		errors.Is(err, storage.ErrAuthorizationCodeNotFound) ||
		errors.Is(err, storage.ErrRefreshTokenNotFound)
}

// Token dispatches an authenticated client's grant. client must come from
// AuthenticateClient.
func (s *Server) Token(ctx context.Context, client *storage.Client, grant Grant, clientIP string) (*TokenResult, error) {
	ctx, span := s.startSpan(ctx, "oauth.server.token")
	defer endSpan(span)
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrGrantType, grant.GrantType()))
	instrumentation.AddOAuthFlowAttributes(span, client.ClientID, "", "")

	if !client.AllowsGrant(grant.GrantType()) {
		s.Auditor.LogAuthFailure("", client.ClientID, clientIP, "grant_type_not_allowed")
		instrumentation.SetSpanError(span, ErrorCodeUnauthorizedClient)
		return nil, newProtocolError(ErrorCodeUnauthorizedClient,
			fmt.Sprintf("Client is not allowed to use grant_type %s", grant.GrantType()))
	}

	var (
		result *TokenResult
		err    error
	)
	switch g := grant.(type) {
	case *AuthorizationCodeGrant:
		result, err = s.ExchangeAuthorizationCode(ctx, client, g, clientIP)
	case *RefreshTokenGrant:
		result, err = s.RefreshAccessToken(ctx, client, g, clientIP)
	default:
		err = newProtocolError(ErrorCodeUnsupportedGrantType, "grant_type is not supported")
	}
	if err != nil {
		instrumentation.RecordError(span, err)
		instrumentation.SetSpanError(span, "token request failed")
		return nil, err
	}
	instrumentation.SetSpanSuccess(span)
	return result, nil
}

// ExchangeAuthorizationCode redeems a code. Every check runs against a read
// copy of the record; the code is only burned by the atomic mark-used once
// they all pass, so a request with the wrong verifier or redirect_uri does
// not consume the code of the legitimate client. Losing the mark-used race
// counts as reuse.
func (s *Server) ExchangeAuthorizationCode(ctx context.Context, client *storage.Client, g *AuthorizationCodeGrant, clientIP string) (*TokenResult, error) {
	fail := func(userID, reason string) (*TokenResult, error) {
		s.Logger.Debug("Authorization code validation failed",
			"reason", reason,
			"client_id", client.ClientID,
			"code_prefix", util.SafeTruncate(g.Code, 8))
		s.Auditor.LogAuthFailure(userID, client.ClientID, clientIP, reason)
		s.metrics().RecordCodeExchange(ctx, client.ClientID, reason)
		return nil, errInvalidGrant(genericGrantError)
	}
	reused := func(code *storage.AuthorizationCode) (*TokenResult, error) {
		s.Logger.Warn("Authorization code reuse detected",
			"client_id", client.ClientID,
			"code_prefix", util.SafeTruncate(g.Code, 8))
		s.Auditor.LogCodeReuse(code.UserID, client.ClientID, clientIP)
		s.metrics().RecordCodeReuseDetected(ctx)
		return fail(code.UserID, "authorization_code_reuse")
	}

	code, err := s.codeStore.GetAuthorizationCode(ctx, g.Code)
	if err != nil {
		if errors.Is(err, storage.ErrAuthorizationCodeNotFound) {
			return fail("", "code_not_found")
		}
		return nil, fmt.Errorf("failed to load authorization code: %w", err)
	}

	if code.ClientID != client.ClientID {
		return fail(code.UserID, "client_id_mismatch")
	}
	if code.Used {
		return reused(code)
	}
	if code.IsExpired(s.now()) {
		return fail(code.UserID, "code_expired")
	}
	if code.RedirectURI != g.RedirectURI {
		return fail(code.UserID, "redirect_uri_mismatch")
	}
	if err := validatePKCE(code.CodeChallenge, code.CodeChallengeMethod, g.CodeVerifier); err != nil {
		s.metrics().RecordPKCEValidationFailed(ctx, code.CodeChallengeMethod)
		s.Auditor.LogEvent(security.Event{
			Type:      security.EventPKCEValidationFailed,
			UserID:    code.UserID,
			ClientID:  client.ClientID,
			IPAddress: clientIP,
			Details:   map[string]any{"reason": err.Error()},
		})
		return fail(code.UserID, "pkce_validation_failed")
	}

	if err := s.codeStore.MarkAuthorizationCodeUsed(ctx, g.Code); err != nil {
		switch {
		case errors.Is(err, storage.ErrAuthorizationCodeUsed):
			return reused(code)
		case errors.Is(err, storage.ErrAuthorizationCodeNotFound):
			return fail(code.UserID, "code_not_found")
		default:
			return nil, fmt.Errorf("failed to mark authorization code used: %w", err)
		}
	}

	user, err := s.userStore.GetUser(ctx, code.UserID)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			return fail(code.UserID, "user_not_found")
		}
		return nil, fmt.Errorf("failed to load user: %w", err)
	}

	result, err := s.mintTokens(user, client.ClientID, code.Scope, code.Nonce)
	if err != nil {
		return nil, err
	}

	now := s.now()
	rt := &storage.RefreshToken{
		Token:     security.RandomToken(security.RefreshTokenBytes),
		ClientID:  client.ClientID,
		UserID:    user.ID,
		Scope:     code.Scope,
		CreatedAt: now,
		ExpiresAt: now.Add(time.Duration(s.Config.RefreshTokenTTL) * time.Second),
	}
	if err := s.refreshStore.SaveRefreshToken(ctx, rt); err != nil {
		return nil, fmt.Errorf("failed to save refresh token: %w", err)
	}
	result.RefreshToken = rt.Token

	s.metrics().RecordCodeExchange(ctx, client.ClientID, "success")
	s.Auditor.LogTokenIssued(user.ID, client.ClientID, clientIP, storage.GrantTypeAuthorizationCode, code.Scope)
	s.Logger.Info("Token exchange successful", "client_id", client.ClientID, "user_id", user.ID)

	return result, nil
}

// RefreshAccessToken mints a new access token from a refresh token. The
// refresh token is not rotated and stays valid until it expires or is revoked.
func (s *Server) RefreshAccessToken(ctx context.Context, client *storage.Client, g *RefreshTokenGrant, clientIP string) (*TokenResult, error) {
	fail := func(userID, reason string) (*TokenResult, error) {
		s.Logger.Debug("Refresh token validation failed",
			"reason", reason,
			"client_id", client.ClientID,
			"token_prefix", util.SafeTruncate(g.RefreshToken, 8))
		s.Auditor.LogAuthFailure(userID, client.ClientID, clientIP, reason)
		s.metrics().RecordTokenRefresh(ctx, client.ClientID, reason)
		return nil, errInvalidGrant(genericGrantError)
	}

	rt, err := s.refreshStore.GetRefreshToken(ctx, g.RefreshToken)
	if err != nil {
		if errors.Is(err, storage.ErrRefreshTokenNotFound) {
			return fail("", "refresh_token_not_found")
		}
		return nil, fmt.Errorf("failed to load refresh token: %w", err)
	}
	if rt.ClientID != client.ClientID {
		return fail(rt.UserID, "client_id_mismatch")
	}
	if rt.Revoked {
		return fail(rt.UserID, "refresh_token_revoked")
	}
	if !rt.IsValid(s.now()) {
		return fail(rt.UserID, "refresh_token_expired")
	}

	user, err := s.userStore.GetUser(ctx, rt.UserID)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			return fail(rt.UserID, "user_not_found")
		}
		return nil, fmt.Errorf("failed to load user: %w", err)
	}

	accessToken, err := s.codec.IssueAccessToken(user, client.ClientID, rt.Scope)
	if err != nil {
		return nil, fmt.Errorf("failed to issue access token: %w", err)
	}

	s.metrics().RecordTokenRefresh(ctx, client.ClientID, "success")
	s.Auditor.LogTokenIssued(user.ID, client.ClientID, clientIP, storage.GrantTypeRefreshToken, rt.Scope)

	return &TokenResult{
		AccessToken: accessToken,
		TokenType:   TokenTypeBearer,
		ExpiresIn:   int64(s.codec.AccessTokenTTL() / time.Second),
		Scope:       rt.Scope,
	}, nil
}

func (s *Server) mintTokens(user *storage.User, clientID, scope, nonce string) (*TokenResult, error) {
	accessToken, err := s.codec.IssueAccessToken(user, clientID, scope)
	if err != nil {
		return nil, fmt.Errorf("failed to issue access token: %w", err)
	}
	result := &TokenResult{
		AccessToken: accessToken,
		TokenType:   TokenTypeBearer,
		ExpiresIn:   int64(s.codec.AccessTokenTTL() / time.Second),
		Scope:       scope,
	}
	if util.HasScope(scope, "openid") {
		idToken, err := s.codec.IssueIDToken(user, clientID, nonce, scope)
		if err != nil {
			return nil, fmt.Errorf("failed to issue id token: %w", err)
		}
		result.IDToken = idToken
	}
	return result, nil
}

// RevokeToken revokes a refresh token (RFC 7009). It never reports whether
// the token existed. Access tokens are self-expiring and the access_token hint
// is a no-op. client is nil when the caller presented no credentials; a
// token issued to a different client than the one presented is left alone.
func (s *Server) RevokeToken(ctx context.Context, client *storage.Client, tok, tokenTypeHint, clientIP string) error {
	ctx, span := s.startSpan(ctx, "oauth.server.revoke")
	defer endSpan(span)

	clientID := ""
	if client != nil {
		clientID = client.ClientID
	}
	instrumentation.AddOAuthFlowAttributes(span, clientID, "", "")

	s.metrics().RecordTokenRevocation(ctx, clientID)
	s.Auditor.LogTokenRevoked(clientID, clientIP, tokenTypeHint)

	if tokenTypeHint == TokenTypeHintAccessToken {
		instrumentation.SetSpanSuccess(span)
		return nil
	}

	if client != nil {
		rt, err := s.refreshStore.GetRefreshToken(ctx, tok)
		switch {
		case errors.Is(err, storage.ErrRefreshTokenNotFound):
			instrumentation.SetSpanSuccess(span)
			return nil
		case err != nil:
			instrumentation.RecordError(span, err)
			return fmt.Errorf("failed to load refresh token: %w", err)
		case rt.ClientID != client.ClientID:
			s.Logger.Warn("Ignoring revocation of a token issued to another client",
				"client_id", client.ClientID)
			instrumentation.SetSpanSuccess(span)
			return nil
		}
	}

	if err := s.refreshStore.RevokeRefreshToken(ctx, tok); err != nil {
		instrumentation.RecordError(span, err)
		return fmt.Errorf("failed to revoke refresh token: %w", err)
	}
	instrumentation.SetSpanSuccess(span)
	return nil
}

// UserInfo verifies an access token and returns the claims its scope allows.
// Every verification failure is invalid_token; the specific kind is logged.
func (s *Server) UserInfo(ctx context.Context, accessToken string) (*UserInfoClaims, error) {
	ctx, span := s.startSpan(ctx, "oauth.server.userinfo")
	defer endSpan(span)

	claims, err := s.codec.VerifyAccessToken(accessToken)
	if err != nil {
		s.Logger.Debug("Access token rejected at userinfo", "kind", tokenErrorKind(err))
		s.Auditor.LogAuthFailure("", "", "", "invalid_access_token")
		instrumentation.SetSpanError(span, tokenErrorKind(err))
		return nil, errInvalidToken("Access token is invalid or expired")
	}
	instrumentation.AddOAuthFlowAttributes(span, claims.ClientID, claims.Subject, claims.Scope)

	user, err := s.userStore.GetUser(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			instrumentation.SetSpanError(span, "user not found")
			return nil, errInvalidToken("Access token subject is unknown")
		}
		instrumentation.RecordError(span, err)
		return nil, fmt.Errorf("failed to load user: %w", err)
	}

	info := &UserInfoClaims{Sub: user.ID}
	if util.HasScope(claims.Scope, "profile") {
		info.Name = user.Name
	}
	if util.HasScope(claims.Scope, "email") {
		info.Email = user.Email
		verified := user.EmailVerified
		info.EmailVerified = &verified
	}
	instrumentation.SetSpanSuccess(span)
	return info, nil
}

// tokenErrorKind names a verification failure for logs and spans.
func tokenErrorKind(err error) string {
	switch {
	case errors.Is(err, token.ErrTokenExpired):
		return "expired"
	case errors.Is(err, token.ErrInvalidSignature):
		return "bad_signature"
	case errors.Is(err, token.ErrWrongTokenKind):
		return "wrong_kind"
	case errors.Is(err, token.ErrClaimMismatch):
		return "claim_mismatch"
	case errors.Is(err, token.ErrMalformedToken):
		return "malformed"
	default:
		return "unknown"
	}
}
