package relyingparty

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	"github.com/giantswarm/oauth-sso/instrumentation"
	"github.com/giantswarm/oauth-sso/internal/util"
	"github.com/giantswarm/oauth-sso/security"
	"github.com/giantswarm/oauth-sso/token"
)

// User is the identity a relying party session carries.
type User struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	Email  string `json:"email,omitempty"`
	Source string `json:"source"`
}

// LoginResult is the outcome of a completed login or refresh.
type LoginResult struct {
	User *User

	// SessionToken is the locally minted session token
	SessionToken string

	// RefreshToken is the authorization server's refresh token
	RefreshToken string

	// IDToken is the raw ID token, empty after a refresh
	IDToken string

	// ExpiresIn is the session token lifetime in seconds
	ExpiresIn int64
}

// CallbackParams are the parameters of an authorization response, plus the
// code verifier an SPA may post back.
type CallbackParams struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string
	CodeVerifier     string
}

// userInfoResponse is the subset of the userinfo document the relying party reads.
type userInfoResponse struct {
	Sub   string `json:"sub"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Controller drives the authorization code flow against one authorization
// server.
type Controller struct {
	config   *Config
	oauth    *oauth2.Config
	pending  *PendingCache
	sessions *token.Codec
	idTokens *token.Codec
	logger   *slog.Logger
	tracer   trace.Tracer

	Auditor         *security.Auditor
	Instrumentation *instrumentation.Instrumentation
}

// New creates a Controller. A nil pending cache or session codec is created
// from cfg.
func New(cfg Config, pending *PendingCache, sessions *token.Codec, logger *slog.Logger) (*Controller, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid relying party config: %w", err)
	}
	c := applyDefaults(&cfg, logger)

	if pending == nil {
		pending = NewPendingCache(c.PendingTTL, logger)
	}
	if sessions == nil {
		var err error
		sessions, err = token.NewCodec(token.Config{
			Issuer:     c.SessionIssuer,
			Secret:     []byte(c.SessionSecret),
			SessionTTL: c.SessionTTL,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create session codec: %w", err)
		}
	}

	var idTokens *token.Codec
	if c.IDTokenSecret != "" {
		var err error
		idTokens, err = token.NewCodec(token.Config{
			Issuer: c.AuthServerURL,
			Secret: []byte(c.IDTokenSecret),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create ID token codec: %w", err)
		}
	}

	authStyle := oauth2.AuthStyleInHeader
	if c.ClientSecret == "" {
		authStyle = oauth2.AuthStyleInParams
	}

	return &Controller{
		config: c,
		oauth: &oauth2.Config{
			ClientID:     c.ClientID,
			ClientSecret: c.ClientSecret,
			RedirectURL:  c.RedirectURL,
			Scopes:       c.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   c.Endpoints.AuthorizationURL,
				TokenURL:  c.Endpoints.TokenURL,
				AuthStyle: authStyle,
			},
		},
		pending:  pending,
		sessions: sessions,
		idTokens: idTokens,
		logger:   logger,
		Auditor:  security.NewAuditor(logger, false),
	}, nil
}

// Config returns the effective configuration, defaults applied.
func (c *Controller) Config() *Config {
	return c.config
}

// Pending returns the controller's pending authorization cache.
func (c *Controller) Pending() *PendingCache {
	return c.pending
}

// SetAuditor sets the security auditor
func (c *Controller) SetAuditor(aud *security.Auditor) {
	c.Auditor = aud
}

// SetInstrumentation enables tracing and metrics for the flows and the
// pending cache.
func (c *Controller) SetInstrumentation(inst *instrumentation.Instrumentation) {
	c.Instrumentation = inst
	if inst != nil {
		c.tracer = inst.Tracer("relyingparty")
	} else {
		c.tracer = nil
	}
	c.pending.SetInstrumentation(inst)
}

func (c *Controller) metrics() *instrumentation.Metrics {
	if c.Instrumentation == nil {
		return nil
	}
	return c.Instrumentation.Metrics()
}

func (c *Controller) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if c.tracer == nil {
		return ctx, nil
	}
	return c.tracer.Start(ctx, name)
}

func endSpan(span trace.Span) {
	if span != nil {
		span.End()
	}
}

// ============================================================
// Login
// ============================================================

// BeginLogin starts an authorization request and returns the URL to send the
// browser to. A silent request (prompt=none) is only started when sess allows
// it; otherwise ErrSilentSSOSkipped is returned and nothing is cached.
func (c *Controller) BeginLogin(ctx context.Context, sess *Session, silent bool) (authURL, state string, err error) {
	if silent {
		if !sess.ShouldAttemptSilent() {
			c.logger.Debug("Silent SSO skipped")
			return "", "", ErrSilentSSOSkipped
		}
		sess.MarkSilentAttempted()
	}

	verifier := security.GenerateVerifier()
	state = security.RandomToken(security.StateBytes)
	nonce := security.RandomToken(security.StateBytes)

	c.pending.Put(state, PendingAuthorization{
		CodeVerifier: verifier,
		Nonce:        nonce,
		Silent:       silent,
	})
	sess.bindState(state)

	opts := []oauth2.AuthCodeOption{
		oauth2.S256ChallengeOption(verifier),
		oauth2.SetAuthURLParam("nonce", nonce),
	}
	if silent {
		opts = append(opts, oauth2.SetAuthURLParam("prompt", "none"))
	}

	c.metrics().RecordRPLoginStarted(ctx, silent)
	c.logger.Debug("Authorization request started",
		"silent", silent,
		"state_prefix", util.SafeTruncate(state, 8))

	return c.oauth.AuthCodeURL(state, opts...), state, nil
}

// HandleCallback completes a login from the authorization response. sess
// must be the browser session that BeginLogin bound the state to; a state
// bound elsewhere is rejected and its pending entry left in place. Otherwise
// the pending entry is consumed whatever the outcome.
func (c *Controller) HandleCallback(ctx context.Context, sess *Session, p CallbackParams) (*LoginResult, error) {
	ctx, span := c.startSpan(ctx, "oauth.rp.callback")
	defer endSpan(span)

	bound := sess.boundTo(p.State)
	if bound {
		sess.clearState()
	}
	result, silent, err := c.handleCallback(ctx, p, bound)

	outcome := "success"
	if err != nil {
		outcome = ErrorCode(err)
	}
	c.metrics().RecordRPCallback(ctx, silent, outcome)
	instrumentation.SetSpanAttributes(span,
		attribute.Bool(instrumentation.AttrSilent, silent),
		attribute.String(instrumentation.AttrCallbackResult, outcome))

	if err != nil {
		if errors.Is(err, ErrLoginRequired) {
			instrumentation.SetSpanSuccess(span)
		} else {
			instrumentation.RecordError(span, err)
		}
		return nil, err
	}

	if !silent && sess != nil {
		sess.clearLoggedOut()
	}
	c.Auditor.LogEvent(security.Event{
		Type:     security.EventLoginSucceeded,
		UserID:   result.User.ID,
		ClientID: c.config.ClientID,
		Details:  map[string]any{"silent": silent},
	})
	instrumentation.SetSpanSuccess(span)
	return result, nil
}

func (c *Controller) handleCallback(ctx context.Context, p CallbackParams, bound bool) (*LoginResult, bool, error) {
	if p.Error != "" {
		var silent bool
		if bound {
			pending, ok := c.pending.Take(p.State)
			silent = ok && pending.Silent
		}
		if p.Error == ErrorCodeLoginRequired && silent {
			c.logger.Debug("Silent SSO: no session at the authorization server")
			return nil, true, ErrLoginRequired
		}
		c.logger.Info("Authorization server returned an error",
			"error", p.Error,
			"error_description", p.ErrorDescription)
		return nil, silent, &CallbackError{Code: p.Error, Description: p.ErrorDescription}
	}

	if p.State != "" && !bound {
		c.stateMismatch(ctx, "state_not_bound_to_session")
		return nil, false, ErrStateMismatch
	}

	var (
		pending PendingAuthorization
		ok      bool
	)
	if p.State != "" {
		pending, ok = c.pending.Take(p.State)
	}
	if !ok {
		c.stateMismatch(ctx, "unknown_state")
		return nil, false, ErrStateMismatch
	}
	if p.CodeVerifier != "" &&
		subtle.ConstantTimeCompare([]byte(p.CodeVerifier), []byte(pending.CodeVerifier)) != 1 {
		c.stateMismatch(ctx, "code_verifier_mismatch")
		return nil, pending.Silent, ErrStateMismatch
	}
	if p.Code == "" {
		return nil, pending.Silent, ErrMissingCode
	}

	tok, err := c.exchange(ctx, p.Code, pending.CodeVerifier)
	if err != nil {
		return nil, pending.Silent, upstreamError(ErrorCodeExchangeFailed, err)
	}

	idToken, _ := tok.Extra("id_token").(string)
	var idClaims *token.IDClaims
	if c.idTokens != nil {
		if idToken == "" {
			return nil, pending.Silent, callbackError(ErrorCodeIDTokenInvalid, errors.New("token response has no id_token"))
		}
		idClaims, err = c.idTokens.VerifyIDToken(idToken, c.config.ClientID, pending.Nonce)
		if err != nil {
			c.logger.Warn("ID token verification failed", "error", err)
			return nil, pending.Silent, callbackError(ErrorCodeIDTokenInvalid, err)
		}
	}

	info, err := c.userInfo(ctx, tok.AccessToken)
	if err != nil {
		return nil, pending.Silent, callbackError(ErrorCodeUserInfoFailed, err)
	}
	if idClaims != nil && idClaims.Subject != info.Sub {
		return nil, pending.Silent, callbackError(ErrorCodeIDTokenInvalid, errors.New("ID token subject does not match userinfo"))
	}

	result, err := c.newLogin(info, tok.RefreshToken, idToken)
	if err != nil {
		return nil, pending.Silent, err
	}
	return result, pending.Silent, nil
}

func (c *Controller) stateMismatch(ctx context.Context, reason string) {
	c.logger.Warn("⚠️  Callback state mismatch", "reason", reason)
	c.metrics().RecordRPStateMismatch(ctx)
	c.Auditor.LogEvent(security.Event{
		Type:     security.EventStateMismatch,
		ClientID: c.config.ClientID,
		Details:  map[string]any{"reason": reason},
	})
}

// exchange redeems code at the token endpoint.
func (c *Controller) exchange(ctx context.Context, code, verifier string) (*oauth2.Token, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.ExchangeTimeout)
	defer cancel()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.config.HTTPClient)

	start := time.Now()
	tok, err := c.oauth.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	c.metrics().RecordRPUpstreamCall(ctx, "token", msSince(start), err)
	if err != nil {
		c.logger.Warn("Token exchange failed", "error", err)
		return nil, err
	}
	return tok, nil
}

// userInfo fetches the userinfo document with accessToken.
func (c *Controller) userInfo(ctx context.Context, accessToken string) (*userInfoResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.UserInfoTimeout)
	defer cancel()

	start := time.Now()
	info, err := c.fetchUserInfo(ctx, accessToken)
	c.metrics().RecordRPUpstreamCall(ctx, "userinfo", msSince(start), err)
	if err != nil {
		c.logger.Warn("Userinfo request failed", "error", err)
		return nil, err
	}
	return info, nil
}

func (c *Controller) fetchUserInfo(ctx context.Context, accessToken string) (*userInfoResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.Endpoints.UserInfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create userinfo request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.config.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("userinfo request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("userinfo returned status %d", resp.StatusCode)
	}

	var info userInfoResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&info); err != nil {
		return nil, fmt.Errorf("failed to decode userinfo: %w", err)
	}
	if info.Sub == "" {
		return nil, errors.New("userinfo has no sub")
	}
	return &info, nil
}

func (c *Controller) newLogin(info *userInfoResponse, refreshToken, idToken string) (*LoginResult, error) {
	user := &User{
		ID:     info.Sub,
		Name:   info.Name,
		Email:  info.Email,
		Source: SessionSource,
	}
	sessionToken, err := c.sessions.IssueSessionToken(token.SessionUser{
		UserID: user.ID,
		Email:  user.Email,
		Name:   user.Name,
		Source: user.Source,
	})
	if err != nil {
		return nil, callbackError(ErrorCodeSessionFailed, err)
	}
	return &LoginResult{
		User:         user,
		SessionToken: sessionToken,
		RefreshToken: refreshToken,
		IDToken:      idToken,
		ExpiresIn:    int64(c.sessions.SessionTTL().Seconds()),
	}, nil
}

// ============================================================
// Refresh, logout, me
// ============================================================

// Refresh runs a refresh_token grant and mints a new session token. The
// authorization server does not rotate refresh tokens, so the result carries
// refreshToken unchanged.
func (c *Controller) Refresh(ctx context.Context, refreshToken string) (*LoginResult, error) {
	ctx, span := c.startSpan(ctx, "oauth.rp.refresh")
	defer endSpan(span)

	if refreshToken == "" {
		return nil, callbackError(ErrorCodeInvalidRequest, errors.New("refresh token is required"))
	}

	tctx, cancel := context.WithTimeout(ctx, c.config.ExchangeTimeout)
	defer cancel()
	tctx = context.WithValue(tctx, oauth2.HTTPClient, c.config.HTTPClient)

	start := time.Now()
	tok, err := c.oauth.TokenSource(tctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	c.metrics().RecordRPUpstreamCall(ctx, "refresh", msSince(start), err)
	if err != nil {
		c.logger.Info("Token refresh failed", "error", err)
		instrumentation.RecordError(span, err)
		return nil, upstreamError(ErrorCodeRefreshFailed, err)
	}

	info, err := c.userInfo(ctx, tok.AccessToken)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, callbackError(ErrorCodeUserInfoFailed, err)
	}

	result, err := c.newLogin(info, refreshToken, "")
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}
	instrumentation.SetSpanSuccess(span)
	return result, nil
}

// Logout marks sess as logged out and revokes refreshToken at the
// authorization server. A revocation failure is returned for logging but
// the local logout has already happened.
func (c *Controller) Logout(ctx context.Context, sess *Session, refreshToken string) error {
	if sess != nil {
		sess.MarkLoggedOut()
	}
	c.Auditor.LogEvent(security.Event{
		Type:     security.EventLogout,
		ClientID: c.config.ClientID,
	})

	if refreshToken == "" || c.config.Endpoints.RevocationURL == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.RevokeTimeout)
	defer cancel()

	start := time.Now()
	err := c.revoke(ctx, refreshToken)
	c.metrics().RecordRPUpstreamCall(ctx, "revoke", msSince(start), err)
	if err != nil {
		c.logger.Warn("Refresh token revocation failed", "error", err)
		return err
	}
	return nil
}

func (c *Controller) revoke(ctx context.Context, refreshToken string) error {
	form := url.Values{
		"token":           {refreshToken},
		"token_type_hint": {"refresh_token"},
	}
	if c.config.ClientSecret == "" {
		form.Set("client_id", c.config.ClientID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoints.RevocationURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create revocation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if c.config.ClientSecret != "" {
		req.SetBasicAuth(url.QueryEscape(c.config.ClientID), url.QueryEscape(c.config.ClientSecret))
	}

	resp, err := c.config.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("revocation request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("revocation returned status %d", resp.StatusCode)
	}
	return nil
}

// Me returns the user of a session token.
func (c *Controller) Me(sessionToken string) (*User, error) {
	if sessionToken == "" {
		return nil, ErrNoSession
	}
	claims, err := c.sessions.VerifySessionToken(sessionToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoSession, err)
	}
	return &User{
		ID:     claims.UserID,
		Name:   claims.Name,
		Email:  claims.Email,
		Source: claims.Source,
	}, nil
}

// upstreamError keeps the OAuth error code of a token endpoint failure
// (invalid_grant, invalid_client) and falls back to code otherwise.
func upstreamError(code string, err error) *CallbackError {
	var rErr *oauth2.RetrieveError
	if errors.As(err, &rErr) && rErr.ErrorCode != "" {
		return &CallbackError{Code: rErr.ErrorCode, Description: rErr.ErrorDescription, Err: err}
	}
	return callbackError(code, err)
}

func msSince(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000
}
