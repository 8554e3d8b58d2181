package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oauth-sso/instrumentation"
	"github.com/giantswarm/oauth-sso/security"
	"github.com/giantswarm/oauth-sso/server"
	"github.com/giantswarm/oauth-sso/storage"
)

// Endpoint paths registered by RegisterRoutes.
const (
	PathAuthorize           = "/oauth/authorize"
	PathToken               = "/oauth/token"
	PathUserInfo            = "/oauth/userinfo"
	PathRevoke              = "/oauth/revoke"
	PathOpenIDConfiguration = "/.well-known/openid-configuration"
	PathJWKS                = "/.well-known/jwks.json"
	PathHealth              = "/healthz"
)

const (
	// maxFormBytes bounds the token and revocation request bodies.
	maxFormBytes = 1 << 20

	returnURLParam = "returnUrl"
)

// Handler is a thin HTTP adapter for the OAuth Server.
// It handles HTTP requests and delegates to the Server for business logic.
type Handler struct {
	server *server.Server
	auth   Authenticator
	logger *slog.Logger
	tracer trace.Tracer // OpenTelemetry tracer for HTTP layer
}

// NewHandler creates a new HTTP handler. auth resolves the end user at
// /authorize; nil means every request is unauthenticated.
func NewHandler(srv *server.Server, auth Authenticator, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if auth == nil {
		auth = AuthenticatorFunc(func(*http.Request) (*storage.User, error) { return nil, nil })
	}

	h := &Handler{
		server: srv,
		auth:   auth,
		logger: logger,
	}

	// Initialize tracer if instrumentation is enabled
	if srv.Instrumentation != nil {
		h.tracer = srv.Instrumentation.Tracer("http")
	}

	return h
}

// Server returns the wrapped protocol server.
func (h *Handler) Server() *server.Server {
	return h.server
}

// Authenticator returns the authenticator used at /authorize.
func (h *Handler) Authenticator() Authenticator {
	return h.auth
}

// Close stops background work owned by the server (the rate limiter's
// cleanup goroutine).
func (h *Handler) Close() {
	if h.server.RateLimiter != nil {
		h.server.RateLimiter.Stop()
	}
}

// RegisterRoutes registers every authorization server endpoint on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc(PathAuthorize, h.ServeAuthorization)
	mux.HandleFunc(PathToken, h.ServeToken)
	mux.HandleFunc(PathUserInfo, h.ServeUserInfo)
	mux.HandleFunc(PathRevoke, h.ServeTokenRevocation)
	mux.HandleFunc(PathOpenIDConfiguration, h.ServeOpenIDConfiguration)
	mux.HandleFunc(PathJWKS, h.ServeJWKS)
	mux.HandleFunc(PathHealth, h.ServeHealth)
}

// ============================================================
// Discovery
// ============================================================

// ServeOpenIDConfiguration handles OpenID Connect Discovery 1.0 requests
func (h *Handler) ServeOpenIDConfiguration(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h.writeJSON(w, http.StatusOK, h.openIDConfiguration())
}

func (h *Handler) openIDConfiguration() *OpenIDConfiguration {
	issuer := h.server.Config.Issuer

	methods := []string{security.PKCEMethodS256}
	if h.server.Config.AllowPKCEPlain() {
		methods = append(methods, security.PKCEMethodPlain)
	}

	return &OpenIDConfiguration{
		Issuer:                           issuer,
		AuthorizationEndpoint:            issuer + PathAuthorize,
		TokenEndpoint:                    issuer + PathToken,
		UserInfoEndpoint:                 issuer + PathUserInfo,
		RevocationEndpoint:               issuer + PathRevoke,
		JWKSURI:                          issuer + PathJWKS,
		ResponseTypesSupported:           []string{server.ResponseTypeCode},
		GrantTypesSupported:              []string{storage.GrantTypeAuthorizationCode, storage.GrantTypeRefreshToken},
		SubjectTypesSupported:            []string{"public"},
		IDTokenSigningAlgValuesSupported: []string{"HS256"},
		ScopesSupported:                  h.server.Config.SupportedScopes,
		TokenEndpointAuthMethodsSupported: []string{
			server.TokenEndpointAuthMethodBasic,
			server.TokenEndpointAuthMethodPost,
			server.TokenEndpointAuthMethodNone,
		},
		ClaimsSupported:               []string{"sub", "name", "email", "email_verified"},
		CodeChallengeMethodsSupported: methods,
	}
}

// ServeJWKS serves an empty key set: HS256 keys are never published.
func (h *Handler) ServeJWKS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.writeJSON(w, http.StatusOK, &JSONWebKeySet{Keys: []map[string]any{}})
}

// ServeHealth is the liveness probe.
func (h *Handler) ServeHealth(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, &HealthResponse{Status: "ok"})
}

// ============================================================
// Authorization endpoint
// ============================================================

// ServeAuthorization handles OAuth authorization requests
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	ctx, span := h.startSpan(r.Context(), "oauth.http.authorization")
	defer endSpan(span)
	r = r.WithContext(ctx)

	if r.Method != http.MethodGet {
		h.recordHTTPMetrics("authorization", r.Method, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clientIP := h.clientIP(r)
	if h.checkIPRateLimit(w, r, clientIP, "authorization") {
		h.recordHTTPMetrics("authorization", r.Method, http.StatusTooManyRequests, startTime)
		return
	}

	user, err := h.auth.Authenticate(r)
	if err != nil {
		h.logger.Error("Failed to resolve session at authorize", "ip", clientIP, "error", err)
		instrumentation.RecordError(span, err)
		status := h.writeFailure(w, err)
		h.recordHTTPMetrics("authorization", r.Method, status, startTime)
		return
	}

	req := server.AuthorizeRequestFromQuery(r.URL.Query())
	req.ClientIP = clientIP
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrClientID, req.ClientID))

	result, err := h.server.Authorize(ctx, req, user)
	if err != nil {
		h.logger.Warn("Authorization request rejected", "client_id", req.ClientID, "ip", clientIP, "error", err)
		instrumentation.RecordError(span, err)
		status := h.writeFailure(w, err)
		h.recordHTTPMetrics("authorization", r.Method, status, startTime)
		return
	}

	security.SetNoStore(w)

	if result.NeedsLogin {
		loginURL, err := h.loginRedirect(r)
		if err != nil {
			h.logger.Error("Invalid login URL", "login_url", h.server.Config.LoginURL, "error", err)
			status := h.writeFailure(w, err)
			h.recordHTTPMetrics("authorization", r.Method, status, startTime)
			return
		}
		h.recordHTTPMetrics("authorization", r.Method, http.StatusFound, startTime)
		instrumentation.SetSpanSuccess(span)
		http.Redirect(w, r, loginURL, http.StatusFound)
		return
	}

	h.recordHTTPMetrics("authorization", r.Method, http.StatusFound, startTime)
	instrumentation.SetSpanSuccess(span)
	http.Redirect(w, r, result.RedirectURL, http.StatusFound)
}

// loginRedirect builds LoginURL?returnUrl=<original request URI>.
func (h *Handler) loginRedirect(r *http.Request) (string, error) {
	u, err := url.Parse(h.server.Config.LoginURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse login URL: %w", err)
	}
	q := u.Query()
	q.Set(returnURLParam, r.URL.RequestURI())
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ============================================================
// Token endpoint
// ============================================================

// ServeToken handles the OAuth token endpoint
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	ctx, span := h.startSpan(r.Context(), "oauth.http.token")
	defer endSpan(span)

	if r.Method != http.MethodPost {
		h.recordHTTPMetrics("token", r.Method, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clientIP := h.clientIP(r)
	if h.checkIPRateLimit(w, r, clientIP, "token") {
		h.recordHTTPMetrics("token", r.Method, http.StatusTooManyRequests, startTime)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
	if err := r.ParseForm(); err != nil {
		h.recordHTTPMetrics("token", r.Method, http.StatusBadRequest, startTime)
		instrumentation.SetSpanError(span, "parse form failed")
		h.writeError(w, ErrInvalidRequest("Failed to parse request"))
		return
	}

	if r.PostForm.Get("grant_type") == "" {
		h.recordHTTPMetrics("token", r.Method, http.StatusBadRequest, startTime)
		instrumentation.SetSpanError(span, "grant_type missing")
		h.writeError(w, ErrInvalidRequest("Missing grant_type"))
		return
	}

	client, err := h.authenticateClient(ctx, r, clientIP)
	if err != nil {
		instrumentation.RecordError(span, err)
		instrumentation.SetSpanError(span, "client authentication failed")
		status := h.writeFailure(w, err)
		h.recordHTTPMetrics("token", r.Method, status, startTime)
		return
	}
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrClientID, client.ClientID))

	grant, err := server.ParseGrant(r.PostForm)
	if err != nil {
		instrumentation.SetSpanError(span, "invalid grant parameters")
		status := h.writeFailure(w, err)
		h.recordHTTPMetrics("token", r.Method, status, startTime)
		return
	}
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrGrantType, grant.GrantType()))

	result, err := h.server.Token(ctx, client, grant, clientIP)
	if err != nil {
		if !server.IsProtocolError(err) {
			h.logger.Error("Token request failed", "client_id", client.ClientID, "grant_type", grant.GrantType(), "error", err)
		}
		instrumentation.RecordError(span, err)
		status := h.writeFailure(w, err)
		h.recordHTTPMetrics("token", r.Method, status, startTime)
		return
	}

	h.logger.Info("Token issued", "client_id", client.ClientID, "grant_type", grant.GrantType(), "ip", clientIP)
	h.recordHTTPMetrics("token", r.Method, http.StatusOK, startTime)
	instrumentation.SetSpanSuccess(span)

	h.writeJSON(w, http.StatusOK, &TokenResponse{
		AccessToken:  result.AccessToken,
		TokenType:    result.TokenType,
		ExpiresIn:    result.ExpiresIn,
		RefreshToken: result.RefreshToken,
		Scope:        result.Scope,
		IDToken:      result.IDToken,
	})
}

// ============================================================
// UserInfo endpoint
// ============================================================

// ServeUserInfo handles the OpenID Connect userinfo endpoint
func (h *Handler) ServeUserInfo(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	ctx, span := h.startSpan(r.Context(), "oauth.http.userinfo")
	defer endSpan(span)

	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		h.recordHTTPMetrics("userinfo", r.Method, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	accessToken, ok := bearerToken(r)
	if !ok {
		h.recordHTTPMetrics("userinfo", r.Method, http.StatusUnauthorized, startTime)
		instrumentation.SetSpanError(span, "bearer token missing")
		h.writeError(w, ErrInvalidToken("Missing or invalid access token"))
		return
	}

	claims, err := h.server.UserInfo(ctx, accessToken)
	if err != nil {
		if !server.IsProtocolError(err) {
			h.logger.Error("UserInfo request failed", "error", err)
		}
		instrumentation.RecordError(span, err)
		status := h.writeFailure(w, err)
		h.recordHTTPMetrics("userinfo", r.Method, status, startTime)
		return
	}

	h.recordHTTPMetrics("userinfo", r.Method, http.StatusOK, startTime)
	instrumentation.SetSpanSuccess(span)
	h.writeJSON(w, http.StatusOK, claims)
}

// bearerToken extracts the token from an "Authorization: Bearer" header.
func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	scheme, tok, found := strings.Cut(authHeader, " ")
	if !found || !strings.EqualFold(scheme, "bearer") {
		return "", false
	}
	tok = strings.TrimSpace(tok)
	return tok, tok != ""
}

// ============================================================
// Revocation endpoint
// ============================================================

// ServeTokenRevocation handles the RFC 7009 token revocation endpoint
func (h *Handler) ServeTokenRevocation(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	ctx, span := h.startSpan(r.Context(), "oauth.http.token_revocation")
	defer endSpan(span)

	if r.Method != http.MethodPost {
		h.recordHTTPMetrics("revoke", r.Method, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clientIP := h.clientIP(r)
	if h.checkIPRateLimit(w, r, clientIP, "revoke") {
		h.recordHTTPMetrics("revoke", r.Method, http.StatusTooManyRequests, startTime)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
	if err := r.ParseForm(); err != nil {
		h.recordHTTPMetrics("revoke", r.Method, http.StatusBadRequest, startTime)
		instrumentation.RecordError(span, err)
		instrumentation.SetSpanError(span, "parse form failed")
		h.writeError(w, ErrInvalidRequest("Failed to parse request"))
		return
	}

	tok := r.PostForm.Get("token")
	if tok == "" {
		h.recordHTTPMetrics("revoke", r.Method, http.StatusBadRequest, startTime)
		instrumentation.SetSpanError(span, "token missing")
		h.writeError(w, ErrInvalidRequest("Missing token"))
		return
	}

	// Credentials are optional here, but presented credentials must be valid.
	var client *storage.Client
	if clientID, _, err := clientCredentials(r); err != nil || clientID != "" {
		client, err = h.authenticateClient(ctx, r, clientIP)
		if err != nil {
			instrumentation.RecordError(span, err)
			instrumentation.SetSpanError(span, "client authentication failed")
			status := h.writeFailure(w, err)
			h.recordHTTPMetrics("revoke", r.Method, status, startTime)
			return
		}
		instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrClientID, client.ClientID))
	}

	if err := h.server.RevokeToken(ctx, client, tok, r.PostForm.Get("token_type_hint"), clientIP); err != nil {
		h.logger.Error("Failed to revoke token", "ip", clientIP, "error", err)
		instrumentation.RecordError(span, err)
		// Per RFC 7009, don't fail the request even if revocation failed
	}

	h.recordHTTPMetrics("revoke", r.Method, http.StatusOK, startTime)
	instrumentation.SetSpanSuccess(span)

	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.WriteHeader(http.StatusOK)
}

// ============================================================
// Helper methods
// ============================================================

// clientCredentials reads client credentials from HTTP Basic auth, falling
// back to client_id and client_secret form parameters. Basic values are
// form-urlencoded by the client (RFC 6749 Section 2.3.1).
func clientCredentials(r *http.Request) (clientID, clientSecret string, err error) {
	if user, pass, ok := r.BasicAuth(); ok {
		if clientID, err = url.QueryUnescape(user); err != nil {
			return "", "", ErrInvalidClient("Malformed client credentials")
		}
		if clientSecret, err = url.QueryUnescape(pass); err != nil {
			return "", "", ErrInvalidClient("Malformed client credentials")
		}
		return clientID, clientSecret, nil
	}
	return r.PostForm.Get("client_id"), r.PostForm.Get("client_secret"), nil
}

// authenticateClient validates client credentials from either Basic Auth or form parameters
func (h *Handler) authenticateClient(ctx context.Context, r *http.Request, clientIP string) (*storage.Client, error) {
	clientID, clientSecret, err := clientCredentials(r)
	if err != nil {
		h.logger.Warn("Malformed client credentials", "ip", clientIP)
		return nil, err
	}
	if clientID == "" {
		return nil, ErrInvalidClient("Client authentication failed")
	}
	return h.server.AuthenticateClient(ctx, clientID, clientSecret, clientIP)
}

func (h *Handler) clientIP(r *http.Request) string {
	return security.ClientIP(r, security.ProxyConfig{
		Trust: h.server.Config.TrustProxy,
		Count: h.server.Config.TrustedProxyCount,
	})
}

// checkIPRateLimit checks if the client IP is rate limited. Returns true if limited.
func (h *Handler) checkIPRateLimit(w http.ResponseWriter, r *http.Request, clientIP, endpoint string) bool {
	if h.server.RateLimiter == nil || h.server.RateLimiter.Allow(clientIP) {
		return false
	}

	h.logger.Warn("Rate limit exceeded", "ip", clientIP, "endpoint", endpoint)
	if h.server.Instrumentation != nil {
		h.server.Instrumentation.Metrics().RecordRateLimitExceeded(r.Context(), endpoint)
	}
	h.server.Auditor.LogRateLimitExceeded(clientIP, endpoint)

	w.Header().Set("Retry-After", "60")
	h.writeError(w, ErrRateLimitExceeded("Rate limit exceeded. Please try again later."))
	return true
}

// writeFailure writes err as an OAuth error response and returns the status
// written. Internal errors are logged and hidden behind server_error.
func (h *Handler) writeFailure(w http.ResponseWriter, err error) int {
	oauthErr := asOAuthError(err)
	if oauthErr.Code == ErrorCodeServerError {
		h.logger.Error("Internal error", "error", err)
	}
	h.writeError(w, oauthErr)
	return oauthErr.Status
}

func (h *Handler) writeError(w http.ResponseWriter, oauthErr *OAuthError) {
	switch oauthErr.Code {
	case ErrorCodeInvalidClient:
		if oauthErr.Status == http.StatusUnauthorized {
			w.Header().Set("WWW-Authenticate", `Basic realm="oauth"`)
		}
	case ErrorCodeInvalidToken:
		w.Header().Set("WWW-Authenticate", formatBearerChallenge(oauthErr.Code, oauthErr.Description))
	}

	h.writeJSON(w, oauthErr.Status, &ErrorResponse{
		Error:            oauthErr.Code,
		ErrorDescription: oauthErr.Description,
	})
}

// formatBearerChallenge formats the WWW-Authenticate header value per RFC 6750 Section 3
func formatBearerChallenge(errCode, errorDesc string) string {
	params := []string{fmt.Sprintf(`error="%s"`, errCode)}
	if errorDesc != "" {
		// Escape backslashes first, then quotes (order matters!)
		escapedDesc := strings.ReplaceAll(errorDesc, `\`, `\\`)
		escapedDesc = strings.ReplaceAll(escapedDesc, `"`, `\"`)
		params = append(params, fmt.Sprintf(`error_description="%s"`, escapedDesc))
	}
	return server.TokenTypeBearer + " " + strings.Join(params, ", ")
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Debug("Failed to write response", "error", err)
	}
}

func (h *Handler) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if h.tracer == nil {
		return ctx, nil
	}
	return h.tracer.Start(ctx, name)
}

func endSpan(span trace.Span) {
	if span != nil {
		span.End()
	}
}

// recordHTTPMetrics records HTTP request metrics (total count and duration)
func (h *Handler) recordHTTPMetrics(endpoint, method string, status int, startTime time.Time) {
	if h.server.Instrumentation == nil {
		return
	}

	duration := time.Since(startTime).Seconds() * 1000 // convert to milliseconds
	h.server.Instrumentation.Metrics().RecordHTTPRequest(context.Background(), method, endpoint, status, duration)
}
