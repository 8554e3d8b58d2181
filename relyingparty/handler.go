package relyingparty

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/giantswarm/oauth-sso/security"
)

// Relying party routes.
const (
	PathLogin    = "/oauth/login"
	PathCallback = "/oauth/callback"
	PathRefresh  = "/oauth/refresh"
	PathLogout   = "/oauth/logout"
	PathMe       = "/api/me"

	// PathLoginSuccess is appended to ClientURL after a server-side callback.
	PathLoginSuccess = "/oauth/success"
)

// Cookie names.
const (
	CookieSessionToken = "rp_token"
	CookieRefreshToken = "rp_refresh_token" //nolint:gosec // cookie name, not a credential
	CookieSSO          = "rp_sso"
)

const maxBodySize = 1 << 20

// errorBody is the JSON error document of the relying party endpoints.
type errorBody struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// CallbackResponse is returned by POST /oauth/callback.
type CallbackResponse struct {
	User         *User  `json:"user"`
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
	IDToken      string `json:"idToken,omitempty"`
	ExpiresIn    int64  `json:"expiresIn"`
}

// RefreshResponse is returned by POST /oauth/refresh.
type RefreshResponse struct {
	AccessToken string `json:"accessToken"`
	ExpiresIn   int64  `json:"expiresIn"`
}

// LoginURLResponse is returned by GET /oauth/login?format=json.
type LoginURLResponse struct {
	AuthorizationURL string `json:"authorizationUrl,omitempty"`
	State            string `json:"state,omitempty"`
	SSO              string `json:"sso,omitempty"`
}

// callbackRequest mirrors CallbackParams field for field.
type callbackRequest struct {
	Code             string `json:"code"`
	State            string `json:"state"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	CodeVerifier     string `json:"codeVerifier"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// Handler serves the relying party's browser and SPA endpoints.
type Handler struct {
	ctrl        *Controller
	encryptor   *security.Encryptor
	rateLimiter *security.RateLimiter
	logger      *slog.Logger
}

// NewHandler creates a Handler for ctrl. The refresh token cookie is sealed
// when the controller config carries an encryption key.
func NewHandler(ctrl *Controller, logger *slog.Logger) (*Handler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	enc, err := security.NewEncryptor(ctrl.config.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie encryptor: %w", err)
	}
	return &Handler{
		ctrl:      ctrl,
		encryptor: enc,
		logger:    logger,
	}, nil
}

// SetRateLimiter limits POST /oauth/callback per client IP.
func (h *Handler) SetRateLimiter(rl *security.RateLimiter) {
	h.rateLimiter = rl
}

// Close stops the rate limiter, if any.
func (h *Handler) Close() {
	if h.rateLimiter != nil {
		h.rateLimiter.Stop()
	}
}

// RegisterRoutes registers every relying party endpoint on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc(PathLogin, h.ServeLogin)
	mux.HandleFunc(PathCallback, h.ServeCallback)
	mux.HandleFunc(PathRefresh, h.ServeRefresh)
	mux.HandleFunc(PathLogout, h.ServeLogout)
	mux.HandleFunc(PathMe, h.ServeMe)
}

// ============================================================
// Login
// ============================================================

// ServeLogin starts a login. prompt=none makes it silent and format=json
// returns the authorization URL instead of redirecting.
func (h *Handler) ServeLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.methodNotAllowed(w, http.MethodGet)
		return
	}

	q := r.URL.Query()
	silent := q.Get("prompt") == "none"
	asJSON := q.Get("format") == "json"

	sess := h.readSession(r)
	authURL, state, err := h.ctrl.BeginLogin(r.Context(), sess, silent)
	switch {
	case errors.Is(err, ErrSilentSSOSkipped):
		if asJSON {
			h.writeJSON(w, http.StatusOK, LoginURLResponse{SSO: "skipped"})
			return
		}
		h.redirect(w, r, h.clientURLWith("sso", "skipped"))
		return
	case err != nil:
		h.logger.Error("Failed to start login", "error", err)
		h.writeError(w, http.StatusInternalServerError, "server_error", "failed to start login")
		return
	}

	h.writeSession(w, sess)
	if asJSON {
		h.writeJSON(w, http.StatusOK, LoginURLResponse{AuthorizationURL: authURL, State: state})
		return
	}
	h.redirect(w, r, authURL)
}

// ServeCallback handles the authorization response: GET for the browser
// redirect, POST for an SPA that carried out the redirect itself.
func (h *Handler) ServeCallback(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.serveBrowserCallback(w, r)
	case http.MethodPost:
		h.serveSPACallback(w, r)
	default:
		h.methodNotAllowed(w, http.MethodGet, http.MethodPost)
	}
}

func (h *Handler) serveBrowserCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sess := h.readSession(r)

	result, err := h.ctrl.HandleCallback(r.Context(), sess, CallbackParams{
		Code:             q.Get("code"),
		State:            q.Get("state"),
		Error:            q.Get("error"),
		ErrorDescription: q.Get("error_description"),
	})
	h.writeSession(w, sess)

	switch {
	case errors.Is(err, ErrLoginRequired):
		h.redirect(w, r, h.clientURLWith("sso", "login_required"))
	case err != nil:
		h.clearTokenCookies(w)
		h.redirect(w, r, h.clientURLWith("error", ErrorCode(err)))
	default:
		if err := h.setTokenCookies(w, result); err != nil {
			h.logger.Error("Failed to set session cookies", "error", err)
			h.clearTokenCookies(w)
			h.redirect(w, r, h.clientURLWith("error", ErrorCodeSessionFailed))
			return
		}
		h.redirect(w, r, h.ctrl.config.ClientURL+PathLoginSuccess)
	}
}

func (h *Handler) serveSPACallback(w http.ResponseWriter, r *http.Request) {
	if h.checkRateLimit(w, r) {
		return
	}

	var req callbackRequest
	if err := decodeBody(w, r, &req, func(form url.Values) {
		req.Code = form.Get("code")
		req.CodeVerifier = form.Get("codeVerifier")
		req.State = form.Get("state")
		req.Error = form.Get("error")
		req.ErrorDescription = form.Get("error_description")
	}); err != nil {
		h.writeError(w, http.StatusBadRequest, ErrorCodeInvalidRequest, "malformed request body")
		return
	}

	sess := h.readSession(r)
	result, err := h.ctrl.HandleCallback(r.Context(), sess, CallbackParams(req))
	h.writeSession(w, sess)
	if err != nil {
		h.clearTokenCookies(w)
		h.writeError(w, http.StatusBadRequest, ErrorCode(err), callbackDescription(err))
		return
	}

	if err := h.setTokenCookies(w, result); err != nil {
		h.logger.Error("Failed to set session cookies", "error", err)
		h.clearTokenCookies(w)
		h.writeError(w, http.StatusInternalServerError, ErrorCodeSessionFailed, "failed to store session")
		return
	}
	h.writeJSON(w, http.StatusOK, CallbackResponse{
		User:         result.User,
		AccessToken:  result.SessionToken,
		RefreshToken: result.RefreshToken,
		IDToken:      result.IDToken,
		ExpiresIn:    result.ExpiresIn,
	})
}

// ============================================================
// Refresh, logout, me
// ============================================================

// ServeRefresh exchanges the refresh token (body or cookie) for a new
// session token.
func (h *Handler) ServeRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.methodNotAllowed(w, http.MethodPost)
		return
	}

	refreshToken, err := h.refreshTokenFrom(w, r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, ErrorCodeInvalidRequest, "malformed request body")
		return
	}

	result, err := h.ctrl.Refresh(r.Context(), refreshToken)
	if err != nil {
		h.clearTokenCookies(w)
		h.writeError(w, http.StatusUnauthorized, ErrorCode(err), callbackDescription(err))
		return
	}

	h.setSessionCookie(w, result.SessionToken)
	h.writeJSON(w, http.StatusOK, RefreshResponse{
		AccessToken: result.SessionToken,
		ExpiresIn:   result.ExpiresIn,
	})
}

// ServeLogout clears the local session and revokes the refresh token. It
// succeeds even when revocation fails.
func (h *Handler) ServeLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.methodNotAllowed(w, http.MethodPost)
		return
	}

	refreshToken, err := h.refreshTokenFrom(w, r)
	if err != nil {
		refreshToken = h.refreshTokenCookie(r)
	}

	sess := h.readSession(r)
	if err := h.ctrl.Logout(r.Context(), sess, refreshToken); err != nil {
		h.logger.Info("Logout completed locally; revocation failed", "error", err)
	}
	h.writeSession(w, sess)
	h.clearTokenCookies(w)
	h.writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// ServeMe returns the user of the Bearer or cookie session token.
func (h *Handler) ServeMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.methodNotAllowed(w, http.MethodGet)
		return
	}

	var tok string
	if auth := r.Header.Get("Authorization"); len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		tok = strings.TrimSpace(auth[7:])
	} else if c, err := r.Cookie(CookieSessionToken); err == nil {
		tok = c.Value
	}

	user, err := h.ctrl.Me(tok)
	if err != nil {
		h.logger.Debug("Session check failed", "error", err)
		h.writeError(w, http.StatusUnauthorized, "invalid_token", "no valid session")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]*User{"user": user})
}

// ============================================================
// Cookies
// ============================================================

func (h *Handler) cookie(name, value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   h.ctrl.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	}
}

func (h *Handler) setSessionCookie(w http.ResponseWriter, sessionToken string) {
	maxAge := int(h.ctrl.sessions.SessionTTL().Seconds())
	http.SetCookie(w, h.cookie(CookieSessionToken, sessionToken, maxAge))
}

func (h *Handler) setTokenCookies(w http.ResponseWriter, result *LoginResult) error {
	h.setSessionCookie(w, result.SessionToken)
	if result.RefreshToken == "" {
		return nil
	}
	value, err := h.encryptor.Seal(result.RefreshToken)
	if err != nil {
		return err
	}
	http.SetCookie(w, h.cookie(CookieRefreshToken, value, int(DefaultRefreshCookieTTL.Seconds())))
	return nil
}

func (h *Handler) clearTokenCookies(w http.ResponseWriter) {
	http.SetCookie(w, h.cookie(CookieSessionToken, "", -1))
	http.SetCookie(w, h.cookie(CookieRefreshToken, "", -1))
}

func (h *Handler) refreshTokenCookie(r *http.Request) string {
	c, err := r.Cookie(CookieRefreshToken)
	if err != nil || c.Value == "" {
		return ""
	}
	tok, err := h.encryptor.Open(c.Value)
	if err != nil {
		h.logger.Debug("Discarding unreadable refresh token cookie", "error", err)
		return ""
	}
	return tok
}

// refreshTokenFrom reads refreshToken from an optional JSON body and falls
// back to the cookie.
func (h *Handler) refreshTokenFrom(w http.ResponseWriter, r *http.Request) (string, error) {
	var req refreshRequest
	if r.ContentLength != 0 {
		if err := decodeBody(w, r, &req, func(form url.Values) {
			req.RefreshToken = form.Get("refreshToken")
		}); err != nil {
			return "", err
		}
	}
	if req.RefreshToken != "" {
		return req.RefreshToken, nil
	}
	return h.refreshTokenCookie(r), nil
}

// readSession decodes the rp_sso cookie. A missing or unreadable cookie is a
// fresh session.
func (h *Handler) readSession(r *http.Request) *Session {
	sess := &Session{}
	c, err := r.Cookie(CookieSSO)
	if err != nil || c.Value == "" {
		return sess
	}
	raw, err := base64.RawURLEncoding.DecodeString(c.Value)
	if err != nil {
		return sess
	}
	if err := json.Unmarshal(raw, sess); err != nil {
		return &Session{}
	}
	return sess
}

// writeSession stores sess in a browser-session cookie.
func (h *Handler) writeSession(w http.ResponseWriter, sess *Session) {
	raw, err := json.Marshal(sess)
	if err != nil {
		h.logger.Error("Failed to encode SSO session", "error", err)
		return
	}
	http.SetCookie(w, h.cookie(CookieSSO, base64.RawURLEncoding.EncodeToString(raw), 0))
}

// ============================================================
// Helpers
// ============================================================

// decodeBody reads a JSON body into v, or calls fromForm for a form body.
func decodeBody(w http.ResponseWriter, r *http.Request, v any, fromForm func(url.Values)) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		if err := json.NewDecoder(r.Body).Decode(v); err != nil {
			return fmt.Errorf("invalid JSON body: %w", err)
		}
		return nil
	}
	if err := r.ParseForm(); err != nil {
		return fmt.Errorf("invalid form body: %w", err)
	}
	fromForm(r.PostForm)
	return nil
}

func (h *Handler) checkRateLimit(w http.ResponseWriter, r *http.Request) bool {
	if h.rateLimiter == nil {
		return false
	}
	ip := security.ClientIP(r, security.ProxyConfig{Trust: h.ctrl.config.TrustProxy})
	if h.rateLimiter.Allow(ip) {
		return false
	}

	h.logger.Warn("Rate limit exceeded", "ip", ip, "endpoint", PathCallback)
	h.ctrl.metrics().RecordRateLimitExceeded(r.Context(), PathCallback)
	h.ctrl.Auditor.LogRateLimitExceeded(ip, PathCallback)

	w.Header().Set("Retry-After", "60")
	h.writeError(w, http.StatusTooManyRequests, ErrorCodeRateLimitReached, "Rate limit exceeded. Please try again later.")
	return true
}

func (h *Handler) clientURLWith(key, value string) string {
	return h.ctrl.config.ClientURL + "?" + url.Values{key: {value}}.Encode()
}

func (h *Handler) redirect(w http.ResponseWriter, r *http.Request, target string) {
	security.SetNoStore(w)
	http.Redirect(w, r, target, http.StatusFound)
}

func (h *Handler) methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	h.writeError(w, http.StatusMethodNotAllowed, ErrorCodeInvalidRequest, "method not allowed")
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, description string) {
	h.writeJSON(w, status, errorBody{Error: code, ErrorDescription: description})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	security.SetNoStore(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

// callbackDescription is the error_description shown to the browser. Only
// authorization server descriptions and fixed texts are exposed.
func callbackDescription(err error) string {
	var cbErr *CallbackError
	switch {
	case errors.As(err, &cbErr) && cbErr.Err == nil:
		return cbErr.Description
	case errors.As(err, &cbErr):
		return strings.ReplaceAll(cbErr.Code, "_", " ")
	default:
		return err.Error()
	}
}
