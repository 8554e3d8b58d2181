package relyingparty

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/giantswarm/oauth-sso/internal/util"
)

// Defaults applied by Config.applyDefaults.
const (
	DefaultExchangeTimeout = 10 * time.Second
	DefaultUserInfoTimeout = 5 * time.Second
	DefaultRevokeTimeout   = 5 * time.Second
	DefaultSessionTTL      = 24 * time.Hour

	// DefaultRefreshCookieTTL matches the authorization server's refresh
	// token lifetime.
	DefaultRefreshCookieTTL = 30 * 24 * time.Hour

	// SessionSource is the source claim of sessions created from an OAuth login.
	SessionSource = "oauth2"
)

const (
	maxScopes      = 50
	maxScopeLength = 256
)

// DefaultScopes are requested when Config.Scopes is empty.
var DefaultScopes = []string{"openid", "profile", "email"}

// Endpoints are the authorization server URLs the relying party calls.
type Endpoints struct {
	AuthorizationURL string
	TokenURL         string
	UserInfoURL      string
	RevocationURL    string
}

// Config holds relying party configuration
type Config struct {
	// AuthServerURL is the authorization server's issuer (base URL)
	AuthServerURL string

	// Endpoints override the URLs derived from AuthServerURL
	// (AuthServerURL + /oauth/authorize, /oauth/token, /oauth/userinfo, /oauth/revoke)
	Endpoints Endpoints

	// ClientID and ClientSecret are this application's registration at the
	// authorization server. ClientSecret is empty for a public client.
	ClientID     string
	ClientSecret string

	// RedirectURL is the registered callback URL
	RedirectURL string

	// Scopes requested at /authorize (default: openid profile email)
	Scopes []string

	// ClientURL is the frontend base URL the browser is returned to
	ClientURL string

	// SessionSecret is the HS256 key of the local session token (min 32 bytes)
	SessionSecret string

	// SessionIssuer is the iss claim of local session tokens
	// Default: ClientURL
	SessionIssuer string

	// SessionTTL is the local session lifetime (default: 24h)
	SessionTTL time.Duration

	// ExchangeTimeout bounds token endpoint calls (default: 10s)
	ExchangeTimeout time.Duration

	// UserInfoTimeout bounds userinfo calls (default: 5s)
	UserInfoTimeout time.Duration

	// RevokeTimeout bounds revocation calls (default: 5s)
	RevokeTimeout time.Duration

	// PendingTTL is how long a login may take (default: 10m)
	PendingTTL time.Duration

	// HTTPClient is used for every call to the authorization server
	HTTPClient *http.Client

	// CookieSecure sets the Secure attribute on rp_* cookies
	CookieSecure bool

	// EncryptionKey (32 bytes) seals the refresh token cookie with AES-GCM.
	// Nil stores the refresh token as is.
	EncryptionKey []byte

	// IDTokenSecret, when set, is the authorization server's signing secret
	// and ID tokens are verified (iss, aud, nonce) before the login completes.
	IDTokenSecret string

	// TrustProxy enables X-Forwarded-For when rate limiting the callback
	TrustProxy bool
}

// Validate checks the fields New cannot default.
func (c *Config) Validate() error {
	if c.AuthServerURL == "" {
		return fmt.Errorf("auth server URL is required")
	}
	if u, err := url.Parse(c.AuthServerURL); err != nil || u.Host == "" {
		return fmt.Errorf("auth server URL must be absolute: %q", c.AuthServerURL)
	}
	if c.ClientID == "" {
		return fmt.Errorf("client ID is required")
	}
	if c.RedirectURL == "" {
		return fmt.Errorf("redirect URL is required")
	}
	if c.ClientURL == "" {
		return fmt.Errorf("client URL is required")
	}
	if len(c.SessionSecret) < 32 {
		return fmt.Errorf("session secret must be at least 32 bytes")
	}
	if c.IDTokenSecret != "" && len(c.IDTokenSecret) < 32 {
		return fmt.Errorf("ID token secret must be at least 32 bytes")
	}
	return validateScopes(c.Scopes)
}

// validateScopes bounds the requested scopes before they reach an
// authorization URL.
func validateScopes(scopes []string) error {
	if len(scopes) > maxScopes {
		return fmt.Errorf("too many scopes (max %d, got %d)", maxScopes, len(scopes))
	}
	for i, scope := range scopes {
		if scope == "" || strings.ContainsAny(scope, " \t\n") {
			return fmt.Errorf("scope at index %d is empty or contains whitespace", i)
		}
		if len(scope) > maxScopeLength {
			return fmt.Errorf("scope at index %d exceeds maximum length of %d characters", i, maxScopeLength)
		}
	}
	return nil
}

func applyDefaults(cfg *Config, logger *slog.Logger) *Config {
	c := *cfg
	c.AuthServerURL = strings.TrimSuffix(c.AuthServerURL, "/")
	c.ClientURL = strings.TrimSuffix(c.ClientURL, "/")

	if c.Endpoints.AuthorizationURL == "" {
		c.Endpoints.AuthorizationURL = c.AuthServerURL + "/oauth/authorize"
	}
	if c.Endpoints.TokenURL == "" {
		c.Endpoints.TokenURL = c.AuthServerURL + "/oauth/token"
	}
	if c.Endpoints.UserInfoURL == "" {
		c.Endpoints.UserInfoURL = c.AuthServerURL + "/oauth/userinfo"
	}
	if c.Endpoints.RevocationURL == "" {
		c.Endpoints.RevocationURL = c.AuthServerURL + "/oauth/revoke"
	}
	if len(c.Scopes) == 0 {
		c.Scopes = DefaultScopes
	}
	if c.SessionIssuer == "" {
		c.SessionIssuer = c.ClientURL
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = DefaultSessionTTL
	}
	if c.ExchangeTimeout <= 0 {
		c.ExchangeTimeout = DefaultExchangeTimeout
	}
	if c.UserInfoTimeout <= 0 {
		c.UserInfoTimeout = DefaultUserInfoTimeout
	}
	if c.RevokeTimeout <= 0 {
		c.RevokeTimeout = DefaultRevokeTimeout
	}
	if c.PendingTTL <= 0 {
		c.PendingTTL = DefaultPendingTTL
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}

	if u, err := url.Parse(c.AuthServerURL); err == nil && u.Scheme == "http" && !util.IsLoopbackHostname(u.Hostname()) {
		logger.Warn("⚠️  SECURITY WARNING: Authorization server URL uses HTTP",
			"auth_server_url", c.AuthServerURL,
			"risk", "Codes and tokens travel in clear text")
	}
	if c.IDTokenSecret == "" {
		logger.Info("ID token verification disabled; identity comes from userinfo only")
	}
	if len(c.EncryptionKey) == 0 {
		logger.Info("Refresh token cookie is not encrypted (no encryption key configured)")
	}

	return &c
}
