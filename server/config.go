package server

import (
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strings"

	"github.com/giantswarm/oauth-sso/internal/util"
)

const (
	// DefaultScope is granted when /authorize carries no scope.
	DefaultScope = "openid profile email"

	// MinSigningSecretLength is the shortest accepted HS256 secret in bytes.
	MinSigningSecretLength = 32
)

// DefaultSupportedScopes are the scopes the server knows about.
var DefaultSupportedScopes = []string{"openid", "profile", "email"}

// Config holds OAuth server configuration
type Config struct {
	// Issuer is the server's issuer identifier (base URL)
	Issuer string

	// SigningSecret is the HS256 key for access, ID and session tokens
	// Must be at least 32 bytes
	SigningSecret string

	// AuthorizationCodeTTL is how long authorization codes are valid
	AuthorizationCodeTTL int64 // seconds, default: 600 (10 minutes)

	// AccessTokenTTL is how long access tokens are valid
	AccessTokenTTL int64 // seconds, default: 3600 (1 hour)

	// IDTokenTTL is how long ID tokens are valid
	IDTokenTTL int64 // seconds, default: 3600 (1 hour)

	// RefreshTokenTTL is how long refresh tokens are valid
	RefreshTokenTTL int64 // seconds, default: 2592000 (30 days)

	// SessionTTL is the lifetime of the AS login session token
	SessionTTL int64 // seconds, default: 86400 (24 hours)

	// LoginURL is where unauthenticated browsers are sent from /authorize,
	// with the original request in the returnUrl query parameter
	// Default: Issuer + "/login"
	LoginURL string

	// DefaultScope is used when /authorize carries no scope
	// Default: "openid profile email"
	DefaultScope string

	// SupportedScopes lists the scopes the server accepts at all
	// Default: openid, profile, email
	SupportedScopes []string

	// DisablePKCEPlain rejects the 'plain' code_challenge_method
	// 'plain' is accepted by default and advertised in discovery
	DisablePKCEPlain bool // default: false

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers
	// WARNING: Only enable if behind a trusted reverse proxy (nginx, HAProxy, etc.)
	// When false, uses direct connection IP (secure by default)
	// Default: false
	TrustProxy bool // default: false

	// TrustedProxyCount is the number of trusted proxies in front of this server
	// Used with TrustProxy to correctly extract client IP from X-Forwarded-For
	// Default: 1
	TrustedProxyCount int // default: 1
}

// AllowPKCEPlain reports whether the 'plain' challenge method is accepted.
func (c *Config) AllowPKCEPlain() bool {
	return !c.DisablePKCEPlain
}

// SupportsScope reports whether scope is in SupportedScopes.
func (c *Config) SupportsScope(scope string) bool {
	return slices.Contains(c.SupportedScopes, scope)
}

// Validate checks the settings New cannot default.
func (c *Config) Validate() error {
	if c.Issuer == "" {
		return fmt.Errorf("issuer is required")
	}
	u, err := url.Parse(c.Issuer)
	if err != nil {
		return fmt.Errorf("invalid issuer URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid issuer URL scheme: %q (must be http or https)", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("issuer URL must include a host")
	}
	if len(c.SigningSecret) < MinSigningSecretLength {
		return fmt.Errorf("signing secret must be at least %d bytes", MinSigningSecretLength)
	}
	return nil
}

// applySecureDefaults applies default values and logs warnings for risky settings
func applySecureDefaults(config *Config, logger *slog.Logger) *Config {
	applyTimeDefaults(config)

	config.Issuer = strings.TrimRight(config.Issuer, "/")
	if config.LoginURL == "" && config.Issuer != "" {
		config.LoginURL = config.Issuer + "/login"
	}
	if config.DefaultScope == "" {
		config.DefaultScope = DefaultScope
	}
	if len(config.SupportedScopes) == 0 {
		config.SupportedScopes = slices.Clone(DefaultSupportedScopes)
	}
	if config.TrustedProxyCount <= 0 {
		config.TrustedProxyCount = 1
	}

	logSecurityWarnings(config, logger)
	return config
}

// applyTimeDefaults sets default values for time-based configuration
func applyTimeDefaults(config *Config) {
	if config.AuthorizationCodeTTL <= 0 {
		config.AuthorizationCodeTTL = 600 // 10 minutes
	}
	if config.AccessTokenTTL <= 0 {
		config.AccessTokenTTL = 3600 // 1 hour
	}
	if config.IDTokenTTL <= 0 {
		config.IDTokenTTL = 3600 // 1 hour
	}
	if config.RefreshTokenTTL <= 0 {
		config.RefreshTokenTTL = 2592000 // 30 days
	}
	if config.SessionTTL <= 0 {
		config.SessionTTL = 86400 // 24 hours
	}
}

// logSecurityWarnings logs warnings for insecure configuration settings
func logSecurityWarnings(config *Config, logger *slog.Logger) {
	if u, err := url.Parse(config.Issuer); err == nil && u.Scheme == "http" && !util.IsLoopbackHostname(u.Hostname()) {
		logger.Warn("⚠️  SECURITY WARNING: Issuer uses HTTP on a non-loopback host",
			"issuer", config.Issuer,
			"risk", "Tokens and client secrets exposed to network sniffing",
			"recommendation", "Serve the authorization server over HTTPS")
	}
	if config.AllowPKCEPlain() {
		logger.Warn("⚠️  SECURITY WARNING: Plain PKCE method is ALLOWED",
			"risk", "Weak code challenge protection",
			"recommendation", "Set DisablePKCEPlain=true to require S256",
			"learn_more", "https://datatracker.ietf.org/doc/html/rfc7636#section-4.2")
	}
	if config.TrustProxy {
		logger.Warn("⚠️  SECURITY NOTICE: Trusting proxy headers",
			"risk", "IP spoofing if proxy is not properly configured",
			"recommendation", "Only enable behind trusted reverse proxies",
			"config", "TrustedProxyCount should match your proxy chain length")
	}
}
