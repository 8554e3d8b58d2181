package oauth

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/giantswarm/oauth-sso/instrumentation"
	"github.com/giantswarm/oauth-sso/security"
	"github.com/giantswarm/oauth-sso/server"
	"github.com/giantswarm/oauth-sso/storage"
)

// Config holds the authorization server configuration for New.
// Structured using composition for better organization and maintainability
type Config struct {
	// Server is the protocol configuration (issuer, TTLs, signing secret)
	Server server.Config

	// Authenticator resolves the user behind /authorize.
	// Default: a SessionCookieAuthenticator using Security.SessionCookieName
	Authenticator Authenticator

	// Rate limiting configuration
	RateLimit RateLimitConfig

	// Security settings
	Security SecurityConfig

	// Instrumentation enables tracing and metrics (optional)
	Instrumentation *instrumentation.Instrumentation

	// Logger for structured logging (optional, uses default if not provided)
	Logger *slog.Logger
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	// Rate is requests per second allowed per IP. Zero disables limiting.
	Rate float64

	// Burst is the maximum burst size allowed per IP.
	Burst int

	// CleanupInterval is how often to cleanup inactive rate limiters.
	CleanupInterval time.Duration
}

// SecurityConfig holds OAuth security settings
type SecurityConfig struct {
	// EnableAuditLogging enables security audit logging.
	// Logs auth events, token operations, and violations (sensitive data hashed).
	EnableAuditLogging bool

	// SessionCookieName is the login session cookie read at /authorize.
	// Default: "sso_session"
	SessionCookieName string

	// CookieSecure sets the Secure attribute on the session cookie.
	CookieSecure bool
}

// New wires a server.Server over store together with its auditor, rate
// limiter and instrumentation, and returns the HTTP handler for it. Call
// Handler.Close on shutdown to stop the rate limiter's cleanup goroutine.
func New(store storage.Store, cfg Config) (*Handler, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	serverConfig := cfg.Server
	srv, err := server.NewFromStore(store, &serverConfig, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create oauth server: %w", err)
	}

	srv.SetAuditor(security.NewAuditor(logger, cfg.Security.EnableAuditLogging))
	if cfg.Instrumentation != nil {
		srv.SetInstrumentation(cfg.Instrumentation)
	}
	if cfg.RateLimit.Rate > 0 {
		srv.SetRateLimiter(security.NewRateLimiter(security.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimit.Rate,
			Burst:             cfg.RateLimit.Burst,
			CleanupInterval:   cfg.RateLimit.CleanupInterval,
		}, logger))
	}

	auth := cfg.Authenticator
	if auth == nil {
		auth = &SessionCookieAuthenticator{
			Server:     srv,
			CookieName: cfg.Security.SessionCookieName,
			Secure:     cfg.Security.CookieSecure,
		}
	}

	return NewHandler(srv, auth, logger), nil
}
