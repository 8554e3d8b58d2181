// Command authserver runs the OAuth 2.0 / OpenID Connect authorization server.
//
// Configuration comes from the environment (optionally a .env file):
//
//	ISSUER               issuer URL (default http://localhost:5001)
//	SIGNING_SECRET       HS256 key, at least 32 bytes (required)
//	LISTEN_ADDR          listen address (default :5001)
//	STORAGE              memory or valkey (default memory)
//	VALKEY_ADDR          Valkey address when STORAGE=valkey
//	VALKEY_PASSWORD      optional Valkey password
//	SEED_FILE            YAML clients and users to register at startup
//	LOGIN_URL            login surface for unauthenticated browsers
//	DISABLE_PKCE_PLAIN   reject code_challenge_method=plain
//	RATE_LIMIT           requests per second per IP (0 disables)
//	RATE_BURST           burst per IP
//	TRUST_PROXY          honour X-Forwarded-For
//	COOKIE_SECURE        Secure attribute on the session cookie
//	AUDIT_LOG            enable the security audit log (default true)
//	DEV_LOGIN_USER       enable GET /login that signs this seeded user in
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	oauth "github.com/giantswarm/oauth-sso"
	"github.com/giantswarm/oauth-sso/instrumentation"
	"github.com/giantswarm/oauth-sso/internal/seed"
	"github.com/giantswarm/oauth-sso/internal/serve"
	"github.com/giantswarm/oauth-sso/server"
	"github.com/giantswarm/oauth-sso/storage"
	"github.com/giantswarm/oauth-sso/storage/memory"
	"github.com/giantswarm/oauth-sso/storage/valkey"
)

func main() {
	logger := serve.NewLogger()
	serve.LoadEnv(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger); err != nil {
		logger.Error("Authorization server failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger) error {
	secret, err := serve.RequireEnv("SIGNING_SECRET")
	if err != nil {
		return err
	}
	issuer := serve.Env("ISSUER", "http://localhost:5001")

	inst, err := instrumentation.New(instrumentation.Config{
		ServiceName: "oauth-sso-authserver",
		Enabled:     serve.BoolEnv("OTEL_ENABLED", false),
	})
	if err != nil {
		return fmt.Errorf("failed to initialize instrumentation: %w", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	store, closeStore, err := openStore(logger, inst)
	if err != nil {
		return err
	}
	defer closeStore()

	if path := os.Getenv("SEED_FILE"); path != "" {
		f, err := seed.Load(path)
		if err != nil {
			return err
		}
		if err := f.Apply(ctx, store, logger); err != nil {
			return err
		}
	}

	h, err := oauth.New(store, oauth.Config{
		Server: server.Config{
			Issuer:           issuer,
			SigningSecret:    secret,
			LoginURL:         os.Getenv("LOGIN_URL"),
			DisablePKCEPlain: serve.BoolEnv("DISABLE_PKCE_PLAIN", false),
			TrustProxy:       serve.BoolEnv("TRUST_PROXY", false),
		},
		RateLimit: oauth.RateLimitConfig{
			Rate:  serve.FloatEnv("RATE_LIMIT", 10),
			Burst: int(serve.FloatEnv("RATE_BURST", 20)),
		},
		Security: oauth.SecurityConfig{
			EnableAuditLogging: serve.BoolEnv("AUDIT_LOG", true),
			CookieSecure:       serve.BoolEnv("COOKIE_SECURE", strings.HasPrefix(issuer, "https://")),
		},
		Instrumentation: inst,
		Logger:          logger,
	})
	if err != nil {
		return err
	}
	defer h.Close()

	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	if userID := os.Getenv("DEV_LOGIN_USER"); userID != "" {
		auth, ok := h.Authenticator().(*oauth.SessionCookieAuthenticator)
		if !ok {
			return fmt.Errorf("DEV_LOGIN_USER requires the session cookie authenticator")
		}
		logger.Warn("⚠️  SECURITY WARNING: development login is enabled",
			"user_id", userID,
			"risk", "Anyone reaching /login is signed in as this user")
		mux.Handle("/login", devLoginHandler(store, auth, userID, logger))
	}

	metrics := serve.NewMetrics("authserver")
	return serve.ListenAndServe(ctx, serve.Env("LISTEN_ADDR", ":5001"), serve.Handler(mux, metrics),
		serve.DurationEnv("SHUTDOWN_TIMEOUT", 15*time.Second), logger)
}

// openStore returns the backend selected by STORAGE and a function that
// releases it.
func openStore(logger *slog.Logger, inst *instrumentation.Instrumentation) (storage.Store, func(), error) {
	switch backend := serve.Env("STORAGE", "memory"); backend {
	case "memory":
		store := memory.New()
		store.SetLogger(logger)
		store.SetInstrumentation(inst)
		logger.Info("Using in-memory storage; state is lost on restart")
		return store, store.Stop, nil
	case "valkey":
		addr, err := serve.RequireEnv("VALKEY_ADDR")
		if err != nil {
			return nil, nil, err
		}
		store, err := valkey.New(valkey.Config{
			Address:  addr,
			Password: os.Getenv("VALKEY_PASSWORD"),
			Logger:   logger,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown STORAGE backend %q (want memory or valkey)", backend)
	}
}

// devLoginHandler signs userID in at the authorization server and returns the
// browser to the relative returnUrl, normally the original /authorize request.
func devLoginHandler(users storage.UserStore, auth *oauth.SessionCookieAuthenticator, userID string, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		returnURL := r.URL.Query().Get("returnUrl")
		if !strings.HasPrefix(returnURL, "/") || strings.HasPrefix(returnURL, "//") || strings.HasPrefix(returnURL, "/\\") {
			returnURL = "/"
		}

		user, err := users.GetUser(r.Context(), userID)
		if err != nil {
			logger.Error("Development login user not found", "user_id", userID, "error", err)
			http.Error(w, "login unavailable", http.StatusInternalServerError)
			return
		}
		if err := auth.SetSessionCookie(w, user); err != nil {
			logger.Error("Failed to issue session", "error", err)
			http.Error(w, "login unavailable", http.StatusInternalServerError)
			return
		}
		http.Redirect(w, r, returnURL, http.StatusFound)
	})
}
