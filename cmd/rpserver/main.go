// Command rpserver runs a relying party that signs browsers in through the
// authorization server, with silent SSO.
//
// Configuration comes from the environment (optionally a .env file):
//
//	AUTH_SERVER_URL   authorization server issuer (required)
//	DISCOVERY         read endpoints from the discovery document (default false)
//	CLIENT_ID         registered client id (required)
//	CLIENT_SECRET     client secret; empty for a public client
//	REDIRECT_URL      registered callback URL (required)
//	CLIENT_URL        frontend base URL (required)
//	SESSION_SECRET    HS256 key of local session tokens, at least 32 bytes (required)
//	ID_TOKEN_SECRET   authorization server signing secret; enables ID token checks
//	ENCRYPTION_KEY    base64 AES-256 key sealing the refresh token cookie
//	LISTEN_ADDR       listen address (default :5002)
//	COOKIE_SECURE     Secure attribute on rp_* cookies
//	TRUST_PROXY       honour X-Forwarded-For when rate limiting
//	RATE_LIMIT        callback requests per second per IP (0 disables)
//	RATE_BURST        callback burst per IP
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

	"github.com/giantswarm/oauth-sso/instrumentation"
	"github.com/giantswarm/oauth-sso/internal/serve"
	"github.com/giantswarm/oauth-sso/relyingparty"
	"github.com/giantswarm/oauth-sso/security"
)

func main() {
	logger := serve.NewLogger()
	serve.LoadEnv(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger); err != nil {
		logger.Error("Relying party failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}

	inst, err := instrumentation.New(instrumentation.Config{
		ServiceName: "oauth-sso-rpserver",
		Enabled:     serve.BoolEnv("OTEL_ENABLED", false),
	})
	if err != nil {
		return fmt.Errorf("failed to initialize instrumentation: %w", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	ctrl, err := relyingparty.New(*cfg, nil, nil, logger)
	if err != nil {
		return err
	}
	ctrl.SetAuditor(security.NewAuditor(logger, serve.BoolEnv("AUDIT_LOG", true)))
	ctrl.SetInstrumentation(inst)
	ctrl.Pending().Start()
	defer ctrl.Pending().Stop()

	h, err := relyingparty.NewHandler(ctrl, logger)
	if err != nil {
		return err
	}
	if rate := serve.FloatEnv("RATE_LIMIT", 5); rate > 0 {
		h.SetRateLimiter(security.NewRateLimiter(security.RateLimitConfig{
			RequestsPerSecond: rate,
			Burst:             int(serve.FloatEnv("RATE_BURST", 10)),
		}, logger))
	}
	defer h.Close()

	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	metrics := serve.NewMetrics("rpserver")
	return serve.ListenAndServe(ctx, serve.Env("LISTEN_ADDR", ":5002"), serve.Handler(mux, metrics),
		serve.DurationEnv("SHUTDOWN_TIMEOUT", 15*time.Second), logger)
}

func loadConfig(ctx context.Context) (*relyingparty.Config, error) {
	required := map[string]string{}
	for _, key := range []string{"AUTH_SERVER_URL", "CLIENT_ID", "REDIRECT_URL", "CLIENT_URL", "SESSION_SECRET"} {
		v, err := serve.RequireEnv(key)
		if err != nil {
			return nil, err
		}
		required[key] = v
	}

	cfg := &relyingparty.Config{
		AuthServerURL: required["AUTH_SERVER_URL"],
		ClientID:      required["CLIENT_ID"],
		ClientSecret:  os.Getenv("CLIENT_SECRET"),
		RedirectURL:   required["REDIRECT_URL"],
		ClientURL:     required["CLIENT_URL"],
		SessionSecret: required["SESSION_SECRET"],
		IDTokenSecret: os.Getenv("ID_TOKEN_SECRET"),
		CookieSecure:  serve.BoolEnv("COOKIE_SECURE", strings.HasPrefix(required["CLIENT_URL"], "https://")),
		TrustProxy:    serve.BoolEnv("TRUST_PROXY", false),
		HTTPClient:    &http.Client{Timeout: 30 * time.Second},
	}

	if encoded := os.Getenv("ENCRYPTION_KEY"); encoded != "" {
		key, err := security.KeyFromBase64(encoded)
		if err != nil {
			return nil, fmt.Errorf("invalid ENCRYPTION_KEY: %w", err)
		}
		cfg.EncryptionKey = key
	}

	if serve.BoolEnv("DISCOVERY", false) {
		eps, err := relyingparty.DiscoverEndpoints(ctx, cfg.HTTPClient, cfg.AuthServerURL)
		if err != nil {
			return nil, fmt.Errorf("discovery failed: %w", err)
		}
		cfg.Endpoints = eps
	}
	return cfg, nil
}
