package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oauth-sso/instrumentation"
	"github.com/giantswarm/oauth-sso/security"
	"github.com/giantswarm/oauth-sso/storage"
	"github.com/giantswarm/oauth-sso/token"
)

// Server implements the authorization server logic independent of HTTP.
// The root package adapts it to net/http.
type Server struct {
	clientStore  storage.ClientStore
	userStore    storage.UserStore
	codeStore    storage.CodeStore
	refreshStore storage.RefreshTokenStore
	codec        *token.Codec

	Auditor         *security.Auditor
	RateLimiter     *security.RateLimiter // IP-based rate limiter
	Instrumentation *instrumentation.Instrumentation
	Logger          *slog.Logger
	Config          *Config

	tracer trace.Tracer
	now    func() time.Time
}

// New creates a new OAuth server
func New(
	clientStore storage.ClientStore,
	userStore storage.UserStore,
	codeStore storage.CodeStore,
	refreshStore storage.RefreshTokenStore,
	config *Config,
	logger *slog.Logger,
) (*Server, error) {
	if clientStore == nil {
		return nil, fmt.Errorf("client store is required")
	}
	if userStore == nil {
		return nil, fmt.Errorf("user store is required")
	}
	if codeStore == nil {
		return nil, fmt.Errorf("code store is required")
	}
	if refreshStore == nil {
		return nil, fmt.Errorf("refresh token store is required")
	}
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	config = applySecureDefaults(config, logger)
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid server config: %w", err)
	}

	srv := &Server{
		clientStore:  clientStore,
		userStore:    userStore,
		codeStore:    codeStore,
		refreshStore: refreshStore,
		Config:       config,
		Logger:       logger,
		now:          time.Now,
	}

	codec, err := token.NewCodec(token.Config{
		Issuer:         config.Issuer,
		Secret:         []byte(config.SigningSecret),
		AccessTokenTTL: time.Duration(config.AccessTokenTTL) * time.Second,
		IDTokenTTL:     time.Duration(config.IDTokenTTL) * time.Second,
		SessionTTL:     time.Duration(config.SessionTTL) * time.Second,
		Now:            func() time.Time { return srv.now() },
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create token codec: %w", err)
	}
	srv.codec = codec

	return srv, nil
}

// NewFromStore is New for a backend that implements every store interface.
func NewFromStore(store storage.Store, config *Config, logger *slog.Logger) (*Server, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	return New(store, store, store, store, config, logger)
}

// Codec returns the token codec. The HTTP layer uses it to verify AS session
// cookies with the same key the server signs with.
func (s *Server) Codec() *token.Codec {
	return s.codec
}

// SetAuditor sets the security auditor
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
}

// SetRateLimiter sets the IP-based rate limiter
func (s *Server) SetRateLimiter(rl *security.RateLimiter) {
	s.RateLimiter = rl
}

// SetInstrumentation enables tracing and metrics for the server flows
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.Instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("server")
	} else {
		s.tracer = nil
	}
}

// GetClient retrieves a client by ID (for use by handler)
func (s *Server) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	return s.clientStore.GetClient(ctx, clientID)
}

func (s *Server) metrics() *instrumentation.Metrics {
	if s.Instrumentation == nil {
		return nil
	}
	return s.Instrumentation.Metrics()
}

// startSpan returns a nil span when tracing is off; the instrumentation
// helpers accept that.
func (s *Server) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, nil
	}
	return s.tracer.Start(ctx, name)
}

func endSpan(span trace.Span) {
	if span != nil {
		span.End()
	}
}
