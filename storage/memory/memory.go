// Package memory provides an in-memory implementation of the storage interfaces.
// It is suitable for development, testing and single-instance deployments.
package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oauth-sso/instrumentation"
	"github.com/giantswarm/oauth-sso/internal/util"
	"github.com/giantswarm/oauth-sso/storage"
)

const (
	// tokenIDLogLength is the number of characters of a code or token to log.
	tokenIDLogLength = 8

	// DefaultCleanupInterval is how often expired codes and tokens are removed.
	DefaultCleanupInterval = time.Minute
)

// Store is an in-memory implementation of storage.Store.
type Store struct {
	mu sync.RWMutex

	clients       map[string]*storage.Client
	users         map[string]*storage.User
	authCodes     map[string]*storage.AuthorizationCode
	refreshTokens map[string]*storage.RefreshToken

	// Atomic counters for lock-free metric collection
	clientsCount       atomic.Int64
	codesCount         atomic.Int64
	refreshTokensCount atomic.Int64

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	now             func() time.Time
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
}

// Compile-time interface checks
var (
	_ storage.ClientStore       = (*Store)(nil)
	_ storage.UserStore         = (*Store)(nil)
	_ storage.CodeStore         = (*Store)(nil)
	_ storage.RefreshTokenStore = (*Store)(nil)
	_ storage.Store             = (*Store)(nil)
)

// New creates an in-memory store with the default cleanup interval.
func New() *Store {
	return NewWithInterval(DefaultCleanupInterval)
}

// NewWithInterval creates an in-memory store that sweeps expired records every
// cleanupInterval. Zero or negative uses DefaultCleanupInterval.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = DefaultCleanupInterval
	}

	s := &Store{
		clients:         make(map[string]*storage.Client),
		users:           make(map[string]*storage.User),
		authCodes:       make(map[string]*storage.AuthorizationCode),
		refreshTokens:   make(map[string]*storage.RefreshToken),
		now:             time.Now,
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
	s.clientsCount.Store(int64(len(s.clients)))
	s.codesCount.Store(int64(len(s.authCodes)))
	s.refreshTokensCount.Store(int64(len(s.refreshTokens)))
	logger := s.logger
	s.mu.Unlock()

	if inst != nil {
		err := inst.RegisterStorageSizeCallbacks(
			func() int64 { return s.codesCount.Load() },
			func() int64 { return s.refreshTokensCount.Load() },
			func() int64 { return s.clientsCount.Load() },
		)
		if err != nil {
			logger.Warn("Failed to register storage size callbacks", "error", err)
		}
	}
}

// Stop stops the cleanup goroutine. It is safe to call more than once.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

// ============================================================
// ClientStore Implementation
// ============================================================

// SaveClient registers or replaces a client.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_client")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "save_client", &err, time.Now())

	if client == nil || client.ClientID == "" {
		return fmt.Errorf("invalid client: client_id is required")
	}

	c := cloneClient(client)
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c.ClientID] = c
	s.clientsCount.Store(int64(len(s.clients)))
	s.logger.Debug("Saved client", "client_id", c.ClientID, "client_type", c.ClientType)
	return nil
}

// GetClient returns a copy of the client, or storage.ErrClientNotFound.
func (s *Store) GetClient(ctx context.Context, clientID string) (_ *storage.Client, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_client")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "get_client", &err, time.Now())

	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.clients[clientID]
	if !ok {
		return nil, storage.ErrClientNotFound
	}
	return cloneClient(c), nil
}

// ============================================================
// UserStore Implementation
// ============================================================

// SaveUser creates or replaces a user.
func (s *Store) SaveUser(_ context.Context, user *storage.User) error {
	if user == nil || user.ID == "" {
		return fmt.Errorf("invalid user: id is required")
	}
	u := *user

	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = &u
	return nil
}

// GetUser returns a copy of the user, or storage.ErrUserNotFound.
func (s *Store) GetUser(ctx context.Context, userID string) (_ *storage.User, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_user")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "get_user", &err, time.Now())

	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[userID]
	if !ok {
		return nil, storage.ErrUserNotFound
	}
	userCopy := *u
	return &userCopy, nil
}

// ============================================================
// CodeStore Implementation
// ============================================================

// SaveAuthorizationCode saves an issued authorization code
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_authorization_code")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "save_authorization_code", &err, time.Now())

	if code == nil || code.Code == "" {
		return fmt.Errorf("invalid authorization code")
	}
	codeCopy := *code

	s.mu.Lock()
	defer s.mu.Unlock()

	s.authCodes[codeCopy.Code] = &codeCopy
	s.codesCount.Store(int64(len(s.authCodes)))
	s.logger.Debug("Saved authorization code", "code_prefix", util.SafeTruncate(code.Code, tokenIDLogLength))
	return nil
}

// GetAuthorizationCode returns a copy of the code record. Used and expired
// codes are still returned so the caller can tell reuse from expiry.
func (s *Store) GetAuthorizationCode(ctx context.Context, code string) (_ *storage.AuthorizationCode, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_authorization_code")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "get_authorization_code", &err, time.Now())

	s.mu.RLock()
	defer s.mu.RUnlock()

	authCode, ok := s.authCodes[code]
	if !ok {
		return nil, storage.ErrAuthorizationCodeNotFound
	}
	codeCopy := *authCode
	return &codeCopy, nil
}

// MarkAuthorizationCodeUsed atomically flips Used. Only one concurrent caller
// succeeds; the rest get storage.ErrAuthorizationCodeUsed.
func (s *Store) MarkAuthorizationCodeUsed(ctx context.Context, code string) (err error) {
	ctx, span := s.startStorageSpan(ctx, "mark_authorization_code_used")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "mark_authorization_code_used", &err, time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	authCode, ok := s.authCodes[code]
	if !ok {
		return storage.ErrAuthorizationCodeNotFound
	}
	if authCode.Used {
		return storage.ErrAuthorizationCodeUsed
	}
	authCode.Used = true
	s.logger.Debug("Marked authorization code as used",
		"code_prefix", util.SafeTruncate(code, tokenIDLogLength))
	return nil
}

// ============================================================
// RefreshTokenStore Implementation
// ============================================================

// SaveRefreshToken stores a refresh token record.
func (s *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_refresh_token")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "save_refresh_token", &err, time.Now())

	if token == nil || token.Token == "" {
		return fmt.Errorf("invalid refresh token")
	}
	tokenCopy := *token

	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshTokens[tokenCopy.Token] = &tokenCopy
	s.refreshTokensCount.Store(int64(len(s.refreshTokens)))
	return nil
}

// GetRefreshToken returns a copy of the record, including revoked and expired
// ones, or storage.ErrRefreshTokenNotFound.
func (s *Store) GetRefreshToken(ctx context.Context, token string) (_ *storage.RefreshToken, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_refresh_token")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "get_refresh_token", &err, time.Now())

	s.mu.RLock()
	defer s.mu.RUnlock()

	rt, ok := s.refreshTokens[token]
	if !ok {
		return nil, storage.ErrRefreshTokenNotFound
	}
	tokenCopy := *rt
	return &tokenCopy, nil
}

// RevokeRefreshToken marks a token revoked. Unknown tokens are ignored.
func (s *Store) RevokeRefreshToken(ctx context.Context, token string) (err error) {
	ctx, span := s.startStorageSpan(ctx, "revoke_refresh_token")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "revoke_refresh_token", &err, time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	if rt, ok := s.refreshTokens[token]; ok && !rt.Revoked {
		rt.Revoked = true
		s.logger.Debug("Revoked refresh token",
			"token_prefix", util.SafeTruncate(token, tokenIDLogLength))
	}
	return nil
}

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.Cleanup(s.now())
		}
	}
}

// Cleanup removes codes and refresh tokens that expired before now and
// returns how many records were dropped. Revoked tokens are kept until they
// expire so a revoked token keeps failing as invalid_grant.
func (s *Store) Cleanup(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cleaned := 0
	for k, c := range s.authCodes {
		if c.IsExpired(now) {
			delete(s.authCodes, k)
			cleaned++
		}
	}
	for k, t := range s.refreshTokens {
		if !now.Before(t.ExpiresAt) {
			delete(s.refreshTokens, k)
			cleaned++
		}
	}

	s.codesCount.Store(int64(len(s.authCodes)))
	s.refreshTokensCount.Store(int64(len(s.refreshTokens)))

	if cleaned > 0 {
		s.logger.Debug("Cleaned up expired records", "count", cleaned)
	}
	return cleaned
}

// ============================================================
// Helpers
// ============================================================

func cloneClient(c *storage.Client) *storage.Client {
	out := *c
	out.RedirectURIs = append([]string(nil), c.RedirectURIs...)
	out.GrantTypes = append([]string(nil), c.GrantTypes...)
	out.AllowedScopes = append([]string(nil), c.AllowedScopes...)
	return &out
}

// startStorageSpan starts a span for a storage operation.
func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return s.tracer.Start(ctx, "storage."+operation,
		trace.WithAttributes(
			attribute.String(instrumentation.AttrStorageOperation, operation),
			attribute.String(instrumentation.AttrStorageType, "memory"),
		))
}

// recordStorageOperation records metrics for a storage operation and sets span
// status. Not-found results are expected lookups and count as success.
func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, errp *error, startTime time.Time) {
	if s.instrumentation == nil {
		return
	}

	durationMs := float64(time.Since(startTime).Microseconds()) / 1000
	result := "success"
	if err := *errp; err != nil && !isNotFound(err) {
		result = "error"
		instrumentation.RecordError(span, err)
	} else {
		instrumentation.SetSpanSuccess(span)
	}
	s.instrumentation.Metrics().RecordStorageOperation(ctx, operation, result, durationMs)
}

func isNotFound(err error) bool {
	return errors.Is(err, storage.ErrClientNotFound) ||
		errors.Is(err, storage.ErrUserNotFound) ||
		errors.Is(err, storage.ErrAuthorizationCodeNotFound) ||
		errors.Is(err, storage.ErrRefreshTokenNotFound)
}
