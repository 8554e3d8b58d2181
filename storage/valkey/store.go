package valkey

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/giantswarm/oauth-sso/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys
	DefaultKeyPrefix = "sso:"

	// tokenIDLogLength is the number of characters to include when logging codes and tokens
	tokenIDLogLength = 8

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second

	// expiryGrace keeps expired records readable for a short while after expiry
	expiryGrace = time.Minute

	// MaxTokenLength is the maximum accepted length of a code or token
	MaxTokenLength = 512

	// MaxIDLength is the maximum accepted length of a client or user id
	MaxIDLength = 256
)

var errInputTooLarge = fmt.Errorf("input exceeds maximum allowed size")

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g., "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "sso:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

// Store is a Valkey-backed implementation of storage.Store.
type Store struct {
	client valkeygo.Client
	prefix string
	logger *slog.Logger
}

// Compile-time interface checks
var (
	_ storage.ClientStore       = (*Store)(nil)
	_ storage.UserStore         = (*Store)(nil)
	_ storage.CodeStore         = (*Store)(nil)
	_ storage.RefreshTokenStore = (*Store)(nil)
	_ storage.Store             = (*Store)(nil)
)

// New creates a Valkey-backed store and verifies the connection.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
		Password:    cfg.Password,
		TLSConfig:   cfg.TLS,
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix)

	return &Store{
		client: client,
		prefix: prefix,
		logger: logger,
	}, nil
}

// Close closes the Valkey client connection.
func (s *Store) Close() {
	s.client.Close()
	s.logger.Info("Valkey storage connection closed")
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// ============================================================
// Key helpers
// ============================================================

func (s *Store) clientKey(clientID string) string {
	return s.prefix + "client:" + clientID
}

func (s *Store) userKey(userID string) string {
	return s.prefix + "user:" + userID
}

func (s *Store) codeKey(code string) string {
	return s.prefix + "code:" + code
}

func (s *Store) refreshTokenKey(token string) string {
	return s.prefix + "refresh:" + token
}

// ============================================================
// Lua Scripts for Atomic Operations
// ============================================================

// luaMarkCodeUsed flips the used flag of an authorization code exactly once.
//
// KEYS[1] = code key
//
// Returns "OK", "NOT_FOUND" or "ALREADY_USED".
const luaMarkCodeUsed = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

local code = cjson.decode(data)
if code.used then
    return 'ALREADY_USED'
end

code.used = true
redis.call('SET', KEYS[1], cjson.encode(code), 'KEEPTTL')
return 'OK'
`

// luaRevokeRefreshToken sets revoked=true on a refresh token record. Missing
// and already revoked tokens return "OK".
//
// KEYS[1] = refresh token key
const luaRevokeRefreshToken = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'OK'
end

local token = cjson.decode(data)
if token.revoked then
    return 'OK'
end

token.revoked = true
redis.call('SET', KEYS[1], cjson.encode(token), 'KEEPTTL')
return 'OK'
`

// ============================================================
// Helper methods
// ============================================================

// setJSON marshals v and stores it under key. A zero ttl stores without expiry.
func (s *Store) setJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	cmd := s.client.B().Set().Key(key).Value(string(data))
	if ttl > 0 {
		return s.client.Do(ctx, cmd.Ex(ttl).Build()).Error()
	}
	return s.client.Do(ctx, cmd.Build()).Error()
}

// getJSON fetches key and unmarshals it into a new T. A missing key returns
// notFoundErr.
func getJSON[T any](ctx context.Context, s *Store, key string, notFoundErr error) (*T, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, notFoundErr
		}
		return nil, fmt.Errorf("failed to get data: %w", err)
	}

	var v T
	if err := json.Unmarshal([]byte(data), &v); err != nil {
		return nil, fmt.Errorf("failed to unmarshal data: %w", err)
	}
	return &v, nil
}

// eval runs a Lua script against a single key and returns its string reply.
func (s *Store) eval(ctx context.Context, script, key string) (string, error) {
	return s.client.Do(ctx,
		s.client.B().Eval().Script(script).Numkeys(1).Key(key).Build(),
	).ToString()
}

// recordTTL is the key lifetime for a record expiring at expiresAt.
func recordTTL(expiresAt time.Time) time.Duration {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return 0
	}
	return ttl + expiryGrace
}

func validateStringLength(value string, maxLen int, fieldName string) error {
	if len(value) > maxLen {
		return fmt.Errorf("%w: %s", errInputTooLarge, fieldName)
	}
	return nil
}

func isNilError(err error) bool {
	return valkeygo.IsValkeyNil(err)
}
