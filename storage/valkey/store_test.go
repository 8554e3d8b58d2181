package valkey

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/oauth-sso/storage"
)

// testStore connects to the Valkey instance at VALKEY_TEST_ADDR (default
// localhost:6379), skipping the test when none is reachable. Each test gets its
// own key prefix.
func testStore(t *testing.T) *Store {
	t.Helper()

	addr := os.Getenv("VALKEY_TEST_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	prefix := fmt.Sprintf("ssotest:%s:", t.Name())

	store, err := New(Config{
		Address:   addr,
		KeyPrefix: prefix,
	})
	if err != nil {
		t.Skipf("Skipping test: could not connect to Valkey at %s: %v", addr, err)
	}

	t.Cleanup(func() {
		cleanupTestKeys(t, store)
		store.Close()
	})

	cleanupTestKeys(t, store)
	return store
}

func cleanupTestKeys(t *testing.T, s *Store) {
	t.Helper()

	ctx := context.Background()
	var cursor uint64
	for {
		result, err := s.client.Do(ctx,
			s.client.B().Scan().Cursor(cursor).Match(s.prefix+"*").Count(100).Build(),
		).AsScanEntry()
		if err != nil {
			t.Logf("Warning: failed to scan for cleanup: %v", err)
			return
		}
		for _, key := range result.Elements {
			_ = s.client.Do(ctx, s.client.B().Del().Key(key).Build())
		}
		cursor = result.Cursor
		if cursor == 0 {
			return
		}
	}
}

// ============================================================
// Config Tests
// ============================================================

func TestNew_MissingAddress(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestRecordTTL(t *testing.T) {
	assert.Zero(t, recordTTL(time.Now().Add(-time.Second)))

	ttl := recordTTL(time.Now().Add(10 * time.Minute))
	assert.Greater(t, ttl, 10*time.Minute)
	assert.LessOrEqual(t, ttl, 10*time.Minute+expiryGrace)
}

func TestValidateStringLength(t *testing.T) {
	assert.NoError(t, validateStringLength("abc", 3, "f"))
	err := validateStringLength(strings.Repeat("a", 4), 3, "f")
	assert.True(t, errors.Is(err, errInputTooLarge))
}

// ============================================================
// ClientStore / UserStore Tests
// ============================================================

func TestClientStore_SaveAndGetClient(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	client := &storage.Client{
		ClientID:         "app-a-client",
		ClientSecretHash: "$2a$10$hash",
		ClientType:       storage.ClientTypeConfidential,
		Name:             "App A",
		RedirectURIs:     []string{"http://localhost:5002/callback"},
		GrantTypes:       []string{storage.GrantTypeAuthorizationCode, storage.GrantTypeRefreshToken},
		AllowedScopes:    []string{"openid", "profile", "email"},
		RequirePKCE:      true,
		Trusted:          true,
		Active:           true,
	}
	require.NoError(t, s.SaveClient(ctx, client))

	got, err := s.GetClient(ctx, "app-a-client")
	require.NoError(t, err)
	assert.Equal(t, client.RedirectURIs, got.RedirectURIs)
	assert.Equal(t, client.ClientSecretHash, got.ClientSecretHash)
	assert.True(t, got.Trusted)
	assert.False(t, got.CreatedAt.IsZero())

	_, err = s.GetClient(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrClientNotFound)
}

func TestUserStore_SaveAndGetUser(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveUser(ctx, &storage.User{ID: "user-1", Name: "Ada", Email: "ada@example.com"}))

	got, err := s.GetUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", got.Email)

	_, err = s.GetUser(ctx, "nobody")
	assert.ErrorIs(t, err, storage.ErrUserNotFound)
}

// ============================================================
// CodeStore Tests
// ============================================================

func newCode(code string) *storage.AuthorizationCode {
	now := time.Now()
	return &storage.AuthorizationCode{
		Code:                code,
		ClientID:            "app-a-client",
		UserID:              "user-1",
		RedirectURI:         "http://localhost:5002/callback",
		Scope:               "openid profile email",
		CodeChallenge:       "nhGY1-I2FbW0fV1rmRlw6cuMkc6LJdY38UmgavAPNqY",
		CodeChallengeMethod: "S256",
		Nonce:               "n-0S6_WzA2Mj",
		CreatedAt:           now,
		ExpiresAt:           now.Add(10 * time.Minute),
	}
}

func TestCodeStore_Lifecycle(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	code := newCode("code-abc")
	require.NoError(t, s.SaveAuthorizationCode(ctx, code))

	got, err := s.GetAuthorizationCode(ctx, "code-abc")
	require.NoError(t, err)
	assert.Equal(t, code.RedirectURI, got.RedirectURI)
	assert.Equal(t, code.Nonce, got.Nonce)
	assert.False(t, got.Used)

	require.NoError(t, s.MarkAuthorizationCodeUsed(ctx, "code-abc"))
	assert.ErrorIs(t, s.MarkAuthorizationCodeUsed(ctx, "code-abc"), storage.ErrAuthorizationCodeUsed)

	// The script rewrites the record; every field must survive.
	got, err = s.GetAuthorizationCode(ctx, "code-abc")
	require.NoError(t, err)
	assert.True(t, got.Used)
	assert.Equal(t, code.RedirectURI, got.RedirectURI)
	assert.Equal(t, code.CodeChallenge, got.CodeChallenge)
	assert.WithinDuration(t, code.ExpiresAt, got.ExpiresAt, time.Second)

	assert.ErrorIs(t, s.MarkAuthorizationCodeUsed(ctx, "missing"), storage.ErrAuthorizationCodeNotFound)
	_, err = s.GetAuthorizationCode(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrAuthorizationCodeNotFound)
}

func TestCodeStore_SaveExpired(t *testing.T) {
	s := testStore(t)
	code := newCode("expired")
	code.ExpiresAt = time.Now().Add(-time.Second)
	assert.Error(t, s.SaveAuthorizationCode(context.Background(), code))
}

func TestCodeStore_MarkUsed_Concurrent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveAuthorizationCode(ctx, newCode("race")))

	const workers = 20
	var (
		wg      sync.WaitGroup
		success atomic.Int32
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.MarkAuthorizationCodeUsed(ctx, "race") == nil {
				success.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), success.Load())
}

// ============================================================
// RefreshTokenStore Tests
// ============================================================

func TestRefreshTokenStore_Lifecycle(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now()

	rt := &storage.RefreshToken{
		Token:     "refresh-abc",
		ClientID:  "app-a-client",
		UserID:    "user-1",
		Scope:     "openid",
		CreatedAt: now,
		ExpiresAt: now.Add(30 * 24 * time.Hour),
	}
	require.NoError(t, s.SaveRefreshToken(ctx, rt))

	got, err := s.GetRefreshToken(ctx, "refresh-abc")
	require.NoError(t, err)
	assert.True(t, got.IsValid(now))

	require.NoError(t, s.RevokeRefreshToken(ctx, "refresh-abc"))
	require.NoError(t, s.RevokeRefreshToken(ctx, "refresh-abc"))

	got, err = s.GetRefreshToken(ctx, "refresh-abc")
	require.NoError(t, err)
	assert.True(t, got.Revoked)
	assert.Equal(t, "user-1", got.UserID)

	assert.NoError(t, s.RevokeRefreshToken(ctx, "unknown"))
	_, err = s.GetRefreshToken(ctx, "unknown")
	assert.ErrorIs(t, err, storage.ErrRefreshTokenNotFound)
}

func TestValidation_InputTooLarge(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	long := strings.Repeat("x", MaxTokenLength+1)

	code := newCode(long)
	assert.ErrorIs(t, s.SaveAuthorizationCode(ctx, code), errInputTooLarge)
	_, err := s.GetAuthorizationCode(ctx, long)
	assert.ErrorIs(t, err, storage.ErrAuthorizationCodeNotFound)
	assert.NoError(t, s.RevokeRefreshToken(ctx, long))
}
