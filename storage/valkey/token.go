package valkey

import (
	"context"
	"fmt"

	"github.com/giantswarm/oauth-sso/internal/util"
	"github.com/giantswarm/oauth-sso/storage"
)

// ============================================================
// RefreshTokenStore Implementation
// ============================================================

// SaveRefreshToken stores a refresh token with a TTL derived from its expiry.
func (s *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) error {
	if token == nil || token.Token == "" {
		return fmt.Errorf("invalid refresh token")
	}
	if err := validateStringLength(token.Token, MaxTokenLength, "refresh_token"); err != nil {
		return err
	}

	ttl := recordTTL(token.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("refresh token already expired")
	}

	if err := s.setJSON(ctx, s.refreshTokenKey(token.Token), token, ttl); err != nil {
		return fmt.Errorf("failed to save refresh token: %w", err)
	}
	return nil
}

// GetRefreshToken returns the refresh token record.
func (s *Store) GetRefreshToken(ctx context.Context, token string) (*storage.RefreshToken, error) {
	if err := validateStringLength(token, MaxTokenLength, "refresh_token"); err != nil {
		return nil, storage.ErrRefreshTokenNotFound
	}
	return getJSON[storage.RefreshToken](ctx, s, s.refreshTokenKey(token), storage.ErrRefreshTokenNotFound)
}

// RevokeRefreshToken marks the token revoked, keeping its TTL. Unknown tokens
// are not an error.
func (s *Store) RevokeRefreshToken(ctx context.Context, token string) error {
	if validateStringLength(token, MaxTokenLength, "refresh_token") != nil {
		return nil
	}
	if _, err := s.eval(ctx, luaRevokeRefreshToken, s.refreshTokenKey(token)); err != nil {
		return fmt.Errorf("failed to revoke refresh token: %w", err)
	}
	s.logger.Debug("Revoked refresh token",
		"token_prefix", util.SafeTruncate(token, tokenIDLogLength))
	return nil
}
