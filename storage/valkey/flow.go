package valkey

import (
	"context"
	"fmt"

	"github.com/giantswarm/oauth-sso/internal/util"
	"github.com/giantswarm/oauth-sso/storage"
)

// ============================================================
// CodeStore Implementation
// ============================================================

// SaveAuthorizationCode saves an issued authorization code
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	if code == nil || code.Code == "" {
		return fmt.Errorf("invalid authorization code")
	}
	if err := validateStringLength(code.Code, MaxTokenLength, "code"); err != nil {
		return err
	}

	ttl := recordTTL(code.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("authorization code already expired")
	}

	if err := s.setJSON(ctx, s.codeKey(code.Code), code, ttl); err != nil {
		return fmt.Errorf("failed to save authorization code: %w", err)
	}

	s.logger.Debug("Saved authorization code",
		"code_prefix", util.SafeTruncate(code.Code, tokenIDLogLength))
	return nil
}

// GetAuthorizationCode retrieves an authorization code without modifying it.
func (s *Store) GetAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	if err := validateStringLength(code, MaxTokenLength, "code"); err != nil {
		return nil, storage.ErrAuthorizationCodeNotFound
	}
	return getJSON[storage.AuthorizationCode](ctx, s, s.codeKey(code), storage.ErrAuthorizationCodeNotFound)
}

// MarkAuthorizationCodeUsed atomically marks a code used. Only one concurrent
// caller succeeds.
func (s *Store) MarkAuthorizationCodeUsed(ctx context.Context, code string) error {
	if err := validateStringLength(code, MaxTokenLength, "code"); err != nil {
		return storage.ErrAuthorizationCodeNotFound
	}

	result, err := s.eval(ctx, luaMarkCodeUsed, s.codeKey(code))
	if err != nil {
		return fmt.Errorf("failed to execute atomic code check: %w", err)
	}

	switch result {
	case "OK":
		s.logger.Debug("Marked authorization code as used",
			"code_prefix", util.SafeTruncate(code, tokenIDLogLength))
		return nil
	case "NOT_FOUND":
		return storage.ErrAuthorizationCodeNotFound
	case "ALREADY_USED":
		return storage.ErrAuthorizationCodeUsed
	default:
		return fmt.Errorf("unexpected script result %q", result)
	}
}
