package valkey

import (
	"context"
	"fmt"
	"time"

	"github.com/giantswarm/oauth-sso/storage"
)

// ============================================================
// ClientStore Implementation
// ============================================================

// SaveClient saves a registered client
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	if client == nil || client.ClientID == "" {
		return fmt.Errorf("invalid client")
	}
	if err := validateStringLength(client.ClientID, MaxIDLength, "client_id"); err != nil {
		return err
	}

	c := *client
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}

	if err := s.setJSON(ctx, s.clientKey(c.ClientID), &c, 0); err != nil {
		return fmt.Errorf("failed to save client: %w", err)
	}

	s.logger.Debug("Saved client", "client_id", c.ClientID)
	return nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	if err := validateStringLength(clientID, MaxIDLength, "client_id"); err != nil {
		return nil, storage.ErrClientNotFound
	}
	return getJSON[storage.Client](ctx, s, s.clientKey(clientID), storage.ErrClientNotFound)
}

// ============================================================
// UserStore Implementation
// ============================================================

// SaveUser saves a user record
func (s *Store) SaveUser(ctx context.Context, user *storage.User) error {
	if user == nil || user.ID == "" {
		return fmt.Errorf("invalid user")
	}
	if err := validateStringLength(user.ID, MaxIDLength, "user_id"); err != nil {
		return err
	}
	if err := s.setJSON(ctx, s.userKey(user.ID), user, 0); err != nil {
		return fmt.Errorf("failed to save user: %w", err)
	}
	return nil
}

// GetUser retrieves a user by ID
func (s *Store) GetUser(ctx context.Context, userID string) (*storage.User, error) {
	if err := validateStringLength(userID, MaxIDLength, "user_id"); err != nil {
		return nil, storage.ErrUserNotFound
	}
	return getJSON[storage.User](ctx, s, s.userKey(userID), storage.ErrUserNotFound)
}
