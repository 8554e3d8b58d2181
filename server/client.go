package server

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/oauth-sso/storage"
)

// Token endpoint authentication methods advertised in discovery.
const (
	TokenEndpointAuthMethodNone  = "none"
	TokenEndpointAuthMethodBasic = "client_secret_basic"
	TokenEndpointAuthMethodPost  = "client_secret_post"
)

// dummySecretHash is compared against when the client is unknown so that a
// miss costs the same bcrypt work as a hit.
var dummySecretHash = sync.OnceValue(func() []byte {
	hash, err := bcrypt.GenerateFromPassword([]byte("dummy-client-secret"), bcrypt.DefaultCost)
	if err != nil {
		panic(fmt.Sprintf("failed to hash dummy client secret: %v", err))
	}
	return hash
})

// HashClientSecret returns the bcrypt hash stored in Client.ClientSecretHash.
func HashClientSecret(secret string) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("client secret is empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash client secret: %w", err)
	}
	return string(hash), nil
}

// AuthenticateClient validates client credentials for the token and
// revocation endpoints. Unknown, inactive and wrongly authenticated clients
// all get the same invalid_client (401). Public clients are not
// secret-checked.
func (s *Server) AuthenticateClient(ctx context.Context, clientID, clientSecret, clientIP string) (*storage.Client, error) {
	if clientID == "" {
		return nil, newProtocolError(ErrorCodeInvalidClient, "Client authentication failed")
	}

	client, err := s.clientStore.GetClient(ctx, clientID)
	if err != nil {
		if !errors.Is(err, storage.ErrClientNotFound) {
			return nil, fmt.Errorf("failed to load client: %w", err)
		}
		_ = bcrypt.CompareHashAndPassword(dummySecretHash(), []byte(clientSecret))
		s.logAuthFailure(clientID, clientIP, "unknown_client")
		return nil, newProtocolError(ErrorCodeInvalidClient, "Client authentication failed")
	}

	if !client.Active {
		s.logAuthFailure(clientID, clientIP, "inactive_client")
		return nil, newProtocolError(ErrorCodeInvalidClient, "Client authentication failed")
	}

	if !client.IsConfidential() {
		return client, nil
	}

	if client.ClientSecretHash == "" || clientSecret == "" {
		_ = bcrypt.CompareHashAndPassword(dummySecretHash(), []byte(clientSecret))
		s.logAuthFailure(clientID, clientIP, "missing_client_secret")
		return nil, newProtocolError(ErrorCodeInvalidClient, "Client authentication failed")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(client.ClientSecretHash), []byte(clientSecret)); err != nil {
		s.logAuthFailure(clientID, clientIP, "invalid_client_secret")
		return nil, newProtocolError(ErrorCodeInvalidClient, "Client authentication failed")
	}

	return client, nil
}

func (s *Server) logAuthFailure(clientID, clientIP, reason string) {
	s.Logger.Warn("Client authentication failed", "client_id", clientID, "ip", clientIP, "reason", reason)
	s.Auditor.LogAuthFailure("", clientID, clientIP, reason)
}
