// Package server implements the authorization server logic of the SSO engine.
//
// It covers the authorization code flow with PKCE, the refresh token grant,
// token revocation and userinfo, independent of HTTP. The root package
// adapts it to net/http.
//
// The Server type delegates to:
//   - Storage backends for clients, users, codes and refresh tokens (storage package)
//   - The HS256 token codec for access, ID and session tokens (token package)
//   - Security features: PKCE, auditing, rate limiting (security package)
//
// Key Features:
//   - Single-use authorization codes redeemed through an atomic mark-used
//   - PKCE with S256, and plain unless disabled
//   - Exact redirect URI matching; errors are only redirected after the URI is validated
//   - Silent authentication with prompt=none and login_required
//   - Refresh tokens that are not rotated, revoked idempotently
//
// Example usage:
//
//	store := memory.New()
//	defer store.Stop()
//
//	srv, err := server.NewFromStore(store, &server.Config{
//	    Issuer:        "https://sso.example.com",
//	    SigningSecret: os.Getenv("JWT_SECRET"),
//	}, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
package server
