// Package security holds the security primitives shared by the authorization
// server and the relying party.
//
// # PKCE and random values
//
// RandomToken produces the opaque values used for authorization codes, refresh
// tokens, state and nonce. GenerateVerifier produces an RFC 7636 code_verifier.
// CodeChallenge and VerifyChallenge implement the S256 and plain transforms;
// comparisons are constant-time.
//
//	verifier := security.GenerateVerifier()
//	challenge, _ := security.CodeChallenge(verifier, security.PKCEMethodS256)
//	ok := security.VerifyChallenge(verifier, challenge, security.PKCEMethodS256)
//
// # Rate limiting
//
// RateLimiter is a per-key token bucket with LRU eviction. It is keyed by client
// IP at the HTTP layer:
//
//	limiter := security.NewRateLimiter(security.RateLimitConfig{RequestsPerSecond: 10, Burst: 20}, logger)
//	defer limiter.Stop()
//	if !limiter.Allow(ip) {
//	    // 429
//	}
//
// # Audit logging
//
// Auditor writes structured security events through slog. User identifiers are
// hashed before they are logged.
//
// # Cookie sealing
//
// Encryptor seals values with AES-256-GCM. The relying party uses it for the
// refresh token cookie.
package security
