// Package token issues and verifies the HS256 JWTs used by both roles:
// access tokens and ID tokens minted by the authorization server, and the
// local session tokens minted by the relying party (and read by the
// authorization server's session cookie authenticator).
//
// Every verify error wraps one of ErrMalformedToken, ErrInvalidSignature,
// ErrTokenExpired, ErrWrongTokenKind or ErrClaimMismatch. HTTP handlers should
// collapse them with IsInvalidToken and log the specific kind.
package token
