// Package valkey provides a Valkey storage backend for the authorization server.
//
// Valkey is wire-compatible with Redis. Use this backend when more than one
// authorization server instance must share codes and refresh tokens, or when
// they must survive a restart.
//
// # Implemented Interfaces
//
//   - [storage.ClientStore]
//   - [storage.UserStore]
//   - [storage.CodeStore]
//   - [storage.RefreshTokenStore]
//
// # Key Schema
//
// All keys use a configurable prefix (default "sso:"):
//
//	{prefix}client:{clientID}   -> JSON(Client)
//	{prefix}user:{userID}       -> JSON(User)
//	{prefix}code:{code}         -> JSON(AuthorizationCode) (TTL: expiry + grace)
//	{prefix}refresh:{token}     -> JSON(RefreshToken) (TTL: expiry + grace)
//
// Codes and refresh tokens outlive their expiry by a short grace period so a
// late redemption reads as expired or used rather than unknown.
//
// # Atomic Operations
//
//   - MarkAuthorizationCodeUsed: Lua compare-and-set on the used flag
//   - RevokeRefreshToken: Lua read-modify-write keeping the TTL
//
// # Configuration
//
//	store, err := valkey.New(valkey.Config{
//	    Address:   "localhost:6379",
//	    KeyPrefix: "sso:",
//	})
//
// With TLS:
//
//	store, err := valkey.New(valkey.Config{
//	    Address:  "valkey.example.com:6379",
//	    Password: os.Getenv("VALKEY_PASSWORD"),
//	    TLS:      &tls.Config{MinVersion: tls.VersionTLS12},
//	})
package valkey
