// Package storage defines the records the authorization server persists and the
// interfaces backends implement.
//
//   - ClientStore: registered clients (read-mostly, seeded out of band)
//   - UserStore: the external identity store, read by /userinfo
//   - CodeStore: authorization codes with an atomic mark-used
//   - RefreshTokenStore: refresh tokens with idempotent revocation
//
// Implementations live in subpackages:
//   - storage/memory: in-process maps with a background expiry sweep
//   - storage/valkey: Valkey (Redis protocol) for multi-instance deployments
package storage
