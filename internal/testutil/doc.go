// Package testutil provides fixtures and helpers shared by the package tests:
// a controllable clock, PKCE pairs, fixture clients and users, a seeded
// memory store, and a small HTTP request builder.
package testutil
