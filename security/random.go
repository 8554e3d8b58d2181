package security

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"golang.org/x/oauth2"
)

const (
	// CodeBytes is the entropy of an authorization code (256 bits).
	CodeBytes = 32

	// RefreshTokenBytes is the entropy of a refresh token (512 bits).
	RefreshTokenBytes = 64

	// StateBytes is the entropy of state and nonce values.
	StateBytes = 32
)

// RandomToken returns byteLen cryptographically secure random bytes, hex encoded.
//
// It panics if the system random source fails. There is no safe fallback for
// credential generation.
func RandomToken(byteLen int) string {
	if byteLen <= 0 {
		byteLen = StateBytes
	}
	b := make([]byte, byteLen)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("crypto/rand.Read failed: %v", err))
	}
	return hex.EncodeToString(b)
}

// GenerateVerifier returns a fresh PKCE code_verifier: 32 random bytes encoded
// as 43 characters of unpadded base64url.
func GenerateVerifier() string {
	return oauth2.GenerateVerifier()
}
