package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
)

// KeySize is the AES-256 key length.
const KeySize = 32

// ErrCiphertextInvalid is returned by Open for anything that was not produced
// by Seal with the same key.
var ErrCiphertextInvalid = errors.New("ciphertext invalid")

// Encryptor seals short values (cookie payloads) with AES-256-GCM. The output is
// unpadded base64url, so it is safe in a cookie value. A zero-key Encryptor is a
// pass-through.
type Encryptor struct {
	aead cipher.AEAD
}

// NewEncryptor builds an Encryptor. An empty key disables sealing.
func NewEncryptor(key []byte) (*Encryptor, error) {
	if len(key) == 0 {
		return &Encryptor{}, nil
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &Encryptor{aead: aead}, nil
}

// KeyFromBase64 decodes a standard base64 key, as produced by `openssl rand -base64 32`.
func KeyFromBase64(encoded string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode key: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", KeySize, len(key))
	}
	return key, nil
}

// Enabled reports whether values are actually sealed.
func (e *Encryptor) Enabled() bool {
	return e != nil && e.aead != nil
}

// Seal encrypts plaintext as nonce||ciphertext.
func (e *Encryptor) Seal(plaintext string) (string, error) {
	if !e.Enabled() {
		return plaintext, nil
	}
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := e.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal.
func (e *Encryptor) Open(encoded string) (string, error) {
	if !e.Enabled() {
		return encoded, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return "", ErrCiphertextInvalid
	}
	n := e.aead.NonceSize()
	if len(raw) < n {
		return "", ErrCiphertextInvalid
	}
	plaintext, err := e.aead.Open(nil, raw[:n], raw[n:], nil)
	if err != nil {
		return "", ErrCiphertextInvalid
	}
	return string(plaintext), nil
}
