package security

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
)

// PKCE challenge methods (RFC 7636 Section 4.2).
const (
	PKCEMethodS256  = "S256"
	PKCEMethodPlain = "plain"
)

const (
	// MinVerifierLength is the shortest code_verifier RFC 7636 permits.
	MinVerifierLength = 43

	// MaxVerifierLength is the longest code_verifier RFC 7636 permits.
	MaxVerifierLength = 128
)

// ErrUnsupportedPKCEMethod is returned for a code_challenge_method other than S256 or plain.
var ErrUnsupportedPKCEMethod = errors.New("unsupported code_challenge_method")

// CodeChallenge derives the code_challenge for verifier using method.
func CodeChallenge(verifier, method string) (string, error) {
	switch method {
	case PKCEMethodS256:
		sum := sha256.Sum256([]byte(verifier))
		return base64.RawURLEncoding.EncodeToString(sum[:]), nil
	case PKCEMethodPlain:
		return verifier, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedPKCEMethod, method)
	}
}

// VerifyChallenge recomputes the challenge for verifier and compares it with
// storedChallenge in constant time.
func VerifyChallenge(verifier, storedChallenge, method string) bool {
	if verifier == "" || storedChallenge == "" {
		return false
	}
	computed, err := CodeChallenge(verifier, method)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(computed), []byte(storedChallenge)) == 1
}

// IsSupportedPKCEMethod reports whether method is S256, or plain when allowPlain is set.
func IsSupportedPKCEMethod(method string, allowPlain bool) bool {
	switch method {
	case PKCEMethodS256:
		return true
	case PKCEMethodPlain:
		return allowPlain
	default:
		return false
	}
}

// ValidateVerifierFormat checks length and character set of a code_verifier
// (RFC 7636 Section 4.1: unreserved characters, 43 to 128 long).
func ValidateVerifierFormat(verifier string) error {
	if len(verifier) < MinVerifierLength {
		return fmt.Errorf("code_verifier must be at least %d characters", MinVerifierLength)
	}
	if len(verifier) > MaxVerifierLength {
		return fmt.Errorf("code_verifier must be at most %d characters", MaxVerifierLength)
	}
	for _, c := range verifier {
		if !isUnreserved(c) {
			return fmt.Errorf("code_verifier contains invalid characters")
		}
	}
	return nil
}

func isUnreserved(c rune) bool {
	return (c >= 'A' && c <= 'Z') ||
		(c >= 'a' && c <= 'z') ||
		(c >= '0' && c <= '9') ||
		c == '-' || c == '.' || c == '_' || c == '~'
}
