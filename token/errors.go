package token

import "errors"

var (
	// ErrMalformedToken is returned when the token cannot be parsed.
	ErrMalformedToken = errors.New("malformed token")

	// ErrInvalidSignature is returned for a bad signature or a signing method
	// other than HS256.
	ErrInvalidSignature = errors.New("invalid token signature")

	// ErrTokenExpired is returned when exp is not after the current time.
	ErrTokenExpired = errors.New("token expired")

	// ErrWrongTokenKind is returned when a valid token of one kind is presented
	// as another (e.g. a session token at /userinfo).
	ErrWrongTokenKind = errors.New("wrong token kind")

	// ErrClaimMismatch is returned when iss, aud or nonce differ from what the
	// verifier expects.
	ErrClaimMismatch = errors.New("token claim mismatch")
)

// IsInvalidToken reports whether err is any verification failure.
func IsInvalidToken(err error) bool {
	return errors.Is(err, ErrMalformedToken) ||
		errors.Is(err, ErrInvalidSignature) ||
		errors.Is(err, ErrTokenExpired) ||
		errors.Is(err, ErrWrongTokenKind) ||
		errors.Is(err, ErrClaimMismatch)
}
