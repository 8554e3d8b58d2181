package server

import (
	"errors"
	"fmt"
	"net/http"
)

// OAuth 2.0 error codes (RFC 6749 Section 4.1.2.1 and 5.2, OIDC Core 3.1.2.6).
// The root package re-exports these; keep the two lists in sync.
const (
	ErrorCodeInvalidRequest          = "invalid_request"
	ErrorCodeInvalidClient           = "invalid_client"
	ErrorCodeInvalidGrant            = "invalid_grant"
	ErrorCodeInvalidScope            = "invalid_scope"
	ErrorCodeInvalidToken            = "invalid_token"
	ErrorCodeUnauthorizedClient      = "unauthorized_client"
	ErrorCodeUnsupportedGrantType    = "unsupported_grant_type"
	ErrorCodeUnsupportedResponseType = "unsupported_response_type"
	ErrorCodeAccessDenied            = "access_denied"
	ErrorCodeLoginRequired           = "login_required"
	ErrorCodeServerError             = "server_error"
)

// ProtocolError is an error the client is allowed to see. Anything else
// returned from a Server method is internal and must surface as server_error.
type ProtocolError struct {
	Code        string
	Description string
	Status      int
}

// Error implements the error interface
func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

func newProtocolError(code, description string) *ProtocolError {
	return &ProtocolError{Code: code, Description: description, Status: statusForCode(code)}
}

// statusForCode maps an error code to its HTTP status at the token and
// userinfo endpoints.
func statusForCode(code string) int {
	switch code {
	case ErrorCodeInvalidClient, ErrorCodeInvalidToken:
		return http.StatusUnauthorized
	case ErrorCodeAccessDenied:
		return http.StatusForbidden
	case ErrorCodeServerError:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

func errInvalidRequest(desc string) *ProtocolError {
	return newProtocolError(ErrorCodeInvalidRequest, desc)
}

func errInvalidGrant(desc string) *ProtocolError {
	return newProtocolError(ErrorCodeInvalidGrant, desc)
}

func errInvalidToken(desc string) *ProtocolError {
	return newProtocolError(ErrorCodeInvalidToken, desc)
}

// errInvalidClientRequest is invalid_client at /authorize, where no client
// authentication takes place and the answer is a plain 400.
func errInvalidClientRequest(desc string) *ProtocolError {
	return &ProtocolError{Code: ErrorCodeInvalidClient, Description: desc, Status: http.StatusBadRequest}
}

// IsProtocolError reports whether err carries a client-visible OAuth error.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}
