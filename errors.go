package oauth

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/giantswarm/oauth-sso/server"
)

// OAuth error codes as constants
const (
	ErrorCodeInvalidRequest          = server.ErrorCodeInvalidRequest
	ErrorCodeInvalidGrant            = server.ErrorCodeInvalidGrant
	ErrorCodeInvalidClient           = server.ErrorCodeInvalidClient
	ErrorCodeInvalidScope            = server.ErrorCodeInvalidScope
	ErrorCodeInvalidToken            = server.ErrorCodeInvalidToken
	ErrorCodeUnauthorizedClient      = server.ErrorCodeUnauthorizedClient
	ErrorCodeUnsupportedGrantType    = server.ErrorCodeUnsupportedGrantType
	ErrorCodeUnsupportedResponseType = server.ErrorCodeUnsupportedResponseType
	ErrorCodeServerError             = server.ErrorCodeServerError
	ErrorCodeAccessDenied            = server.ErrorCodeAccessDenied
	ErrorCodeLoginRequired           = server.ErrorCodeLoginRequired
	ErrorCodeRateLimitExceeded       = "rate_limit_exceeded"
)

// OAuthError represents an OAuth 2.0 error response
type OAuthError struct {
	Code        string // OAuth error code (e.g., "invalid_request", "invalid_grant")
	Description string // Human-readable error description
	Status      int    // HTTP status code
}

// Error implements the error interface
func (e *OAuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewOAuthError creates a new OAuth error
func NewOAuthError(code, description string, status int) *OAuthError {
	return &OAuthError{
		Code:        code,
		Description: description,
		Status:      status,
	}
}

// Common OAuth errors as reusable instances
var (
	// ErrInvalidRequest indicates the request is malformed or missing required parameters
	ErrInvalidRequest = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidRequest, desc, http.StatusBadRequest)
	}

	// ErrInvalidClient indicates client authentication failed
	ErrInvalidClient = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidClient, desc, http.StatusUnauthorized)
	}

	// ErrInvalidToken indicates the access token is invalid or expired
	ErrInvalidToken = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidToken, desc, http.StatusUnauthorized)
	}

	// ErrServerError indicates an internal server error occurred
	ErrServerError = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeServerError, desc, http.StatusInternalServerError)
	}

	// ErrRateLimitExceeded indicates the caller exceeded its request budget
	ErrRateLimitExceeded = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeRateLimitExceeded, desc, http.StatusTooManyRequests)
	}
)

// asOAuthError converts an error from the server package into the error the
// client sees. Anything that is not a protocol error is reported as
// server_error; the caller is expected to have logged the original.
func asOAuthError(err error) *OAuthError {
	var oauthErr *OAuthError
	if errors.As(err, &oauthErr) {
		return oauthErr
	}
	var pe *server.ProtocolError
	if errors.As(err, &pe) {
		return NewOAuthError(pe.Code, pe.Description, pe.Status)
	}
	return ErrServerError("The server encountered an unexpected condition")
}
