package relyingparty

import (
	"errors"
	"fmt"
)

var (
	// ErrStateMismatch is returned when the callback's state is missing,
	// unknown, expired or already used, or when the posted code verifier does
	// not belong to it.
	ErrStateMismatch = errors.New("state mismatch")

	// ErrLoginRequired is the soft outcome of a silent attempt: the user has
	// no session at the authorization server.
	ErrLoginRequired = errors.New("login required")

	// ErrSilentSSOSkipped is returned by BeginLogin when the browser already
	// used its silent attempt or has explicitly logged out.
	ErrSilentSSOSkipped = errors.New("silent sso skipped")

	// ErrMissingCode is returned when the callback carries neither a code nor
	// an error.
	ErrMissingCode = errors.New("missing authorization code")

	// ErrNoSession is returned by Me for a missing or invalid session token.
	ErrNoSession = errors.New("no valid session")
)

// Callback error codes reported for failures that are not OAuth errors from
// the authorization server.
const (
	ErrorCodeInvalidState     = "invalid_state"
	ErrorCodeMissingCode      = "missing_code"
	ErrorCodeExchangeFailed   = "token_exchange_failed"
	ErrorCodeIDTokenInvalid   = "invalid_id_token"
	ErrorCodeUserInfoFailed   = "userinfo_failed"
	ErrorCodeRefreshFailed    = "refresh_failed"
	ErrorCodeSessionFailed    = "session_failed"
	ErrorCodeLoginRequired    = "login_required"
	ErrorCodeInvalidRequest   = "invalid_request"
	ErrorCodeRateLimitReached = "rate_limit_exceeded"
)

// CallbackError is a failed login. Code is either the error the authorization
// server redirected with or one of the ErrorCode constants above.
type CallbackError struct {
	Code        string
	Description string
	Err         error
}

// Error implements the error interface
func (e *CallbackError) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// Unwrap returns the underlying cause, if any.
func (e *CallbackError) Unwrap() error {
	return e.Err
}

func callbackError(code string, err error) *CallbackError {
	desc := ""
	if err != nil {
		desc = err.Error()
	}
	return &CallbackError{Code: code, Description: desc, Err: err}
}

// ErrorCode returns the code a browser should see for err.
func ErrorCode(err error) string {
	var cbErr *CallbackError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &cbErr):
		return cbErr.Code
	case errors.Is(err, ErrStateMismatch):
		return ErrorCodeInvalidState
	case errors.Is(err, ErrMissingCode):
		return ErrorCodeMissingCode
	case errors.Is(err, ErrLoginRequired):
		return ErrorCodeLoginRequired
	default:
		return "server_error"
	}
}
