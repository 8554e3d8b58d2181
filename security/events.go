package security

// Audit event types.
const (
	// Authorization server

	EventAuthorizationCodeIssued        = "authorization_code_issued"
	EventAuthorizationCodeReuseDetected = "authorization_code_reuse_detected"
	EventTokenIssued                    = "token_issued"
	EventTokenRefreshed                 = "token_refreshed"
	EventTokenRevoked                   = "token_revoked" //nolint:gosec // event name, not a credential
	EventAuthFailure                    = "auth_failure"
	EventPKCEValidationFailed           = "pkce_validation_failed"
	EventInvalidRedirect                = "invalid_redirect"
	EventLoginRequired                  = "login_required"
	EventRateLimitExceeded              = "rate_limit_exceeded"

	// Relying party

	EventStateMismatch  = "state_mismatch"
	EventLoginSucceeded = "login_succeeded"
	EventLogout         = "logout"
)
