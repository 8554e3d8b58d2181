package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Auditor writes security events through slog. User identifiers are hashed so
// audit logs can be correlated without storing the raw values.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
	now     func() time.Time
}

// NewAuditor creates an auditor. A disabled auditor drops every event.
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
		now:     time.Now,
	}
}

// Event is a single audit record.
type Event struct {
	Type      string
	UserID    string
	ClientID  string
	IPAddress string
	Details   map[string]any
}

// LogEvent writes event. It is a no-op on a nil or disabled auditor.
func (a *Auditor) LogEvent(event Event) {
	if a == nil || !a.enabled {
		return
	}

	attrs := []any{
		"event_type", event.Type,
		"user_id_hash", hashForLogging(event.UserID),
		"client_id", event.ClientID,
		"ip_address", event.IPAddress,
		"timestamp", a.now().UTC(),
	}
	if len(event.Details) > 0 {
		attrs = append(attrs, "details", event.Details)
	}
	a.logger.Info("security_audit", attrs...)
}

// LogCodeIssued records a successful /authorize.
func (a *Auditor) LogCodeIssued(userID, clientID, ipAddress, scope string) {
	a.LogEvent(Event{
		Type:      EventAuthorizationCodeIssued,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details:   map[string]any{"scope": scope},
	})
}

// LogTokenIssued records tokens minted for a grant.
func (a *Auditor) LogTokenIssued(userID, clientID, ipAddress, grantType, scope string) {
	a.LogEvent(Event{
		Type:      EventTokenIssued,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details:   map[string]any{"grant_type": grantType, "scope": scope},
	})
}

// LogTokenRevoked records a revocation request.
func (a *Auditor) LogTokenRevoked(clientID, ipAddress, tokenTypeHint string) {
	a.LogEvent(Event{
		Type:      EventTokenRevoked,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details:   map[string]any{"token_type_hint": tokenTypeHint},
	})
}

// LogAuthFailure records a failed client or grant check.
func (a *Auditor) LogAuthFailure(userID, clientID, ipAddress, reason string) {
	a.LogEvent(Event{
		Type:      EventAuthFailure,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details:   map[string]any{"reason": reason},
	})
}

// LogCodeReuse records an attempt to redeem an already used authorization code.
func (a *Auditor) LogCodeReuse(userID, clientID, ipAddress string) {
	a.LogEvent(Event{
		Type:      EventAuthorizationCodeReuseDetected,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details:   map[string]any{"severity": "high"},
	})
}

// LogRateLimitExceeded records a refused request.
func (a *Auditor) LogRateLimitExceeded(ipAddress, endpoint string) {
	a.LogEvent(Event{
		Type:      EventRateLimitExceeded,
		IPAddress: ipAddress,
		Details:   map[string]any{"endpoint": endpoint},
	})
}

// hashForLogging returns a short SHA-256 prefix of sensitive.
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
