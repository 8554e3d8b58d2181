package relyingparty

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
)

// Session is the per-browser state that drives silent SSO. It lives in the
// rp_sso cookie and is passed to the Controller explicitly.
type Session struct {
	// SilentAttempted is set once a prompt=none request has been sent, so a
	// browser gets at most one silent attempt.
	SilentAttempted bool `json:"silentAttempted,omitempty"`

	// LoggedOut is set by an explicit logout and survives until the next
	// explicit login. It keeps silent SSO from logging the user straight back in.
	LoggedOut bool `json:"loggedOut,omitempty"`

	// StateHash binds the authorization started by this browser to it. A
	// callback is only accepted when its state hashes to this value, so a
	// code and state obtained in another browser cannot complete a login
	// here. Only the latest authorization is bound.
	StateHash string `json:"stateHash,omitempty"`
}

// ShouldAttemptSilent reports whether a silent login may be started.
func (s *Session) ShouldAttemptSilent() bool {
	return s != nil && !s.SilentAttempted && !s.LoggedOut
}

// MarkSilentAttempted records that a silent attempt has started.
func (s *Session) MarkSilentAttempted() {
	s.SilentAttempted = true
}

// MarkLoggedOut records an explicit logout.
func (s *Session) MarkLoggedOut() {
	s.LoggedOut = true
}

// clearLoggedOut is called after a successful explicit login.
func (s *Session) clearLoggedOut() {
	s.LoggedOut = false
}

func hashState(state string) string {
	sum := sha256.Sum256([]byte(state))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// bindState ties state to this browser session.
func (s *Session) bindState(state string) {
	if s == nil {
		return
	}
	s.StateHash = hashState(state)
}

// boundTo reports whether state was started by this browser session.
func (s *Session) boundTo(state string) bool {
	if s == nil || s.StateHash == "" || state == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(s.StateHash), []byte(hashState(state))) == 1
}

// clearState drops the binding once its callback has been handled.
func (s *Session) clearState() {
	if s != nil {
		s.StateHash = ""
	}
}
