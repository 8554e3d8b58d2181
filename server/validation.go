package server

import (
	"fmt"
	"net/url"

	"github.com/giantswarm/oauth-sso/internal/util"
	"github.com/giantswarm/oauth-sso/security"
	"github.com/giantswarm/oauth-sso/storage"
)

// validateRedirectURI checks redirectURI against the client's allow-list.
// Matching is byte-exact; nothing is ever redirected to an unregistered URI.
func validateRedirectURI(client *storage.Client, redirectURI string) error {
	if !client.HasRedirectURI(redirectURI) {
		return fmt.Errorf("redirect_uri is not registered for this client")
	}
	if _, err := url.Parse(redirectURI); err != nil {
		return fmt.Errorf("redirect_uri is malformed: %w", err)
	}
	return nil
}

// validateChallenge checks the code_challenge_method and the shape of the
// challenge. A S256 challenge is 43 base64url characters; a plain one is a
// verifier, so both are held to the verifier alphabet and length bounds.
func (s *Server) validateChallenge(challenge, method string) error {
	if !security.IsSupportedPKCEMethod(method, s.Config.AllowPKCEPlain()) {
		if method == security.PKCEMethodPlain {
			return fmt.Errorf("'plain' code_challenge_method is not allowed")
		}
		return fmt.Errorf("unsupported code_challenge_method: %s", method)
	}
	if err := security.ValidateVerifierFormat(challenge); err != nil {
		return fmt.Errorf("invalid code_challenge: %w", err)
	}
	return nil
}

// validateScopes checks every requested scope against the server's supported
// scopes and the client's allow-list. The error does not name the offending
// scope.
func (s *Server) validateScopes(client *storage.Client, scopes []string) error {
	if len(scopes) == 0 {
		return fmt.Errorf("scope is empty")
	}
	for _, sc := range scopes {
		if !s.Config.SupportsScope(sc) {
			return fmt.Errorf("one or more requested scopes are not supported")
		}
	}
	if !client.AllowsScope(scopes) {
		return fmt.Errorf("client is not authorized for one or more requested scopes")
	}
	return nil
}

// validatePKCE checks a code_verifier against the challenge stored with the
// code. A code issued without a challenge accepts any verifier.
func validatePKCE(challenge, method, verifier string) error {
	if challenge == "" {
		return nil
	}
	if verifier == "" {
		return fmt.Errorf("code_verifier is required when code_challenge is present")
	}
	if err := security.ValidateVerifierFormat(verifier); err != nil {
		return err
	}
	if method == "" {
		method = security.PKCEMethodS256
	}
	if !security.VerifyChallenge(verifier, challenge, method) {
		return fmt.Errorf("code_verifier does not match code_challenge")
	}
	return nil
}

// appendQuery adds params to a validated redirect URI, keeping any query the
// registered URI already carries.
func appendQuery(redirectURI string, params url.Values) string {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return redirectURI
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			if v != "" {
				q.Set(k, v)
			}
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func normalizeScope(scope, fallback string) []string {
	scopes := util.SplitScope(scope)
	if len(scopes) == 0 {
		scopes = util.SplitScope(fallback)
	}
	return scopes
}
