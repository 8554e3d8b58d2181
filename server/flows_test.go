package server

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/giantswarm/oauth-sso/internal/testutil"
	"github.com/giantswarm/oauth-sso/security"
	"github.com/giantswarm/oauth-sso/storage"
)

func wantGrantError(t *testing.T, err error, code string) {
	t.Helper()
	var pe *ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("error = %v, want *ProtocolError %s", err, code)
	}
	if pe.Code != code {
		t.Fatalf("error code = %q, want %q", pe.Code, code)
	}
}

func TestToken_AuthorizationCodeScenario(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	client := env.client(t, testutil.ConfidentialClientID)

	challenge, verifier := testutil.GeneratePKCEPair()
	code := env.authorize(t, client.ClientID, testutil.ConfidentialRedirectURI, "openid profile email", challenge)

	grant := &AuthorizationCodeGrant{Code: code, RedirectURI: testutil.ConfidentialRedirectURI, CodeVerifier: verifier}
	res, err := env.srv.Token(ctx, client, grant, "192.0.2.1")
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if res.AccessToken == "" || res.RefreshToken == "" || res.IDToken == "" {
		t.Fatalf("Token() = %+v, want access, refresh and id tokens", res)
	}
	if res.TokenType != "Bearer" || res.ExpiresIn != 3600 {
		t.Errorf("token_type = %q, expires_in = %d", res.TokenType, res.ExpiresIn)
	}
	if res.Scope != "openid profile email" {
		t.Errorf("scope = %q", res.Scope)
	}

	claims, err := env.srv.Codec().VerifyAccessToken(res.AccessToken)
	if err != nil {
		t.Fatalf("VerifyAccessToken() error = %v", err)
	}
	if claims.Subject != testutil.TestUserID || claims.ClientID != client.ClientID {
		t.Errorf("access claims = %+v", claims)
	}

	id, err := env.srv.Codec().VerifyIDToken(res.IDToken, client.ClientID, "n-0S6_WzA2Mj")
	if err != nil {
		t.Fatalf("VerifyIDToken() error = %v", err)
	}
	if id.Email != "ada@example.com" || id.Name != "Ada Lovelace" {
		t.Errorf("id claims = %+v", id)
	}

	// Re-exchanging the same code fails.
	_, err = env.srv.Token(ctx, client, grant, "192.0.2.1")
	wantGrantError(t, err, ErrorCodeInvalidGrant)
}

func TestToken_NoIDTokenWithoutOpenID(t *testing.T) {
	env := newTestEnv(t)
	client := env.client(t, testutil.PublicClientID)
	code := env.authorize(t, client.ClientID, testutil.PublicRedirectURI, "profile", "")

	res, err := env.srv.Token(context.Background(), client,
		&AuthorizationCodeGrant{Code: code, RedirectURI: testutil.PublicRedirectURI}, "")
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if res.IDToken != "" {
		t.Error("id_token must only be issued for the openid scope")
	}
}

func TestExchangeAuthorizationCode_Failures(t *testing.T) {
	challenge, verifier := testutil.GeneratePKCEPair()

	tests := []struct {
		name   string
		mutate func(*AuthorizationCodeGrant)
		client string
		before func(*testEnv)
	}{
		{
			name:   "unknown code",
			mutate: func(g *AuthorizationCodeGrant) { g.Code = "does-not-exist" },
		},
		{
			name:   "wrong verifier",
			mutate: func(g *AuthorizationCodeGrant) { _, g.CodeVerifier = testutil.GeneratePKCEPair() },
		},
		{
			name:   "missing verifier",
			mutate: func(g *AuthorizationCodeGrant) { g.CodeVerifier = "" },
		},
		{
			name:   "different registered redirect_uri",
			mutate: func(g *AuthorizationCodeGrant) { g.RedirectURI = "https://rp.example/other" },
		},
		{
			name:   "expired",
			before: func(e *testEnv) { e.clock.Advance(10 * time.Minute) },
		},
		{
			name:   "issued to another client",
			client: testutil.PublicClientID,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			ctx := context.Background()
			code := env.authorize(t, testutil.ConfidentialClientID, testutil.ConfidentialRedirectURI, "openid", challenge)

			grant := &AuthorizationCodeGrant{Code: code, RedirectURI: testutil.ConfidentialRedirectURI, CodeVerifier: verifier}
			if tt.mutate != nil {
				tt.mutate(grant)
			}
			if tt.before != nil {
				tt.before(env)
			}
			clientID := testutil.ConfidentialClientID
			if tt.client != "" {
				clientID = tt.client
			}

			_, err := env.srv.Token(ctx, env.client(t, clientID), grant, "")
			wantGrantError(t, err, ErrorCodeInvalidGrant)
		})
	}
}

func TestExchangeAuthorizationCode_FailedCheckDoesNotBurnCode(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	client := env.client(t, testutil.ConfidentialClientID)
	challenge, verifier := testutil.GeneratePKCEPair()
	code := env.authorize(t, client.ClientID, testutil.ConfidentialRedirectURI, "openid", challenge)

	_, attackerVerifier := testutil.GeneratePKCEPair()
	_, err := env.srv.Token(ctx, client, &AuthorizationCodeGrant{
		Code: code, RedirectURI: testutil.ConfidentialRedirectURI, CodeVerifier: attackerVerifier,
	}, "")
	wantGrantError(t, err, ErrorCodeInvalidGrant)

	if _, err := env.srv.Token(ctx, client, &AuthorizationCodeGrant{
		Code: code, RedirectURI: testutil.ConfidentialRedirectURI, CodeVerifier: verifier,
	}, ""); err != nil {
		t.Fatalf("legitimate exchange after a failed attempt: %v", err)
	}
}

func TestExchangeAuthorizationCode_ConcurrentRedemption(t *testing.T) {
	env := newTestEnv(t)
	client := env.client(t, testutil.ConfidentialClientID)
	challenge, verifier := testutil.GeneratePKCEPair()
	code := env.authorize(t, client.ClientID, testutil.ConfidentialRedirectURI, "openid", challenge)
	grant := &AuthorizationCodeGrant{Code: code, RedirectURI: testutil.ConfidentialRedirectURI, CodeVerifier: verifier}

	const workers = 20
	var (
		wg      sync.WaitGroup
		success atomic.Int32
		failed  atomic.Int32
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := env.srv.Token(context.Background(), client, grant, ""); err == nil {
				success.Add(1)
			} else if IsProtocolError(err) {
				failed.Add(1)
			}
		}()
	}
	wg.Wait()

	if success.Load() != 1 {
		t.Errorf("successful redemptions = %d, want exactly 1", success.Load())
	}
	if failed.Load() != workers-1 {
		t.Errorf("invalid_grant responses = %d, want %d", failed.Load(), workers-1)
	}
}

func TestToken_UnauthorizedClient(t *testing.T) {
	env := newTestEnv(t)
	client := env.client(t, testutil.ConfidentialClientID)
	client.GrantTypes = []string{storage.GrantTypeAuthorizationCode}

	_, err := env.srv.Token(context.Background(), client, &RefreshTokenGrant{RefreshToken: "x"}, "")
	wantGrantError(t, err, ErrorCodeUnauthorizedClient)
}

func issueRefreshToken(t *testing.T, env *testEnv) (*storage.Client, string) {
	t.Helper()
	client := env.client(t, testutil.ConfidentialClientID)
	challenge, verifier := testutil.GeneratePKCEPair()
	code := env.authorize(t, client.ClientID, testutil.ConfidentialRedirectURI, "openid email", challenge)
	res, err := env.srv.Token(context.Background(), client, &AuthorizationCodeGrant{
		Code: code, RedirectURI: testutil.ConfidentialRedirectURI, CodeVerifier: verifier,
	}, "")
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	return client, res.RefreshToken
}

func TestRefreshAccessToken(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	client, refresh := issueRefreshToken(t, env)

	for i := 0; i < 2; i++ {
		res, err := env.srv.Token(ctx, client, &RefreshTokenGrant{RefreshToken: refresh}, "")
		if err != nil {
			t.Fatalf("refresh %d: Token() error = %v", i+1, err)
		}
		if res.RefreshToken != "" {
			t.Error("refresh response must not carry a refresh_token")
		}
		if res.IDToken != "" {
			t.Error("refresh response must not carry an id_token")
		}
		if res.Scope != "openid email" || res.ExpiresIn != 3600 {
			t.Errorf("refresh result = %+v", res)
		}
	}
}

func TestRefreshAccessToken_Failures(t *testing.T) {
	tests := []struct {
		name   string
		before func(t *testing.T, env *testEnv, refresh string)
		client string
		token  string
	}{
		{
			name:  "unknown token",
			token: "unknown",
		},
		{
			name: "expired after 30 days",
			before: func(_ *testing.T, env *testEnv, _ string) {
				env.clock.Advance(30 * 24 * time.Hour)
			},
		},
		{
			name: "revoked",
			before: func(t *testing.T, env *testEnv, refresh string) {
				if err := env.srv.RevokeToken(context.Background(), nil, refresh, "", ""); err != nil {
					t.Fatal(err)
				}
			},
		},
		{
			name:   "different client",
			client: testutil.PublicClientID,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			client, refresh := issueRefreshToken(t, env)
			if tt.before != nil {
				tt.before(t, env, refresh)
			}
			if tt.client != "" {
				client = env.client(t, tt.client)
			}
			if tt.token != "" {
				refresh = tt.token
			}
			_, err := env.srv.Token(context.Background(), client, &RefreshTokenGrant{RefreshToken: refresh}, "")
			wantGrantError(t, err, ErrorCodeInvalidGrant)
		})
	}
}

func TestRevokeToken(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	client, refresh := issueRefreshToken(t, env)

	if err := env.srv.RevokeToken(ctx, client, "unknown-token", "", ""); err != nil {
		t.Errorf("revoking an unknown token should succeed: %v", err)
	}

	// The access_token hint is a no-op.
	if err := env.srv.RevokeToken(ctx, client, refresh, TokenTypeHintAccessToken, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := env.srv.Token(ctx, client, &RefreshTokenGrant{RefreshToken: refresh}, ""); err != nil {
		t.Fatalf("token should survive an access_token revocation: %v", err)
	}

	// Another client cannot revoke it.
	if err := env.srv.RevokeToken(ctx, env.client(t, testutil.PublicClientID), refresh, "", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := env.srv.Token(ctx, client, &RefreshTokenGrant{RefreshToken: refresh}, ""); err != nil {
		t.Fatalf("token should survive a revocation by another client: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := env.srv.RevokeToken(ctx, client, refresh, TokenTypeHintRefreshToken, ""); err != nil {
			t.Fatalf("revoke %d: %v", i+1, err)
		}
	}
	_, err := env.srv.Token(ctx, client, &RefreshTokenGrant{RefreshToken: refresh}, "")
	wantGrantError(t, err, ErrorCodeInvalidGrant)
}

func TestUserInfo(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := testutil.TestUser()

	tests := []struct {
		name      string
		scope     string
		wantName  bool
		wantEmail bool
	}{
		{name: "openid only", scope: "openid"},
		{name: "profile", scope: "openid profile", wantName: true},
		{name: "email", scope: "openid email", wantEmail: true},
		{name: "all", scope: "openid profile email", wantName: true, wantEmail: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tok, err := env.srv.Codec().IssueAccessToken(user, testutil.ConfidentialClientID, tt.scope)
			if err != nil {
				t.Fatal(err)
			}
			info, err := env.srv.UserInfo(ctx, tok)
			if err != nil {
				t.Fatalf("UserInfo() error = %v", err)
			}
			if info.Sub != user.ID {
				t.Errorf("sub = %q", info.Sub)
			}
			if (info.Name != "") != tt.wantName {
				t.Errorf("name = %q, want present=%v", info.Name, tt.wantName)
			}
			if (info.Email != "") != tt.wantEmail || (info.EmailVerified != nil) != tt.wantEmail {
				t.Errorf("email = %q verified = %v, want present=%v", info.Email, info.EmailVerified, tt.wantEmail)
			}
		})
	}
}

func TestUserInfo_InvalidToken(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	expired, _ := env.srv.Codec().IssueAccessToken(testutil.TestUser(), "c", "openid")
	env.clock.Advance(2 * time.Hour)

	session, _ := env.srv.Codec().IssueSessionToken(sessionUserFor(testutil.TestUser()))
	ghost, _ := env.srv.Codec().IssueAccessToken(&storage.User{ID: "ghost"}, "c", "openid")

	for name, tok := range map[string]string{
		"garbage":       "not-a-jwt",
		"expired":       expired,
		"session token": session,
		"unknown user":  ghost,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := env.srv.UserInfo(ctx, tok)
			wantGrantError(t, err, ErrorCodeInvalidToken)
			var pe *ProtocolError
			if errors.As(err, &pe) && pe.Status != 401 {
				t.Errorf("status = %d, want 401", pe.Status)
			}
		})
	}
}

func TestValidatePKCE(t *testing.T) {
	verifier := strings.Repeat("v", 43)
	s256, err := security.CodeChallenge(verifier, security.PKCEMethodS256)
	if err != nil {
		t.Fatalf("CodeChallenge() error = %v", err)
	}

	tests := []struct {
		name      string
		challenge string
		method    string
		verifier  string
		wantErr   bool
	}{
		{name: "no challenge accepts anything", verifier: "x"},
		{name: "s256 match", challenge: s256, method: security.PKCEMethodS256, verifier: verifier},
		{name: "empty method defaults to s256", challenge: s256, verifier: verifier},
		{name: "plain match", challenge: verifier, method: security.PKCEMethodPlain, verifier: verifier},
		{name: "missing verifier", challenge: s256, method: security.PKCEMethodS256, wantErr: true},
		{name: "mismatch", challenge: s256, method: security.PKCEMethodS256, verifier: strings.Repeat("w", 43), wantErr: true},
		// A short plain pair matches byte for byte but is still outside RFC 7636.
		{name: "short plain verifier", challenge: "abc", method: security.PKCEMethodPlain, verifier: "abc", wantErr: true},
		{name: "invalid characters", challenge: verifier, method: security.PKCEMethodPlain, verifier: strings.Repeat("v", 42) + "+", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validatePKCE(tt.challenge, tt.method, tt.verifier)
			if (err != nil) != tt.wantErr {
				t.Errorf("validatePKCE() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
