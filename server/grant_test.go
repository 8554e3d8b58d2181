package server

import (
	"errors"
	"net/url"
	"testing"
)

func TestParseGrant(t *testing.T) {
	tests := []struct {
		name     string
		form     url.Values
		wantType string
		wantErr  string
	}{
		{
			name:     "authorization code",
			form:     url.Values{"grant_type": {"authorization_code"}, "code": {"c"}, "redirect_uri": {"https://x/cb"}, "code_verifier": {"v"}},
			wantType: "authorization_code",
		},
		{
			name:    "authorization code without redirect_uri",
			form:    url.Values{"grant_type": {"authorization_code"}, "code": {"c"}},
			wantErr: ErrorCodeInvalidRequest,
		},
		{
			name:    "authorization code without code",
			form:    url.Values{"grant_type": {"authorization_code"}, "redirect_uri": {"https://x/cb"}},
			wantErr: ErrorCodeInvalidRequest,
		},
		{
			name:     "refresh token",
			form:     url.Values{"grant_type": {"refresh_token"}, "refresh_token": {"rt"}},
			wantType: "refresh_token",
		},
		{
			name:    "refresh token missing",
			form:    url.Values{"grant_type": {"refresh_token"}},
			wantErr: ErrorCodeInvalidRequest,
		},
		{
			name:    "missing grant_type",
			form:    url.Values{},
			wantErr: ErrorCodeInvalidRequest,
		},
		{
			name:    "client credentials",
			form:    url.Values{"grant_type": {"client_credentials"}},
			wantErr: ErrorCodeUnsupportedGrantType,
		},
		{
			name:    "password",
			form:    url.Values{"grant_type": {"password"}},
			wantErr: ErrorCodeUnsupportedGrantType,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := ParseGrant(tt.form)
			if tt.wantErr != "" {
				var pe *ProtocolError
				if !errors.As(err, &pe) || pe.Code != tt.wantErr {
					t.Fatalf("ParseGrant() error = %v, want %s", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseGrant() error = %v", err)
			}
			if g.GrantType() != tt.wantType {
				t.Errorf("GrantType() = %q, want %q", g.GrantType(), tt.wantType)
			}
		})
	}

	g, _ := ParseGrant(url.Values{"grant_type": {"authorization_code"}, "code": {"c"}, "redirect_uri": {"r"}, "code_verifier": {"v"}})
	ac, ok := g.(*AuthorizationCodeGrant)
	if !ok || ac.Code != "c" || ac.RedirectURI != "r" || ac.CodeVerifier != "v" {
		t.Errorf("ParseGrant() = %#v", g)
	}
}
