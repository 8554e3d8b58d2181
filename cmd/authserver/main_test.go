package main

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	oauth "github.com/giantswarm/oauth-sso"
	"github.com/giantswarm/oauth-sso/internal/testutil"
	"github.com/giantswarm/oauth-sso/server"
)

func TestDevLoginHandler(t *testing.T) {
	store := testutil.NewSeededStore(t)
	h, err := oauth.New(store, oauth.Config{
		Server: server.Config{Issuer: "http://localhost:5001", SigningSecret: testutil.TestSigningSecret},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	t.Cleanup(h.Close)

	auth := h.Authenticator().(*oauth.SessionCookieAuthenticator)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	tests := []struct {
		name      string
		userID    string
		returnURL string
		wantCode  int
		wantLoc   string
	}{
		{"relative return", testutil.TestUserID, "/oauth/authorize?client_id=x", http.StatusFound, "/oauth/authorize?client_id=x"},
		{"absolute return is dropped", testutil.TestUserID, "https://evil.example/", http.StatusFound, "/"},
		{"protocol-relative return is dropped", testutil.TestUserID, "//evil.example/", http.StatusFound, "/"},
		{"unknown user", "nobody", "/", http.StatusInternalServerError, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/login", nil)
			req.URL.RawQuery = url.Values{"returnUrl": {tt.returnURL}}.Encode()

			rr := httptest.NewRecorder()
			devLoginHandler(store, auth, tt.userID, logger).ServeHTTP(rr, req)
			assert.Equal(t, tt.wantCode, rr.Code)
			if tt.wantLoc == "" {
				return
			}
			assert.Equal(t, tt.wantLoc, rr.Header().Get("Location"))

			cookies := rr.Result().Cookies()
			require.Len(t, cookies, 1)
			assert.Equal(t, oauth.DefaultSessionCookieName, cookies[0].Name)
		})
	}
}

func TestOpenStore(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	t.Setenv("STORAGE", "memory")
	store, closeStore, err := openStore(logger, nil)
	require.NoError(t, err)
	assert.NotNil(t, store)
	closeStore()

	t.Setenv("STORAGE", "valkey")
	t.Setenv("VALKEY_ADDR", "")
	_, _, err = openStore(logger, nil)
	assert.ErrorContains(t, err, "VALKEY_ADDR is required")

	t.Setenv("STORAGE", "sqlite")
	_, _, err = openStore(logger, nil)
	assert.ErrorContains(t, err, "unknown STORAGE backend")
}
