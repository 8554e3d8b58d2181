package testutil

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/oauth-sso/storage"
	"github.com/giantswarm/oauth-sso/storage/memory"
)

// Fixture identifiers shared by the package tests.
const (
	// TestSigningSecret is a 32+ byte HS256 key.
	TestSigningSecret = "test-signing-secret-0123456789abcdef"

	ConfidentialClientID     = "app-b-client"
	ConfidentialClientSecret = "app-b-secret"
	ConfidentialRedirectURI  = "https://rp.example/cb"

	PublicClientID    = "spa-client"
	PublicRedirectURI = "http://localhost:5173/callback"

	UntrustedClientID    = "third-party"
	UntrustedRedirectURI = "https://third.example/cb"

	TestUserID = "u1"
)

// MockTime provides a controllable time source for deterministic testing.
// It is safe for concurrent use.
type MockTime struct {
	mu  sync.Mutex
	now time.Time
}

// NewMockTime creates a new mock time provider
func NewMockTime(t time.Time) *MockTime {
	return &MockTime{now: t}
}

// Now returns the current mock time
func (m *MockTime) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the mock time forward by the given duration
func (m *MockTime) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// GenerateRandomString generates a random base64url string of length characters
func GenerateRandomString(length int) string {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("failed to generate random string: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)[:length]
}

// GeneratePKCEPair generates a valid PKCE challenge and verifier pair for testing.
// Returns (challenge, verifier) where challenge is the S256 hash of the verifier.
func GeneratePKCEPair() (challenge, verifier string) {
	verifier = GenerateRandomString(50)
	hash := sha256.Sum256([]byte(verifier))
	challenge = base64.RawURLEncoding.EncodeToString(hash[:])
	return challenge, verifier
}

// HashSecret bcrypt-hashes secret at the minimum cost to keep tests fast.
func HashSecret(t testing.TB, secret string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("failed to hash secret: %v", err)
	}
	return string(hash)
}

// ConfidentialClient is a trusted confidential client that requires PKCE.
func ConfidentialClient(t testing.TB) *storage.Client {
	t.Helper()
	return &storage.Client{
		ClientID:         ConfidentialClientID,
		ClientSecretHash: HashSecret(t, ConfidentialClientSecret),
		ClientType:       storage.ClientTypeConfidential,
		Name:             "App B",
		RedirectURIs:     []string{ConfidentialRedirectURI, "https://rp.example/other"},
		GrantTypes:       []string{storage.GrantTypeAuthorizationCode, storage.GrantTypeRefreshToken},
		AllowedScopes:    []string{"openid", "profile", "email"},
		RequirePKCE:      true,
		Trusted:          true,
		Active:           true,
	}
}

// PublicClient is a trusted public client that does not require PKCE.
func PublicClient() *storage.Client {
	return &storage.Client{
		ClientID:     PublicClientID,
		ClientType:   storage.ClientTypePublic,
		Name:         "SPA",
		RedirectURIs: []string{PublicRedirectURI},
		Trusted:      true,
		Active:       true,
	}
}

// UntrustedClient is a registered client without first-party trust.
func UntrustedClient() *storage.Client {
	return &storage.Client{
		ClientID:     UntrustedClientID,
		ClientType:   storage.ClientTypePublic,
		Name:         "Third party",
		RedirectURIs: []string{UntrustedRedirectURI},
		Active:       true,
	}
}

// TestUser is the fixture end user.
func TestUser() *storage.User {
	return &storage.User{
		ID:            TestUserID,
		Name:          "Ada Lovelace",
		Email:         "ada@example.com",
		EmailVerified: true,
	}
}

// NewSeededStore returns a memory store holding the fixture clients and user.
// The store is stopped when the test ends.
func NewSeededStore(t testing.TB) *memory.Store {
	t.Helper()
	store := memory.New()
	t.Cleanup(store.Stop)

	ctx := context.Background()
	for _, c := range []*storage.Client{ConfidentialClient(t), PublicClient(), UntrustedClient()} {
		if err := store.SaveClient(ctx, c); err != nil {
			t.Fatalf("failed to seed client %s: %v", c.ClientID, err)
		}
	}
	if err := store.SaveUser(ctx, TestUser()); err != nil {
		t.Fatalf("failed to seed user: %v", err)
	}
	return store
}

// AssertNoError fails the test if err is not nil
func AssertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertEqual fails the test if got != want
func AssertEqual(t *testing.T, got, want interface{}) {
	t.Helper()
	if got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

// HTTPRequest is a helper for making test HTTP requests
type HTTPRequest struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    string
}

// NewHTTPRequest creates a new HTTP request helper
func NewHTTPRequest(method, url string) *HTTPRequest {
	return &HTTPRequest{
		Method:  method,
		URL:     url,
		Headers: make(map[string]string),
	}
}

// WithHeader adds a header to the request
func (r *HTTPRequest) WithHeader(key, value string) *HTTPRequest {
	r.Headers[key] = value
	return r
}

// WithForm sets a form-encoded body
func (r *HTTPRequest) WithForm(body string) *HTTPRequest {
	r.Body = body
	r.Headers["Content-Type"] = "application/x-www-form-urlencoded"
	return r
}

// WithJSON sets a JSON body
func (r *HTTPRequest) WithJSON(body string) *HTTPRequest {
	r.Body = body
	r.Headers["Content-Type"] = "application/json"
	return r
}

// Do executes the HTTP request
func (r *HTTPRequest) Do(handler http.Handler) *httptest.ResponseRecorder {
	var body io.Reader
	if r.Body != "" {
		body = strings.NewReader(r.Body)
	}
	req := httptest.NewRequest(r.Method, r.URL, body)
	for k, v := range r.Headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}
