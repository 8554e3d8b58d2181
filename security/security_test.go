package security

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestAuditor_LogEvent(t *testing.T) {
	tests := []struct {
		name    string
		enabled bool
		wantLog bool
	}{
		{name: "enabled", enabled: true, wantLog: true},
		{name: "disabled", enabled: false, wantLog: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			auditor := NewAuditor(slog.New(slog.NewTextHandler(&buf, nil)), tt.enabled)

			auditor.LogTokenIssued("user-1", "app-b-client", "203.0.113.1", "authorization_code", "openid")

			out := buf.String()
			if got := out != ""; got != tt.wantLog {
				t.Fatalf("logged = %v, want %v (output %q)", got, tt.wantLog, out)
			}
			if !tt.wantLog {
				return
			}
			if strings.Contains(out, "user-1") {
				t.Error("raw user id must not appear in audit output")
			}
			if !strings.Contains(out, hashForLogging("user-1")) {
				t.Error("hashed user id should appear in audit output")
			}
			if !strings.Contains(out, EventTokenIssued) {
				t.Error("event type missing from audit output")
			}
		})
	}
}

func TestAuditor_NilSafe(t *testing.T) {
	var a *Auditor
	a.LogCodeReuse("u", "c", "ip")
}

func TestHashForLogging(t *testing.T) {
	if got := hashForLogging(""); got != "<empty>" {
		t.Errorf("hashForLogging(\"\") = %q", got)
	}
	if got := hashForLogging("x"); len(got) != 16 {
		t.Errorf("len(hashForLogging) = %d, want 16", len(got))
	}
	if hashForLogging("a") == hashForLogging("b") {
		t.Error("different inputs should hash differently")
	}
}

func TestSetSecurityHeaders(t *testing.T) {
	tests := []struct {
		name     string
		baseURL  string
		wantHSTS bool
	}{
		{name: "https", baseURL: "https://as.example", wantHSTS: true},
		{name: "http", baseURL: "http://localhost:5001", wantHSTS: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			SetSecurityHeaders(w, tt.baseURL)

			if got := w.Header().Get("X-Frame-Options"); got != "DENY" {
				t.Errorf("X-Frame-Options = %q", got)
			}
			if got := w.Header().Get("Cache-Control"); got != "no-store" {
				t.Errorf("Cache-Control = %q, want no-store", got)
			}
			if got := w.Header().Get("Strict-Transport-Security") != ""; got != tt.wantHSTS {
				t.Errorf("HSTS present = %v, want %v", got, tt.wantHSTS)
			}
		})
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		xff        string
		xRealIP    string
		proxy      ProxyConfig
		want       string
	}{
		{name: "direct", remoteAddr: "192.0.2.10:5555", want: "192.0.2.10"},
		{name: "xff ignored without trust", remoteAddr: "10.0.0.1:1", xff: "203.0.113.1", want: "10.0.0.1"},
		{name: "xff one proxy", remoteAddr: "10.0.0.1:1", xff: "203.0.113.1, 10.0.0.2", proxy: ProxyConfig{Trust: true}, want: "203.0.113.1"},
		{name: "xff two proxies", remoteAddr: "10.0.0.1:1", xff: "198.51.100.7, 203.0.113.1, 10.0.0.2", proxy: ProxyConfig{Trust: true, Count: 2}, want: "198.51.100.7"},
		{name: "xff garbage falls back to x-real-ip", remoteAddr: "10.0.0.1:1", xff: "nonsense", xRealIP: "203.0.113.9", proxy: ProxyConfig{Trust: true}, want: "203.0.113.9"},
		{name: "remote addr without port", remoteAddr: "192.0.2.10", want: "192.0.2.10"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.xRealIP != "" {
				r.Header.Set("X-Real-IP", tt.xRealIP)
			}
			if got := ClientIP(r, tt.proxy); got != tt.want {
				t.Errorf("ClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	tests := []struct {
		name     string
		incoming string
		keep     bool
	}{
		{name: "none", incoming: "", keep: false},
		{name: "valid upstream", incoming: "req-123_abc", keep: true},
		{name: "injection attempt", incoming: "bad\r\nX-Evil: 1", keep: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen string
			h := RequestIDMiddleware(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
				seen = RequestID(r.Context())
			}))

			r := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.incoming != "" {
				r.Header.Set(RequestIDHeader, tt.incoming)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, r)

			if seen == "" {
				t.Fatal("request id missing from context")
			}
			if got := w.Header().Get(RequestIDHeader); got != seen {
				t.Errorf("response header = %q, context = %q", got, seen)
			}
			if tt.keep && seen != tt.incoming {
				t.Errorf("upstream id %q was replaced with %q", tt.incoming, seen)
			}
			if !tt.keep && seen == tt.incoming {
				t.Errorf("id %q should have been replaced", tt.incoming)
			}
		})
	}
}

func TestEncryptor_SealOpen(t *testing.T) {
	key := bytes.Repeat([]byte{7}, KeySize)
	enc, err := NewEncryptor(key)
	if err != nil {
		t.Fatalf("NewEncryptor() error = %v", err)
	}
	if !enc.Enabled() {
		t.Fatal("Enabled() = false with a key")
	}

	sealed, err := enc.Seal("refresh-token-value")
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if strings.Contains(sealed, "refresh-token-value") {
		t.Error("sealed value leaks plaintext")
	}
	if strings.ContainsAny(sealed, "+/=") {
		t.Errorf("sealed value %q is not cookie safe", sealed)
	}

	got, err := enc.Open(sealed)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if got != "refresh-token-value" {
		t.Errorf("Open() = %q", got)
	}

	other, _ := NewEncryptor(bytes.Repeat([]byte{8}, KeySize))
	if _, err := other.Open(sealed); err != ErrCiphertextInvalid {
		t.Errorf("Open() with wrong key error = %v, want ErrCiphertextInvalid", err)
	}
	if _, err := enc.Open("not-base64!"); err != ErrCiphertextInvalid {
		t.Errorf("Open() garbage error = %v, want ErrCiphertextInvalid", err)
	}
}

func TestEncryptor_Disabled(t *testing.T) {
	enc, err := NewEncryptor(nil)
	if err != nil {
		t.Fatalf("NewEncryptor(nil) error = %v", err)
	}
	sealed, _ := enc.Seal("v")
	if sealed != "v" {
		t.Errorf("disabled Seal() = %q, want passthrough", sealed)
	}
	if _, err := NewEncryptor([]byte("short")); err == nil {
		t.Error("NewEncryptor() should reject a short key")
	}
}

func TestKeyFromBase64(t *testing.T) {
	if _, err := KeyFromBase64("AAAA"); err == nil {
		t.Error("KeyFromBase64() should reject a short key")
	}
	key, err := KeyFromBase64("AQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQE=")
	if err != nil {
		t.Fatalf("KeyFromBase64() error = %v", err)
	}
	if len(key) != KeySize {
		t.Errorf("len(key) = %d", len(key))
	}
}
