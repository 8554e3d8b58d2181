package security

import (
	"net/http"
	"strings"
)

// SetSecurityHeaders sets the response headers every protocol endpoint sends.
// HSTS is only added when baseURL is https.
func SetSecurityHeaders(w http.ResponseWriter, baseURL string) {
	h := w.Header()
	h.Set("X-Frame-Options", "DENY")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
	h.Set("Referrer-Policy", "no-referrer")
	if strings.HasPrefix(baseURL, "https://") {
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
	}
	SetNoStore(w)
}

// SetNoStore marks a response as uncacheable (RFC 6749 Section 5.1).
func SetNoStore(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
}
