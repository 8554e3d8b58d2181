package security

import (
	"net"
	"net/http"
	"strings"
)

// ProxyConfig describes the reverse proxies in front of a service.
type ProxyConfig struct {
	// Trust enables X-Forwarded-For / X-Real-IP. Leave it off unless every
	// request passes through a proxy you control.
	Trust bool

	// Count is how many proxies append to X-Forwarded-For (default: 1)
	Count int
}

// ClientIP returns the caller's address for rate limiting and audit records.
//
// With a trusted proxy chain, X-Forwarded-For reads "client, p1, p2" and the
// client sits Count entries from the right.
func ClientIP(r *http.Request, proxy ProxyConfig) string {
	if proxy.Trust {
		if ip := forwardedFor(r.Header.Get("X-Forwarded-For"), proxy.Count); ip != "" {
			return ip
		}
		if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); net.ParseIP(ip) != nil {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func forwardedFor(xff string, count int) string {
	if xff == "" {
		return ""
	}
	if count <= 0 {
		count = 1
	}
	hops := strings.Split(xff, ",")
	idx := len(hops) - count - 1
	if idx < 0 {
		idx = 0
	}
	ip := strings.TrimSpace(hops[idx])
	if net.ParseIP(ip) == nil {
		return ""
	}
	return ip
}
