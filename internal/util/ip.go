package util

import "net"

// IsLoopbackHostname reports whether hostname (without port, as returned by
// url.URL.Hostname) is "localhost" or a loopback IP. 0.0.0.0 is not loopback.
func IsLoopbackHostname(hostname string) bool {
	if hostname == "localhost" {
		return true
	}
	clean := hostname
	if len(hostname) > 2 && hostname[0] == '[' && hostname[len(hostname)-1] == ']' {
		clean = hostname[1 : len(hostname)-1]
	}
	if ip := net.ParseIP(clean); ip != nil {
		return ip.IsLoopback()
	}
	return false
}
