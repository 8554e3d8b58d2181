package util

import (
	"slices"
	"strings"
)

// SafeTruncate truncates s to maxLen bytes without panicking. A negative
// maxLen returns "".
//
//	SafeTruncate("very-long-token-abc123", 8) // "very-lon"
//	SafeTruncate("short", 10)                  // "short"
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// SplitScope splits a space-delimited scope string (RFC 6749 Section 3.3),
// dropping empty entries and duplicates while keeping first-seen order.
func SplitScope(scope string) []string {
	fields := strings.Fields(scope)
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if !slices.Contains(out, f) {
			out = append(out, f)
		}
	}
	return out
}

// JoinScope joins scopes with single spaces.
func JoinScope(scopes []string) string {
	return strings.Join(scopes, " ")
}

// HasScope reports whether the space-delimited scope contains want.
func HasScope(scope, want string) bool {
	return slices.Contains(strings.Fields(scope), want)
}
