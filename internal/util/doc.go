// Package util provides small helpers shared by the authorization server and
// the relying party.
//
// Key utilities:
//   - SafeTruncate: prefixes of sensitive values for logs
//   - SplitScope, JoinScope, HasScope: space-delimited scope strings
//   - IsLoopbackHostname: loopback detection for insecure-URL warnings
package util
