// Package helpers holds the URL and IP checks shared by configuration
// validation and upstream login.
//
//   - ClassifyIP: classifies IP addresses for SSRF protection
//   - IsLoopbackHostname: reports whether a hostname is a loopback address
//   - ValidateRedirectURI: applies the redirect URI rules of RFC 8252 and the
//     OAuth 2.0 Security BCP to a registered redirect URI
package helpers
