// Package util provides small helpers shared by the oauth-engine packages.
//
// Key utilities:
//   - SafeTruncate: truncates identifiers before they are logged
//   - NormalizeURL: compares issuer and audience URLs without trailing slashes
//   - Dedupe: removes duplicate strings while preserving order
package util
