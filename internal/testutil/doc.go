// Package testutil provides testing utilities and fixtures for the oauth-engine
// packages: a controllable clock, PKCE pairs, fixture clients with hashed
// secrets, and key material for private_key_jwt client assertions.
package testutil
