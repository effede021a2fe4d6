// Package grant implements the token endpoint grant types: authorization code
// with PKCE, client credentials, device authorization and refresh token.
//
// Every handler runs the same state machine:
//
//	Received -> ClientAuthenticated -> GrantValidated -> Issued
//	    \               \                   \
//	     `---------------`-------------------`--> Rejected
//
// The shared run loop owns tracing, metrics, logging and error mapping; a
// handler only supplies the authenticate, validate and issue steps. Requests
// are never retried: a rejection is final for that request.
//
// Protocol violations are returned as *protocol.Error. Client authentication
// failures become invalid_client. Anything else (the key store, the replay
// store or a host callback failing) is returned unchanged, and the transport
// answers with a generic server_error.
//
// Authorization codes and device codes are signed JWTs bound to the client and
// the request that created them. Their jti is registered in the replay store
// at issuance, and a single storage.NonceStore.DeleteNonce call redeems them,
// so at most one of any number of concurrent redemptions succeeds.
package grant
