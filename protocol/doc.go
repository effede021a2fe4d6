// Package protocol holds the transport-independent OAuth 2.0 vocabulary shared by
// every engine component: grant types, normalized request values, the token and
// device authorization responses, scope helpers, and the protocol error taxonomy.
//
// Nothing in this package performs I/O. The HTTP adapter in the root package
// converts wire requests into these values and serializes the results.
package protocol
