// Package oauth assembles OAuth 2.0 authorization server flows into a
// deployment that hosts can mount on any HTTP stack.
//
// Each grant type is described with an immutable FlowBuilder and validated by
// Build. Compose merges the resulting flows, which must share an issuer, a
// signing key store, a replay store and a token endpoint, into a Deployment
// that dispatches token requests by grant type:
//
//	store := memory.New()
//	ks, _ := keys.New(store, keys.Config{})
//
//	base := oauth.ClientCredentialsFlow().
//		WithIssuer("https://auth.example.com").
//		WithKeyStore(ks).
//		WithReplayStore(store).
//		WithClientStore(store).
//		WithScope("read", "Read access")
//
//	cc, err := base.Build()
//	if err != nil {
//		return err
//	}
//	rt, err := oauth.RefreshTokenFlow().
//		WithIssuer("https://auth.example.com").
//		WithKeyStore(ks).
//		WithReplayStore(store).
//		WithClientStore(store).
//		Build()
//	if err != nil {
//		return err
//	}
//
//	d, err := oauth.Compose(cc, rt)
//	if err != nil {
//		return err
//	}
//	defer d.Close()
//
//	http.ListenAndServe(":8080", oauth.NewHandler(d, nil).Router())
//
// Protocol failures are returned as *protocol.Error values. Any other error
// from a Deployment is an infrastructure failure, typically wrapping
// storage.ErrKeyStoreUnavailable or storage.ErrReplayStoreUnavailable, and is
// answered with a generic server_error by Handler.
//
// NewFromConfig builds a complete Deployment from a YAML Config.
package oauth
