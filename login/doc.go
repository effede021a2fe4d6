// Package login delegates resource owner authentication at the authorization
// endpoint to an upstream OpenID Connect provider.
//
// Upstream.GenerateCode is used as the authorization code flow's GenerateCode
// callback. The first time it sees a request it parks it and answers with the
// upstream login URL. Upstream.Callback receives the upstream redirect,
// verifies the ID token and replays the parked request, this time with the
// authenticated subject:
//
//	up, err := login.New(ctx, login.Config{
//		IssuerURL:    "https://dex.example.com",
//		ClientID:     "oauth-engine",
//		ClientSecret: secret,
//		RedirectURL:  "https://auth.example.com/login/callback",
//	})
//	flow := oauth.AuthorizationCodeFlow().WithGenerateCode(up.GenerateCode)
//	// ...
//	r.Get("/login/callback", up.Callback(deployment.Authorize))
//
// Parked requests live in memory, so the callback must reach the instance
// that started the login.
package login
