// Package auth provides optional bearer token protection for the gateway's
// /mcp endpoint. The gateway delegates authorization to an external OAuth 2.0
// / OIDC authorization server and only verifies the RFC 9068 access tokens it
// issues.
//
// A Verifier validates a token string and returns a UserInfo (or an error
// wrapping ErrUnauthorized or ErrInsufficientScope). A Guard extracts the
// token from an HTTP request and maps those sentinel errors into RFC 6750
// challenges.
//
// Example:
//
//	v, err := auth.New(ctx, auth.Config{
//	    Issuer:   "https://issuer.example",
//	    Audience: "https://gateway.example/mcp",
//	})
//	if err != nil { log.Fatal(err) }
//
//	g := &auth.Guard{Authenticator: v, ResourceMetadata: metadataURL}
//	user, challenge := g.Check(r.Context(), r)
//	if challenge != nil { challenge.Write(w); return }
//	userID := user.UserID()
//
// When Config.JWKSURL is empty the key set location is learned through
// OpenID Connect discovery. Keys are refreshed in the background for as long
// as the context passed to New stays alive.
package auth
