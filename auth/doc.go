// Package auth gates the MCP endpoint with bearer tokens issued by an
// external OAuth 2.0 / OIDC identity provider.
//
// The identity provider is located through its RFC 8414 discovery document.
// MetadataCache fetches that document lazily, on first need, and shares a
// single in-flight fetch between all concurrent callers. A successful result
// is kept for the life of the process and never refreshed; a failed fetch is
// reported to the callers that waited on it and the next call tries again.
//
// Two Authenticators are provided:
//
//   - UserInfoAuthenticator presents the bearer token to the provider's
//     userinfo endpoint on every request. There is deliberately no local
//     cache of positive results, so revocation takes effect immediately at
//     the cost of one round trip per request. Every failure, including an
//     unreachable provider, is reported as ErrUnauthorized.
//   - JWTAuthenticator validates JWT access tokens locally against the
//     provider's JWKS. It is opt-in for providers that issue JWT access
//     tokens.
//
// Example:
//
//	meta, err := auth.NewMetadataCache("https://idp.example/tenant")
//	if err != nil { log.Fatal(err) }
//	authn := auth.NewUserInfoAuthenticator(meta)
//
//	ui, err := authn.CheckAuthentication(r.Context(), bearerToken)
//	if errors.Is(err, auth.ErrDiscoveryFetch) { /* 500 */ }
//	if err != nil { /* 401 */ }
//	userID := ui.UserID()
package auth
