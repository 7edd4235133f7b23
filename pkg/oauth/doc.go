// Package oauth implements the OAuth 2.1 protocol operations consumed by the
// procflow session coordinator.
//
// The authorization server is an external collaborator: this package only
// speaks to its published endpoints. It provides:
//
//   - Metadata discovery (RFC 8414 with OpenID Connect fallback), cached
//     with a TTL and deduplicated via singleflight
//   - Token endpoint requests: refresh_token grant and authorization_code
//     exchange with PKCE
//   - Token revocation (RFC 7009)
//   - Userinfo fetch for profile validation during bootstrap
//   - Authorization URL construction, including the prompt=none directive
//     used for silent re-authentication
//   - WWW-Authenticate challenge parsing for 401 classification
//
// Error responses from the server are decoded into typed ServerError values
// so callers can distinguish login_required from invalid_grant without
// string matching.
package oauth
