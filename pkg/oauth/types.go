package oauth

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// DefaultExpiryMargin is the default margin when checking token expiry.
// This accounts for clock skew and network latency.
const DefaultExpiryMargin = 60 * time.Second

// RefreshThreshold is the duration before access-token expiry when a
// proactive refresh should be issued. A token with more remaining lifetime
// than this is treated as a cache hit by the coordinator.
const RefreshThreshold = 5 * time.Minute

// Token represents an OAuth credential with associated metadata.
// The access token is short-lived (minutes); the refresh token, when
// present, is long-lived (days).
type Token struct {
	// AccessToken is the bearer token used for API authorization.
	AccessToken string `json:"access_token"`

	// TokenType is typically "Bearer".
	TokenType string `json:"token_type,omitempty"`

	// RefreshToken is used to obtain new access tokens (optional).
	RefreshToken string `json:"refresh_token,omitempty"`

	// ExpiresIn is the access-token lifetime in seconds (from the token
	// response).
	ExpiresIn int `json:"expires_in,omitempty"`

	// ExpiresAt is the calculated access-token expiration timestamp.
	ExpiresAt time.Time `json:"expires_at,omitempty"`

	// RefreshExpiresAt is when the refresh token expires, if the server
	// communicated one.
	RefreshExpiresAt time.Time `json:"refresh_expires_at,omitempty"`

	// Scope is the granted scope(s), space-separated.
	Scope string `json:"scope,omitempty"`

	// IDToken is the OIDC ID token (if available). Its subject/email claims
	// feed login hints for silent re-authentication.
	IDToken string `json:"id_token,omitempty"`
}

// IsExpired checks if the access token has expired or will expire within
// the default margin.
func (t *Token) IsExpired() bool {
	return t.IsExpiredWithMargin(DefaultExpiryMargin)
}

// IsExpiredWithMargin checks if the access token has expired or will expire
// within the given margin.
func (t *Token) IsExpiredWithMargin(margin time.Duration) bool {
	if t.ExpiresAt.IsZero() {
		return false // Tokens without expiration don't expire
	}
	return time.Now().Add(margin).After(t.ExpiresAt)
}

// Remaining returns the remaining access-token lifetime. Zero expiry means
// an unbounded token, reported as a very long duration.
func (t *Token) Remaining() time.Duration {
	if t.ExpiresAt.IsZero() {
		return time.Duration(1<<62 - 1)
	}
	return time.Until(t.ExpiresAt)
}

// HasUsableRefreshToken reports whether a refresh token is present and,
// when a refresh expiry is known, not yet expired.
func (t *Token) HasUsableRefreshToken() bool {
	if t.RefreshToken == "" {
		return false
	}
	if t.RefreshExpiresAt.IsZero() {
		return true
	}
	return time.Now().Before(t.RefreshExpiresAt)
}

// SetExpiresAtFromExpiresIn calculates and sets ExpiresAt from ExpiresIn.
func (t *Token) SetExpiresAtFromExpiresIn() {
	if t.ExpiresIn > 0 && t.ExpiresAt.IsZero() {
		t.ExpiresAt = time.Now().Add(time.Duration(t.ExpiresIn) * time.Second)
	}
}

// Scopes returns the scope as a slice of individual scopes.
func (t *Token) Scopes() []string {
	if t.Scope == "" {
		return nil
	}
	return strings.Fields(t.Scope)
}

// ToOAuth2Token converts the Token to an oauth2.Token for interoperability
// with golang.org/x/oauth2 consumers.
func (t *Token) ToOAuth2Token() *oauth2.Token {
	token := &oauth2.Token{
		AccessToken:  t.AccessToken,
		TokenType:    t.TokenType,
		RefreshToken: t.RefreshToken,
		Expiry:       t.ExpiresAt,
	}

	if t.IDToken != "" {
		token = token.WithExtra(map[string]interface{}{
			"id_token": t.IDToken,
		})
	}

	return token
}

// SubjectClaim extracts the sub claim from the ID token payload without
// verifying the signature.
// SECURITY: The value is a local hint for login_hint and status display
// only; authorization decisions must use the server-validated userinfo.
func (t *Token) SubjectClaim() string {
	parts := strings.Split(t.IDToken, ".")
	if len(parts) != 3 {
		return ""
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return ""
	}
	var claims struct {
		Subject string `json:"sub"`
	}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return ""
	}
	return claims.Subject
}

// Metadata represents OAuth 2.0 Authorization Server Metadata as defined in
// RFC 8414.
type Metadata struct {
	// Issuer is the authorization server's issuer identifier.
	Issuer string `json:"issuer"`

	// AuthorizationEndpoint is the URL of the authorization endpoint.
	AuthorizationEndpoint string `json:"authorization_endpoint"`

	// TokenEndpoint is the URL of the token endpoint.
	TokenEndpoint string `json:"token_endpoint"`

	// RevocationEndpoint is the URL of the RFC 7009 revocation endpoint.
	RevocationEndpoint string `json:"revocation_endpoint,omitempty"`

	// UserinfoEndpoint is the URL of the userinfo endpoint (OIDC).
	UserinfoEndpoint string `json:"userinfo_endpoint,omitempty"`

	// JwksURI is the URL of the JSON Web Key Set.
	JwksURI string `json:"jwks_uri,omitempty"`

	// ScopesSupported lists the OAuth 2.0 scope values supported.
	ScopesSupported []string `json:"scopes_supported,omitempty"`

	// ResponseTypesSupported lists the response_type values supported.
	ResponseTypesSupported []string `json:"response_types_supported,omitempty"`

	// GrantTypesSupported lists the grant types supported.
	GrantTypesSupported []string `json:"grant_types_supported,omitempty"`

	// CodeChallengeMethodsSupported lists the PKCE code challenge methods.
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported,omitempty"`

	// PromptValuesSupported lists the prompt values supported (OIDC).
	PromptValuesSupported []string `json:"prompt_values_supported,omitempty"`
}

// SupportsPKCE returns true if the server supports S256 PKCE.
func (m *Metadata) SupportsPKCE() bool {
	for _, method := range m.CodeChallengeMethodsSupported {
		if method == "S256" {
			return true
		}
	}
	// If not specified, assume S256 is supported (OAuth 2.1 requirement)
	return len(m.CodeChallengeMethodsSupported) == 0
}

// PKCEChallenge represents a PKCE (Proof Key for Code Exchange) challenge.
// PKCE is required for OAuth 2.1 public clients to prevent authorization
// code interception.
type PKCEChallenge struct {
	// CodeVerifier is the cryptographically random string (32 bytes,
	// base64url-encoded). It is kept secret and never transmitted to the
	// authorization server until the code exchange.
	CodeVerifier string

	// CodeChallenge is the SHA256 hash of the verifier (base64url-encoded).
	// This is sent in the authorization request.
	CodeChallenge string

	// CodeChallengeMethod is always "S256" (plain is not allowed in
	// OAuth 2.1).
	CodeChallengeMethod string
}

// AuthChallenge represents parsed information from a WWW-Authenticate
// header on a 401 response.
type AuthChallenge struct {
	// Scheme is the authentication scheme (typically "Bearer").
	Scheme string

	// Realm is the protection realm (often the authorization server URL).
	Realm string

	// Issuer is the OAuth/OIDC issuer URL, possibly derived from Realm.
	Issuer string

	// Scope is the space-separated list of required OAuth scopes.
	Scope string

	// Error is the error code from the WWW-Authenticate header (if any).
	Error string

	// ErrorDescription is a human-readable error description (if any).
	ErrorDescription string
}

// IsOAuthChallenge returns true if this represents an OAuth authentication
// challenge.
func (c *AuthChallenge) IsOAuthChallenge() bool {
	if c == nil {
		return false
	}
	if !strings.EqualFold(c.Scheme, "Bearer") {
		return false
	}
	return c.Realm != "" || c.Issuer != "" || c.Error != ""
}

// GetIssuer returns the OAuth issuer URL, preferring the explicit Issuer
// field and falling back to Realm when it is a URL.
func (c *AuthChallenge) GetIssuer() string {
	if c == nil {
		return ""
	}
	if c.Issuer != "" {
		return c.Issuer
	}
	if strings.HasPrefix(c.Realm, "http://") || strings.HasPrefix(c.Realm, "https://") {
		return c.Realm
	}
	return ""
}

// Userinfo holds the identity claims fetched from the userinfo endpoint.
type Userinfo struct {
	// Subject is the unique user identifier (sub claim).
	Subject string `json:"sub"`

	// Email is the user's email address.
	Email string `json:"email,omitempty"`

	// Name is the user's display name.
	Name string `json:"name,omitempty"`

	// Groups lists group memberships used for workspace permissions.
	Groups []string `json:"groups,omitempty"`
}
