package oauth

import (
	"errors"
	"fmt"
)

// OAuth 2.0 / OIDC error codes this client reacts to. The silent-auth codes
// come from OpenID Connect Core §3.1.2.6 and are returned when prompt=none
// cannot complete without user interaction.
const (
	ErrorCodeInvalidGrant        = "invalid_grant"
	ErrorCodeInvalidClient       = "invalid_client"
	ErrorCodeInvalidRequest      = "invalid_request"
	ErrorCodeAccessDenied        = "access_denied"
	ErrorCodeServerError         = "server_error"
	ErrorCodeLoginRequired       = "login_required"
	ErrorCodeInteractionRequired = "interaction_required"
	ErrorCodeConsentRequired     = "consent_required"
	ErrorCodeSessionSelection    = "account_selection_required"
)

// ServerError is a typed OAuth error body from the authorization server.
type ServerError struct {
	// Code is the machine-readable error code (e.g. "invalid_grant").
	Code string `json:"error"`

	// Description is the optional human-readable detail.
	Description string `json:"error_description,omitempty"`

	// StatusCode is the HTTP status the error arrived with.
	StatusCode int `json:"-"`
}

// Error implements the error interface.
func (e *ServerError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("authorization server error %q: %s", e.Code, e.Description)
	}
	return fmt.Sprintf("authorization server error %q", e.Code)
}

// IsInvalidGrant returns true if err is an invalid_grant server error,
// meaning the refresh token has been revoked, rotated away, or expired.
func IsInvalidGrant(err error) bool {
	var srvErr *ServerError
	return errors.As(err, &srvErr) && srvErr.Code == ErrorCodeInvalidGrant
}

// IsSilentAuthFailure returns true if err is a server error indicating that
// a prompt=none authorization cannot complete without user interaction.
// These are expected outcomes of silent re-authentication, not faults.
func IsSilentAuthFailure(err error) bool {
	var srvErr *ServerError
	if !errors.As(err, &srvErr) {
		return false
	}
	switch srvErr.Code {
	case ErrorCodeLoginRequired, ErrorCodeInteractionRequired,
		ErrorCodeConsentRequired, ErrorCodeSessionSelection:
		return true
	}
	return false
}
