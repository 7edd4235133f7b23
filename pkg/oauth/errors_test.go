package oauth

import (
	"errors"
	"fmt"
	"testing"
)

func TestServerErrorMessage(t *testing.T) {
	err := &ServerError{Code: "invalid_grant", Description: "token revoked"}
	if got := err.Error(); got != `authorization server error "invalid_grant": token revoked` {
		t.Errorf("Error() = %q", got)
	}

	bare := &ServerError{Code: "server_error"}
	if got := bare.Error(); got != `authorization server error "server_error"` {
		t.Errorf("Error() = %q", got)
	}
}

func TestIsInvalidGrant(t *testing.T) {
	err := fmt.Errorf("refresh failed: %w", &ServerError{Code: ErrorCodeInvalidGrant})
	if !IsInvalidGrant(err) {
		t.Error("wrapped invalid_grant not detected")
	}

	if IsInvalidGrant(errors.New("connection refused")) {
		t.Error("plain error misclassified as invalid_grant")
	}
}

func TestIsSilentAuthFailure(t *testing.T) {
	for _, code := range []string{
		ErrorCodeLoginRequired,
		ErrorCodeInteractionRequired,
		ErrorCodeConsentRequired,
		ErrorCodeSessionSelection,
	} {
		err := fmt.Errorf("silent auth: %w", &ServerError{Code: code})
		if !IsSilentAuthFailure(err) {
			t.Errorf("code %q not detected as silent-auth failure", code)
		}
	}

	if IsSilentAuthFailure(&ServerError{Code: ErrorCodeInvalidGrant}) {
		t.Error("invalid_grant is not a silent-auth failure")
	}
	if IsSilentAuthFailure(nil) {
		t.Error("nil error is not a silent-auth failure")
	}
}
