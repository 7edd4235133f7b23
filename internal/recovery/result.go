package recovery

import "time"

// Result is a recovered authorization outcome. Exactly one of Code or
// Error is expected to be set.
type Result struct {
	// State is the anti-replay value the result must echo back.
	State string `json:"state"`

	// Code is the authorization code on success.
	Code string `json:"code,omitempty"`

	// Error is the OAuth error code on failure.
	Error string `json:"error,omitempty"`

	// ErrorDescription is the human-readable failure detail.
	ErrorDescription string `json:"error_description,omitempty"`

	// Method names the cascade strategy that recovered the result.
	Method string `json:"-"`

	// ReceivedAt records when the result was recovered.
	ReceivedAt time.Time `json:"-"`
}

// Succeeded reports whether the result carries an authorization code.
func (r *Result) Succeeded() bool {
	return r != nil && r.Error == "" && r.Code != ""
}
