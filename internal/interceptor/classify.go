package interceptor

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"

	"procflow/pkg/oauth"
)

// Category classifies a failed backend call.
type Category string

const (
	// CategoryAuth covers invalid or expired sessions. Recoverable by
	// refresh.
	CategoryAuth Category = "AUTH"

	// CategoryPerm covers valid sessions lacking permission. Never
	// recoverable by refresh.
	CategoryPerm Category = "PERM"

	// CategoryConn covers transport failures.
	CategoryConn Category = "CONN"

	// CategoryConfig covers client or server misconfiguration.
	CategoryConfig Category = "CONFIG"

	// CategoryValid covers request validation failures.
	CategoryValid Category = "VALID"

	// CategorySys covers server-side faults.
	CategorySys Category = "SYS"
)

// Severity grades a classified failure.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Classification is the interceptor's reading of a failed call.
type Classification struct {
	Category          Category
	Severity          Severity
	Code              string
	Message           string
	RecommendedAction string

	// Challenge is the parsed WWW-Authenticate header on AUTH failures,
	// when present.
	Challenge *oauth.AuthChallenge
}

// structuredError is the backend's error payload shape. Backends that
// emit it get precise classification; everything else falls back to
// status heuristics.
type structuredError struct {
	Error struct {
		Category string `json:"category"`
		Code     string `json:"code"`
		Message  string `json:"message"`
	} `json:"error"`
}

// classifyTransportError maps a RoundTrip error.
func classifyTransportError(err error) Classification {
	return Classification{
		Category:          CategoryConn,
		Severity:          SeverityWarning,
		Code:              "transport_error",
		Message:           err.Error(),
		RecommendedAction: "Check network connectivity",
	}
}

// classifyResponse reads a non-success response. The body is restored on
// the response so callers can still consume it.
func classifyResponse(resp *http.Response) Classification {
	body := restoreBody(resp)

	if c, ok := classifyStructured(body); ok {
		return c
	}
	return classifyStatus(resp, body)
}

// restoreBody reads the body and puts an equivalent reader back.
func restoreBody(resp *http.Response) []byte {
	if resp.Body == nil {
		return nil
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	resp.Body.Close()
	if err != nil {
		body = nil
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	return body
}

// classifyStructured prefers the backend's own category when the payload
// carries one.
func classifyStructured(body []byte) (Classification, bool) {
	var payload structuredError
	if err := json.Unmarshal(body, &payload); err != nil || payload.Error.Category == "" {
		return Classification{}, false
	}

	c := Classification{
		Code:    payload.Error.Code,
		Message: payload.Error.Message,
	}

	switch Category(payload.Error.Category) {
	case CategoryAuth:
		c.Category = CategoryAuth
		c.Severity = SeverityWarning
		c.RecommendedAction = "Session will be refreshed automatically"
	case CategoryPerm:
		c.Category = CategoryPerm
		c.Severity = SeverityWarning
		c.RecommendedAction = "Request access from an administrator"
	case CategoryConn:
		c.Category = CategoryConn
		c.Severity = SeverityWarning
		c.RecommendedAction = "Check network connectivity"
	case CategoryConfig:
		c.Category = CategoryConfig
		c.Severity = SeverityCritical
		c.RecommendedAction = "Verify the client configuration"
	case CategoryValid:
		c.Category = CategoryValid
		c.Severity = SeverityInfo
		c.RecommendedAction = "Correct the request and retry"
	case CategorySys:
		c.Category = CategorySys
		c.Severity = SeverityCritical
		c.RecommendedAction = "Retry later; the server reported an internal fault"
	default:
		return Classification{}, false
	}

	return c, true
}

// classifyStatus falls back to HTTP status heuristics.
func classifyStatus(resp *http.Response, body []byte) Classification {
	c := Classification{Message: string(bytes.TrimSpace(body))}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		c.Category = CategoryAuth
		c.Severity = SeverityWarning
		c.Code = "unauthorized"
		c.RecommendedAction = "Session will be refreshed automatically"
		if challenge := oauth.ParseWWWAuthenticateFromResponse(resp); challenge != nil {
			c.Challenge = challenge
			if challenge.Error != "" {
				c.Code = challenge.Error
			}
			if challenge.ErrorDescription != "" {
				c.Message = challenge.ErrorDescription
			}
		}

	case resp.StatusCode == http.StatusForbidden:
		c.Category = CategoryPerm
		c.Severity = SeverityWarning
		c.Code = "forbidden"
		c.RecommendedAction = "Request access from an administrator"

	case resp.StatusCode == http.StatusBadRequest ||
		resp.StatusCode == http.StatusUnprocessableEntity:
		c.Category = CategoryValid
		c.Severity = SeverityInfo
		c.Code = "invalid_request"
		c.RecommendedAction = "Correct the request and retry"

	case resp.StatusCode == http.StatusNotFound ||
		resp.StatusCode == http.StatusMisdirectedRequest:
		c.Category = CategoryConfig
		c.Severity = SeverityWarning
		c.Code = "endpoint_not_found"
		c.RecommendedAction = "Verify the configured backend URL"

	case resp.StatusCode == http.StatusBadGateway ||
		resp.StatusCode == http.StatusServiceUnavailable ||
		resp.StatusCode == http.StatusGatewayTimeout:
		c.Category = CategoryConn
		c.Severity = SeverityWarning
		c.Code = "upstream_unavailable"
		c.RecommendedAction = "Check network connectivity"

	case resp.StatusCode >= 500:
		c.Category = CategorySys
		c.Severity = SeverityCritical
		c.Code = "server_error"
		c.RecommendedAction = "Retry later; the server reported an internal fault"

	default:
		c.Category = CategorySys
		c.Severity = SeverityWarning
		c.Code = "unexpected_status"
		c.RecommendedAction = "Retry later"
	}

	return c
}
