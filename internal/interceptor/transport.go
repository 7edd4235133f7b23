// Package interceptor wraps outbound backend calls with authentication
// error recovery: expired sessions are refreshed and the request retried
// once, transport faults get bounded retries, and everything else is
// classified and surfaced without masking.
package interceptor

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"procflow/internal/session"
	"procflow/pkg/logging"
	"procflow/pkg/oauth"
)

// retryMarkerHeader marks a request already retried after a refresh so a
// second 401 cannot trigger another refresh cycle.
const retryMarkerHeader = "X-Procflow-Auth-Retry"

// Retry budgets per category. AUTH gets its single refresh-and-retry
// cycle instead of a budget; PERM, CONFIG, and VALID never retry.
const (
	connRetryBudget = 3
	sysRetryBudget  = 2

	// DefaultRetryBackoff is the pause between category retries.
	DefaultRetryBackoff = 250 * time.Millisecond

	// expiryEventInterval rate-limits token-expiring-soon events.
	expiryEventInterval = 1 * time.Minute
)

// Process event names published for UI consumers.
const (
	EventSessionExpired      = "session-expired"
	EventTokenExpiringSoon   = "token-expiring-soon"
	EventNetworkDegraded     = "network-degraded"
	EventCriticalAuthFailure = "critical-auth-failure"
)

// Event is a process-level notification emitted by the transport.
type Event struct {
	Name    string
	Payload map[string]string
}

// sessionSource is the slice of session.Coordinator the transport needs.
type sessionSource interface {
	Refresh(ctx context.Context, opts session.RefreshOptions) (bool, error)
	Current() *oauth.Token
}

// Config wires a Transport.
type Config struct {
	// Base is the underlying RoundTripper. Defaults to
	// http.DefaultTransport.
	Base http.RoundTripper

	// Session supplies credentials and refresh.
	Session sessionSource

	// PublicRoutePrefixes lists request path prefixes that must keep
	// working unauthenticated. Auth failures on these routes degrade
	// instead of signing out.
	PublicRoutePrefixes []string

	// OnSignOut is called when an auth failure is unrecoverable on a
	// protected route. Optional.
	OnSignOut func()

	// OnEvent receives process events. Optional.
	OnEvent func(Event)

	// RetryBackoff overrides DefaultRetryBackoff.
	RetryBackoff time.Duration
}

// Transport is an http.RoundTripper that authenticates requests and
// recovers from authentication failures.
type Transport struct {
	base           http.RoundTripper
	session        sessionSource
	publicPrefixes []string
	onSignOut      func()
	onEvent        func(Event)
	retryBackoff   time.Duration

	mu              sync.Mutex
	lastExpiryEvent time.Time
}

// New creates a Transport.
func New(cfg Config) (*Transport, error) {
	if cfg.Session == nil {
		return nil, errors.New("interceptor requires a session source")
	}
	if cfg.Base == nil {
		cfg.Base = http.DefaultTransport
	}
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = DefaultRetryBackoff
	}

	return &Transport{
		base:           cfg.Base,
		session:        cfg.Session,
		publicPrefixes: cfg.PublicRoutePrefixes,
		onSignOut:      cfg.OnSignOut,
		onEvent:        cfg.OnEvent,
		retryBackoff:   cfg.RetryBackoff,
	}, nil
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	t.warnIfExpiringSoon()

	if req.Header.Get("Authorization") == "" {
		if token := t.session.Current(); token != nil && !token.IsExpiredWithMargin(oauth.DefaultExpiryMargin) {
			authed := req.Clone(req.Context())
			authed.Header.Set("Authorization", "Bearer "+token.AccessToken)
			req = authed
		}
	}

	resp, err := t.doWithConnRetries(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 400 {
		return resp, nil
	}

	classification := classifyResponse(resp)
	logging.Debug("Interceptor", "Classified %s %s as %s/%s (%s)",
		req.Method, req.URL.Path, classification.Category, classification.Severity, classification.Code)

	switch classification.Category {
	case CategoryAuth:
		return t.handleAuth(req, resp, classification)

	case CategorySys:
		return t.retryCategory(req, resp, sysRetryBudget)

	case CategoryConn:
		return t.retryCategory(req, resp, connRetryBudget)

	default:
		// PERM, CONFIG, VALID are surfaced as-is; a refresh or retry
		// cannot change the outcome.
		return resp, nil
	}
}

// doWithConnRetries runs the request, retrying transport-level failures
// within the CONN budget.
func (t *Transport) doWithConnRetries(req *http.Request) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt <= connRetryBudget; attempt++ {
		if attempt > 0 {
			if !t.sleepOrCancel(req.Context()) {
				break
			}
			clone, err := cloneRequest(req)
			if err != nil {
				break
			}
			req = clone
			logging.Info("Interceptor", "Retrying %s %s after transport failure (attempt %d)",
				req.Method, req.URL.Path, attempt)
		}

		resp, err := t.base.RoundTrip(req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if req.Context().Err() != nil || req.GetBody == nil && req.Body != nil {
			break
		}
	}

	classification := classifyTransportError(lastErr)
	logging.Warn("Interceptor", "Transport failed after retries: %s", classification.Message)
	t.emit(Event{Name: EventNetworkDegraded, Payload: map[string]string{
		"message": classification.Message,
	}})
	return nil, lastErr
}

// handleAuth refreshes the session and retries the request exactly once.
func (t *Transport) handleAuth(req *http.Request, resp *http.Response, classification Classification) (*http.Response, error) {
	if req.Header.Get(retryMarkerHeader) != "" {
		// The retried request failed again; recovery is over
		logging.Warn("Interceptor", "Request still unauthorized after refresh, giving up")
		t.failAuth(req, classification)
		return resp, nil
	}

	if classification.Challenge != nil && !oauth.IsSessionInvalidChallenge(classification.Challenge) {
		// The challenge asks for something a refresh cannot provide,
		// such as a broader scope
		return resp, nil
	}

	logging.Audit("auth_recovery_attempted",
		slog.String("path", req.URL.Path),
		slog.String("code", classification.Code),
	)

	ok, err := t.session.Refresh(req.Context(), session.RefreshOptions{SkipCache: true})
	if err != nil || !ok {
		if errors.Is(err, session.ErrRefreshBlocked) {
			t.emit(Event{Name: EventCriticalAuthFailure, Payload: map[string]string{
				"reason": err.Error(),
			}})
		}
		t.failAuth(req, classification)
		return resp, nil
	}

	retry, cloneErr := cloneRequest(req)
	if cloneErr != nil {
		return resp, nil
	}
	retry.Header.Set(retryMarkerHeader, "1")
	if token := t.session.Current(); token != nil {
		retry.Header.Set("Authorization", "Bearer "+token.AccessToken)
	}

	resp.Body.Close()
	logging.Info("Interceptor", "Session refreshed, retrying %s %s", retry.Method, retry.URL.Path)
	return t.RoundTrip(retry)
}

// failAuth handles an unrecoverable auth failure: protected routes sign
// the session out, public routes degrade with a warning event.
func (t *Transport) failAuth(req *http.Request, classification Classification) {
	if t.isPublicRoute(req.URL.Path) {
		logging.Warn("Interceptor", "Auth failure on public route %s, continuing degraded", req.URL.Path)
		t.emit(Event{Name: EventSessionExpired, Payload: map[string]string{
			"degraded": "true",
			"path":     req.URL.Path,
		}})
		return
	}

	logging.Audit("session_expired", slog.String("code", classification.Code))
	t.emit(Event{Name: EventSessionExpired, Payload: map[string]string{
		"path": req.URL.Path,
	}})
	if t.onSignOut != nil {
		t.onSignOut()
	}
}

// retryCategory retries a failed request within the given budget.
func (t *Transport) retryCategory(req *http.Request, resp *http.Response, budget int) (*http.Response, error) {
	last := resp
	for attempt := 1; attempt <= budget; attempt++ {
		if !t.sleepOrCancel(req.Context()) {
			return last, nil
		}

		clone, err := cloneRequest(req)
		if err != nil {
			return last, nil
		}

		logging.Info("Interceptor", "Retrying %s %s (attempt %d of %d)",
			req.Method, req.URL.Path, attempt, budget)

		next, err := t.base.RoundTrip(clone)
		if err != nil {
			return last, nil
		}

		last.Body.Close()
		last = next
		if next.StatusCode < 400 {
			return next, nil
		}
		// Keep the body classifiable for the caller
		classifyResponse(last)
	}
	return last, nil
}

// warnIfExpiringSoon emits a rate-limited event when the credential is
// inside the preemptive refresh threshold.
func (t *Transport) warnIfExpiringSoon() {
	token := t.session.Current()
	if token == nil || token.IsExpired() || token.Remaining() > oauth.RefreshThreshold {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if time.Since(t.lastExpiryEvent) < expiryEventInterval {
		return
	}
	t.lastExpiryEvent = time.Now()

	t.emit(Event{Name: EventTokenExpiringSoon, Payload: map[string]string{
		"expires_at": logging.Timestamp(token.ExpiresAt),
	}})
}

// isPublicRoute reports whether the path matches a public prefix.
func (t *Transport) isPublicRoute(path string) bool {
	for _, prefix := range t.publicPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func (t *Transport) sleepOrCancel(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(t.retryBackoff):
		return true
	}
}

func (t *Transport) emit(event Event) {
	if t.onEvent != nil {
		t.onEvent(event)
	}
}

// cloneRequest produces a re-sendable copy of the request. Requests with
// a body need GetBody, which net/http sets for common body types.
func cloneRequest(req *http.Request) (*http.Request, error) {
	clone := req.Clone(req.Context())
	if req.Body == nil || req.GetBody == nil {
		return clone, nil
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, err
	}
	clone.Body = body
	return clone, nil
}
