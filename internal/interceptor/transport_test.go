package interceptor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"procflow/internal/session"
	"procflow/pkg/oauth"
)

// fakeSession scripts refresh outcomes.
type fakeSession struct {
	mu          sync.Mutex
	token       *oauth.Token
	refreshOK   bool
	refreshErr  error
	refreshHits int

	// onRefresh, when set, mutates state on refresh.
	onRefresh func()
}

func (s *fakeSession) Refresh(ctx context.Context, opts session.RefreshOptions) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshHits++
	if s.onRefresh != nil {
		s.onRefresh()
	}
	return s.refreshOK, s.refreshErr
}

func (s *fakeSession) Current() *oauth.Token {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

func (s *fakeSession) hits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshHits
}

func validToken(access string) *oauth.Token {
	return &oauth.Token{
		AccessToken: access,
		TokenType:   "Bearer",
		ExpiresAt:   time.Now().Add(1 * time.Hour),
	}
}

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) record(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		out = append(out, e.Name)
	}
	return out
}

func TestRefreshAndRetryOnUnauthorized(t *testing.T) {
	var backendHits atomic.Int32
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		backendHits.Add(1)
		if r.Header.Get("Authorization") != "Bearer new-token" {
			w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}))
	defer backend.Close()

	sess := &fakeSession{token: validToken("old-token"), refreshOK: true}
	sess.onRefresh = func() {
		sess.token = validToken("new-token")
	}

	transport, err := New(Config{Session: sess, RetryBackoff: 10 * time.Millisecond})
	require.NoError(t, err)
	client := &http.Client{Transport: transport}

	resp, err := client.Get(backend.URL + "/api/flows")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, sess.hits(), "exactly one refresh")
	assert.Equal(t, int32(2), backendHits.Load(), "original request plus one retry")
}

func TestRetriedRequestNotRefreshedAgain(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer backend.Close()

	signedOut := false
	sess := &fakeSession{token: validToken("token"), refreshOK: true}

	transport, err := New(Config{
		Session:      sess,
		OnSignOut:    func() { signedOut = true },
		RetryBackoff: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	client := &http.Client{Transport: transport}

	resp, err := client.Get(backend.URL + "/api/flows")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, 1, sess.hits(), "the retried request must not trigger a second refresh")
	assert.True(t, signedOut)
}

func TestRefreshFailureSignsOutOnProtectedRoute(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer backend.Close()

	signedOut := false
	recorder := &eventRecorder{}
	sess := &fakeSession{token: validToken("token"), refreshOK: false, refreshErr: session.ErrNoCredential}

	transport, err := New(Config{
		Session:      sess,
		OnSignOut:    func() { signedOut = true },
		OnEvent:      recorder.record,
		RetryBackoff: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	client := &http.Client{Transport: transport}

	resp, err := client.Get(backend.URL + "/api/flows")
	require.NoError(t, err)
	resp.Body.Close()

	assert.True(t, signedOut)
	assert.Contains(t, recorder.names(), EventSessionExpired)
}

func TestRefreshFailurePublicRouteDegrades(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer backend.Close()

	signedOut := false
	recorder := &eventRecorder{}
	sess := &fakeSession{token: validToken("token"), refreshOK: false, refreshErr: session.ErrNoCredential}

	transport, err := New(Config{
		Session:             sess,
		PublicRoutePrefixes: []string{"/public/"},
		OnSignOut:           func() { signedOut = true },
		OnEvent:             recorder.record,
		RetryBackoff:        10 * time.Millisecond,
	})
	require.NoError(t, err)
	client := &http.Client{Transport: transport}

	resp, err := client.Get(backend.URL + "/public/dashboard")
	require.NoError(t, err)
	resp.Body.Close()

	assert.False(t, signedOut, "public routes must not sign the session out")

	found := false
	recorder.mu.Lock()
	for _, e := range recorder.events {
		if e.Name == EventSessionExpired && e.Payload["degraded"] == "true" {
			found = true
		}
	}
	recorder.mu.Unlock()
	assert.True(t, found, "expected a degraded session-expired event")
}

func TestForbiddenNeverRefreshes(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer backend.Close()

	sess := &fakeSession{token: validToken("token"), refreshOK: true}
	transport, err := New(Config{Session: sess, RetryBackoff: 10 * time.Millisecond})
	require.NoError(t, err)
	client := &http.Client{Transport: transport}

	resp, err := client.Get(backend.URL + "/api/flows")
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, 0, sess.hits(), "permission failures must never trigger a refresh")
}

func TestServerFaultRetriedWithinBudget(t *testing.T) {
	var hits atomic.Int32
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	sess := &fakeSession{token: validToken("token")}
	transport, err := New(Config{Session: sess, RetryBackoff: 10 * time.Millisecond})
	require.NoError(t, err)
	client := &http.Client{Transport: transport}

	resp, err := client.Get(backend.URL + "/api/flows")
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(3), hits.Load())
}

func TestServerFaultBudgetExhausted(t *testing.T) {
	var hits atomic.Int32
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer backend.Close()

	sess := &fakeSession{token: validToken("token")}
	transport, err := New(Config{Session: sess, RetryBackoff: 5 * time.Millisecond})
	require.NoError(t, err)
	client := &http.Client{Transport: transport}

	resp, err := client.Get(backend.URL + "/api/flows")
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	// Original attempt plus the SYS budget
	assert.Equal(t, int32(1+sysRetryBudget), hits.Load())
}

func TestBearerTokenAttached(t *testing.T) {
	var seenAuth string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	sess := &fakeSession{token: validToken("attached-token")}
	transport, err := New(Config{Session: sess})
	require.NoError(t, err)
	client := &http.Client{Transport: transport}

	resp, err := client.Get(backend.URL + "/api/flows")
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "Bearer attached-token", seenAuth)
}

func TestTokenExpiringSoonEvent(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	recorder := &eventRecorder{}
	nearExpiry := &oauth.Token{
		AccessToken: "near-expiry",
		ExpiresAt:   time.Now().Add(2 * time.Minute),
	}
	sess := &fakeSession{token: nearExpiry}

	transport, err := New(Config{Session: sess, OnEvent: recorder.record})
	require.NoError(t, err)
	client := &http.Client{Transport: transport}

	for i := 0; i < 3; i++ {
		resp, err := client.Get(backend.URL + "/api/flows")
		require.NoError(t, err)
		resp.Body.Close()
	}

	// Rate-limited to one event within the interval
	count := 0
	for _, name := range recorder.names() {
		if name == EventTokenExpiringSoon {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestClassifyStructuredPayloadPreferred(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		// A 500 whose payload declares itself a configuration problem
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":{"category":"CONFIG","code":"bad_route","message":"unknown backend route"}}`))
	}))
	defer backend.Close()

	sess := &fakeSession{token: validToken("token")}
	transport, err := New(Config{Session: sess, RetryBackoff: 5 * time.Millisecond})
	require.NoError(t, err)
	client := &http.Client{Transport: transport}

	resp, err := client.Get(backend.URL + "/api/flows")
	require.NoError(t, err)
	resp.Body.Close()

	// CONFIG is not retried, so the 500 comes straight back
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestClassifyStatusHeuristics(t *testing.T) {
	tests := []struct {
		status int
		want   Category
	}{
		{http.StatusUnauthorized, CategoryAuth},
		{http.StatusForbidden, CategoryPerm},
		{http.StatusBadRequest, CategoryValid},
		{http.StatusUnprocessableEntity, CategoryValid},
		{http.StatusNotFound, CategoryConfig},
		{http.StatusBadGateway, CategoryConn},
		{http.StatusServiceUnavailable, CategoryConn},
		{http.StatusInternalServerError, CategorySys},
	}

	for _, tt := range tests {
		resp := &http.Response{StatusCode: tt.status, Header: http.Header{}}
		c := classifyResponse(resp)
		assert.Equal(t, tt.want, c.Category, "status %d", tt.status)
	}
}

func TestClassifyChallengeDetail(t *testing.T) {
	resp := &http.Response{
		StatusCode: http.StatusUnauthorized,
		Header: http.Header{
			"Www-Authenticate": []string{`Bearer error="expired_token", error_description="The access token expired"`},
		},
	}

	c := classifyResponse(resp)
	assert.Equal(t, CategoryAuth, c.Category)
	assert.Equal(t, "expired_token", c.Code)
	require.NotNil(t, c.Challenge)
	assert.True(t, oauth.IsSessionInvalidChallenge(c.Challenge))
}
