// Package silentauth re-authenticates without user interaction by driving
// a prompt=none authorization round trip against the identity provider.
// The round trip runs in an isolated HTTP client holding the provider
// session cookies, and its result is collected through the recovery
// engine like any other authorization outcome.
package silentauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"procflow/internal/recovery"
	"procflow/pkg/logging"
	"procflow/pkg/oauth"
)

const (
	// DefaultTimeout is the hard bound on a silent attempt. Silent auth is
	// an optimization; anything slower than this should fall through to an
	// interactive flow.
	DefaultTimeout = 5 * time.Second

	// DefaultSuccessCacheTTL is how long a successful outcome is reused
	// for identical attempt options.
	DefaultSuccessCacheTTL = 30 * time.Second
)

// ErrorCodeTimeout is the error code surfaced when the attempt exceeds
// the hard timeout.
const ErrorCodeTimeout = "silent_auth_timeout"

// Options customizes a silent attempt. The success cache is keyed by the
// full option set.
type Options struct {
	// LoginHint is the user identifier from a previous session.
	LoginHint string

	// IDTokenHint is the previous ID token, strengthening the session
	// match at the provider.
	IDTokenHint string
}

// cacheKey returns the success-cache key for these options.
func (o Options) cacheKey() string {
	return o.LoginHint + "\x00" + o.IDTokenHint
}

// Config configures a Channel.
type Config struct {
	// Client performs the OAuth protocol operations.
	Client *oauth.Client

	// Engine collects the authorization result.
	Engine *recovery.Engine

	// Issuer is the identity provider base URL.
	Issuer string

	// ClientID is the registered OAuth client identifier.
	ClientID string

	// RedirectURI is the registered redirect target. The silent round
	// trip stops when the provider redirects here.
	RedirectURI string

	// Scope is the requested scope string.
	Scope string

	// Timeout overrides DefaultTimeout.
	Timeout time.Duration

	// SuccessCacheTTL overrides DefaultSuccessCacheTTL.
	SuccessCacheTTL time.Duration
}

type cachedOutcome struct {
	token    *oauth.Token
	cachedAt time.Time
}

// Channel performs silent authentication attempts. Safe for concurrent
// use; each attempt gets fresh PKCE material and state.
type Channel struct {
	client      *oauth.Client
	engine      *recovery.Engine
	issuer      string
	clientID    string
	redirectURI string
	scope       string
	timeout     time.Duration
	cacheTTL    time.Duration

	// jar holds the identity provider session cookies across attempts.
	jar http.CookieJar

	mu    sync.Mutex
	cache map[string]cachedOutcome
}

// New creates a Channel.
func New(cfg Config) (*Channel, error) {
	if cfg.Client == nil || cfg.Engine == nil {
		return nil, errors.New("silent auth requires an OAuth client and a recovery engine")
	}
	if cfg.Issuer == "" || cfg.ClientID == "" || cfg.RedirectURI == "" {
		return nil, errors.New("silent auth requires issuer, client ID, and redirect URI")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.SuccessCacheTTL == 0 {
		cfg.SuccessCacheTTL = DefaultSuccessCacheTTL
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}

	return &Channel{
		client:      cfg.Client,
		engine:      cfg.Engine,
		issuer:      cfg.Issuer,
		clientID:    cfg.ClientID,
		redirectURI: cfg.RedirectURI,
		scope:       cfg.Scope,
		timeout:     cfg.Timeout,
		cacheTTL:    cfg.SuccessCacheTTL,
		jar:         jar,
		cache:       make(map[string]cachedOutcome),
	}, nil
}

// Authenticate runs one silent attempt and exchanges the recovered code
// for tokens. Expected provider refusals (login_required and friends)
// come back as *oauth.ServerError; exceeding the hard timeout surfaces as
// a ServerError with code silent_auth_timeout.
func (c *Channel) Authenticate(ctx context.Context, opts Options) (*oauth.Token, error) {
	if token := c.cachedToken(opts); token != nil {
		logging.Debug("SilentAuth", "Reusing recent silent auth outcome")
		return token, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	metadata, err := c.client.DiscoverMetadata(ctx, c.issuer)
	if err != nil {
		return nil, c.normalizeTimeout(ctx, fmt.Errorf("metadata discovery failed: %w", err))
	}

	pkce, err := oauth.GeneratePKCE()
	if err != nil {
		return nil, err
	}
	state, err := oauth.GenerateState()
	if err != nil {
		return nil, err
	}
	nonce, err := oauth.GenerateNonce()
	if err != nil {
		return nil, err
	}

	authURL, err := c.client.BuildAuthorizationURL(
		metadata.AuthorizationEndpoint, c.clientID, c.redirectURI, state, c.scope, pkce,
		&oauth.AuthorizeOptions{
			Silent:      true,
			LoginHint:   opts.LoginHint,
			IDTokenHint: opts.IDTokenHint,
			Nonce:       nonce,
		})
	if err != nil {
		return nil, err
	}

	// Teardown runs on every exit path: the driver is cancelled and
	// waited for before any result file carrying this attempt's state is
	// removed, so a late publish cannot leave a stale file behind.
	driveDone := make(chan struct{})
	defer func() {
		cancel()
		<-driveDone
		c.cleanupResult(state)
	}()

	go func() {
		defer close(driveDone)
		c.drive(ctx, authURL, state)
	}()

	logging.Debug("SilentAuth", "Silent authorization attempt started")
	result, err := c.engine.Recover(ctx, state)
	if err != nil {
		return nil, c.normalizeTimeout(ctx, err)
	}

	if !result.Succeeded() {
		logging.Info("SilentAuth", "Silent authorization refused: %s", result.Error)
		return nil, &oauth.ServerError{
			Code:        result.Error,
			Description: result.ErrorDescription,
		}
	}

	token, err := c.client.ExchangeCode(ctx, metadata.TokenEndpoint, result.Code, c.redirectURI, c.clientID, pkce.CodeVerifier)
	if err != nil {
		return nil, c.normalizeTimeout(ctx, err)
	}

	c.cacheToken(opts, token)
	logging.Audit("silent_auth_succeeded")
	return token, nil
}

// drive performs the authorize round trip. Redirects are followed inside
// the provider; the redirect back to our URI is intercepted and its query
// parameters are written as a result file for the recovery engine.
func (c *Channel) drive(ctx context.Context, authURL, state string) {
	captured := make(chan *recovery.Result, 1)

	httpClient := &http.Client{
		Jar:     c.jar,
		Timeout: c.timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return errors.New("too many redirects")
			}
			if !isRedirectTarget(req.URL.String(), c.redirectURI) {
				return nil
			}
			query := req.URL.Query()
			select {
			case captured <- &recovery.Result{
				State:            query.Get("state"),
				Code:             query.Get("code"),
				Error:            query.Get("error"),
				ErrorDescription: query.Get("error_description"),
			}:
			default:
			}
			return http.ErrUseLastResponse
		},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, authURL, nil)
	if err != nil {
		return
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		logging.Debug("SilentAuth", "Authorization round trip failed: %v", err)
		return
	}
	resp.Body.Close()

	select {
	case result := <-captured:
		if result.State != state {
			logging.Warn("SilentAuth", "Discarding authorization result with mismatched state")
			return
		}
		c.publishResult(result)
	default:
		logging.Debug("SilentAuth", "Authorization round trip ended without reaching the redirect URI")
	}
}

// publishResult writes the captured outcome at the well-known result path
// where the recovery engine's file strategy picks it up.
func (c *Channel) publishResult(result *recovery.Result) {
	data, err := json.Marshal(result)
	if err != nil {
		return
	}

	finalPath := filepath.Join(c.engine.ResultDir(), "result.json")
	tmpPath := finalPath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		logging.Warn("SilentAuth", "Failed to write authorization result: %v", err)
		return
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		logging.Warn("SilentAuth", "Failed to publish authorization result: %v", err)
	}
}

// cleanupResult removes a leftover result file if it still carries this
// attempt's state.
func (c *Channel) cleanupResult(state string) {
	path := filepath.Join(c.engine.ResultDir(), "result.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	var result recovery.Result
	if err := json.Unmarshal(data, &result); err != nil {
		return
	}
	if result.State == state {
		os.Remove(path)
	}
}

// normalizeTimeout maps a deadline expiry to the silent_auth_timeout
// error code so callers see a typed, expected outcome.
func (c *Channel) normalizeTimeout(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return &oauth.ServerError{
			Code:        ErrorCodeTimeout,
			Description: fmt.Sprintf("silent authentication did not complete within %s", c.timeout),
		}
	}
	return err
}

func (c *Channel) cachedToken(opts Options) *oauth.Token {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.cache[opts.cacheKey()]
	if !ok || time.Since(entry.cachedAt) > c.cacheTTL {
		return nil
	}
	return entry.token
}

func (c *Channel) cacheToken(opts Options, token *oauth.Token) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache[opts.cacheKey()] = cachedOutcome{token: token, cachedAt: time.Now()}
}

// isRedirectTarget reports whether rawURL points at the registered
// redirect URI, ignoring query parameters.
func isRedirectTarget(rawURL, redirectURI string) bool {
	if idx := strings.IndexByte(rawURL, '?'); idx >= 0 {
		rawURL = rawURL[:idx]
	}
	return rawURL == redirectURI
}
