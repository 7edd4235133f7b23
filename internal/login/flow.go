// Package login implements the interactive sign-in flow: an
// authorization-code grant with PKCE, completed through the system
// browser and a short-lived local callback server. It is the manual
// fallback when silent authentication cannot help.
package login

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/exec"
	"runtime"
	"time"

	"procflow/pkg/logging"
	"procflow/pkg/oauth"
)

// DefaultCallbackPort is the local port the identity provider redirects
// back to.
const DefaultCallbackPort = 3000

const successPage = `<!DOCTYPE html>
<html>
<head><title>Signed in</title></head>
<body style="font-family: sans-serif; text-align: center; padding-top: 4em;">
<h2>Signed in</h2>
<p>You can close this window and return to the terminal.</p>
</body>
</html>`

const errorPage = `<!DOCTYPE html>
<html>
<head><title>Sign-in failed</title></head>
<body style="font-family: sans-serif; text-align: center; padding-top: 4em;">
<h2>Sign-in failed</h2>
<p>%s</p>
<p>Return to the terminal for details.</p>
</body>
</html>`

// Config configures a Flow.
type Config struct {
	// Client performs the OAuth protocol operations.
	Client *oauth.Client

	// Issuer is the identity provider base URL.
	Issuer string

	// ClientID is the registered OAuth client identifier.
	ClientID string

	// Scope is the requested scope string.
	Scope string

	// CallbackPort overrides DefaultCallbackPort.
	CallbackPort int

	// OpenBrowser launches the authorization URL. Defaults to the
	// platform opener; tests inject their own.
	OpenBrowser func(url string) error

	// Prompt receives the authorization URL for manual fallback when the
	// browser cannot be opened. Optional.
	Prompt func(url string)
}

// Flow runs one interactive login.
type Flow struct {
	client       *oauth.Client
	issuer       string
	clientID     string
	scope        string
	callbackPort int
	openBrowser  func(url string) error
	prompt       func(url string)
}

// callbackResult is what the redirect delivers.
type callbackResult struct {
	code string
	err  error
}

// New creates a Flow.
func New(cfg Config) (*Flow, error) {
	if cfg.Client == nil {
		return nil, errors.New("login flow requires an OAuth client")
	}
	if cfg.Issuer == "" || cfg.ClientID == "" {
		return nil, errors.New("login flow requires issuer and client ID")
	}
	if cfg.CallbackPort == 0 {
		cfg.CallbackPort = DefaultCallbackPort
	}
	if cfg.OpenBrowser == nil {
		cfg.OpenBrowser = openBrowser
	}

	return &Flow{
		client:       cfg.Client,
		issuer:       cfg.Issuer,
		clientID:     cfg.ClientID,
		scope:        cfg.Scope,
		callbackPort: cfg.CallbackPort,
		openBrowser:  cfg.OpenBrowser,
		prompt:       cfg.Prompt,
	}, nil
}

// RedirectURI returns the redirect target registered for this client.
func (f *Flow) RedirectURI() string {
	return fmt.Sprintf("http://localhost:%d/callback", f.callbackPort)
}

// Run opens the browser and blocks until the flow completes or the
// context is cancelled. The callback server is torn down on every exit
// path.
func (f *Flow) Run(ctx context.Context) (*oauth.Token, error) {
	metadata, err := f.client.DiscoverMetadata(ctx, f.issuer)
	if err != nil {
		return nil, fmt.Errorf("metadata discovery failed: %w", err)
	}

	pkce, err := oauth.GeneratePKCE()
	if err != nil {
		return nil, err
	}
	state, err := oauth.GenerateState()
	if err != nil {
		return nil, err
	}

	listener, err := net.Listen("tcp", fmt.Sprintf("localhost:%d", f.callbackPort))
	if err != nil {
		return nil, fmt.Errorf("callback port %d unavailable: %w", f.callbackPort, err)
	}

	results := make(chan callbackResult, 1)
	server := &http.Server{Handler: f.callbackHandler(state, results)}
	go server.Serve(listener)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	authURL, err := f.client.BuildAuthorizationURL(
		metadata.AuthorizationEndpoint, f.clientID, f.RedirectURI(), state, f.scope, pkce, nil)
	if err != nil {
		return nil, err
	}

	if err := f.openBrowser(authURL); err != nil {
		logging.Warn("Login", "Could not open browser: %v", err)
		if f.prompt != nil {
			f.prompt(authURL)
		}
	}

	var result callbackResult
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case result = <-results:
	}
	if result.err != nil {
		return nil, result.err
	}

	token, err := f.client.ExchangeCode(ctx, metadata.TokenEndpoint, result.code, f.RedirectURI(), f.clientID, pkce.CodeVerifier)
	if err != nil {
		return nil, fmt.Errorf("code exchange failed: %w", err)
	}

	logging.Audit("interactive_login_succeeded")
	return token, nil
}

// callbackHandler serves the redirect target. State verification uses a
// constant-time comparison.
func (f *Flow) callbackHandler(state string, results chan<- callbackResult) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/callback", func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()

		if subtle.ConstantTimeCompare([]byte(query.Get("state")), []byte(state)) != 1 {
			http.Error(w, "state mismatch", http.StatusBadRequest)
			f.deliver(results, callbackResult{err: errors.New("authorization response state mismatch")})
			return
		}

		if errCode := query.Get("error"); errCode != "" {
			desc := query.Get("error_description")
			w.Header().Set("Content-Type", "text/html")
			fmt.Fprintf(w, errorPage, errCode)
			f.deliver(results, callbackResult{err: &oauth.ServerError{Code: errCode, Description: desc}})
			return
		}

		code := query.Get("code")
		if code == "" {
			http.Error(w, "missing authorization code", http.StatusBadRequest)
			f.deliver(results, callbackResult{err: errors.New("authorization response missing code")})
			return
		}

		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, successPage)
		f.deliver(results, callbackResult{code: code})
	})
	return mux
}

func (f *Flow) deliver(results chan<- callbackResult, result callbackResult) {
	select {
	case results <- result:
	default:
	}
}

// openBrowser launches the default browser for the platform.
func openBrowser(url string) error {
	switch runtime.GOOS {
	case "darwin":
		return exec.Command("open", url).Start()
	case "windows":
		return exec.Command("rundll32", "url.dll,FileProtocolHandler", url).Start()
	default:
		return exec.Command("xdg-open", url).Start()
	}
}
