// Package session owns the credential lifecycle for this process: it
// coordinates token refresh across concurrent callers and peer
// processes, and runs the bootstrap sequence that brings a process from
// cold start to an authenticated ready state.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"procflow/internal/guard"
	"procflow/internal/silentauth"
	"procflow/internal/syncbus"
	"procflow/internal/vault"
	"procflow/pkg/logging"
	"procflow/pkg/oauth"
)

// refreshKey is the singleflight key. All refresh callers share one
// in-flight operation.
const refreshKey = "refresh"

// Error signatures recorded with failed attempts. The guard compares
// signatures, so they stay coarse and stable.
const (
	SignatureNetwork      = "network"
	SignatureTokenInvalid = "token-invalid"
	SignaturePermission   = "permission"
	SignatureServer       = "server"
	SignatureUnknown      = "unknown"
)

// ErrRefreshBlocked is returned when the loop guard refuses an automatic
// refresh attempt.
var ErrRefreshBlocked = errors.New("automatic refresh blocked by loop prevention")

// ErrNoCredential is returned when refresh is requested with nothing to
// refresh and silent authentication also failed to produce a credential.
var ErrNoCredential = errors.New("no credential available")

// silentAuthenticator is the slice of silentauth.Channel the coordinator
// needs. Narrowed to an interface so tests can substitute outcomes.
type silentAuthenticator interface {
	Authenticate(ctx context.Context, opts silentauth.Options) (*oauth.Token, error)
}

// RefreshOptions controls a refresh request.
type RefreshOptions struct {
	// Force refreshes even when the current token has plenty of lifetime
	// left.
	Force bool

	// SkipCache bypasses the remaining-lifetime check but still joins an
	// in-flight refresh.
	SkipCache bool

	// Manual marks the attempt as explicitly user-initiated. Manual
	// attempts are never throttled by the loop guard.
	Manual bool
}

// CoordinatorConfig wires a Coordinator.
type CoordinatorConfig struct {
	Client     *oauth.Client
	Vault      *vault.Vault
	Bus        *syncbus.Bus
	Guard      *guard.Guard
	SilentAuth silentAuthenticator

	// Issuer and ClientID identify the authorization server and this
	// client to it.
	Issuer   string
	ClientID string
}

// Coordinator serializes token refresh. Concurrent callers share one
// network operation; successful outcomes are persisted, published to
// peer processes, and adopted from peers.
type Coordinator struct {
	client     *oauth.Client
	vault      *vault.Vault
	bus        *syncbus.Bus
	guard      *guard.Guard
	silentAuth silentAuthenticator
	issuer     string
	clientID   string

	sf singleflight.Group

	mu    sync.RWMutex
	token *oauth.Token

	unsubscribe func()
}

// NewCoordinator creates a Coordinator and hydrates the in-memory
// credential from the vault when one is persisted.
func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if cfg.Client == nil || cfg.Vault == nil {
		return nil, errors.New("coordinator requires an OAuth client and a vault")
	}
	if cfg.Guard == nil {
		cfg.Guard = guard.New()
	}

	c := &Coordinator{
		client:     cfg.Client,
		vault:      cfg.Vault,
		bus:        cfg.Bus,
		guard:      cfg.Guard,
		silentAuth: cfg.SilentAuth,
		issuer:     cfg.Issuer,
		clientID:   cfg.ClientID,
	}

	if token, err := cfg.Vault.LoadCredential(); err == nil {
		c.token = token
	} else if !errors.Is(err, vault.ErrNoCredential) {
		logging.Warn("Session", "Failed to hydrate credential from vault: %v", err)
	}

	if cfg.Bus != nil {
		c.unsubscribe = cfg.Bus.Subscribe(c.onBusEvent)
	}

	return c, nil
}

// Close detaches the coordinator from the sync bus.
func (c *Coordinator) Close() {
	if c.unsubscribe != nil {
		c.unsubscribe()
	}
}

// Current returns the in-memory credential, or nil when the process is
// unauthenticated.
func (c *Coordinator) Current() *oauth.Token {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// Authenticated reports whether a usable credential is held.
func (c *Coordinator) Authenticated() bool {
	token := c.Current()
	return token != nil && !token.IsExpired()
}

// Adopt installs a credential obtained outside the coordinator, such as
// an interactive login, persisting and publishing it.
func (c *Coordinator) Adopt(token *oauth.Token) error {
	if token == nil {
		return errors.New("nil token")
	}
	return c.install(token, syncbus.KindLogin)
}

// Refresh ensures the credential is fresh. It returns true when a usable
// credential is held afterwards. Concurrent callers share a single
// network operation; a caller arriving while one is in flight receives
// that operation's outcome.
func (c *Coordinator) Refresh(ctx context.Context, opts RefreshOptions) (bool, error) {
	if !opts.Force && !opts.SkipCache {
		if token := c.Current(); token != nil && token.Remaining() > oauth.RefreshThreshold {
			return true, nil
		}
	}

	result, err, shared := c.sf.Do(refreshKey, func() (interface{}, error) {
		return c.doRefresh(ctx, opts)
	})
	if shared {
		logging.Debug("Session", "Joined in-flight refresh")
	}
	if err != nil {
		return false, err
	}
	return result.(bool), nil
}

// doRefresh performs one refresh attempt: refresh-token grant first,
// silent authentication second. Runs under singleflight.
func (c *Coordinator) doRefresh(ctx context.Context, opts RefreshOptions) (bool, error) {
	// A peer may have refreshed while this caller waited for the flight
	if !opts.Force {
		if token := c.Current(); token != nil && token.Remaining() > oauth.RefreshThreshold {
			return true, nil
		}
	}

	kind := guard.AttemptAuto
	if opts.Manual {
		kind = guard.AttemptManual
	}
	if decision := c.guard.CanAttempt(kind); !decision.Allowed {
		logging.Warn("Session", "Refresh blocked: %s (suggested: %s)", decision.Reason, decision.SuggestedAction)
		return false, fmt.Errorf("%w: %s", ErrRefreshBlocked, decision.Reason)
	}

	current := c.Current()

	if current != nil && current.HasUsableRefreshToken() {
		token, err := c.refreshGrant(ctx, current)
		if err == nil {
			if installErr := c.install(token, syncbus.KindTokenRefreshed); installErr != nil {
				return false, installErr
			}
			c.recordAttempt(kind, true, "", "/token")
			return true, nil
		}

		c.recordAttempt(kind, false, NormalizeErrorSignature(err), "/token")
		if !oauth.IsInvalidGrant(err) && NormalizeErrorSignature(err) != SignatureNetwork {
			// Server or unknown failures are not worth a silent-auth
			// attempt that would hit the same server.
			return false, err
		}
		logging.Info("Session", "Refresh grant failed (%s), falling back to silent auth", NormalizeErrorSignature(err))
	}

	if c.silentAuth == nil {
		return false, ErrNoCredential
	}

	token, err := c.silentAuth.Authenticate(ctx, c.silentAuthOptions())
	if err != nil {
		c.recordAttempt(kind, false, NormalizeErrorSignature(err), "/authorize")
		return false, err
	}

	if installErr := c.install(token, syncbus.KindTokenRefreshed); installErr != nil {
		return false, installErr
	}
	c.recordAttempt(kind, true, "", "/authorize")
	return true, nil
}

// refreshGrant runs the refresh_token grant against the token endpoint.
func (c *Coordinator) refreshGrant(ctx context.Context, current *oauth.Token) (*oauth.Token, error) {
	metadata, err := c.client.DiscoverMetadata(ctx, c.issuer)
	if err != nil {
		return nil, fmt.Errorf("metadata discovery failed: %w", err)
	}

	token, err := c.client.Refresh(ctx, metadata.TokenEndpoint, current.RefreshToken, c.clientID)
	if err != nil {
		return nil, err
	}

	// Providers that do not rotate refresh tokens omit them from the
	// response; keep the previous one.
	if token.RefreshToken == "" {
		token.RefreshToken = current.RefreshToken
	}
	return token, nil
}

// silentAuthOptions derives attempt hints from persisted session state.
func (c *Coordinator) silentAuthOptions() silentauth.Options {
	opts := silentauth.Options{}
	if meta, err := c.vault.LoadSessionMeta(); err == nil {
		opts.LoginHint = meta.Subject
	}
	if current := c.Current(); current != nil && current.IDToken != "" {
		opts.IDTokenHint = current.IDToken
	}
	return opts
}

// install is the single writer for the in-memory credential. It persists
// the token and announces it to peer processes.
func (c *Coordinator) install(token *oauth.Token, kind syncbus.EventKind) error {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()

	meta := vault.SessionMeta{
		ExpiresAt:        token.ExpiresAt,
		RefreshExpiresAt: token.RefreshExpiresAt,
		Scope:            token.Scope,
		Issuer:           c.issuer,
		Subject:          token.SubjectClaim(),
	}
	if err := c.vault.StoreCredential(token, meta); err != nil {
		return fmt.Errorf("failed to persist credential: %w", err)
	}

	if c.bus != nil {
		c.bus.Publish(kind, map[string]string{
			"expires_at": logging.Timestamp(token.ExpiresAt),
		})
	}

	logging.Audit("token_refreshed",
		slog.String("expiry", logging.Timestamp(token.ExpiresAt)),
	)
	return nil
}

// onBusEvent adopts credentials refreshed by peer processes and clears
// state on peer logout.
func (c *Coordinator) onBusEvent(event syncbus.Event) {
	if event.Origin == os.Getpid() {
		return
	}

	switch event.Kind {
	case syncbus.KindTokenRefreshed, syncbus.KindLogin:
		token, err := c.vault.LoadCredential()
		if err != nil {
			logging.Warn("Session", "Peer announced a credential this process cannot load: %v", err)
			return
		}
		c.mu.Lock()
		c.token = token
		c.mu.Unlock()

		// Any local in-flight refresh is now redundant
		c.sf.Forget(refreshKey)
		logging.Info("Session", "Adopted credential refreshed by pid %d", event.Origin)

	case syncbus.KindLogout:
		c.mu.Lock()
		c.token = nil
		c.mu.Unlock()
		c.sf.Forget(refreshKey)
		logging.Info("Session", "Session cleared by pid %d", event.Origin)
	}
}

// SignOut revokes the credential, clears the vault, and announces the
// logout. Revocation follows RFC 7009 semantics: the server reporting an
// unknown token still counts as revoked.
func (c *Coordinator) SignOut(ctx context.Context) error {
	token := c.Current()

	if token != nil {
		metadata, err := c.client.DiscoverMetadata(ctx, c.issuer)
		if err == nil && metadata.RevocationEndpoint != "" {
			if token.RefreshToken != "" {
				if err := c.client.Revoke(ctx, metadata.RevocationEndpoint, token.RefreshToken, "refresh_token", c.clientID); err != nil {
					logging.Warn("Session", "Refresh token revocation failed: %v", err)
				}
			}
			if err := c.client.Revoke(ctx, metadata.RevocationEndpoint, token.AccessToken, "access_token", c.clientID); err != nil {
				logging.Warn("Session", "Access token revocation failed: %v", err)
			}
		}
	}

	c.mu.Lock()
	c.token = nil
	c.mu.Unlock()
	c.sf.Forget(refreshKey)

	if err := c.vault.Clear(); err != nil {
		return fmt.Errorf("failed to clear credential store: %w", err)
	}

	if c.bus != nil {
		c.bus.Publish(syncbus.KindLogout, nil)
	}

	logging.Audit("signed_out")
	return nil
}

// recordAttempt feeds the loop guard.
func (c *Coordinator) recordAttempt(kind guard.AttemptKind, success bool, signature, path string) {
	c.guard.Record(guard.AttemptRecord{
		Kind:           kind,
		Success:        success,
		ErrorSignature: signature,
		Path:           path,
		Timestamp:      time.Now(),
	})
}

// NormalizeErrorSignature collapses a refresh failure into one of a small
// set of stable signatures the loop guard can compare.
func NormalizeErrorSignature(err error) string {
	if err == nil {
		return ""
	}

	var netErr net.Error
	var urlErr *url.Error
	if errors.As(err, &netErr) || errors.As(err, &urlErr) ||
		errors.Is(err, context.DeadlineExceeded) {
		return SignatureNetwork
	}

	var srvErr *oauth.ServerError
	if errors.As(err, &srvErr) {
		switch {
		case srvErr.Code == silentauth.ErrorCodeTimeout:
			return SignatureNetwork
		case srvErr.Code == oauth.ErrorCodeInvalidGrant || oauth.IsSilentAuthFailure(err):
			return SignatureTokenInvalid
		case srvErr.Code == oauth.ErrorCodeAccessDenied || srvErr.StatusCode == 403:
			return SignaturePermission
		case srvErr.Code == oauth.ErrorCodeServerError || srvErr.StatusCode >= 500:
			return SignatureServer
		}
	}

	return SignatureUnknown
}
