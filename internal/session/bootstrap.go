package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"procflow/internal/silentauth"
	"procflow/pkg/logging"
	"procflow/pkg/oauth"
)

// State is a bootstrap phase.
type State string

const (
	StateIdle       State = "idle"
	StateHydrating  State = "hydrating"
	StateSyncing    State = "syncing"
	StateSilentAuth State = "silent_auth"
	StateReady      State = "ready"
	StateError      State = "error"
)

// AuthError is a typed bootstrap failure. Recoverable errors are retried
// automatically up to the retry budget; the rest wait for a manual retry.
type AuthError struct {
	Code        string
	Message     string
	Recoverable bool
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Status is a snapshot for UI consumers.
type Status struct {
	State State

	// Progress is a coarse percentage for progress displays.
	Progress int

	// Message is a human-readable description of the current phase.
	Message string

	// RecommendedAction is set in the error state.
	RecommendedAction string

	// Authenticated reports whether a usable credential is held. Ready
	// without authentication is a valid final state.
	Authenticated bool

	// Profile is the server-validated user profile, present once syncing
	// succeeded.
	Profile *oauth.Userinfo

	// Err is the error that drove the machine into the error state.
	Err *AuthError
}

// maxAutoRetries bounds automatic recovery from bootstrap errors.
const maxAutoRetries = 3

// Bootstrap drives a process from cold start to ready:
// idle, hydrating, syncing, ready when a persisted credential validates;
// idle, silent_auth, ready otherwise. Ready is reached regardless of the
// silent-auth outcome.
type Bootstrap struct {
	coordinator *Coordinator
	client      *oauth.Client
	issuer      string

	mu      sync.RWMutex
	state   State
	profile *oauth.Userinfo
	lastErr *AuthError
	retries int
	ran     bool

	// onTransition, when set, observes every state change.
	onTransition func(State)
}

// BootstrapConfig wires a Bootstrap.
type BootstrapConfig struct {
	Coordinator *Coordinator
	Client      *oauth.Client
	Issuer      string

	// OnTransition observes state changes. Optional.
	OnTransition func(State)
}

// NewBootstrap creates the bootstrap machine in the idle state.
func NewBootstrap(cfg BootstrapConfig) (*Bootstrap, error) {
	if cfg.Coordinator == nil || cfg.Client == nil {
		return nil, errors.New("bootstrap requires a coordinator and an OAuth client")
	}
	return &Bootstrap{
		coordinator:  cfg.Coordinator,
		client:       cfg.Client,
		issuer:       cfg.Issuer,
		state:        StateIdle,
		onTransition: cfg.OnTransition,
	}, nil
}

// Run executes the bootstrap sequence. It runs at most once per process;
// subsequent calls return immediately with the settled outcome.
func (b *Bootstrap) Run(ctx context.Context) error {
	b.mu.Lock()
	if b.ran {
		b.mu.Unlock()
		return nil
	}
	b.ran = true
	b.mu.Unlock()

	return b.runSequence(ctx)
}

// Retry re-enters the sequence from silent_auth after the automatic
// retry budget is exhausted. Only valid in the error state.
func (b *Bootstrap) Retry(ctx context.Context) error {
	b.mu.Lock()
	if b.state != StateError {
		b.mu.Unlock()
		return fmt.Errorf("retry is only valid in the error state (current: %s)", b.state)
	}
	b.retries = 0
	b.lastErr = nil
	b.mu.Unlock()

	return b.runFromSilentAuth(ctx)
}

func (b *Bootstrap) runSequence(ctx context.Context) error {
	for {
		err := b.attemptSequence(ctx)
		if err == nil {
			return nil
		}

		authErr := asAuthError(err)
		b.mu.Lock()
		b.lastErr = authErr
		retries := b.retries
		b.retries++
		b.mu.Unlock()
		b.transition(StateError)

		if !authErr.Recoverable || retries >= maxAutoRetries {
			logging.Error("Bootstrap", authErr, "Bootstrap failed; manual retry required")
			return authErr
		}

		backoff := time.Duration(retries+1) * 500 * time.Millisecond
		logging.Warn("Bootstrap", "Bootstrap error (%s), retrying in %s", authErr.Code, backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
}

// attemptSequence runs one pass through the state machine.
func (b *Bootstrap) attemptSequence(ctx context.Context) error {
	b.transition(StateHydrating)

	token := b.coordinator.Current()
	if token == nil || !token.HasUsableRefreshToken() && token.IsExpired() {
		return b.silentAuthPhase(ctx, false)
	}

	if token.IsExpired() {
		// Usable refresh token but expired access token: refresh before
		// validating the profile.
		if ok, err := b.coordinator.Refresh(ctx, RefreshOptions{SkipCache: true}); !ok {
			if err != nil && NormalizeErrorSignature(err) == SignatureNetwork {
				return &AuthError{Code: "network", Message: err.Error(), Recoverable: true}
			}
			return b.silentAuthPhase(ctx, false)
		}
		token = b.coordinator.Current()
	}

	return b.syncPhase(ctx, token)
}

// syncPhase validates the hydrated credential against the server and
// adopts the authoritative profile.
func (b *Bootstrap) syncPhase(ctx context.Context, token *oauth.Token) error {
	b.transition(StateSyncing)

	metadata, err := b.client.DiscoverMetadata(ctx, b.issuer)
	if err != nil {
		return &AuthError{Code: "network", Message: err.Error(), Recoverable: true}
	}

	if metadata.UserinfoEndpoint == "" {
		// No userinfo endpoint to validate against; the credential's own
		// expiry is the best signal available.
		b.transition(StateReady)
		return nil
	}

	info, err := b.client.FetchUserinfo(ctx, metadata.UserinfoEndpoint, token.AccessToken)
	if err != nil {
		var srvErr *oauth.ServerError
		if errors.As(err, &srvErr) && srvErr.StatusCode == 401 {
			// The server no longer honors this credential
			logging.Info("Bootstrap", "Persisted credential rejected by server, attempting silent auth")
			return b.silentAuthPhase(ctx, false)
		}
		return &AuthError{Code: "sync_failed", Message: err.Error(), Recoverable: true}
	}

	b.mu.Lock()
	b.profile = info
	b.mu.Unlock()

	// The validated subject seeds future silent-auth login hints and the
	// status display.
	if err := b.coordinator.vault.UpdateSubject(info.Subject); err != nil {
		logging.Warn("Bootstrap", "Failed to persist session subject: %v", err)
	}

	b.transition(StateReady)
	logging.Info("Bootstrap", "Session validated for subject %s", logging.TruncateToken(info.Subject))
	return nil
}

// silentAuthPhase attempts silent authentication. Both outcomes lead to
// ready: an unauthenticated process is still a functional process.
// Manual attempts carry the user-initiated kind past loop throttling.
func (b *Bootstrap) silentAuthPhase(ctx context.Context, manual bool) error {
	b.transition(StateSilentAuth)

	if _, err := b.coordinator.Refresh(ctx, RefreshOptions{Force: true, Manual: manual}); err != nil {
		if oauth.IsSilentAuthFailure(err) || isExpectedBootstrapFailure(err) {
			logging.Info("Bootstrap", "Silent authentication unavailable: %v", err)
			b.transition(StateReady)
			return nil
		}
		return &AuthError{Code: "silent_auth_failed", Message: err.Error(), Recoverable: true}
	}

	b.transition(StateReady)
	return nil
}

// runFromSilentAuth is the manual-retry entry point.
func (b *Bootstrap) runFromSilentAuth(ctx context.Context) error {
	err := b.silentAuthPhase(ctx, true)
	if err != nil {
		authErr := asAuthError(err)
		b.mu.Lock()
		b.lastErr = authErr
		b.mu.Unlock()
		b.transition(StateError)
		return authErr
	}
	return nil
}

// isExpectedBootstrapFailure covers non-fault outcomes that still leave
// the process ready but unauthenticated.
func isExpectedBootstrapFailure(err error) bool {
	if errors.Is(err, ErrNoCredential) || errors.Is(err, ErrRefreshBlocked) {
		return true
	}
	var srvErr *oauth.ServerError
	return errors.As(err, &srvErr) && srvErr.Code == silentauth.ErrorCodeTimeout
}

func asAuthError(err error) *AuthError {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return authErr
	}
	return &AuthError{Code: "bootstrap_failed", Message: err.Error(), Recoverable: false}
}

// transition moves the machine to the next state and notifies observers.
func (b *Bootstrap) transition(next State) {
	b.mu.Lock()
	b.state = next
	callback := b.onTransition
	b.mu.Unlock()

	logging.Debug("Bootstrap", "State: %s", next)
	if callback != nil {
		callback(next)
	}
}

// State returns the current bootstrap state.
func (b *Bootstrap) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Status returns a UI-ready snapshot of the bootstrap.
func (b *Bootstrap) Status() Status {
	b.mu.RLock()
	defer b.mu.RUnlock()

	status := Status{
		State:         b.state,
		Profile:       b.profile,
		Err:           b.lastErr,
		Authenticated: b.coordinator.Authenticated(),
	}

	switch b.state {
	case StateIdle:
		status.Progress = 0
		status.Message = "Waiting to start"
	case StateHydrating:
		status.Progress = 25
		status.Message = "Loading stored session"
	case StateSyncing:
		status.Progress = 60
		status.Message = "Validating session with the identity provider"
	case StateSilentAuth:
		status.Progress = 60
		status.Message = "Attempting silent sign-in"
	case StateReady:
		status.Progress = 100
		if status.Authenticated {
			status.Message = "Signed in"
		} else {
			status.Message = "Ready (not signed in)"
			status.RecommendedAction = "Run the login command to sign in"
		}
	case StateError:
		status.Progress = 100
		status.Message = "Session startup failed"
		status.RecommendedAction = "Retry, or run the login command to sign in manually"
	}

	return status
}
