package config

import "time"

// Config is the top-level configuration for the procflow session
// coordinator.
type Config struct {
	// Server is the procflow backend the workstation talks to.
	Server ServerConfig `yaml:"server"`

	// Auth configures the OAuth client against the plant identity provider.
	Auth AuthConfig `yaml:"auth"`

	// Recovery configures the callback-result recovery cascade.
	Recovery RecoveryConfig `yaml:"recovery"`
}

// ServerConfig describes the procflow backend endpoints.
type ServerConfig struct {
	// BaseURL is the REST API base of the process-flow backend.
	BaseURL string `yaml:"baseURL"`

	// PublicRoutePrefixes lists route prefixes that are reachable without a
	// session. Auth failures on these routes degrade to a warning instead
	// of forcing re-authentication.
	PublicRoutePrefixes []string `yaml:"publicRoutePrefixes,omitempty"`
}

// AuthConfig configures OAuth authentication.
type AuthConfig struct {
	// Issuer is the identity provider URL. Endpoints are discovered from
	// its well-known metadata.
	Issuer string `yaml:"issuer"`

	// ClientID identifies this workstation client at the IdP.
	ClientID string `yaml:"clientID"`

	// Scope is the space-separated OAuth scope to request.
	Scope string `yaml:"scope,omitempty"`

	// CallbackPort is the port for the local OAuth callback listener.
	CallbackPort int `yaml:"callbackPort,omitempty"`

	// StateDir is where the encrypted credential, session metadata, and
	// cross-process event files live. Defaults to ~/.config/procflow.
	StateDir string `yaml:"stateDir,omitempty"`

	// SilentAuthTimeout bounds a no-interaction re-authentication attempt.
	SilentAuthTimeout time.Duration `yaml:"silentAuthTimeout,omitempty"`
}

// RecoveryConfig configures recovery of authorization results when the
// IdP's redirect URI is misconfigured and the callback listener never sees
// the response.
type RecoveryConfig struct {
	// AllowedOrigins is the allow-list of known-misconfigured redirect
	// origins the proxy listener will accept results from. Results from
	// any other origin are dropped.
	AllowedOrigins []string `yaml:"allowedOrigins,omitempty"`

	// ExtendedSweep enables the last-resort broad sweep over
	// heuristically named result files.
	ExtendedSweep bool `yaml:"extendedSweep,omitempty"`
}
