package config

import "time"

const (
	// DefaultCallbackPort is the port for the local OAuth callback listener.
	DefaultCallbackPort = 3000

	// DefaultScope requests identity, profile, and offline access so a
	// refresh token is issued.
	DefaultScope = "openid profile email offline_access"

	// DefaultSilentAuthTimeout is the hard bound on a no-interaction
	// re-authentication attempt.
	DefaultSilentAuthTimeout = 5 * time.Second
)

// GetDefaultConfig returns the default configuration.
func GetDefaultConfig() Config {
	return Config{
		Auth: AuthConfig{
			Scope:             DefaultScope,
			CallbackPort:      DefaultCallbackPort,
			SilentAuthTimeout: DefaultSilentAuthTimeout,
		},
		Recovery: RecoveryConfig{
			ExtendedSweep: true,
		},
	}
}
