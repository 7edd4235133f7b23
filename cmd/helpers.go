package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"procflow/internal/config"
	"procflow/internal/guard"
	"procflow/internal/interceptor"
	"procflow/internal/recovery"
	"procflow/internal/silentauth"
	"procflow/internal/session"
	"procflow/internal/syncbus"
	"procflow/internal/vault"
	"procflow/pkg/logging"
	"procflow/pkg/oauth"
)

// components bundles the wired subsystems a command needs.
type components struct {
	cfg         config.Config
	client      *oauth.Client
	vault       *vault.Vault
	bus         *syncbus.Bus
	guard       *guard.Guard
	engine      *recovery.Engine
	silent      *silentauth.Channel
	coordinator *session.Coordinator

	// backend authenticates and auto-recovers every call to the
	// procflow backend.
	backend *http.Client
}

// close releases everything that holds goroutines or watchers.
func (c *components) close() {
	if c.coordinator != nil {
		c.coordinator.Close()
	}
	if c.bus != nil {
		c.bus.Stop()
	}
}

// loadConfig resolves the config directory from the --config flag or the
// user default.
func loadConfig() (config.Config, error) {
	path := configPath
	if path == "" {
		path = config.GetDefaultConfigPathOrPanic()
	}
	return config.Load(path)
}

// buildComponents wires the full session stack from configuration.
func buildComponents() (*components, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.Auth.Issuer == "" {
		return nil, errors.New("auth.issuer is not configured; create config.yaml in the config directory")
	}

	client := oauth.NewClient()

	v, err := vault.New(vault.Config{StateDir: cfg.Auth.StateDir})
	if err != nil {
		return nil, fmt.Errorf("failed to open credential store: %w", err)
	}

	bus, err := syncbus.New(syncbus.Config{StateDir: cfg.Auth.StateDir})
	if err != nil {
		return nil, fmt.Errorf("failed to create sync bus: %w", err)
	}

	g := guard.New()

	engine, err := recovery.New(recovery.Config{
		StateDir:       cfg.Auth.StateDir,
		Bus:            bus,
		AllowedOrigins: cfg.Recovery.AllowedOrigins,
		ProxyPort:      cfg.Auth.CallbackPort,
		ExtendedSweep:  cfg.Recovery.ExtendedSweep,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create recovery engine: %w", err)
	}

	silent, err := silentauth.New(silentauth.Config{
		Client:      client,
		Engine:      engine,
		Issuer:      cfg.Auth.Issuer,
		ClientID:    cfg.Auth.ClientID,
		RedirectURI: fmt.Sprintf("http://localhost:%d/callback", cfg.Auth.CallbackPort),
		Scope:       cfg.Auth.Scope,
		Timeout:     cfg.Auth.SilentAuthTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create silent auth channel: %w", err)
	}

	coordinator, err := session.NewCoordinator(session.CoordinatorConfig{
		Client:     client,
		Vault:      v,
		Bus:        bus,
		Guard:      g,
		SilentAuth: silent,
		Issuer:     cfg.Auth.Issuer,
		ClientID:   cfg.Auth.ClientID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create session coordinator: %w", err)
	}

	transport, err := interceptor.New(interceptor.Config{
		Session:             coordinator,
		PublicRoutePrefixes: cfg.Server.PublicRoutePrefixes,
		OnSignOut: func() {
			if err := coordinator.SignOut(context.Background()); err != nil {
				logging.Warn("CLI", "Sign-out after auth failure incomplete: %v", err)
			}
		},
		OnEvent: func(event interceptor.Event) {
			logging.Info("CLI", "Session event: %s", event.Name)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create auth transport: %w", err)
	}

	return &components{
		cfg:         cfg,
		client:      client,
		vault:       v,
		bus:         bus,
		guard:       g,
		engine:      engine,
		silent:      silent,
		coordinator: coordinator,
		backend:     &http.Client{Transport: transport},
	}, nil
}
