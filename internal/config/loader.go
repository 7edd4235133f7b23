package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"procflow/pkg/logging"

	"gopkg.in/yaml.v3"
)

const (
	userConfigDir  = ".config/procflow"
	configFileName = "config.yaml"
)

// GetDefaultConfigPathOrPanic returns the user configuration directory.
// Panics only when the home directory cannot be determined, which means the
// process has no usable environment at all.
func GetDefaultConfigPathOrPanic() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		panic(fmt.Errorf("could not determine user config directory: %w", err))
	}

	return filepath.Join(homeDir, userConfigDir)
}

// Load loads configuration from the specified directory. The directory
// should contain config.yaml; missing files fall back to defaults.
func Load(configPath string) (Config, error) {
	configFilePath := filepath.Join(configPath, configFileName)
	cfg := GetDefaultConfig()

	data, err := os.ReadFile(configFilePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logging.Info("ConfigLoader", "No config.yaml found at %s, using defaults", configFilePath)
			cfg.applyDerivedDefaults(configPath)
			return cfg, nil
		}
		return Config{}, fmt.Errorf("error reading config from %s: %w", configFilePath, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("error loading config from %s: %w", configFilePath, err)
	}

	cfg.applyDerivedDefaults(configPath)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	logging.Info("ConfigLoader", "Loaded configuration from %s", configFilePath)
	return cfg, nil
}

// applyDerivedDefaults fills fields whose defaults depend on the config
// location or on other fields.
func (c *Config) applyDerivedDefaults(configPath string) {
	if c.Auth.StateDir == "" {
		c.Auth.StateDir = configPath
	}
	if c.Auth.CallbackPort == 0 {
		c.Auth.CallbackPort = DefaultCallbackPort
	}
	if c.Auth.Scope == "" {
		c.Auth.Scope = DefaultScope
	}
	if c.Auth.SilentAuthTimeout == 0 {
		c.Auth.SilentAuthTimeout = DefaultSilentAuthTimeout
	}
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.Auth.Issuer != "" && c.Auth.ClientID == "" {
		return errors.New("auth.clientID is required when auth.issuer is set")
	}
	for _, origin := range c.Recovery.AllowedOrigins {
		if origin == "*" {
			return errors.New("recovery.allowedOrigins must not contain a wildcard")
		}
	}
	return nil
}
