// Package config loads and validates the guard node configuration from
// <NodeHome>/config/guard_config.json, falling back to embedded defaults.
package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const (
	configSubdir   = "config"
	configFileName = "guard_config.json"
)

//go:embed default_config.json
var defaultConfigJSON []byte

func validateConfig(cfg *Config) error {
	if cfg.LogLevel < 0 || cfg.LogLevel > 5 {
		return fmt.Errorf("log level must be between 0 and 5")
	}
	if cfg.LogFormat != "json" && cfg.LogFormat != "console" {
		return fmt.Errorf("log format must be 'json' or 'console'")
	}

	if cfg.RequiredSigners == 0 {
		cfg.RequiredSigners = 1
	}
	if cfg.RequiredSigners > len(cfg.GuardPublicKeys) && len(cfg.GuardPublicKeys) > 0 {
		return fmt.Errorf("required_signers (%d) exceeds guard set size (%d)",
			cfg.RequiredSigners, len(cfg.GuardPublicKeys))
	}

	if cfg.EventTimeoutSeconds == 0 {
		cfg.EventTimeoutSeconds = 86400
	}
	if cfg.ProcessIntervalSeconds == 0 {
		cfg.ProcessIntervalSeconds = 30
	}
	if cfg.TimeoutIntervalSeconds == 0 {
		cfg.TimeoutIntervalSeconds = 60
	}
	if cfg.RequeueIntervalSeconds == 0 {
		cfg.RequeueIntervalSeconds = 300
	}

	if cfg.SessionTimeoutSeconds == 0 {
		cfg.SessionTimeoutSeconds = 300
	}
	if cfg.CleanupIntervalSeconds == 0 {
		cfg.CleanupIntervalSeconds = 60
	}
	if cfg.SignIntervalSeconds == 0 {
		cfg.SignIntervalSeconds = 30
	}
	if cfg.SignerURL == "" {
		cfg.SignerURL = "http://127.0.0.1:9050"
	}

	if cfg.ReprocessCooldownSeconds == 0 {
		cfg.ReprocessCooldownSeconds = 3600
	}

	if len(cfg.P2PListenAddrs) == 0 {
		cfg.P2PListenAddrs = []string{"/ip4/0.0.0.0/tcp/39400"}
	}

	if cfg.APIPort == 0 {
		cfg.APIPort = 8080
	}

	if cfg.DBPath == "" && cfg.NodeHome != "" {
		cfg.DBPath = filepath.Join(cfg.NodeHome, "guard.db")
	}

	return nil
}

// Save writes the given config to <basePath>/config/guard_config.json.
func Save(cfg *Config, basePath string) error {
	if err := validateConfig(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	configDir := filepath.Join(basePath, configSubdir)
	if err := os.MkdirAll(configDir, 0o750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	configFile := filepath.Join(configDir, configFileName)
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configFile, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Load reads, validates, and returns the config from
// <basePath>/config/guard_config.json.
func Load(basePath string) (Config, error) {
	configFile := filepath.Join(basePath, configSubdir, configFileName)
	data, err := os.ReadFile(filepath.Clean(configFile))
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if cfg.NodeHome == "" {
		cfg.NodeHome = basePath
	}
	if err := validateConfig(&cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadDefaultConfig returns the embedded default configuration.
func LoadDefaultConfig() (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(defaultConfigJSON, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal default config: %w", err)
	}
	return &cfg, nil
}
