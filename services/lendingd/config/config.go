// Package config loads the lendingd daemon's runtime settings: listen
// address, TLS material, JWT auth parameters and the paths to the
// governance-tunable risk parameters and audit log.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures the runtime settings for the lending service daemon.
type Config struct {
	ListenAddress  string            `yaml:"listen"`
	TLS            TLSConfig         `yaml:"tls"`
	Auth           AuthConfig        `yaml:"auth"`
	RiskParamsPath string            `yaml:"risk_params_path"`
	Audit          AuditConfig       `yaml:"audit"`
	RateLimits     map[string]string `yaml:"rate_limits"`
}

// TLSConfig describes the TLS material for the HTTP listener.
type TLSConfig struct {
	CertPath      string `yaml:"cert"`
	KeyPath       string `yaml:"key"`
	ClientCAPath  string `yaml:"client_ca"`
	AllowInsecure bool   `yaml:"allow_insecure"`
}

// AuthConfig configures the bearer-JWT authenticator guarding every
// mutating lending endpoint.
type AuthConfig struct {
	Enabled        bool          `yaml:"enabled"`
	HMACSecret     string        `yaml:"hmac_secret"`
	Issuer         string        `yaml:"issuer"`
	Audience       string        `yaml:"audience"`
	ScopeClaim     string        `yaml:"scope_claim"`
	OptionalPaths  []string      `yaml:"optional_paths"`
	AllowAnonymous bool          `yaml:"allow_anonymous"`
	ClockSkew      time.Duration `yaml:"clock_skew"`
}

// AuditConfig configures the rotating audit-log sink for settled
// liquidations. Path empty disables the audit log.
type AuditConfig struct {
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Load reads the YAML configuration from disk and validates the result.
func Load(path string) (Config, error) {
	cfg := Config{
		ListenAddress: ":8443",
	}
	if path == "" {
		return cfg, fmt.Errorf("config path required")
	}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) normalize() {
	if cfg == nil {
		return
	}
	cfg.ListenAddress = strings.TrimSpace(cfg.ListenAddress)
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8443"
	}
	cfg.RiskParamsPath = strings.TrimSpace(cfg.RiskParamsPath)
	cfg.TLS.normalize()
	cfg.Auth.normalize()
	cfg.Audit.normalize()
}

func (cfg *Config) validate() error {
	if cfg == nil {
		return fmt.Errorf("configuration is missing")
	}
	if err := cfg.TLS.validate(); err != nil {
		return fmt.Errorf("tls: %w", err)
	}
	if err := cfg.Auth.validate(cfg.TLS); err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	return nil
}

func (cfg *TLSConfig) normalize() {
	if cfg == nil {
		return
	}
	cfg.CertPath = strings.TrimSpace(cfg.CertPath)
	cfg.KeyPath = strings.TrimSpace(cfg.KeyPath)
	cfg.ClientCAPath = strings.TrimSpace(cfg.ClientCAPath)
}

func (cfg TLSConfig) validate() error {
	hasCert := cfg.CertPath != ""
	hasKey := cfg.KeyPath != ""
	if hasCert != hasKey {
		return fmt.Errorf("cert and key must either both be provided or both be empty")
	}
	if !cfg.AllowInsecure && !hasCert {
		return fmt.Errorf("cert and key are required unless allow_insecure=true")
	}
	if cfg.ClientCAPath != "" && !hasCert {
		return fmt.Errorf("client_ca requires a server certificate and key")
	}
	return nil
}

// MTLSEnabled reports whether mutual TLS verification is configured.
func (cfg TLSConfig) MTLSEnabled() bool {
	return strings.TrimSpace(cfg.ClientCAPath) != ""
}

func (cfg *AuthConfig) normalize() {
	if cfg == nil {
		return
	}
	cfg.HMACSecret = strings.TrimSpace(cfg.HMACSecret)
	cfg.Issuer = strings.TrimSpace(cfg.Issuer)
	cfg.Audience = strings.TrimSpace(cfg.Audience)
	cfg.ScopeClaim = strings.TrimSpace(cfg.ScopeClaim)
	if cfg.ScopeClaim == "" {
		cfg.ScopeClaim = "scope"
	}
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = 2 * time.Minute
	}
	paths := make([]string, 0, len(cfg.OptionalPaths))
	for _, p := range cfg.OptionalPaths {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			paths = append(paths, trimmed)
		}
	}
	cfg.OptionalPaths = paths
}

func (cfg AuthConfig) validate(tls TLSConfig) error {
	if !cfg.Enabled {
		return nil
	}
	if cfg.HMACSecret == "" {
		return fmt.Errorf("hmac_secret is required when auth.enabled is true")
	}
	return nil
}

func (cfg *AuditConfig) normalize() {
	if cfg == nil {
		return
	}
	cfg.Path = strings.TrimSpace(cfg.Path)
	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = 100
	}
	if cfg.MaxBackups <= 0 {
		cfg.MaxBackups = 7
	}
	if cfg.MaxAgeDays <= 0 {
		cfg.MaxAgeDays = 30
	}
}
