// Package config handles loading and validating Hazina configuration.
// Configuration is environment-first (HAZINA_* variables, with the standard
// VAULT_* variables honored for the Vault connection) with an optional YAML
// or JSON file for everything else. Every key has a working default.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for Hazina.
type Config struct {
	Vault VaultConfig `json:"vault" yaml:"vault"`
	AWS   AWSConfig   `json:"aws" yaml:"aws"`
	Lease LeaseConfig `json:"lease" yaml:"lease"`
	Ops   OpsConfig   `json:"ops" yaml:"ops"`

	LogLevel string `json:"log_level" yaml:"log_level"` // "debug", "info", "warn", "error". Default: "info".
}

// VaultConfig configures the connection to the Vault secrets broker.
type VaultConfig struct {
	Address       string `json:"address" yaml:"address"`                 // Default: http://127.0.0.1:8200. Override: VAULT_ADDR.
	Token         string `json:"token" yaml:"token"`                     // Override: VAULT_TOKEN. Required at runtime.
	Namespace     string `json:"namespace" yaml:"namespace"`             // Vault Enterprise namespace. Override: VAULT_NAMESPACE.
	MountPath     string `json:"mount_path" yaml:"mount_path"`           // AWS secrets engine mount. Default: "aws".
	Role          string `json:"role" yaml:"role"`                       // AWS secrets engine role. Default: "mcp-agent-role".
	Timeout       string `json:"timeout" yaml:"timeout"`                 // HTTP timeout, e.g. "30s". Default: 30s.
	TLSSkipVerify bool   `json:"tls_skip_verify" yaml:"tls_skip_verify"` // Skip TLS verification. Default: false.
}

// AWSConfig configures the AWS session built from brokered credentials.
type AWSConfig struct {
	Region string `json:"region" yaml:"region"` // Default: "us-east-1". Override: HAZINA_AWS_REGION.
}

// LeaseConfig configures lease lifecycle management.
type LeaseConfig struct {
	TTL           string   `json:"ttl" yaml:"ttl"`                       // Requested credential TTL. Default: "1h".
	AutoRenew     *bool    `json:"auto_renew" yaml:"auto_renew"`         // Proactive renewal. Default: true.
	RenewFraction *float64 `json:"renew_fraction" yaml:"renew_fraction"` // Fraction of TTL before renewal fires. Default: 0.5.
}

// OpsConfig configures the optional HTTP ops endpoint (health, status, metrics).
type OpsConfig struct {
	ListenAddr  string `json:"listen_addr" yaml:"listen_addr"`   // e.g. ":9090". Empty = disabled.
	MetricsPath string `json:"metrics_path" yaml:"metrics_path"` // Default: "/metrics".
}

// Defaults mirrored from the original deployment; change via config, not here.
const (
	defaultVaultAddr     = "http://127.0.0.1:8200"
	defaultMountPath     = "aws"
	defaultRole          = "mcp-agent-role"
	defaultRegion        = "us-east-1"
	defaultTTL           = time.Hour
	defaultBrokerTimeout = 30 * time.Second
	defaultRenewFraction = 0.5
)

// VaultAddress returns the broker address, defaulting to the local dev server.
func (c *Config) VaultAddress() string {
	if c.Vault.Address != "" {
		return strings.TrimRight(c.Vault.Address, "/")
	}
	return defaultVaultAddr
}

// MountPath returns the AWS secrets engine mount path.
func (c *Config) MountPath() string {
	if c.Vault.MountPath != "" {
		return c.Vault.MountPath
	}
	return defaultMountPath
}

// Role returns the Vault AWS role used for credential issuance.
func (c *Config) Role() string {
	if c.Vault.Role != "" {
		return c.Vault.Role
	}
	return defaultRole
}

// BrokerTimeout returns the per-request Vault HTTP timeout.
func (c *Config) BrokerTimeout() time.Duration {
	if c.Vault.Timeout != "" {
		if d, err := time.ParseDuration(c.Vault.Timeout); err == nil && d > 0 {
			return d
		}
	}
	return defaultBrokerTimeout
}

// Region returns the default AWS region for built sessions.
func (c *Config) Region() string {
	if c.AWS.Region != "" {
		return c.AWS.Region
	}
	return defaultRegion
}

// LeaseTTL returns the requested credential TTL. The broker may grant less.
func (c *Config) LeaseTTL() time.Duration {
	if c.Lease.TTL != "" {
		if d, err := time.ParseDuration(c.Lease.TTL); err == nil && d > 0 {
			return d
		}
	}
	return defaultTTL
}

// AutoRenew reports whether proactive lease renewal is enabled.
func (c *Config) AutoRenew() bool {
	if c.Lease.AutoRenew != nil {
		return *c.Lease.AutoRenew
	}
	return true
}

// RenewFraction returns the fraction of the granted TTL after which a
// proactive renewal fires. Clamped to (0, 1).
func (c *Config) RenewFraction() float64 {
	if c.Lease.RenewFraction != nil {
		f := *c.Lease.RenewFraction
		if f > 0 && f < 1 {
			return f
		}
	}
	return defaultRenewFraction
}

// ResolvedMetricsPath returns the ops metrics path, defaulting to /metrics.
func (c *OpsConfig) ResolvedMetricsPath() string {
	if c.MetricsPath != "" {
		return c.MetricsPath
	}
	return "/metrics"
}

// Validate checks that the configuration is usable for serving.
func (c *Config) Validate() error {
	if c.Vault.Token == "" {
		return fmt.Errorf("vault token is required (set vault.token or VAULT_TOKEN)")
	}
	if c.Vault.Timeout != "" {
		if _, err := time.ParseDuration(c.Vault.Timeout); err != nil {
			return fmt.Errorf("invalid vault.timeout %q: %w", c.Vault.Timeout, err)
		}
	}
	if c.Lease.TTL != "" {
		if _, err := time.ParseDuration(c.Lease.TTL); err != nil {
			return fmt.Errorf("invalid lease.ttl %q: %w", c.Lease.TTL, err)
		}
	}
	if c.Lease.RenewFraction != nil {
		if f := *c.Lease.RenewFraction; f <= 0 || f >= 1 {
			return fmt.Errorf("lease.renew_fraction must be in (0, 1), got %v", f)
		}
	}
	return nil
}

// Load reads configuration from an optional file and applies environment
// overrides. An empty path loads environment-only configuration.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
		switch ext := strings.ToLower(filepath.Ext(path)); ext {
		case ".yml", ".yaml":
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parsing YAML config %s: %w", path, err)
			}
		default:
			if err := json.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parsing JSON config %s: %w", path, err)
			}
		}
	}

	applyEnv(&cfg)
	return &cfg, nil
}

// applyEnv applies environment overrides — env vars take precedence over file values.
func applyEnv(cfg *Config) {
	if v := os.Getenv("VAULT_ADDR"); v != "" {
		cfg.Vault.Address = v
	}
	if v := os.Getenv("VAULT_TOKEN"); v != "" {
		cfg.Vault.Token = v
	}
	if v := os.Getenv("VAULT_NAMESPACE"); v != "" {
		cfg.Vault.Namespace = v
	}
	if v := os.Getenv("HAZINA_VAULT_MOUNT_PATH"); v != "" {
		cfg.Vault.MountPath = v
	}
	if v := os.Getenv("HAZINA_VAULT_ROLE"); v != "" {
		cfg.Vault.Role = v
	}
	if v := os.Getenv("HAZINA_AWS_REGION"); v != "" {
		cfg.AWS.Region = v
	}
	if v := os.Getenv("HAZINA_LEASE_TTL"); v != "" {
		cfg.Lease.TTL = v
	}
	if v := os.Getenv("HAZINA_LEASE_AUTO_RENEW"); v != "" {
		b := strings.EqualFold(v, "true") || v == "1"
		cfg.Lease.AutoRenew = &b
	}
	if v := os.Getenv("HAZINA_OPS_LISTEN_ADDR"); v != "" {
		cfg.Ops.ListenAddr = v
	}
	if v := os.Getenv("HAZINA_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}
