// Package config loads service configuration from a YAML file with
// environment overrides for the secrets and endpoints that differ per
// deployment.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full service configuration.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Chain    ChainConfig    `yaml:"chain"`
	Engine   EngineConfig   `yaml:"engine"`
	Auth     AuthConfig     `yaml:"auth"`
}

type DatabaseConfig struct {
	URL      string `yaml:"url"`
	MaxConns int32  `yaml:"max_conns"`
}

type ChainConfig struct {
	// RPCWSURL is the node's streaming endpoint (ws:// or wss://).
	RPCWSURL string `yaml:"rpc_ws_url"`
	// ContractAddresses restricts the subscription; empty subscribes to the
	// lifecycle event topics across all contracts.
	ContractAddresses  []string `yaml:"contract_addresses"`
	BackoffBaseSeconds int      `yaml:"backoff_base_seconds"`
	BackoffCapSeconds  int      `yaml:"backoff_cap_seconds"`
}

type EngineConfig struct {
	Workers              int `yaml:"workers"`
	QueueSize            int `yaml:"queue_size"`
	RetryBudget          int `yaml:"retry_budget"`
	RetryIntervalSeconds int `yaml:"retry_interval_seconds"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// Load reads the YAML file at path, then applies environment overrides.
// An empty path loads from the environment alone.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("RPC_WS_URL"); v != "" {
		cfg.Chain.RPCWSURL = v
	}
	if v := os.Getenv("CONTRACT_ADDRESS"); v != "" {
		cfg.Chain.ContractAddresses = append(cfg.Chain.ContractAddresses, v)
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}

	return &cfg, nil
}

// Validate rejects configurations the service cannot start with.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("config: database url is required")
	}
	if c.Chain.RPCWSURL == "" {
		return fmt.Errorf("config: chain rpc_ws_url is required")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("config: auth jwt_secret is required")
	}
	if c.Engine.Workers < 0 || c.Engine.QueueSize < 0 || c.Engine.RetryBudget < 0 {
		return fmt.Errorf("config: engine settings must not be negative")
	}
	return nil
}

// BackoffBase returns the reconnect backoff floor.
func (c *ChainConfig) BackoffBase() time.Duration {
	if c.BackoffBaseSeconds <= 0 {
		return time.Second
	}
	return time.Duration(c.BackoffBaseSeconds) * time.Second
}

// BackoffCap returns the reconnect backoff ceiling.
func (c *ChainConfig) BackoffCap() time.Duration {
	if c.BackoffCapSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.BackoffCapSeconds) * time.Second
}

// RetryInterval returns the engine's pending-retry sweep cadence.
func (c *EngineConfig) RetryInterval() time.Duration {
	if c.RetryIntervalSeconds <= 0 {
		return 2 * time.Second
	}
	return time.Duration(c.RetryIntervalSeconds) * time.Second
}
