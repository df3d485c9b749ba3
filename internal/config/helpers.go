package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/platformbuilds/mirador-session/internal/session"
	"github.com/platformbuilds/mirador-session/pkg/cache"
)

// contains checks if a string slice contains a specific value
func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsTest returns true if running in test environment
func (c *Config) IsTest() bool {
	return c.Environment == "test"
}

// GetSessionTimeout returns the idle timeout of new sessions. A zero
// timeout_minutes maps to a negative duration, meaning never.
func (c *Config) GetSessionTimeout() time.Duration {
	if c.Session.TimeoutMinutes == 0 {
		return -1
	}
	return time.Duration(c.Session.TimeoutMinutes) * time.Minute
}

func (c *Config) GetSnapshotInterval() time.Duration {
	return time.Duration(c.Session.SnapshotIntervalMS) * time.Millisecond
}

func (c *Config) GetSweepInterval() time.Duration {
	return time.Duration(c.Expiry.SweepIntervalSeconds) * time.Second
}

// GetOperationTimeout returns the per-attempt store deadline
func (c *Config) GetOperationTimeout() time.Duration {
	timeout := c.Store.OperationTimeoutMS
	if timeout == 0 {
		timeout = DefaultOperationTimeout
	}
	return time.Duration(timeout) * time.Millisecond
}

// GetShutdownTimeout returns how long graceful shutdown may take
func (c *Config) GetShutdownTimeout() time.Duration {
	return DefaultShutdownTimeout * time.Millisecond
}

// Policy builds the live-tunable part of the manager configuration
func (c *Config) Policy() (session.Policy, error) {
	trigger, err := session.ParseTrigger(c.Session.ReplicationTrigger)
	if err != nil {
		return session.Policy{}, err
	}
	return session.Policy{
		Trigger:               trigger,
		MaxUnreplicatedFactor: c.Session.MaxUnreplicatedFactor,
		ExpiryEnabled:         c.Expiry.Enabled,
	}, nil
}

// ManagerConfig converts the loaded settings into a session.Config
func (c *Config) ManagerConfig() (session.Config, error) {
	granularity, err := session.ParseGranularity(c.Session.ReplicationGranularity)
	if err != nil {
		return session.Config{}, err
	}
	mode, err := session.ParseSnapshotMode(c.Session.SnapshotMode)
	if err != nil {
		return session.Config{}, err
	}
	policy, err := c.Policy()
	if err != nil {
		return session.Config{}, err
	}

	cfg := session.Config{
		NodeID:              c.Node.ID,
		JvmRoute:            c.Node.JvmRoute,
		MaxInactiveInterval: c.GetSessionTimeout(),
		MaxActive:           c.Session.MaxActive,
		Distributable:       c.Session.Distributable,
		Granularity:         granularity,
		SnapshotMode:        mode,
		SnapshotInterval:    c.GetSnapshotInterval(),
		SweepInterval:       c.GetSweepInterval(),
		Policy:              policy,
	}
	if err := cfg.Validate(); err != nil {
		return session.Config{}, fmt.Errorf("session config: %w", err)
	}
	return cfg, nil
}

// Codec returns the configured attribute codec
func (c *Config) Codec() (session.AttributeCodec, error) {
	return session.NewCodec(c.Session.Codec)
}

func (c *Config) RetryConfig() cache.RetryConfig {
	return cache.RetryConfig{
		MaxAttempts:      c.Store.Retry.MaxAttempts,
		InitialBackoff:   time.Duration(c.Store.Retry.InitialBackoffMS) * time.Millisecond,
		MaxBackoff:       time.Duration(c.Store.Retry.MaxBackoffMS) * time.Millisecond,
		OperationTimeout: c.GetOperationTimeout(),
	}
}

func (c *Config) ValkeyConfig() cache.ValkeyConfig {
	return cache.ValkeyConfig{
		Addrs:     append([]string(nil), c.Store.Valkey.Nodes...),
		Password:  c.Store.Valkey.Password,
		DB:        c.Store.Valkey.DB,
		KeyPrefix: c.Store.Valkey.KeyPrefix,
		Channel:   c.Store.Valkey.Channel,
	}
}

func (c *Config) PostgresConfig() cache.PostgresConfig {
	return cache.PostgresConfig{
		DSN:             c.Store.Postgres.DSN,
		Channel:         c.Store.Postgres.Channel,
		CleanupInterval: time.Duration(c.Store.Postgres.CleanupIntervalSeconds) * time.Second,
	}
}

// ToYAML renders the configuration with secrets redacted
func (c *Config) ToYAML() (string, error) {
	out, err := yaml.Marshal(c.Redacted())
	if err != nil {
		return "", fmt.Errorf("failed to render config: %w", err)
	}
	return string(out), nil
}
