package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/rs/xid"
	"github.com/spf13/viper"

	"github.com/platformbuilds/mirador-session/internal/session"
)

// Load loads configuration from various sources with priority order:
// 1. Environment variables
// 2. Configuration file (configPath, $CONFIG_PATH or config.yaml on the search path)
// 3. Default values
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath == "" {
		configPath = os.Getenv("CONFIG_PATH")
	}
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/mirador-session/")
		v.AddConfigPath("./configs/")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix("MIRADOR_SESSION")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found - continue with env vars and defaults
	}

	overrideWithEnvVars(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := LoadSecrets(&config); err != nil {
		return nil, err
	}

	if err := validateConfig(&config); err != nil {
		ConfigValidationErrors.Inc()
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	RecordLoaded(&config)

	return &config, nil
}

// setDefaults sets reasonable default values
func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")

	// Node defaults
	v.SetDefault("node.id", xid.New().String())
	v.SetDefault("node.jvm_route", "")

	// Session defaults
	v.SetDefault("session.timeout_minutes", DefaultSessionTimeoutMinutes)
	v.SetDefault("session.max_active", -1)
	v.SetDefault("session.distributable", true)
	v.SetDefault("session.replication_granularity", "SESSION")
	v.SetDefault("session.replication_trigger", "SET_AND_NON_PRIMITIVE_GET")
	v.SetDefault("session.snapshot_mode", "instant")
	v.SetDefault("session.snapshot_interval_ms", DefaultSnapshotIntervalMS)
	v.SetDefault("session.max_unreplicated_factor", DefaultMaxUnreplicatedFactor)
	v.SetDefault("session.codec", "gob")

	// Expiry defaults
	v.SetDefault("expiry.enabled", true)
	v.SetDefault("expiry.sweep_interval_seconds", DefaultSweepIntervalSeconds)

	// Store defaults
	v.SetDefault("store.backend", BackendMemory)
	v.SetDefault("store.operation_timeout_ms", DefaultOperationTimeout)
	v.SetDefault("store.retry.max_attempts", DefaultRetryAttempts)
	v.SetDefault("store.retry.initial_backoff_ms", DefaultInitialBackoff)
	v.SetDefault("store.retry.max_backoff_ms", DefaultMaxBackoff)
	v.SetDefault("store.auto_swap", true)
	v.SetDefault("store.valkey.nodes", []string{"localhost:6379"})
	v.SetDefault("store.valkey.password", "")
	v.SetDefault("store.valkey.db", 0)
	v.SetDefault("store.valkey.key_prefix", "mirador-session")
	v.SetDefault("store.valkey.channel", "")
	v.SetDefault("store.valkey.tls.enabled", false)
	v.SetDefault("store.valkey.tls.ca_file", "")
	v.SetDefault("store.valkey.tls.server_name", "")
	v.SetDefault("store.valkey.tls.insecure_skip_verify", false)
	v.SetDefault("store.valkey.discovery.enabled", false)
	v.SetDefault("store.valkey.discovery.service", "")
	v.SetDefault("store.valkey.discovery.port", 6379)
	v.SetDefault("store.valkey.discovery.use_srv", false)
	v.SetDefault("store.postgres.dsn", "")
	v.SetDefault("store.postgres.channel", "mirador_session_events")
	v.SetDefault("store.postgres.cleanup_interval_seconds", 60)

	// Server defaults
	v.SetDefault("server.port", DefaultHTTPPort)
	v.SetDefault("server.grpc_port", DefaultGRPCPort)

	// Auth defaults
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.admin_roles", []string{DefaultAdminRole})

	// Tracing defaults
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.otlp_endpoint", "localhost:4317")
}

// overrideWithEnvVars explicitly handles the unprefixed variables that
// container platforms commonly inject
func overrideWithEnvVars(v *viper.Viper) {
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			v.Set("server.port", p)
		}
	}

	if env := os.Getenv("ENVIRONMENT"); env != "" {
		v.Set("environment", env)
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		v.Set("log_level", logLevel)
	}

	if nodeID := os.Getenv("NODE_ID"); nodeID != "" {
		v.Set("node.id", nodeID)
	}

	// Valkey nodes
	if nodes := os.Getenv("VALKEY_NODES"); nodes != "" {
		parts := strings.Split(nodes, ",")
		for i, node := range parts {
			parts[i] = strings.TrimSpace(node)
		}
		v.Set("store.valkey.nodes", parts)
	}

	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		v.Set("tracing.otlp_endpoint", endpoint)
	}
}

func validateConfig(config *Config) error {
	validLogLevels := []string{"debug", "info", "warn", "error", "fatal"}
	if !contains(validLogLevels, config.LogLevel) {
		return fmt.Errorf("invalid log level: %s", config.LogLevel)
	}

	validEnvironments := []string{"development", "staging", "production", "test"}
	if !contains(validEnvironments, config.Environment) {
		return fmt.Errorf("invalid environment: %s", config.Environment)
	}

	if config.Node.ID == "" {
		return fmt.Errorf("node id is required")
	}

	// Session settings
	if config.Session.TimeoutMinutes < 0 {
		return fmt.Errorf("session timeout must not be negative: %d", config.Session.TimeoutMinutes)
	}
	if _, err := session.ParseGranularity(config.Session.ReplicationGranularity); err != nil {
		return err
	}
	if _, err := session.ParseTrigger(config.Session.ReplicationTrigger); err != nil {
		return err
	}
	mode, err := session.ParseSnapshotMode(config.Session.SnapshotMode)
	if err != nil {
		return err
	}
	if mode == session.SnapshotInterval && config.Session.SnapshotIntervalMS <= 0 {
		return fmt.Errorf("snapshot interval must be positive in interval mode")
	}
	if _, err := session.NewCodec(config.Session.Codec); err != nil {
		return err
	}
	if config.Expiry.Enabled && config.Expiry.SweepIntervalSeconds <= 0 {
		return fmt.Errorf("expiry sweep interval must be positive when expiry is enabled")
	}

	// Store settings
	validBackends := []string{BackendMemory, BackendValkey, BackendPostgres}
	if !contains(validBackends, config.Store.Backend) {
		return fmt.Errorf("invalid store backend: %s", config.Store.Backend)
	}
	if config.Store.Retry.MaxAttempts < 1 {
		return fmt.Errorf("store retry attempts must be at least 1")
	}
	switch config.Store.Backend {
	case BackendValkey:
		if err := validateValkey(config.Store.Valkey); err != nil {
			return err
		}
	case BackendPostgres:
		if err := ValidatePostgresDSN(config.Store.Postgres.DSN); err != nil {
			return err
		}
	}

	// Validate port range
	if err := validatePort(config.Server.Port); err != nil {
		return fmt.Errorf("invalid server port: %w", err)
	}
	if err := validatePort(config.Server.GRPCPort); err != nil {
		return fmt.Errorf("invalid gRPC port: %w", err)
	}
	if config.Server.Port == config.Server.GRPCPort {
		return fmt.Errorf("server port and gRPC port must differ")
	}

	if config.Auth.Enabled && config.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required when auth is enabled")
	}
	if config.Auth.Enabled && len(config.Auth.AdminRoles) == 0 {
		return fmt.Errorf("auth.admin_roles must name at least one role when auth is enabled")
	}

	if config.Tracing.Enabled {
		if err := ValidateGRPCEndpoint(config.Tracing.OTLPEndpoint); err != nil {
			return fmt.Errorf("invalid OTLP endpoint: %w", err)
		}
	}

	return nil
}

func validateValkey(cfg ValkeyConfig) error {
	if cfg.Discovery.Enabled {
		if cfg.Discovery.Service == "" {
			return fmt.Errorf("valkey discovery requires a service name")
		}
		if !cfg.Discovery.UseSRV {
			if err := validatePort(cfg.Discovery.Port); err != nil {
				return fmt.Errorf("invalid Valkey discovery port: %w", err)
			}
		}
	} else {
		if len(cfg.Nodes) == 0 {
			return fmt.Errorf("at least one Valkey node is required")
		}
		for _, node := range cfg.Nodes {
			if err := ValidateRedisNode(node); err != nil {
				return fmt.Errorf("invalid Valkey node %s: %w", node, err)
			}
		}
	}
	if cfg.TLS.CAFile != "" && !cfg.TLS.Enabled {
		return fmt.Errorf("valkey tls.ca_file is set but tls is disabled")
	}
	return nil
}
