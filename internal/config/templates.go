package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"
)

// GenerateConfigTemplate generates a configuration template based on environment
func GenerateConfigTemplate(environment string) string {
	template := `# MIRADOR-SESSION Configuration
# Environment: %s
# Generated: %s

environment: %s
log_level: %s

node:
  # id defaults to a generated xid
  # id: node-1
  jvm_route: ""

session:
  timeout_minutes: 30
  max_active: -1
  distributable: true
  replication_granularity: %s
  replication_trigger: SET_AND_NON_PRIMITIVE_GET
  snapshot_mode: %s
  snapshot_interval_ms: 1000
  max_unreplicated_factor: 80
  codec: gob

expiry:
  enabled: true
  sweep_interval_seconds: 10

# Replication store
store:
  backend: %s
  operation_timeout_ms: 2000
  retry:
    max_attempts: 3
    initial_backoff_ms: 50
    max_backoff_ms: 1000
  auto_swap: %t
  valkey:
    nodes:
      - "valkey:6379"
    key_prefix: mirador-session
    tls:
      enabled: false
      # ca_file: /etc/mirador-session/valkey-ca.pem
    discovery:
      enabled: false
      # service: valkey-headless.data.svc.cluster.local
      port: 6379
  postgres:
    dsn: ""
    channel: mirador_session_events
    cleanup_interval_seconds: 60

server:
  port: 8090
  grpc_port: 8091

auth:
  enabled: %t
  # jwt_secret is read from JWT_SECRET or JWT_SECRET_FILE
  admin_roles:
    - session-admin

tracing:
  enabled: %t
  otlp_endpoint: "otel-collector:4317"
`

	var logLevel, granularity, mode, backend string
	var autoSwap, authEnabled, tracingEnabled bool

	switch environment {
	case "production":
		logLevel = ProductionLogLevel
		granularity, mode, backend = "ATTRIBUTE", "instant", BackendValkey
		autoSwap, authEnabled, tracingEnabled = true, true, true
	case "staging":
		logLevel = StagingLogLevel
		granularity, mode, backend = "ATTRIBUTE", "instant", BackendValkey
		autoSwap, authEnabled, tracingEnabled = true, true, false
	case "development":
		logLevel = DevelopmentLogLevel
		granularity, mode, backend = "SESSION", "instant", BackendMemory
	default:
		logLevel = "info"
		granularity, mode, backend = "SESSION", "instant", BackendMemory
	}

	return fmt.Sprintf(template,
		environment,
		time.Now().Format(time.RFC3339),
		environment,
		logLevel,
		granularity,
		mode,
		backend,
		autoSwap,
		authEnabled,
		tracingEnabled,
	)
}

// SaveConfigTemplate saves a configuration template to file
func SaveConfigTemplate(environment, filepath string) error {
	template := GenerateConfigTemplate(environment)
	return os.WriteFile(filepath, []byte(template), 0644)
}

type ConfigProfile struct {
	Name        string                 `yaml:"name"`
	Description string                 `yaml:"description"`
	Settings    map[string]interface{} `yaml:"settings"`
	Tags        []string               `yaml:"tags"`
}

var profiles = map[string]*ConfigProfile{
	"strict": {
		Name:        "strict",
		Description: "Every mutation and read of a mutable value is pushed immediately",
		Settings: map[string]interface{}{
			"session.replication_granularity": "SESSION",
			"session.replication_trigger":     "SET_AND_GET",
			"session.snapshot_mode":           "instant",
			"session.max_unreplicated_factor": 50,
		},
		Tags: []string{"consistency"},
	},
	"high-throughput": {
		Name:        "high-throughput",
		Description: "Fine grained pushes coalesced on an interval",
		Settings: map[string]interface{}{
			"session.replication_granularity": "FIELD",
			"session.replication_trigger":     "SET",
			"session.snapshot_mode":           "interval",
			"session.snapshot_interval_ms":    500,
		},
		Tags: []string{"performance", "high-load"},
	},
	"local": {
		Name:        "local",
		Description: "Single node without replication",
		Settings: map[string]interface{}{
			"session.distributable": false,
			"store.backend":         BackendMemory,
			"store.auto_swap":       false,
		},
		Tags: []string{"minimal", "small-scale"},
	},
}

// GetProfile returns a predefined configuration profile
func GetProfile(profileName string) (*ConfigProfile, error) {
	profile, exists := profiles[profileName]
	if !exists {
		return nil, fmt.Errorf("profile '%s' not found", profileName)
	}
	return profile, nil
}

// ProfileNames lists the predefined profiles
func ProfileNames() []string {
	names := make([]string, 0, len(profiles))
	for name := range profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ApplyProfile applies a configuration profile to the current config
func (c *Config) ApplyProfile(profileName string) error {
	profile, err := GetProfile(profileName)
	if err != nil {
		return err
	}

	for key, value := range profile.Settings {
		if err := applyConfigSetting(c, key, value); err != nil {
			return fmt.Errorf("failed to apply setting %s: %w", key, err)
		}
	}

	return validateConfig(c)
}

// applyConfigSetting applies a single configuration setting
func applyConfigSetting(config *Config, key string, value interface{}) error {
	parts := strings.Split(key, ".")
	if len(parts) != 2 {
		return fmt.Errorf("unsupported key")
	}

	switch parts[0] {
	case "session":
		switch parts[1] {
		case "replication_granularity":
			return setString(&config.Session.ReplicationGranularity, value)
		case "replication_trigger":
			return setString(&config.Session.ReplicationTrigger, value)
		case "snapshot_mode":
			return setString(&config.Session.SnapshotMode, value)
		case "snapshot_interval_ms":
			return setInt(&config.Session.SnapshotIntervalMS, value)
		case "max_unreplicated_factor":
			return setInt(&config.Session.MaxUnreplicatedFactor, value)
		case "distributable":
			return setBool(&config.Session.Distributable, value)
		}
	case "store":
		switch parts[1] {
		case "backend":
			return setString(&config.Store.Backend, value)
		case "auto_swap":
			return setBool(&config.Store.AutoSwap, value)
		}
	}

	return fmt.Errorf("unsupported key")
}

func setString(dst *string, value interface{}) error {
	s, ok := value.(string)
	if !ok {
		return fmt.Errorf("expected string, got %T", value)
	}
	*dst = s
	return nil
}

func setInt(dst *int, value interface{}) error {
	n, ok := value.(int)
	if !ok {
		return fmt.Errorf("expected int, got %T", value)
	}
	*dst = n
	return nil
}

func setBool(dst *bool, value interface{}) error {
	b, ok := value.(bool)
	if !ok {
		return fmt.Errorf("expected bool, got %T", value)
	}
	*dst = b
	return nil
}
