package config

import "github.com/rs/xid"

// GetDefaultConfig returns a configuration with all default values
func GetDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		LogLevel:    "info",

		Node: NodeConfig{
			ID: xid.New().String(),
		},

		Session: SessionConfig{
			TimeoutMinutes:         DefaultSessionTimeoutMinutes,
			MaxActive:              -1,
			Distributable:          true,
			ReplicationGranularity: "SESSION",
			ReplicationTrigger:     "SET_AND_NON_PRIMITIVE_GET",
			SnapshotMode:           "instant",
			SnapshotIntervalMS:     DefaultSnapshotIntervalMS,
			MaxUnreplicatedFactor:  DefaultMaxUnreplicatedFactor,
			Codec:                  "gob",
		},

		Expiry: ExpiryConfig{
			Enabled:              true,
			SweepIntervalSeconds: DefaultSweepIntervalSeconds,
		},

		Store: StoreConfig{
			Backend:            BackendMemory,
			OperationTimeoutMS: DefaultOperationTimeout,
			Retry: RetryConfig{
				MaxAttempts:      DefaultRetryAttempts,
				InitialBackoffMS: DefaultInitialBackoff,
				MaxBackoffMS:     DefaultMaxBackoff,
			},
			AutoSwap: true,
			Valkey: ValkeyConfig{
				Nodes:     []string{"localhost:6379"},
				KeyPrefix: "mirador-session",
				Discovery: ValkeyDiscoveryConfig{Port: 6379},
			},
			Postgres: PostgresConfig{
				Channel:                "mirador_session_events",
				CleanupIntervalSeconds: 60,
			},
		},

		Server: ServerConfig{
			Port:     DefaultHTTPPort,
			GRPCPort: DefaultGRPCPort,
		},

		Auth: AuthConfig{
			Enabled:    false,
			AdminRoles: []string{DefaultAdminRole},
		},

		Tracing: TracingConfig{
			Enabled:      false,
			OTLPEndpoint: "localhost:4317",
		},
	}
}
