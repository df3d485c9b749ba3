package config

const (
	// Service information
	ServiceName    = "mirador-session"
	ServiceVersion = "v0.4.0"
	APIVersion     = "v1"

	// Store backends
	BackendMemory   = "memory"
	BackendValkey   = "valkey"
	BackendPostgres = "postgres"

	// Session defaults
	DefaultSessionTimeoutMinutes = 30
	DefaultSnapshotIntervalMS    = 1000
	DefaultMaxUnreplicatedFactor = 80
	DefaultSweepIntervalSeconds  = 10

	// Store defaults (milliseconds)
	DefaultOperationTimeout = 2000
	DefaultRetryAttempts    = 3
	DefaultInitialBackoff   = 50
	DefaultMaxBackoff       = 1000

	// Server defaults
	DefaultHTTPPort        = 8090
	DefaultGRPCPort        = 8091
	DefaultShutdownTimeout = 30000 // milliseconds

	// DefaultAdminRole is granted the mutating management endpoints
	DefaultAdminRole = "session-admin"
)

// Environment-specific log levels
var (
	ProductionLogLevel  = "warn"
	StagingLogLevel     = "info"
	DevelopmentLogLevel = "debug"
	TestLogLevel        = "error"
)
