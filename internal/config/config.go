package config

type Config struct {
	Environment string `mapstructure:"environment" yaml:"environment" json:"environment"`
	LogLevel    string `mapstructure:"log_level" yaml:"log_level" json:"log_level"`

	Node    NodeConfig    `mapstructure:"node" yaml:"node" json:"node"`
	Session SessionConfig `mapstructure:"session" yaml:"session" json:"session"`
	Expiry  ExpiryConfig  `mapstructure:"expiry" yaml:"expiry" json:"expiry"`
	Store   StoreConfig   `mapstructure:"store" yaml:"store" json:"store"`
	Server  ServerConfig  `mapstructure:"server" yaml:"server" json:"server"`
	Auth    AuthConfig    `mapstructure:"auth" yaml:"auth" json:"auth"`
	Tracing TracingConfig `mapstructure:"tracing" yaml:"tracing" json:"tracing"`
}

// NodeConfig identifies this cluster member
type NodeConfig struct {
	ID string `mapstructure:"id" yaml:"id" json:"id"`
	// JvmRoute is appended to session ids so load balancers can route sticky
	// requests back to this node. Empty disables the suffix.
	JvmRoute string `mapstructure:"jvm_route" yaml:"jvm_route" json:"jvm_route"`
}

// SessionConfig handles the replication behaviour of the session manager
type SessionConfig struct {
	// TimeoutMinutes is the idle timeout of new sessions; 0 means never.
	TimeoutMinutes         int    `mapstructure:"timeout_minutes" yaml:"timeout_minutes" json:"timeout_minutes"`
	MaxActive              int    `mapstructure:"max_active" yaml:"max_active" json:"max_active"`
	Distributable          bool   `mapstructure:"distributable" yaml:"distributable" json:"distributable"`
	ReplicationGranularity string `mapstructure:"replication_granularity" yaml:"replication_granularity" json:"replication_granularity"`
	ReplicationTrigger     string `mapstructure:"replication_trigger" yaml:"replication_trigger" json:"replication_trigger"`
	SnapshotMode           string `mapstructure:"snapshot_mode" yaml:"snapshot_mode" json:"snapshot_mode"`
	SnapshotIntervalMS     int    `mapstructure:"snapshot_interval_ms" yaml:"snapshot_interval_ms" json:"snapshot_interval_ms"`
	MaxUnreplicatedFactor  int    `mapstructure:"max_unreplicated_factor" yaml:"max_unreplicated_factor" json:"max_unreplicated_factor"`
	Codec                  string `mapstructure:"codec" yaml:"codec" json:"codec"`
}

type ExpiryConfig struct {
	Enabled              bool `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	SweepIntervalSeconds int  `mapstructure:"sweep_interval_seconds" yaml:"sweep_interval_seconds" json:"sweep_interval_seconds"`
}

// StoreConfig selects and tunes the replication store backend
type StoreConfig struct {
	Backend            string         `mapstructure:"backend" yaml:"backend" json:"backend"` // memory | valkey | postgres
	OperationTimeoutMS int            `mapstructure:"operation_timeout_ms" yaml:"operation_timeout_ms" json:"operation_timeout_ms"`
	Retry              RetryConfig    `mapstructure:"retry" yaml:"retry" json:"retry"`
	AutoSwap           bool           `mapstructure:"auto_swap" yaml:"auto_swap" json:"auto_swap"`
	Valkey             ValkeyConfig   `mapstructure:"valkey" yaml:"valkey" json:"valkey"`
	Postgres           PostgresConfig `mapstructure:"postgres" yaml:"postgres" json:"postgres"`
}

type RetryConfig struct {
	MaxAttempts      int `mapstructure:"max_attempts" yaml:"max_attempts" json:"max_attempts"`
	InitialBackoffMS int `mapstructure:"initial_backoff_ms" yaml:"initial_backoff_ms" json:"initial_backoff_ms"`
	MaxBackoffMS     int `mapstructure:"max_backoff_ms" yaml:"max_backoff_ms" json:"max_backoff_ms"`
}

// ValkeyConfig handles Valkey/Redis connectivity. One node means a single
// instance, several nodes a cluster.
type ValkeyConfig struct {
	Nodes     []string `mapstructure:"nodes" yaml:"nodes" json:"nodes"`
	Password  string   `mapstructure:"password" yaml:"password" json:"password"`
	DB        int      `mapstructure:"db" yaml:"db" json:"db"`
	KeyPrefix string   `mapstructure:"key_prefix" yaml:"key_prefix" json:"key_prefix"`
	Channel   string   `mapstructure:"channel" yaml:"channel" json:"channel"`

	TLS       ValkeyTLSConfig       `mapstructure:"tls" yaml:"tls" json:"tls"`
	Discovery ValkeyDiscoveryConfig `mapstructure:"discovery" yaml:"discovery" json:"discovery"`
}

type ValkeyTLSConfig struct {
	Enabled            bool   `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	CAFile             string `mapstructure:"ca_file" yaml:"ca_file" json:"ca_file"`
	ServerName         string `mapstructure:"server_name" yaml:"server_name" json:"server_name"`
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify" yaml:"insecure_skip_verify" json:"insecure_skip_verify"`
}

// ValkeyDiscoveryConfig resolves the node list from DNS instead of the
// static nodes list, e.g. a headless service in front of a Valkey cluster.
type ValkeyDiscoveryConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Service string `mapstructure:"service" yaml:"service" json:"service"`
	Port    int    `mapstructure:"port" yaml:"port" json:"port"`
	UseSRV  bool   `mapstructure:"use_srv" yaml:"use_srv" json:"use_srv"`
}

type PostgresConfig struct {
	DSN                    string `mapstructure:"dsn" yaml:"dsn" json:"dsn"`
	Channel                string `mapstructure:"channel" yaml:"channel" json:"channel"`
	CleanupIntervalSeconds int    `mapstructure:"cleanup_interval_seconds" yaml:"cleanup_interval_seconds" json:"cleanup_interval_seconds"`
}

type ServerConfig struct {
	Port     int `mapstructure:"port" yaml:"port" json:"port"`
	GRPCPort int `mapstructure:"grpc_port" yaml:"grpc_port" json:"grpc_port"`
}

// AuthConfig protects the management API with HS256 bearer tokens
type AuthConfig struct {
	Enabled   bool   `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	JWTSecret string `mapstructure:"jwt_secret" yaml:"jwt_secret" json:"jwt_secret"`
	// AdminRoles may expire sessions, reset statistics and change the policy
	AdminRoles []string `mapstructure:"admin_roles" yaml:"admin_roles" json:"admin_roles"`
}

type TracingConfig struct {
	Enabled      bool   `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint" yaml:"otlp_endpoint" json:"otlp_endpoint"`
}
