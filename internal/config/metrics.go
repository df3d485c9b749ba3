package config

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ConfigReloads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mirador_session_config_reloads_total",
			Help: "Total number of configuration reloads",
		},
		[]string{"status"}, // success, error
	)

	ConfigValidationErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mirador_session_config_validation_errors_total",
			Help: "Total number of configuration validation errors",
		},
	)

	// ConfigInfo is 1 for the replication settings currently loaded.
	ConfigInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mirador_session_config_info",
			Help: "Replication settings of the loaded configuration",
		},
		[]string{"environment", "backend", "granularity", "trigger", "snapshot_mode"},
	)
)

// RecordLoaded publishes cfg's replication settings, replacing the previous set.
func RecordLoaded(cfg *Config) {
	ConfigInfo.Reset()
	ConfigInfo.WithLabelValues(
		cfg.Environment,
		cfg.Store.Backend,
		cfg.Session.ReplicationGranularity,
		cfg.Session.ReplicationTrigger,
		cfg.Session.SnapshotMode,
	).Set(1)
}
