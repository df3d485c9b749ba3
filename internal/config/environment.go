package config

// LoadEnvironmentConfig loads configuration and applies the profile of env.
// An empty env uses the environment named in the loaded configuration.
func LoadEnvironmentConfig(configPath, env string) (*Config, error) {
	base, err := Load(configPath)
	if err != nil {
		return nil, err
	}
	if env == "" {
		env = base.Environment
	}
	return ApplyEnvironment(base, env), nil
}

// ApplyEnvironment adjusts config for the named environment profile
func ApplyEnvironment(config *Config, env string) *Config {
	switch env {
	case "production":
		return applyProductionConfig(config)
	case "staging":
		return applyStagingConfig(config)
	case "development":
		return applyDevelopmentConfig(config)
	case "test":
		return applyTestConfig(config)
	default:
		return config
	}
}

func applyProductionConfig(config *Config) *Config {
	config.Environment = "production"
	config.LogLevel = ProductionLogLevel

	// Never run production on the in-process store silently
	config.Store.AutoSwap = config.Store.Backend != BackendMemory && config.Store.AutoSwap

	// Security hardening
	if config.Auth.JWTSecret != "" {
		config.Auth.Enabled = true
	}

	return config
}

func applyStagingConfig(config *Config) *Config {
	config.Environment = "staging"
	config.LogLevel = StagingLogLevel
	return config
}

func applyDevelopmentConfig(config *Config) *Config {
	config.Environment = "development"
	config.LogLevel = DevelopmentLogLevel
	config.Tracing.Enabled = false
	return config
}

func applyTestConfig(config *Config) *Config {
	config.Environment = "test"
	config.LogLevel = TestLogLevel

	// Tests run against the in-process store with a fast sweeper
	config.Store.Backend = BackendMemory
	config.Store.AutoSwap = false
	config.Expiry.SweepIntervalSeconds = 1
	config.Tracing.Enabled = false
	config.Auth.Enabled = false

	return config
}
