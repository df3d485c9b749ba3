package config

import (
	"fmt"
	"os"
	"strings"
)

// LoadSecrets loads sensitive configuration from environment or files
func LoadSecrets(config *Config) error {
	// Valkey password
	password, err := secretFromEnv("VALKEY_PASSWORD")
	if err != nil {
		return fmt.Errorf("failed to read Valkey password file: %w", err)
	}
	if password != "" {
		config.Store.Valkey.Password = password
	}

	// PostgreSQL connection string, which usually embeds credentials
	dsn, err := secretFromEnv("POSTGRES_DSN")
	if err != nil {
		return fmt.Errorf("failed to read postgres DSN file: %w", err)
	}
	if dsn != "" {
		config.Store.Postgres.DSN = dsn
	}

	// Management API signing key
	secret, err := secretFromEnv("JWT_SECRET")
	if err != nil {
		return fmt.Errorf("failed to read JWT secret file: %w", err)
	}
	if secret != "" {
		config.Auth.JWTSecret = secret
	}
	if config.IsProduction() && config.Auth.Enabled && config.Auth.JWTSecret == "" {
		return fmt.Errorf("JWT secret is required for production")
	}

	return nil
}

// secretFromEnv returns $NAME, or the trimmed content of the file named by
// $NAME_FILE
func secretFromEnv(name string) (string, error) {
	if value := os.Getenv(name); value != "" {
		return value, nil
	}
	path := os.Getenv(name + "_FILE")
	if path == "" {
		return "", nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(raw)), nil
}

// Redacted returns a copy safe for printing
func (c *Config) Redacted() *Config {
	safeCopy := *c
	safeCopy.Store.Valkey.Nodes = append([]string(nil), c.Store.Valkey.Nodes...)
	if safeCopy.Store.Valkey.Password != "" {
		safeCopy.Store.Valkey.Password = "[REDACTED]"
	}
	if safeCopy.Store.Postgres.DSN != "" {
		safeCopy.Store.Postgres.DSN = "[REDACTED]"
	}
	if safeCopy.Auth.JWTSecret != "" {
		safeCopy.Auth.JWTSecret = "[REDACTED]"
	}
	return &safeCopy
}
