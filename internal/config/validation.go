package config

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// ValidateGRPCEndpoint validates gRPC endpoint format
func ValidateGRPCEndpoint(endpoint string) error {
	if endpoint == "" {
		return fmt.Errorf("gRPC endpoint cannot be empty")
	}

	// Check if it contains a port
	host, port, err := net.SplitHostPort(endpoint)
	if err != nil {
		return fmt.Errorf("gRPC endpoint must include port: %w", err)
	}

	if host == "" {
		return fmt.Errorf("gRPC endpoint must include host")
	}

	portNum, err := strconv.Atoi(port)
	if err != nil {
		return fmt.Errorf("invalid port number: %w", err)
	}

	return validatePort(portNum)
}

// ValidateRedisNode validates Valkey/Redis node format
func ValidateRedisNode(node string) error {
	if node == "" {
		return fmt.Errorf("Redis node cannot be empty")
	}

	// Check format: host:port
	host, port, err := net.SplitHostPort(node)
	if err != nil {
		return fmt.Errorf("Redis node must be in format host:port: %w", err)
	}

	if host == "" {
		return fmt.Errorf("Redis node must include host")
	}

	if _, err := strconv.Atoi(port); err != nil {
		return fmt.Errorf("invalid Redis port: %w", err)
	}

	return nil
}

// ValidatePostgresDSN accepts both URL (postgres://...) and keyword/value
// (host=... dbname=...) connection strings
func ValidatePostgresDSN(dsn string) error {
	if dsn == "" {
		return fmt.Errorf("postgres DSN is required for the postgres backend")
	}

	if strings.Contains(dsn, "://") {
		parsed, err := url.Parse(dsn)
		if err != nil {
			return fmt.Errorf("invalid postgres DSN: %w", err)
		}
		if parsed.Scheme != "postgres" && parsed.Scheme != "postgresql" {
			return fmt.Errorf("postgres DSN must use postgres or postgresql scheme")
		}
		if parsed.Host == "" {
			return fmt.Errorf("postgres DSN must include host")
		}
		return nil
	}

	if !strings.Contains(dsn, "=") {
		return fmt.Errorf("postgres DSN must be a URL or key=value pairs")
	}
	return nil
}

func validatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("port number must be between 1 and 65535, got %d", port)
	}
	return nil
}
