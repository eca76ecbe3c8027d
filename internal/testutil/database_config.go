package testutil

import (
	"fmt"
	"os"
)

// DatabaseConfig holds configuration for connecting to an external test
// database.
type DatabaseConfig struct {
	URL string
}

// GetDatabaseConfig reads database configuration from environment variables.
// If DATABASE_URL is set, it is used directly. If DATABASE_HOST is set, a URL
// is built from the DATABASE_* variables. Otherwise the config is empty, which
// signals to use testcontainers.
func GetDatabaseConfig() DatabaseConfig {
	if url := os.Getenv("DATABASE_URL"); url != "" {
		return DatabaseConfig{URL: url}
	}

	host := os.Getenv("DATABASE_HOST")
	if host == "" {
		return DatabaseConfig{}
	}

	return DatabaseConfig{
		URL: buildDatabaseURL(
			getEnv("DATABASE_USER", "postgres"),
			getEnv("DATABASE_PASSWORD", ""),
			host,
			getEnv("DATABASE_PORT", "5432"),
			getEnv("DATABASE_NAME", "postgres"),
			getEnv("DATABASE_SSLMODE", "disable"),
		),
	}
}

// buildDatabaseURL constructs a PostgreSQL connection string.
func buildDatabaseURL(user, password, host, port, dbname, sslmode string) string {
	if password != "" {
		return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
			user, password, host, port, dbname, sslmode)
	}
	return fmt.Sprintf("postgres://%s@%s:%s/%s?sslmode=%s",
		user, host, port, dbname, sslmode)
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}
