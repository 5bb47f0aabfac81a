package config

import (
	"os"
	"strconv"
)

// LoadFromEnv overrides configuration from environment variables. Only
// the settings an operator typically injects at deploy time are
// covered; everything else lives in the file.
func LoadFromEnv(cfg *Config) {
	if addr := os.Getenv("PAYMENTS_LISTEN_ADDR"); addr != "" {
		cfg.Server.ListenAddr = addr
	}
	if token := os.Getenv("PAYMENTS_AUTH_TOKEN"); token != "" {
		cfg.Server.AuthToken = token
	}
	if level := os.Getenv("PAYMENTS_LOG_LEVEL"); level != "" {
		cfg.Server.LogLevel = level
	}

	if driver := os.Getenv("PAYMENTS_DB_DRIVER"); driver != "" {
		cfg.Database.Driver = driver
	}
	if host := os.Getenv("PAYMENTS_DB_HOST"); host != "" {
		cfg.Database.Host = host
	}
	if port := os.Getenv("PAYMENTS_DB_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Database.Port = p
		}
	}
	if name := os.Getenv("PAYMENTS_DB_NAME"); name != "" {
		cfg.Database.Name = name
	}
	if user := os.Getenv("PAYMENTS_DB_USER"); user != "" {
		cfg.Database.User = user
	}
	if password := os.Getenv("PAYMENTS_DB_PASSWORD"); password != "" {
		cfg.Database.Password = password
	}

	if key := os.Getenv("PAYMENTS_STRIPE_SECRET"); key != "" {
		cfg.Stripe.SecretKey = key
	}

	if maxUsers := os.Getenv("PAYMENTS_MAX_USERS"); maxUsers != "" {
		if n, err := strconv.ParseInt(maxUsers, 10, 64); err == nil {
			cfg.Billing.MaxUsers = n
		}
	}
	if at := os.Getenv("PAYMENTS_SETTLE_AT"); at != "" {
		cfg.Settlement.At = at
	}
}

// GetEnvOrDefault returns the environment variable or a fallback.
func GetEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
