// Package config loads the server configuration from a YAML file with
// environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/Peergos/payments/internal/pricing"
	"github.com/Peergos/payments/internal/scheduler"
	"github.com/Peergos/payments/internal/units"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Stripe     StripeConfig     `yaml:"stripe"`
	Billing    BillingConfig    `yaml:"billing"`
	Settlement SettlementConfig `yaml:"settlement"`
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	AuthToken  string `yaml:"auth_token"`
	LogLevel   string `yaml:"log_level"`
}

type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // "memory" or "postgres"
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"sslmode"`
}

type StripeConfig struct {
	// SecretKey enables the live Stripe gateway; empty selects the
	// in-memory mock processor.
	SecretKey string `yaml:"secret_key"`
}

type BillingConfig struct {
	MinPaymentCents  int64  `yaml:"min_payment_cents"`
	DefaultFreeQuota string `yaml:"default_free_quota"`
	MinQuota         string `yaml:"min_quota"`
	MaxUsers         int64  `yaml:"max_users"`
	AllowedQuotas    string `yaml:"allowed_quotas"`
	QuotaPrices      string `yaml:"quota_prices"`
	BytesPerCent     int64  `yaml:"bytes_per_cent"`
	Currency         string `yaml:"currency"`
	PortalURL        string `yaml:"portal_url"`
}

type SettlementConfig struct {
	At            string   `yaml:"at"`
	RetryAttempts int      `yaml:"retry_attempts"`
	RetryBackoff  Duration `yaml:"retry_backoff"`
}

// Duration accepts either a duration string ("2s") or plain integer
// nanoseconds in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("invalid duration %v", value.Value)
	}
	*d = Duration(n)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Server: ServerConfig{
			ListenAddr: ":8700",
			LogLevel:   "info",
		},
		Database: DatabaseConfig{
			Driver:  "memory",
			Port:    5432,
			SSLMode: "disable",
		},
		Billing: BillingConfig{
			MinPaymentCents:  500,
			DefaultFreeQuota: "100m",
			MinQuota:         "0",
			MaxUsers:         10000,
			AllowedQuotas:    "0,1m,50g",
			BytesPerCent:     units.Gigabyte.Div(50).Int64(),
			Currency:         "gbp",
		},
		Settlement: SettlementConfig{
			At:            "02:00",
			RetryAttempts: 3,
			RetryBackoff:  Duration(2 * time.Second),
		},
	}
}

// Load reads the YAML file at path over the defaults, then applies
// environment overrides and validates.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config: %w", err)
		}
	}
	LoadFromEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Database.Driver {
	case "memory":
	case "postgres":
		if c.Database.Host == "" || c.Database.Name == "" || c.Database.User == "" {
			return fmt.Errorf("postgres driver needs host, name and user")
		}
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}

	if c.Billing.MinPaymentCents < 0 {
		return fmt.Errorf("min_payment_cents must not be negative")
	}
	if _, err := c.Billing.AllowedQuotaLevels(); err != nil {
		return err
	}
	if _, err := c.Billing.BuildPricer(); err != nil {
		return err
	}
	if _, err := ParseQuota(c.Billing.DefaultFreeQuota); err != nil {
		return fmt.Errorf("default_free_quota: %w", err)
	}
	if _, err := ParseQuota(c.Billing.MinQuota); err != nil {
		return fmt.Errorf("min_quota: %w", err)
	}

	if _, _, err := scheduler.ParseTimeOfDay(c.Settlement.At); err != nil {
		return fmt.Errorf("settlement time: %w", err)
	}
	return nil
}

// AllowedQuotaLevels parses the configured purchasable quota levels.
func (c BillingConfig) AllowedQuotaLevels() ([]units.ByteCount, error) {
	levels, err := ParseQuotaList(c.AllowedQuotas)
	if err != nil {
		return nil, fmt.Errorf("allowed_quotas: %w", err)
	}
	return levels, nil
}

// BuildPricer builds the pricer the billing parameters describe: a
// fixed table when quota_prices is set (one price per allowed level),
// otherwise a linear per-byte price.
func (c BillingConfig) BuildPricer() (pricing.Pricer, error) {
	if c.QuotaPrices == "" {
		if c.BytesPerCent <= 0 {
			return nil, fmt.Errorf("bytes_per_cent must be positive")
		}
		return pricing.NewLinearPricer(units.ByteCount(c.BytesPerCent)), nil
	}

	levels, err := c.AllowedQuotaLevels()
	if err != nil {
		return nil, err
	}
	prices, err := ParseCentsList(c.QuotaPrices)
	if err != nil {
		return nil, fmt.Errorf("quota_prices: %w", err)
	}
	if len(prices) != len(levels) {
		return nil, fmt.Errorf("quota_prices lists %d prices for %d allowed quotas", len(prices), len(levels))
	}
	table := make(map[units.ByteCount]units.CentAmount, len(levels))
	for i, level := range levels {
		table[level] = prices[i]
	}
	return pricing.NewFixedPricer(table), nil
}
