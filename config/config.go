/*
Package config loads service configuration.

SOURCES (later wins):
  1. Built-in defaults (Defaults)
  2. Optional YAML file (--config)
  3. .env file in the working directory, if present
  4. WELFARE_* environment variables, e.g. WELFARE_BALANCE_MODEL=product
     for balance.model

Nested keys map to env vars by upper-casing and replacing dots with
underscores.
*/
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const EnvPrefix = "WELFARE"

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Log        LogConfig        `mapstructure:"log"`
	Balance    BalanceConfig    `mapstructure:"balance"`
	Receipt    ReceiptConfig    `mapstructure:"receipt"`
	Validation ValidationConfig `mapstructure:"validation"`
	Jobs       JobsConfig       `mapstructure:"jobs"`
	Upload     UploadConfig     `mapstructure:"upload"`
}

type ServerConfig struct {
	Addr           string   `mapstructure:"addr"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type BalanceConfig struct {
	// Model is "cash" or "product".
	Model    string `mapstructure:"model"`
	Timezone string `mapstructure:"timezone"`
}

type ReceiptConfig struct {
	// URLPattern is the receipt page address; {receipt} is replaced by the
	// receipt identifier.
	URLPattern  string        `mapstructure:"url_pattern"`
	Timeout     time.Duration `mapstructure:"timeout"`
	BatchSize   int           `mapstructure:"batch_size"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	UserAgent   string        `mapstructure:"user_agent"`
}

type ValidationConfig struct {
	BatchSize         int     `mapstructure:"batch_size"`
	MatchThreshold    float64 `mapstructure:"match_threshold"`
	MissingDataPolicy string  `mapstructure:"missing_data_policy"`
	RegisterUnknown   bool    `mapstructure:"register_unknown"`
}

type JobsConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Scrape   string `mapstructure:"scrape"`
	Validate string `mapstructure:"validate"`
}

type UploadConfig struct {
	Dir     string `mapstructure:"dir"`
	BaseURL string `mapstructure:"base_url"`
}

// Defaults returns the built-in configuration values.
func Defaults() map[string]any {
	return map[string]any{
		"server.addr":                    ":8080",
		"server.allowed_origins":         []string{"*"},
		"database.path":                  "./welfare.db",
		"log.level":                      "info",
		"log.format":                     "text",
		"balance.model":                  "cash",
		"balance.timezone":               "America/Sao_Paulo",
		"receipt.url_pattern":            "",
		"receipt.timeout":                15 * time.Second,
		"receipt.batch_size":             30,
		"receipt.max_attempts":           10,
		"receipt.user_agent":             "welfare-ledger/1.0",
		"validation.batch_size":          100,
		"validation.match_threshold":     0.85,
		"validation.missing_data_policy": "approve",
		"validation.register_unknown":    true,
		"jobs.enabled":                   true,
		"jobs.scrape":                    "*/5 * * * *",
		"jobs.validate":                  "*/10 * * * *",
		"upload.dir":                     "./uploads",
		"upload.base_url":                "/uploads",
	}
}

// Load reads configuration from defaults, the optional file at path, a .env
// file and the environment.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	for key, value := range Defaults() {
		v.SetDefault(key, value)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail late at wiring time.
func (c *Config) Validate() error {
	switch c.Balance.Model {
	case "cash", "product":
	default:
		return fmt.Errorf("balance.model must be cash or product, got %q", c.Balance.Model)
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("balance.timezone: %w", err)
	}
	switch c.Validation.MissingDataPolicy {
	case "approve", "defer":
	default:
		return fmt.Errorf("validation.missing_data_policy must be approve or defer, got %q", c.Validation.MissingDataPolicy)
	}
	if c.Validation.MatchThreshold <= 0 || c.Validation.MatchThreshold > 1 {
		return fmt.Errorf("validation.match_threshold must be in (0, 1], got %v", c.Validation.MatchThreshold)
	}
	if c.Receipt.BatchSize <= 0 || c.Validation.BatchSize <= 0 {
		return errors.New("batch sizes must be positive")
	}
	if c.Receipt.MaxAttempts < 0 {
		return errors.New("receipt.max_attempts must not be negative")
	}
	return nil
}

// Location resolves balance.timezone.
func (c *Config) Location() (*time.Location, error) {
	if c.Balance.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(c.Balance.Timezone)
}
