// Package config handles configuration loading and validation for the
// gridbot process. Grounded on the teacher's internal/config/config.go:
// YAML with environment-variable expansion, same validation-error shape.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the complete process configuration.
type Config struct {
	App       AppConfig       `yaml:"app"`
	Exchange  ExchangeConfig  `yaml:"exchange"`
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	Cache     CacheConfig     `yaml:"cache"`
	Timing    TimingConfig    `yaml:"timing"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Alert     AlertConfig     `yaml:"alert"`
}

// AppConfig contains process-level settings.
type AppConfig struct {
	LogLevel    string `yaml:"log_level" validate:"required,oneof=DEBUG INFO WARN ERROR FATAL"`
	EngineType  string `yaml:"engine_type" validate:"required,oneof=simple dbos"`
	DatabaseURL string `yaml:"database_url"` // required when engine_type=dbos
}

// ExchangeConfig holds exchange credentials and endpoint overrides.
type ExchangeConfig struct {
	APIKey    Secret `yaml:"api_key" validate:"required"`
	SecretKey Secret `yaml:"secret_key" validate:"required"`
	BaseURL   string `yaml:"base_url"`
}

// ServerConfig configures the admin HTTP/WS surface (C12).
type ServerConfig struct {
	Port           string   `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// StoreConfig configures the persistence layer (C3).
type StoreConfig struct {
	DataDir       string `yaml:"data_dir" validate:"required"`
	SQLiteIndex   string `yaml:"sqlite_index"` // empty disables the index
}

// CacheConfig configures the price/balance cache (C4).
type CacheConfig struct {
	RedisURL      string `yaml:"redis_url"` // empty disables the mirror
	DefaultTTLSec int    `yaml:"default_ttl_seconds" validate:"min=1,max=3600"`
}

// TimingConfig contains the interval knobs spec.md names explicitly.
type TimingConfig struct {
	ReconcileIntervalSeconds  int `yaml:"reconcile_interval_seconds" validate:"min=1,max=3600"`
	TimeSyncIntervalSeconds   int `yaml:"time_sync_interval_seconds" validate:"min=1,max=3600"`
	ListenKeyKeepaliveSeconds int `yaml:"listen_key_keepalive_seconds" validate:"min=1,max=3600"`
}

// TelemetryConfig configures metrics export.
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
}

// AlertConfig configures the optional bot_error notification channels
// (internal/alert). Every field is optional; an unset channel is simply
// not added to the dispatcher, so the default is logging-only.
type AlertConfig struct {
	SlackWebhookURL  Secret `yaml:"slack_webhook_url"`
	TelegramBotToken Secret `yaml:"telegram_bot_token"`
	TelegramChatID   string `yaml:"telegram_chat_id"`
}

// ValidationError is returned by Validate for a single malformed field.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig reads filename, expands ${VAR}/$VAR references against the
// process environment, and validates the result.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks every section and returns all failures joined together.
func (c *Config) Validate() error {
	var errs []string

	if err := c.validateApp(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateExchange(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateStore(); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errs, "\n"))
	}
	return nil
}

func (c *Config) validateApp() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.App.LogLevel)) {
		return ValidationError{Field: "app.log_level", Value: c.App.LogLevel, Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", "))}
	}
	if c.App.EngineType != "simple" && c.App.EngineType != "dbos" {
		return ValidationError{Field: "app.engine_type", Value: c.App.EngineType, Message: "must be 'simple' or 'dbos'"}
	}
	if c.App.EngineType == "dbos" && c.App.DatabaseURL == "" {
		return ValidationError{Field: "app.database_url", Message: "required when engine_type is 'dbos'"}
	}
	return nil
}

func (c *Config) validateExchange() error {
	if c.Exchange.APIKey == "" {
		return ValidationError{Field: "exchange.api_key", Message: "API key is required"}
	}
	if c.Exchange.SecretKey == "" {
		return ValidationError{Field: "exchange.secret_key", Message: "secret key is required"}
	}
	return nil
}

func (c *Config) validateStore() error {
	if c.Store.DataDir == "" {
		return ValidationError{Field: "store.data_dir", Message: "data directory is required"}
	}
	return nil
}

// String renders the configuration with credentials redacted.
func (c *Config) String() string {
	cp := *c
	data, _ := yaml.Marshal(cp)
	return string(data)
}

func expandEnvVars(s string) string {
	return os.Expand(s, os.Getenv)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// DefaultConfig returns sensible defaults for local development and tests.
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			LogLevel:   "INFO",
			EngineType: "simple",
		},
		Exchange: ExchangeConfig{
			APIKey:    "test_api_key",
			SecretKey: "test_secret_key",
			BaseURL:   "https://api.binance.com",
		},
		Server: ServerConfig{
			Port: ":8123",
		},
		Store: StoreConfig{
			DataDir: "./data/bots",
		},
		Cache: CacheConfig{
			DefaultTTLSec: 5,
		},
		Timing: TimingConfig{
			ReconcileIntervalSeconds:  300,
			TimeSyncIntervalSeconds:   60,
			ListenKeyKeepaliveSeconds: 1800,
		},
		Telemetry: TelemetryConfig{
			MetricsPort:   9090,
			EnableMetrics: true,
		},
	}
}
