package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"badgekit/adapters/redis"
	"badgekit/adapters/sqlx"
)

// Environment represents the deployment environment
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvTesting     Environment = "testing"
	EnvStaging     Environment = "staging"
	EnvProduction  Environment = "production"
)

// EnvPrefix is prepended to every environment override, e.g. BADGEKIT_SERVER_ADDRESS.
const EnvPrefix = "BADGEKIT"

// Config holds the complete application configuration
type Config struct {
	// Environment and profile settings
	Environment Environment `json:"environment" mapstructure:"environment"`
	Profile     string      `json:"profile" mapstructure:"profile"`

	Server   ServerConfig   `json:"server" mapstructure:"server"`
	Storage  StorageConfig  `json:"storage" mapstructure:"storage"`
	Catalog  CatalogConfig  `json:"catalog" mapstructure:"catalog"`
	Source   SourceConfig   `json:"source" mapstructure:"source"`
	Engine   EngineConfig   `json:"engine" mapstructure:"engine"`
	Logging  LoggingConfig  `json:"logging" mapstructure:"logging"`
	Metrics  MetricsConfig  `json:"metrics" mapstructure:"metrics"`
	Security SecurityConfig `json:"security" mapstructure:"security"`
	Webhooks WebhookConfig  `json:"webhooks" mapstructure:"webhooks"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Address           string        `json:"address" mapstructure:"address"`
	PathPrefix        string        `json:"path_prefix" mapstructure:"path_prefix"`
	CORSOrigin        string        `json:"cors_origin" mapstructure:"cors_origin"`
	ReadTimeout       time.Duration `json:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout      time.Duration `json:"write_timeout" mapstructure:"write_timeout"`
	IdleTimeout       time.Duration `json:"idle_timeout" mapstructure:"idle_timeout"`
	ReadHeaderTimeout time.Duration `json:"read_header_timeout" mapstructure:"read_header_timeout"`
	ShutdownTimeout   time.Duration `json:"shutdown_timeout" mapstructure:"shutdown_timeout"`
}

// StorageConfig selects where progress records and the reward ledger live.
type StorageConfig struct {
	Adapter string       `json:"adapter" mapstructure:"adapter"`
	Redis   redis.Config `json:"redis,omitempty" mapstructure:"redis"`
	SQL     sqlx.Config  `json:"sql,omitempty" mapstructure:"sql"`
}

// CatalogConfig selects where badge definitions come from. The sql adapter
// shares the storage.sql connection.
type CatalogConfig struct {
	Adapter string `json:"adapter" mapstructure:"adapter"`
	Path    string `json:"path,omitempty" mapstructure:"path"`
	// Watch reloads the file catalog when it changes on disk.
	Watch bool `json:"watch" mapstructure:"watch"`
}

// SourceConfig selects where user activity metrics are read from.
type SourceConfig struct {
	Adapter string `json:"adapter" mapstructure:"adapter"`
}

// EngineConfig tunes recompute behaviour.
type EngineConfig struct {
	Concurrency          int           `json:"concurrency" mapstructure:"concurrency"`
	PersistRetries       uint64        `json:"persist_retries" mapstructure:"persist_retries"`
	RetryInitialInterval time.Duration `json:"retry_initial_interval" mapstructure:"retry_initial_interval"`
	RetryMaxInterval     time.Duration `json:"retry_max_interval" mapstructure:"retry_max_interval"`
	AwardOnComplete      bool          `json:"award_on_complete" mapstructure:"award_on_complete"`
	AsyncEvents          bool          `json:"async_events" mapstructure:"async_events"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string            `json:"level" mapstructure:"level"`
	Format     string            `json:"format" mapstructure:"format"`
	Output     string            `json:"output" mapstructure:"output"`
	Attributes map[string]string `json:"attributes,omitempty" mapstructure:"attributes"`
}

// MetricsConfig holds metrics and monitoring configuration
type MetricsConfig struct {
	Enabled       bool   `json:"enabled" mapstructure:"enabled"`
	Address       string `json:"address" mapstructure:"address"`
	Path          string `json:"path" mapstructure:"path"`
	CollectSystem bool   `json:"collect_system" mapstructure:"collect_system"`
}

// SecurityConfig holds security-related configuration
type SecurityConfig struct {
	EnableRateLimit bool            `json:"enable_rate_limit" mapstructure:"enable_rate_limit"`
	RateLimit       RateLimitConfig `json:"rate_limit,omitempty" mapstructure:"rate_limit"`
	APIKeys         []string        `json:"api_keys,omitempty" mapstructure:"api_keys"`
}

// WebhookConfig lists endpoints notified of completions and reward grants,
// e.g. the service that fulfils card packs and special rewards.
type WebhookConfig struct {
	Endpoints []string      `json:"endpoints,omitempty" mapstructure:"endpoints"`
	Timeout   time.Duration `json:"timeout" mapstructure:"timeout"`
	Retries   uint64        `json:"retries" mapstructure:"retries"`
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	RequestsPerMinute int           `json:"requests_per_minute" mapstructure:"requests_per_minute"`
	BurstSize         int           `json:"burst_size" mapstructure:"burst_size"`
	CleanupInterval   time.Duration `json:"cleanup_interval" mapstructure:"cleanup_interval"`
}

// Load reads an optional .env file, then environment overrides, and validates the result.
func Load() (*Config, error) {
	return load("")
}

// LoadFromFile loads configuration from a JSON or YAML file; environment
// variables override file values.
func LoadFromFile(path string) (*Config, error) {
	if err := validateConfigPath(path); err != nil {
		return nil, fmt.Errorf("invalid config file path: %w", err)
	}
	return load(path)
}

func load(path string) (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, DefaultConfig())

	if path != "" {
		v.SetConfigFile(filepath.Clean(path))
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	// Profile defaults sit below file and environment values.
	env := Environment(v.GetString("environment"))
	base, err := ProfileConfig(env)
	if err != nil {
		return nil, err
	}
	setDefaults(v, base)

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// loadDotEnv loads BADGEKIT_ENV_FILE when set, otherwise ./.env if present.
// Variables already in the environment win.
func loadDotEnv() error {
	path := os.Getenv(EnvPrefix + "_ENV_FILE")
	if path == "" {
		if _, err := os.Stat(".env"); err != nil {
			return nil
		}
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

// validateConfigPath validates that the config file path is safe
func validateConfigPath(path string) error {
	if path == "" {
		return errors.New("config file path cannot be empty")
	}

	cleanPath := filepath.Clean(path)

	switch strings.ToLower(filepath.Ext(cleanPath)) {
	case ".json", ".yaml", ".yml":
	default:
		return errors.New("config file must have .json, .yaml or .yml extension")
	}

	if _, err := os.Stat(cleanPath); err != nil {
		return fmt.Errorf("config file not accessible: %w", err)
	}

	return nil
}

func setDefaults(v *viper.Viper, c *Config) {
	v.SetDefault("environment", c.Environment)
	v.SetDefault("profile", c.Profile)

	v.SetDefault("server.address", c.Server.Address)
	v.SetDefault("server.path_prefix", c.Server.PathPrefix)
	v.SetDefault("server.cors_origin", c.Server.CORSOrigin)
	v.SetDefault("server.read_timeout", c.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", c.Server.WriteTimeout)
	v.SetDefault("server.idle_timeout", c.Server.IdleTimeout)
	v.SetDefault("server.read_header_timeout", c.Server.ReadHeaderTimeout)
	v.SetDefault("server.shutdown_timeout", c.Server.ShutdownTimeout)

	v.SetDefault("storage.adapter", c.Storage.Adapter)
	v.SetDefault("storage.redis.addr", c.Storage.Redis.Addr)
	v.SetDefault("storage.redis.password", c.Storage.Redis.Password)
	v.SetDefault("storage.redis.db", c.Storage.Redis.DB)
	v.SetDefault("storage.redis.pool_size", c.Storage.Redis.PoolSize)
	v.SetDefault("storage.redis.min_idle_conns", c.Storage.Redis.MinIdleConns)
	v.SetDefault("storage.redis.dial_timeout", c.Storage.Redis.DialTimeout)
	v.SetDefault("storage.redis.read_timeout", c.Storage.Redis.ReadTimeout)
	v.SetDefault("storage.redis.write_timeout", c.Storage.Redis.WriteTimeout)
	v.SetDefault("storage.redis.key_prefix", c.Storage.Redis.KeyPrefix)
	v.SetDefault("storage.redis.max_tx_retries", c.Storage.Redis.MaxTxRetries)
	v.SetDefault("storage.sql.driver", c.Storage.SQL.Driver)
	v.SetDefault("storage.sql.dsn", c.Storage.SQL.DSN)
	v.SetDefault("storage.sql.max_open_conns", c.Storage.SQL.MaxOpenConns)
	v.SetDefault("storage.sql.max_idle_conns", c.Storage.SQL.MaxIdleConns)
	v.SetDefault("storage.sql.conn_max_lifetime", c.Storage.SQL.ConnMaxLifetime)
	v.SetDefault("storage.sql.conn_max_idle_time", c.Storage.SQL.ConnMaxIdleTime)

	v.SetDefault("catalog.adapter", c.Catalog.Adapter)
	v.SetDefault("catalog.path", c.Catalog.Path)
	v.SetDefault("catalog.watch", c.Catalog.Watch)
	v.SetDefault("source.adapter", c.Source.Adapter)

	v.SetDefault("engine.concurrency", c.Engine.Concurrency)
	v.SetDefault("engine.persist_retries", c.Engine.PersistRetries)
	v.SetDefault("engine.retry_initial_interval", c.Engine.RetryInitialInterval)
	v.SetDefault("engine.retry_max_interval", c.Engine.RetryMaxInterval)
	v.SetDefault("engine.award_on_complete", c.Engine.AwardOnComplete)
	v.SetDefault("engine.async_events", c.Engine.AsyncEvents)

	v.SetDefault("logging.level", c.Logging.Level)
	v.SetDefault("logging.format", c.Logging.Format)
	v.SetDefault("logging.output", c.Logging.Output)
	v.SetDefault("logging.attributes", c.Logging.Attributes)

	v.SetDefault("metrics.enabled", c.Metrics.Enabled)
	v.SetDefault("metrics.address", c.Metrics.Address)
	v.SetDefault("metrics.path", c.Metrics.Path)
	v.SetDefault("metrics.collect_system", c.Metrics.CollectSystem)

	v.SetDefault("security.enable_rate_limit", c.Security.EnableRateLimit)
	v.SetDefault("security.rate_limit.requests_per_minute", c.Security.RateLimit.RequestsPerMinute)
	v.SetDefault("security.rate_limit.burst_size", c.Security.RateLimit.BurstSize)
	v.SetDefault("security.rate_limit.cleanup_interval", c.Security.RateLimit.CleanupInterval)
	v.SetDefault("security.api_keys", c.Security.APIKeys)

	v.SetDefault("webhooks.endpoints", c.Webhooks.Endpoints)
	v.SetDefault("webhooks.timeout", c.Webhooks.Timeout)
	v.SetDefault("webhooks.retries", c.Webhooks.Retries)
}

// DefaultConfig returns a configuration with sensible defaults for development
func DefaultConfig() *Config {
	return &Config{
		Environment: EnvDevelopment,
		Profile:     "default",
		Server: ServerConfig{
			Address:           ":8080",
			PathPrefix:        "/api",
			CORSOrigin:        "*",
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			ShutdownTimeout:   30 * time.Second,
		},
		Storage: StorageConfig{
			Adapter: "memory",
			Redis:   redis.DefaultConfig(),
			SQL:     sqlx.DefaultConfig(sqlx.DriverPostgres),
		},
		Catalog: CatalogConfig{
			Adapter: "file",
			Path:    "./data/badges.json",
		},
		Source: SourceConfig{
			Adapter: "memory",
		},
		Engine: EngineConfig{
			Concurrency:          4,
			PersistRetries:       3,
			RetryInitialInterval: 50 * time.Millisecond,
			RetryMaxInterval:     time.Second,
			AwardOnComplete:      true,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			Attributes: map[string]string{},
		},
		Metrics: MetricsConfig{
			Enabled:       false,
			Address:       ":9090",
			Path:          "/metrics",
			CollectSystem: true,
		},
		Security: SecurityConfig{
			EnableRateLimit: false,
			RateLimit: RateLimitConfig{
				RequestsPerMinute: 60,
				BurstSize:         10,
				CleanupInterval:   5 * time.Minute,
			},
			APIKeys: []string{},
		},
		Webhooks: WebhookConfig{
			Endpoints: []string{},
			Timeout:   2 * time.Second,
			Retries:   2,
		},
	}
}

// Validate validates the configuration and returns detailed error messages
func (c *Config) Validate() error {
	var errs []string

	if c.Environment == "" {
		errs = append(errs, "environment cannot be empty")
	}
	if err := c.Server.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("server config: %v", err))
	}
	if err := c.Storage.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("storage config: %v", err))
	}
	if err := c.Catalog.Validate(c.Storage); err != nil {
		errs = append(errs, fmt.Sprintf("catalog config: %v", err))
	}
	if err := c.Source.Validate(c.Storage); err != nil {
		errs = append(errs, fmt.Sprintf("source config: %v", err))
	}
	if err := c.Engine.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("engine config: %v", err))
	}
	if err := c.Logging.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("logging config: %v", err))
	}
	if err := c.Metrics.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("metrics config: %v", err))
	}
	if err := c.Security.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("security config: %v", err))
	}
	if err := c.Webhooks.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("webhooks config: %v", err))
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}

	return nil
}

// String returns a JSON representation of the config (with secrets redacted)
func (c *Config) String() string {
	cfg := *c

	if cfg.Storage.SQL.DSN != "" {
		cfg.Storage.SQL.DSN = "[REDACTED]"
	}
	if cfg.Storage.Redis.Password != "" {
		cfg.Storage.Redis.Password = "[REDACTED]"
	}
	if len(cfg.Security.APIKeys) > 0 {
		keys := make([]string, len(cfg.Security.APIKeys))
		for i := range keys {
			keys[i] = "[REDACTED]"
		}
		cfg.Security.APIKeys = keys
	}

	if len(cfg.Webhooks.Endpoints) > 0 {
		eps := make([]string, len(cfg.Webhooks.Endpoints))
		for i, ep := range cfg.Webhooks.Endpoints {
			eps[i] = redactURL(ep)
		}
		cfg.Webhooks.Endpoints = eps
	}

	data, _ := json.MarshalIndent(cfg, "", "  ")
	return string(data)
}
