package config

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
)

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	var errs []string

	if s.Address == "" {
		errs = append(errs, "address cannot be empty")
	}

	if s.PathPrefix != "" && !strings.HasPrefix(s.PathPrefix, "/") {
		errs = append(errs, "path_prefix must start with /")
	}

	if s.ReadTimeout <= 0 {
		errs = append(errs, "read_timeout must be positive")
	}

	if s.WriteTimeout <= 0 {
		errs = append(errs, "write_timeout must be positive")
	}

	if s.IdleTimeout <= 0 {
		errs = append(errs, "idle_timeout must be positive")
	}

	if s.ReadHeaderTimeout <= 0 {
		errs = append(errs, "read_header_timeout must be positive")
	}

	if s.ShutdownTimeout <= 0 {
		errs = append(errs, "shutdown_timeout must be positive")
	}

	return joinErrors(errs)
}

// Validate validates storage configuration
func (s *StorageConfig) Validate() error {
	var errs []string

	validAdapters := []string{"memory", "redis", "sql"}
	if !slices.Contains(validAdapters, s.Adapter) {
		errs = append(errs, fmt.Sprintf("adapter must be one of: %s", strings.Join(validAdapters, ", ")))
	}

	// Validate adapter-specific configs
	switch s.Adapter {
	case "redis":
		if s.Redis.Addr == "" {
			errs = append(errs, "redis.addr cannot be empty")
		}
		if s.Redis.MaxTxRetries < 0 {
			errs = append(errs, "redis.max_tx_retries cannot be negative")
		}
	case "sql":
		if err := validateSQL(s); err != nil {
			errs = append(errs, err.Error())
		}
	}

	return joinErrors(errs)
}

func validateSQL(s *StorageConfig) error {
	var errs []string
	validDrivers := []string{"postgres", "mysql"}
	if !slices.Contains(validDrivers, string(s.SQL.Driver)) {
		errs = append(errs, fmt.Sprintf("sql.driver must be one of: %s", strings.Join(validDrivers, ", ")))
	}
	if s.SQL.DSN == "" {
		errs = append(errs, "sql.dsn cannot be empty")
	}
	return joinErrors(errs)
}

// Validate validates the catalog section against the storage it may share.
func (c *CatalogConfig) Validate(storage StorageConfig) error {
	var errs []string

	validAdapters := []string{"memory", "file", "sql"}
	if !slices.Contains(validAdapters, c.Adapter) {
		errs = append(errs, fmt.Sprintf("adapter must be one of: %s", strings.Join(validAdapters, ", ")))
	}

	switch c.Adapter {
	case "file":
		if c.Path == "" {
			errs = append(errs, "path cannot be empty")
		}
	case "sql":
		if err := validateSQL(&storage); err != nil {
			errs = append(errs, err.Error())
		}
	}

	return joinErrors(errs)
}

// Validate validates the metric source section.
func (s *SourceConfig) Validate(storage StorageConfig) error {
	validAdapters := []string{"memory", "sql"}
	if !slices.Contains(validAdapters, s.Adapter) {
		return fmt.Errorf("adapter must be one of: %s", strings.Join(validAdapters, ", "))
	}
	if s.Adapter == "sql" {
		return validateSQL(&storage)
	}
	return nil
}

// Validate validates engine tuning.
func (e *EngineConfig) Validate() error {
	var errs []string

	if e.Concurrency < 1 {
		errs = append(errs, "concurrency must be at least 1")
	}
	if e.RetryInitialInterval <= 0 {
		errs = append(errs, "retry_initial_interval must be positive")
	}
	if e.RetryMaxInterval < e.RetryInitialInterval {
		errs = append(errs, "retry_max_interval must not be below retry_initial_interval")
	}

	return joinErrors(errs)
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	var errs []string

	validLevels := []string{"debug", "info", "warn", "error"}
	if !slices.Contains(validLevels, l.Level) {
		errs = append(errs, fmt.Sprintf("level must be one of: %s", strings.Join(validLevels, ", ")))
	}

	validFormats := []string{"json", "text"}
	if !slices.Contains(validFormats, l.Format) {
		errs = append(errs, fmt.Sprintf("format must be one of: %s", strings.Join(validFormats, ", ")))
	}

	validOutputs := []string{"stdout", "stderr"}
	if !slices.Contains(validOutputs, l.Output) {
		errs = append(errs, fmt.Sprintf("output must be one of: %s", strings.Join(validOutputs, ", ")))
	}

	return joinErrors(errs)
}

// Validate validates metrics configuration
func (m *MetricsConfig) Validate() error {
	var errs []string

	if m.Enabled {
		if m.Address == "" {
			errs = append(errs, "address cannot be empty when metrics are enabled")
		}

		if m.Path == "" {
			errs = append(errs, "path cannot be empty when metrics are enabled")
		}
	}

	return joinErrors(errs)
}

// Validate validates security configuration
func (s *SecurityConfig) Validate() error {
	var errs []string

	if s.EnableRateLimit {
		if s.RateLimit.RequestsPerMinute <= 0 {
			errs = append(errs, "rate_limit.requests_per_minute must be positive")
		}
		if s.RateLimit.BurstSize <= 0 {
			errs = append(errs, "rate_limit.burst_size must be positive")
		}
		if s.RateLimit.CleanupInterval <= 0 {
			errs = append(errs, "rate_limit.cleanup_interval must be positive")
		}
	}

	for i, key := range s.APIKeys {
		if strings.TrimSpace(key) == "" {
			errs = append(errs, fmt.Sprintf("api_keys[%d] cannot be blank", i))
		}
	}

	return joinErrors(errs)
}

// Validate validates webhook endpoints.
func (w *WebhookConfig) Validate() error {
	var errs []string

	for i, ep := range w.Endpoints {
		u, err := url.Parse(ep)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Sprintf("endpoints[%d] must be an absolute http(s) URL", i))
		}
	}
	if len(w.Endpoints) > 0 && w.Timeout <= 0 {
		errs = append(errs, "timeout must be positive")
	}

	return joinErrors(errs)
}

// redactURL drops credentials and the query string, which commonly carry tokens.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "[REDACTED]"
	}
	u.User = nil
	if u.RawQuery != "" {
		u.RawQuery = "redacted"
	}
	return u.String()
}

func joinErrors(errs []string) error {
	if len(errs) == 0 {
		return nil
	}
	return errors.New(strings.Join(errs, "; "))
}
