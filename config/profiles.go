package config

import (
	"fmt"
	"time"
)

// ProfileConfig returns the defaults for a deployment environment.
func ProfileConfig(env Environment) (*Config, error) {
	cfg := DefaultConfig()
	cfg.Environment = env
	cfg.Profile = string(env)

	switch env {
	case EnvDevelopment:
		cfg.Logging.Level = "debug"
		cfg.Logging.Format = "text"
	case EnvTesting:
		cfg.Server.Address = ":0"
		cfg.Catalog.Adapter = "memory"
		cfg.Engine.PersistRetries = 1
		cfg.Engine.RetryInitialInterval = time.Millisecond
		cfg.Engine.RetryMaxInterval = 10 * time.Millisecond
		cfg.Logging.Level = "warn"
	case EnvStaging:
		cfg.Storage.Adapter = "redis"
		cfg.Metrics.Enabled = true
		cfg.Security.EnableRateLimit = true
		cfg.Server.CORSOrigin = ""
	case EnvProduction:
		cfg.Storage.Adapter = "redis"
		cfg.Engine.Concurrency = 8
		cfg.Engine.PersistRetries = 5
		cfg.Logging.Level = "info"
		cfg.Logging.Format = "json"
		cfg.Metrics.Enabled = true
		cfg.Security.EnableRateLimit = true
		cfg.Security.RateLimit.RequestsPerMinute = 120
		cfg.Security.RateLimit.BurstSize = 20
		cfg.Server.CORSOrigin = ""
	default:
		return nil, fmt.Errorf("unknown environment profile %q", env)
	}
	return cfg, nil
}

// LoadProfile returns the validated defaults of a named profile without
// consulting files or the environment.
func LoadProfile(name string) (*Config, error) {
	cfg, err := ProfileConfig(Environment(name))
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("profile %s: %w", name, err)
	}
	return cfg, nil
}
