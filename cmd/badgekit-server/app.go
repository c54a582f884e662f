package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"

	"badgekit/api/httpapi"
	"badgekit/config"
	"badgekit/engine"
	"badgekit/gamify"
	"badgekit/integrations/webhook"
	"badgekit/telemetry"
)

// App aggregates the assembled server components.
type App struct {
	Config   *config.Config
	Logger   *slog.Logger
	Backends *gamify.Backends
	Metrics  *telemetry.Metrics
	Service  *engine.Service
	Handler  http.Handler
	Server   *http.Server
}

func provideConfig(ctx context.Context) (*config.Config, error) {
	if path := os.Getenv(config.EnvPrefix + "_CONFIG_FILE"); path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

func provideLogger(cfg *config.Config) *slog.Logger {
	return setupLogging(cfg)
}

func provideBackends(ctx context.Context, cfg *config.Config) (*gamify.Backends, func(), error) {
	return gamify.OpenBackends(ctx, cfg)
}

func provideMetrics(cfg *config.Config) *telemetry.Metrics {
	if !cfg.Metrics.Enabled {
		return nil
	}
	return telemetry.New(cfg.Metrics.CollectSystem)
}

func provideService(cfg *config.Config, logger *slog.Logger, b *gamify.Backends, metrics *telemetry.Metrics) (*engine.Service, func()) {
	svc := gamify.FromConfig(cfg, b, logger, metrics)
	if len(cfg.Webhooks.Endpoints) > 0 {
		sink := webhook.New(cfg.Webhooks.Endpoints,
			webhook.WithClient(&http.Client{Timeout: cfg.Webhooks.Timeout}),
			webhook.WithRetries(cfg.Webhooks.Retries, 0),
			webhook.WithLogger(logger),
		)
		sink.Attach(svc)
	}
	return svc, svc.Close
}

func provideHandler(svc *engine.Service, cfg *config.Config, metrics *telemetry.Metrics) http.Handler {
	return httpapi.NewMux(svc, httpapi.Options{
		PathPrefix:       cfg.Server.PathPrefix,
		AllowCORSOrigin:  cfg.Server.CORSOrigin,
		APIKeys:          cfg.Security.APIKeys,
		RateLimitEnabled: cfg.Security.EnableRateLimit,
		RateLimitRPM:     cfg.Security.RateLimit.RequestsPerMinute,
		RateLimitBurst:   cfg.Security.RateLimit.BurstSize,
		RateLimitCleanup: cfg.Security.RateLimit.CleanupInterval,
		AwardOnComplete:  cfg.Engine.AwardOnComplete,
		Metrics:          metrics,
	})
}

func provideServer(cfg *config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           handler,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}
}

// setupLogging configures the logger based on configuration.
func setupLogging(cfg *config.Config) *slog.Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Logging.Level),
	}

	var out io.Writer = os.Stdout
	if cfg.Logging.Output == "stderr" {
		out = os.Stderr
	}

	switch cfg.Logging.Format {
	case "text":
		handler = slog.NewTextHandler(out, opts)
	default:
		handler = slog.NewJSONHandler(out, opts)
	}

	if len(cfg.Logging.Attributes) > 0 {
		handler = handler.WithAttrs(convertAttributes(cfg.Logging.Attributes))
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// parseLogLevel converts string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// convertAttributes converts map[string]string to []slog.Attr.
func convertAttributes(attrs map[string]string) []slog.Attr {
	result := make([]slog.Attr, 0, len(attrs))
	for k, v := range attrs {
		result = append(result, slog.String(k, v))
	}
	return result
}
