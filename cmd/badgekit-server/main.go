package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, cleanup, err := BuildApp(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize app: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()

	cfg := app.Config

	slog.Info("starting badgekit server",
		"environment", cfg.Environment,
		"profile", cfg.Profile,
		"address", cfg.Server.Address,
		"storage_adapter", cfg.Storage.Adapter,
		"catalog_adapter", cfg.Catalog.Adapter,
		"source_adapter", cfg.Source.Adapter)

	if app.Backends.File != nil && cfg.Catalog.Watch {
		go func() {
			if err := app.Backends.File.Watch(ctx, 250*time.Millisecond); err != nil {
				slog.Error("catalog watch stopped", "error", err)
			}
		}()
	}

	var metricsSrv *http.Server
	if app.Metrics != nil {
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, app.Metrics.Handler())
		metricsSrv = &http.Server{
			Addr:              cfg.Metrics.Address,
			Handler:           mux,
			ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		}
		go serve(metricsSrv, "metrics")
	}

	srv := app.Server
	go serve(srv, "api")

	<-ctx.Done()

	slog.Info("shutting down server", "timeout", cfg.Server.ShutdownTimeout)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			slog.Error("error during metrics shutdown", "error", err)
		}
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("error during server shutdown", "error", err)
		return
	}

	slog.Info("server stopped")
}

func serve(srv *http.Server, name string) {
	slog.Info("server listening", "server", name, "address", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("failed to start server", "server", name, "error", err)
		os.Exit(1)
	}
}
