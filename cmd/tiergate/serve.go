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

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/blueberrycongee/tiergate"
	"github.com/blueberrycongee/tiergate/internal/api"
	"github.com/blueberrycongee/tiergate/internal/config"
	"github.com/blueberrycongee/tiergate/internal/metrics"
	"github.com/blueberrycongee/tiergate/internal/observability"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, configFile)
		},
	}
}

func serve(ctx context.Context, path string) error {
	level := new(slog.LevelVar)
	logger := observability.NewLeveledLogger(os.Stdout, observability.LoggingConfig{}, level)

	cfgManager, err := config.NewManager(path, logger)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	defer cfgManager.Close()
	cfg := cfgManager.Get()

	logger = observability.NewLeveledLogger(os.Stdout, cfg.Logging, level)
	slog.SetDefault(logger)
	logger.Info("starting tiergate", "version", tiergate.Version, "config", path)
	for _, w := range cfg.Warnings() {
		logger.Warn("configuration warning", "code", w.Code, "message", w.Message)
	}

	tp, err := observability.InitTracing(ctx, cfg.Tracing)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown failed", "error", err)
		}
	}()

	d, err := newDeps(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer d.Close()

	gw, err := buildGateway(cfg, d)
	if err != nil {
		return fmt.Errorf("build gateway: %w", err)
	}
	swapper := api.NewGatewaySwapper(gw)

	reloader := newGatewayReloader(logger, level, swapper, func(c *config.Config) (*tiergate.Gateway, error) {
		return buildGateway(c, d)
	})
	cfgManager.OnChange(reloader.Reload)
	if err := cfgManager.Watch(ctx); err != nil {
		logger.Warn("config hot-reload disabled", "error", err)
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      newHTTPHandler(cfg, api.NewHandler(swapper, logger)),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	if err := swapper.Close(shutdownCtx); err != nil {
		logger.Error("gateway drain incomplete", "error", err)
	}
	logger.Info("server stopped")
	return nil
}

// newHTTPHandler mounts the API and metrics and applies the middleware stack.
func newHTTPHandler(cfg *config.Config, h *api.Handler) http.Handler {
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	if cfg.Metrics.Enabled {
		mux.Handle("GET "+cfg.Metrics.Path, promhttp.Handler())
	}

	var handler http.Handler = mux
	handler = metrics.Middleware(handler)
	handler = observability.RequestIDMiddleware(handler)
	handler = otelhttp.NewHandler(handler, "tiergate.http")
	return handler
}
