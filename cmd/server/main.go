package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zhejian/url-shortener/registry/internal/config"
	"github.com/zhejian/url-shortener/registry/internal/observability"
	"github.com/zhejian/url-shortener/registry/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx := context.Background()

	obs, err := observability.Setup(ctx, observability.Config{
		ServiceName:  cfg.Observability.ServiceName,
		Environment:  cfg.Observability.Environment,
		OTLPEndpoint: cfg.Observability.OTLPEndpoint,
		SampleRatio:  cfg.Observability.SampleRatio,
	})
	if err != nil {
		slog.Error("failed to set up observability", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger := obs.Logger
	slog.SetDefault(logger)

	if cfg.Observability.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	app, err := server.New(ctx, cfg, obs)
	if err != nil {
		logger.Error("failed to start link registry", slog.String("error", err.Error()))
		obs.Shutdown(ctx)
		os.Exit(1)
	}

	go func() {
		logger.Info("server starting",
			slog.String("port", cfg.Server.Port),
			slog.String("base_url", cfg.App.BaseURL),
			slog.String("store", cfg.Store.Backend),
			slog.String("log_sink", cfg.EventLog.Sink))
		if err := app.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal (Ctrl+C or SIGTERM)
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := app.Shutdown(shutdownCtx); err != nil {
		logger.Error("forced shutdown", slog.String("error", err.Error()))
	}
	obs.Shutdown(shutdownCtx)

	logger.Info("server exited gracefully")
}
