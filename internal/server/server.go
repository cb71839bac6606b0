package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/zhejian/url-shortener/registry/internal/api"
	"github.com/zhejian/url-shortener/registry/internal/config"
	"github.com/zhejian/url-shortener/registry/internal/middleware"
	"github.com/zhejian/url-shortener/registry/internal/observability"
	"github.com/zhejian/url-shortener/registry/internal/service"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// App is the fully wired registry: store, event log, service and HTTP server.
type App struct {
	Server   *http.Server
	Service  *service.LinkService
	Backend  *Backend
	EventLog *EventLog
}

// NewService builds the link service from configuration and collaborators.
func NewService(cfg *config.Config, backend *Backend, events *EventLog, obs *observability.Observability) *service.LinkService {
	return service.NewLinkService(backend.Repository, service.Config{
		BaseURL:          cfg.App.BaseURL,
		DefaultValidity:  cfg.App.DefaultValidity,
		ShortCodeLen:     cfg.App.ShortCodeLen,
		ShortCodeRetries: cfg.App.ShortCodeRetries,
		MaxAliasLen:      cfg.App.MaxAliasLen,
		MaxBatchSize:     cfg.App.MaxBatchSize,
		Events:           events,
		Metrics:          obs.Metrics,
		Logger:           obs.Logger,
	})
}

// NewRouter returns a configured Gin router for the given service.
// This is useful for testing where you don't need the full HTTP server.
func NewRouter(cfg *config.Config, links service.LinkServiceInterface, checks map[string]api.HealthChecker, obs *observability.Observability) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware(cfg.Observability.ServiceName))
	r.Use(middleware.Logging(obs.Logger, "/health", "/metrics"))

	var metrics http.Handler
	if obs.Registry != nil {
		metrics = promhttp.HandlerFor(obs.Registry, promhttp.HandlerOpts{})
	}

	api.NewHandler(links, checks, metrics, obs.Logger).RegisterRoutes(r)
	return r
}

// NewServer wraps router in an HTTP server with the configured timeouts.
func NewServer(cfg *config.Config, router http.Handler) *http.Server {
	return &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}
}

// New opens the configured backend and event log and returns the wired app.
func New(ctx context.Context, cfg *config.Config, obs *observability.Observability) (*App, error) {
	backend, err := OpenBackend(ctx, cfg, obs.Logger)
	if err != nil {
		return nil, err
	}

	events, err := OpenEventLog(context.Background(), cfg, obs.Logger, obs.Metrics)
	if err != nil {
		backend.Close()
		return nil, err
	}

	svc := NewService(cfg, backend, events, obs)
	router := NewRouter(cfg, svc, backend.Checks, obs)

	return &App{
		Server:   NewServer(cfg, router),
		Service:  svc,
		Backend:  backend,
		EventLog: events,
	}, nil
}

// Shutdown stops the HTTP server, flushes pending events and closes the store.
func (a *App) Shutdown(ctx context.Context) error {
	srvErr := a.Server.Shutdown(ctx)
	logErr := a.EventLog.Close(ctx)
	a.Backend.Close()

	if srvErr != nil {
		return fmt.Errorf("shutdown server: %w", srvErr)
	}
	if logErr != nil {
		return fmt.Errorf("flush event log: %w", logErr)
	}
	return nil
}
