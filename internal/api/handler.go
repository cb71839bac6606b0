package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"
	"github.com/zhejian/url-shortener/registry/internal/model"
	"github.com/zhejian/url-shortener/registry/internal/service"
)

// MsgLinkUnavailable is shown when a short link cannot be followed.
const MsgLinkUnavailable = "Sorry, this link was not found or has expired."

// Handler holds HTTP handlers and dependencies.
// It receives interfaces rather than concrete implementations for testability.
type Handler struct {
	links   service.LinkServiceInterface // Link registry business logic
	checks  map[string]HealthChecker     // Named dependencies reported by /health
	metrics http.Handler                 // Prometheus exposition, optional
	logger  *slog.Logger
}

// HealthChecker is any dependency that can report its connectivity.
// The postgres pool, the redis client and the collection stores satisfy it.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// NewHandler creates a new handler instance with the provided dependencies.
// checks may be empty when the active backend has no remote dependency,
// and metrics may be nil to leave /metrics unregistered.
func NewHandler(links service.LinkServiceInterface, checks map[string]HealthChecker, metrics http.Handler, logger *slog.Logger) *Handler {
	if checks == nil {
		checks = map[string]HealthChecker{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		links:   links,
		checks:  checks,
		metrics: metrics,
		logger:  logger,
	}
}

// RegisterRoutes registers all route definitions on the given Gin engine.
// The caller is responsible for creating the engine and adding middleware
// before calling this method, so middleware runs in the correct order.
// Routes are organized into:
//   - Health check and metrics endpoints for monitoring
//   - API v1 endpoints for link management (grouped under /api/v1)
//   - Public redirect endpoint for short URL resolution
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", h.healthCheck)
	if h.metrics != nil {
		r.GET("/metrics", gin.WrapH(h.metrics))
	}

	v1 := r.Group("/api/v1")
	{
		v1.POST("/shorten", h.createShortURL)
		v1.POST("/shorten/batch", h.createBatch)
		v1.GET("/urls", h.listURLs)
		v1.GET("/urls/:code", h.getStats)
	}

	// Redirect route (public) - must be last to avoid conflicts
	r.GET("/:code", h.redirect)
}

// healthCheck handles GET /health
// Returns the health status of the service and every configured dependency.
// Response codes:
//   - 200 OK: All dependencies are healthy
//   - 503 Service Unavailable: One or more dependencies are down
func (h *Handler) healthCheck(c *gin.Context) {
	ctx := c.Request.Context()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	status := "ok"
	code := http.StatusOK
	deps := gin.H{}

	for _, name := range names {
		if err := h.checks[name].Ping(ctx); err != nil {
			h.logger.WarnContext(ctx, "dependency unhealthy",
				slog.String("dependency", name),
				slog.String("error", err.Error()))
			status = "degraded"
			code = http.StatusServiceUnavailable
			deps[name] = "down"
			continue
		}
		deps[name] = "up"
	}

	c.JSON(code, gin.H{"status": status, "dependencies": deps})
}

// createShortURL handles POST /api/v1/shorten
// Request body: CreateLinkRequest (JSON)
// Response codes:
//   - 201 Created: Short URL successfully created
//   - 400 Bad Request: Invalid request body, URL, validity or custom code
//   - 409 Conflict: Custom code already exists
//   - 500 Internal Server Error: Unexpected error
func (h *Handler) createShortURL(c *gin.Context) {
	ctx := c.Request.Context()
	var req model.CreateLinkRequest

	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.WarnContext(ctx, "invalid request body",
			slog.String("error", err.Error()),
			slog.String("path", c.Request.URL.Path))
		h.errorResponse(c, http.StatusBadRequest, "Invalid request body")
		return
	}

	link, err := h.links.CreateShortURL(ctx, &req)
	if err != nil {
		h.createError(c, err, nil)
		return
	}

	c.JSON(http.StatusCreated, link)
}

// createBatch handles POST /api/v1/shorten/batch
// Every entry is validated before any link is created. On failure the
// error names the offending entry by index.
// Response codes:
//   - 201 Created: All links created
//   - 400 Bad Request: Empty, oversized or invalid batch
//   - 409 Conflict: A custom code is already in use
//   - 500 Internal Server Error: Unexpected error
func (h *Handler) createBatch(c *gin.Context) {
	ctx := c.Request.Context()
	var req model.BatchCreateRequest

	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.WarnContext(ctx, "invalid request body",
			slog.String("error", err.Error()),
			slog.String("path", c.Request.URL.Path))
		h.errorResponse(c, http.StatusBadRequest, "Invalid request body")
		return
	}

	links, err := h.links.CreateBatch(ctx, req.Links)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrEmptyBatch):
			h.errorResponse(c, http.StatusBadRequest, "At least one link is required")
		case errors.Is(err, service.ErrBatchTooLarge):
			h.errorResponse(c, http.StatusBadRequest, "Too many links in one request")
		default:
			var batchErr *service.BatchError
			if errors.As(err, &batchErr) {
				h.createError(c, batchErr.Err, &batchErr.Index)
				return
			}
			h.createError(c, err, nil)
		}
		return
	}

	c.JSON(http.StatusCreated, model.BatchCreateResponse{Links: links})
}

// listURLs handles GET /api/v1/urls
// Returns every link, expired ones included, in creation order.
func (h *Handler) listURLs(c *gin.Context) {
	ctx := c.Request.Context()

	links, err := h.links.ListAll(ctx)
	if err != nil {
		h.logger.ErrorContext(ctx, "unexpected error listing links",
			slog.String("error", err.Error()))
		h.errorResponse(c, http.StatusInternalServerError, "Internal server error")
		return
	}

	c.JSON(http.StatusOK, model.LinkListResponse{Links: links, Total: len(links)})
}

// getStats handles GET /api/v1/urls/:code
// Retrieves a link with its click history without recording a click.
// Response codes:
//   - 200 OK: Link found, expired or not
//   - 404 Not Found: Short code does not exist
//   - 500 Internal Server Error: Unexpected error
func (h *Handler) getStats(c *gin.Context) {
	ctx := c.Request.Context()
	code := c.Param("code")

	link, err := h.links.GetStats(ctx, code)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrLinkNotFound):
			h.errorResponse(c, http.StatusNotFound, "Link not found")
		default:
			h.logger.ErrorContext(ctx, "unexpected error fetching link",
				slog.String("error", err.Error()),
				slog.String("code", code))
			h.errorResponse(c, http.StatusInternalServerError, "Internal server error")
		}
		return
	}

	c.JSON(http.StatusOK, link)
}

// redirect handles GET /:code
// Redirects the visitor to the long URL and records the click. The
// Referer header becomes the click source.
// Response codes:
//   - 302 Found: Redirects to the long URL
//   - 404 Not Found: Short code is unknown or expired
//   - 500 Internal Server Error: Unexpected error
func (h *Handler) redirect(c *gin.Context) {
	ctx := c.Request.Context()
	code := c.Param("code")

	target, err := h.links.Redirect(ctx, code, c.Request.Referer())
	if err != nil {
		switch {
		case errors.Is(err, service.ErrLinkNotFound):
			h.errorResponse(c, http.StatusNotFound, MsgLinkUnavailable)
		default:
			h.logger.ErrorContext(ctx, "unexpected error during redirect",
				slog.String("error", err.Error()),
				slog.String("code", code))
			h.errorResponse(c, http.StatusInternalServerError, "Internal server error")
		}
		return
	}

	c.Redirect(http.StatusFound, target)
}

// createError maps a create failure to its HTTP status
func (h *Handler) createError(c *gin.Context, err error, index *int) {
	status, message := http.StatusInternalServerError, "Internal server error"
	switch {
	case errors.Is(err, service.ErrEmptyURL):
		status, message = http.StatusBadRequest, "URL is required"
	case errors.Is(err, service.ErrInvalidURL):
		status, message = http.StatusBadRequest, "Invalid URL"
	case errors.Is(err, service.ErrInvalidValidity):
		status, message = http.StatusBadRequest, "Validity must be at least one minute"
	case errors.Is(err, service.ErrInvalidAlias):
		status, message = http.StatusBadRequest, "Invalid custom code"
	case errors.Is(err, service.ErrCodeExists):
		status, message = http.StatusConflict, "Custom code already exists"
	default:
		h.logger.ErrorContext(c.Request.Context(), "unexpected error creating short URL",
			slog.String("error", err.Error()))
	}

	c.JSON(status, model.ErrorResponse{
		Error:   http.StatusText(status),
		Message: message,
		Index:   index,
	})
}

// errorResponse sends a standardized JSON error response.
func (h *Handler) errorResponse(c *gin.Context, status int, message string) {
	c.JSON(status, model.ErrorResponse{
		Error:   http.StatusText(status), // e.g., "Bad Request", "Not Found"
		Message: message,
	})
}
