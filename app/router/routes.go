// Package router serves the HTTP surface: health, Prometheus metrics and the internal dispatch API
package router

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/gofiber/fiber/v3/middleware/requestid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/amirphl/orochi-dispatch/app/dto"
	"github.com/amirphl/orochi-dispatch/app/middleware"
	"github.com/amirphl/orochi-dispatch/utils"
)

// HealthCheck probes one dependency
type HealthCheck struct {
	Name  string
	Probe func(ctx context.Context) error
}

// RouteRegistrar mounts a group of routes
type RouteRegistrar interface {
	Register(group fiber.Router)
}

// Options configures the ops router
type Options struct {
	Service       string
	Version       string
	MetricsPath   string
	EnableMetrics bool
	HealthTimeout time.Duration
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	IdleTimeout   time.Duration

	// API is mounted under /api/v1 behind APIAuth when set
	API     RouteRegistrar
	APIAuth fiber.Handler
}

// OpsRouter exposes /health, /metrics and the optional API on a Fiber app
type OpsRouter struct {
	app    *fiber.App
	checks []HealthCheck
	opts   Options
	logger zerolog.Logger
}

// NewOpsRouter creates the Fiber app and registers its routes
func NewOpsRouter(opts Options, checks []HealthCheck, logger zerolog.Logger) *OpsRouter {
	if opts.MetricsPath == "" {
		opts.MetricsPath = "/metrics"
	}
	if opts.HealthTimeout <= 0 {
		opts.HealthTimeout = 2 * time.Second
	}
	r := &OpsRouter{
		checks: checks,
		opts:   opts,
		logger: logger.With().Str("component", "ops_http").Logger(),
	}
	r.app = fiber.New(fiber.Config{
		AppName:      opts.Service,
		ErrorHandler: r.errorHandler,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
		IdleTimeout:  opts.IdleTimeout,
	})
	r.setupRoutes()
	return r
}

func (r *OpsRouter) setupRoutes() {
	r.app.Use(requestid.New())
	r.app.Use(recover.New())
	r.app.Use(middleware.Metrics())
	r.app.Use(middleware.AccessLog(r.logger, "/health", r.opts.MetricsPath))

	r.app.Get("/health", r.healthCheck)
	if r.opts.EnableMetrics {
		r.app.Get(r.opts.MetricsPath, adaptor.HTTPHandler(promhttp.Handler()))
	}
	if r.opts.API != nil {
		var api fiber.Router
		if r.opts.APIAuth != nil {
			api = r.app.Group("/api/v1", r.opts.APIAuth)
		} else {
			api = r.app.Group("/api/v1")
		}
		r.opts.API.Register(api)
	}

	r.app.Use(r.notFoundHandler)
}

// Start listens on address until Shutdown is called
func (r *OpsRouter) Start(address string) error {
	r.logger.Info().Str("address", address).Msg("starting ops server")
	return r.app.Listen(address, fiber.ListenConfig{DisableStartupMessage: true})
}

// Shutdown stops accepting connections and waits for in-flight requests
func (r *OpsRouter) Shutdown(ctx context.Context) error {
	return r.app.ShutdownWithContext(ctx)
}

// GetApp returns the Fiber app instance
func (r *OpsRouter) GetApp() *fiber.App {
	return r.app
}

func (r *OpsRouter) healthCheck(c fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), r.opts.HealthTimeout)
	defer cancel()

	components := make(fiber.Map, len(r.checks))
	healthy := true
	for _, check := range r.checks {
		if err := check.Probe(ctx); err != nil {
			healthy = false
			components[check.Name] = err.Error()
			r.logger.Warn().Err(err).Str("check", check.Name).Msg("health check failed")
			continue
		}
		components[check.Name] = "ok"
	}

	data := fiber.Map{
		"status":     "ok",
		"timestamp":  utils.UTCNow().Unix(),
		"version":    r.opts.Version,
		"service":    r.opts.Service,
		"components": components,
	}
	if !healthy {
		data["status"] = "degraded"
		return c.Status(fiber.StatusServiceUnavailable).JSON(dto.APIResponse{
			Success: false,
			Message: "Service is unhealthy",
			Data:    data,
		})
	}
	return c.JSON(dto.APIResponse{
		Success: true,
		Message: "Service is healthy",
		Data:    data,
	})
}

func (r *OpsRouter) notFoundHandler(c fiber.Ctx) error {
	return c.Status(fiber.StatusNotFound).JSON(dto.APIResponse{
		Success: false,
		Message: "The requested resource was not found",
		Error: dto.ErrorDetail{
			Code: "NOT_FOUND",
			Details: fiber.Map{
				"path":       c.Path(),
				"method":     c.Method(),
				"request_id": requestid.FromContext(c),
			},
		},
	})
}

func (r *OpsRouter) errorHandler(c fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
	}
	r.logger.Error().Err(err).Int("status", code).Str("path", c.Path()).Msg("request failed")

	return c.Status(code).JSON(dto.APIResponse{
		Success: false,
		Message: "An internal server error occurred",
		Error: dto.ErrorDetail{
			Code: "INTERNAL_ERROR",
			Details: fiber.Map{
				"timestamp":  utils.UTCNow().Unix(),
				"request_id": requestid.FromContext(c),
			},
		},
	})
}
