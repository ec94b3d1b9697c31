// Package api is the JSON-over-HTTP surface of the coordination engine.
package api

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"

	"github.com/blackswan-labs/coordd/internal/metrics"
	"github.com/blackswan-labs/coordd/internal/requestid"
)

// ServerConfig holds configuration for the API server.
type ServerConfig struct {
	ListenAddr  string
	RateLimit   RateLimitConfig
	CORSOrigins string
}

// Server is the coordination API Fiber application.
type Server struct {
	app      *fiber.App
	handlers *Handlers
	logger   zerolog.Logger
	config   ServerConfig
}

// NewServer creates and configures the API server.
func NewServer(
	cfg ServerConfig,
	handlers *Handlers,
	issuer *Issuer,
	collector *metrics.Metrics,
	logger zerolog.Logger,
) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          errorHandler(logger),
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
		ReadBufferSize:        8192,
		WriteBufferSize:       8192,
	})

	s := &Server{
		app:      app,
		handlers: handlers,
		logger:   logger.With().Str("component", "api_server").Logger(),
		config:   cfg,
	}

	s.setupMiddleware(cfg, issuer, collector, logger)
	s.setupRoutes(handlers, collector)
	return s
}

func (s *Server) setupMiddleware(cfg ServerConfig, issuer *Issuer, collector *metrics.Metrics, logger zerolog.Logger) {
	s.app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))

	// Request ID middleware
	s.app.Use(func(c *fiber.Ctx) error {
		_, reqID := requestid.New(c.Context())
		c.Set("X-Request-ID", reqID)
		c.Locals("request_id", reqID)
		return c.Next()
	})

	if cfg.CORSOrigins != "" {
		s.app.Use(cors.New(cors.Config{
			AllowOrigins: cfg.CORSOrigins,
			AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Request-ID",
			AllowMethods: "GET, POST, DELETE, OPTIONS",
		}))
	}

	s.app.Use(NewAuthMiddleware(issuer, logger))

	if cfg.RateLimit.RPS > 0 {
		s.app.Use(NewRateLimitMiddleware(cfg.RateLimit))
	}

	// Request metrics and access log
	s.app.Use(func(c *fiber.Ctx) error {
		path := c.Path()
		if path == "/healthz" || path == "/readyz" || path == "/metrics" {
			return c.Next()
		}

		start := time.Now()
		err := c.Next()

		route := c.Route().Path
		status := strconv.Itoa(c.Response().StatusCode())
		collector.RecordRequest(route, status)
		collector.ObserveDuration(route, time.Since(start).Seconds())

		logger.Info().
			Str("method", c.Method()).
			Str("path", path).
			Str("status", status).
			Str("ip", c.IP()).
			Str("agent", callerAgent(c)).
			Dur("duration", time.Since(start)).
			Msg("api request")
		return err
	})
}

func (s *Server) setupRoutes(h *Handlers, collector *metrics.Metrics) {
	s.app.Get("/healthz", h.Liveness)
	s.app.Get("/readyz", h.Readiness)
	s.app.Get("/metrics", adaptor.HTTPHandler(collector.Handler()))

	v1 := s.app.Group("/api/v1")

	v1.Post("/agents/register", h.RegisterAgent)
	v1.Post("/projects/auto-register", h.AutoRegisterProject)
	v1.Get("/projects/auto-register", h.ResolveProject)

	v1.Get("/agents", h.ListAgents)
	v1.Get("/agents/:agentId", h.GetAgent)
	v1.Post("/agents/:agentId/heartbeat", h.Heartbeat)
	v1.Delete("/agents/:agentId", h.UnregisterAgent)

	v1.Post("/agents/:agentId/files", h.FileOperation)
	v1.Get("/agents/:agentId/files", h.ListFiles)

	v1.Post("/agents/:agentId/memory", h.StoreMemory)
	v1.Get("/agents/:agentId/memory", h.QueryMemory)

	v1.Get("/agents/:agentId/session", h.GetSession)

	v1.Get("/memory/aggregate", h.AggregateMemory)
}

// Start starts the server. Blocks until stopped.
func (s *Server) Start() error {
	addr := s.config.ListenAddr
	if addr == "" {
		addr = ":8750"
	}
	s.logger.Info().Str("addr", addr).Msg("api server starting")
	return s.app.Listen(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown() error {
	s.logger.Info().Msg("api server shutting down")
	return s.app.Shutdown()
}

// App returns the underlying Fiber app (useful for testing).
func (s *Server) App() *fiber.App {
	return s.app
}

func errorHandler(logger zerolog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		if e, ok := err.(*fiber.Error); ok {
			code = e.Code
		}

		logger.Error().
			Err(err).
			Int("status", code).
			Str("path", c.Path()).
			Str("method", c.Method()).
			Msg("unhandled error")

		message := "an internal error occurred"
		if code != fiber.StatusInternalServerError {
			message = err.Error()
		}

		return c.Status(code).JSON(Envelope{
			Success: false,
			Error:   &ErrorBody{Code: "internal_error", Message: message},
		})
	}
}
