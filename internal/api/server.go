// Package api serves the pulse status API: health, self-metrics, the metric
// registry, plugin and pipeline state, recent logs, and the HTTP exporters of
// plugins.
package api

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync/atomic"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"

	"github.com/basekick-labs/pulse/internal/logger"
	"github.com/basekick-labs/pulse/pkg/metric"
	"github.com/basekick-labs/pulse/pkg/pipeline"
	"github.com/basekick-labs/pulse/pkg/plugin"
)

// Host is the part of plugin.Host the API reads
type Host interface {
	Registry() *metric.Registry
	Pipeline() *pipeline.Pipeline
	Status() []plugin.Status
	Exporters() map[string]http.Handler
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	TLSCertFile  string // TLS is enabled when both files are set
	TLSKeyFile   string
	Logs         *logger.LogBuffer // nil disables /api/v1/logs
}

// DefaultServerConfig returns default server configuration
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Addr:         "127.0.0.1:9750",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// Server represents the HTTP API server
type Server struct {
	app    *fiber.App
	config ServerConfig
	host   Host
	logger zerolog.Logger

	started time.Time
	addr    atomic.Value // string, set once listening
}

// NewServer creates the fiber app and registers every route
func NewServer(config *ServerConfig, host Host, logger zerolog.Logger) *Server {
	if config == nil {
		config = DefaultServerConfig()
	}
	logger = logger.With().Str("component", "api-server").Logger()

	app := fiber.New(fiber.Config{
		AppName:               "pulse",
		ReadTimeout:           config.ReadTimeout,
		WriteTimeout:          config.WriteTimeout,
		IdleTimeout:           config.IdleTimeout,
		DisableStartupMessage: true,
		ErrorHandler:          errorHandler(logger),
	})
	app.Use(recover.New(recover.Config{EnableStackTrace: true}))
	app.Use(securityHeaders())
	app.Use(requestLogger(logger))

	s := &Server{
		app:     app,
		config:  *config,
		host:    host,
		logger:  logger,
		started: time.Now(),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.app.Get("/health", s.healthHandler)
	s.app.Get("/ready", s.readyHandler)
	s.app.Get("/metrics", s.selfMetricsHandler)

	v1 := s.app.Group("/api/v1")
	v1.Get("/metrics", s.registryHandler)
	v1.Get("/plugins", s.pluginsHandler)
	v1.Get("/pipeline", s.pipelineHandler)
	if s.config.Logs != nil {
		v1.Get("/logs", s.logsHandler)
	}
}

// MountExporters serves the HTTP handlers of running plugins. Call it once,
// after the host has started.
func (s *Server) MountExporters() {
	exporters := s.host.Exporters()
	paths := make([]string, 0, len(exporters))
	for path := range exporters {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	for _, path := range paths {
		s.app.Get(path, adaptor.HTTPHandler(exporters[path]))
		s.logger.Info().Str("path", path).Msg("Mounted plugin exporter")
	}
}

// App returns the underlying fiber app
func (s *Server) App() *fiber.App {
	return s.app
}

// Start binds the listener and serves in the background. Bind errors are
// returned; later serve errors are logged.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Addr, err)
	}
	if s.config.TLSCertFile != "" && s.config.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(s.config.TLSCertFile, s.config.TLSKeyFile)
		if err != nil {
			ln.Close()
			return fmt.Errorf("failed to load TLS certificate: %w", err)
		}
		ln = tls.NewListener(ln, &tls.Config{MinVersion: tls.VersionTLS12, Certificates: []tls.Certificate{cert}})
	}
	s.addr.Store(ln.Addr().String())

	s.logger.Info().Str("addr", ln.Addr().String()).Bool("tls", s.config.TLSCertFile != "").Msg("Starting pulse HTTP server")
	go func() {
		if err := s.app.Listener(ln); err != nil {
			s.logger.Error().Err(err).Msg("HTTP server stopped with error")
		}
	}()
	return nil
}

// Addr returns the bound address, empty before Start
func (s *Server) Addr() string {
	addr, _ := s.addr.Load().(string)
	return addr
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down server gracefully...")
	if err := s.app.ShutdownWithContext(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	s.logger.Info().Msg("Server stopped")
	return nil
}

func errorHandler(logger zerolog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		if e, ok := err.(*fiber.Error); ok {
			code = e.Code
		}
		if code >= 500 {
			logger.Error().Err(err).Int("status", code).Str("method", c.Method()).Str("path", c.Path()).Msg("Request error")
		}
		return c.Status(code).JSON(fiber.Map{"error": err.Error()})
	}
}

func securityHeaders() fiber.Handler {
	return func(c *fiber.Ctx) error {
		c.Set("X-Frame-Options", "DENY")
		c.Set("X-Content-Type-Options", "nosniff")
		c.Set("Referrer-Policy", "no-referrer")
		c.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		return c.Next()
	}
}

// requestLogger only logs failed requests
func requestLogger(logger zerolog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		status := c.Response().StatusCode()
		if status >= 400 {
			event := logger.Warn()
			if status >= 500 {
				event = logger.Error()
			}
			event.
				Str("method", c.Method()).
				Str("path", c.Path()).
				Int("status", status).
				Dur("duration", time.Since(start)).
				Str("ip", c.IP()).
				Msg("HTTP request error")
		}
		return err
	}
}
