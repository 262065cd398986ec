package api

import (
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/basekick-labs/pulse/internal/logger"
	"github.com/basekick-labs/pulse/pkg/metric"
	"github.com/basekick-labs/pulse/pkg/plugin"
)

const (
	defaultLogLimit = 100
	maxLogLimit     = 1000
)

func (s *Server) healthHandler(c *fiber.Ctx) error {
	uptime := time.Since(s.started)
	return c.JSON(fiber.Map{
		"status":     "ok",
		"time":       time.Now().UTC().Format(time.RFC3339),
		"uptime":     uptime.String(),
		"uptime_sec": uptime.Seconds(),
	})
}

// readyHandler reports ready while the pipeline runs
func (s *Server) readyHandler(c *fiber.Ctx) error {
	p := s.host.Pipeline()
	if p == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "starting"})
	}
	select {
	case <-p.Done():
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "stopped"})
	default:
	}
	return c.JSON(fiber.Map{
		"status": "ready",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// selfMetricsHandler returns pipeline counters in Prometheus text format, or
// JSON when asked for it
func (s *Server) selfMetricsHandler(c *fiber.Ctx) error {
	p := s.host.Pipeline()
	if p == nil {
		return fiber.NewError(fiber.StatusServiceUnavailable, "pipeline not started")
	}
	if strings.Contains(c.Get(fiber.HeaderAccept), fiber.MIMEApplicationJSON) {
		return c.JSON(p.Stats().Snapshot())
	}
	c.Set(fiber.HeaderContentType, "text/plain; version=0.0.4; charset=utf-8")
	return c.SendString(p.Stats().PrometheusFormat())
}

type metricView struct {
	ID          metric.ID        `json:"id"`
	Name        string           `json:"name"`
	ValueType   metric.ValueType `json:"value_type"`
	Unit        string           `json:"unit"`
	Description string           `json:"description,omitempty"`
}

func (s *Server) registryHandler(c *fiber.Ctx) error {
	entries := s.host.Registry().Definitions()
	out := make([]metricView, len(entries))
	for i, e := range entries {
		out[i] = metricView{
			ID:          e.ID,
			Name:        e.Name,
			ValueType:   e.ValueType,
			Unit:        e.Unit.String(),
			Description: e.Description,
		}
	}
	return c.JSON(fiber.Map{
		"count":   len(out),
		"metrics": out,
	})
}

func (s *Server) pluginsHandler(c *fiber.Ctx) error {
	status := s.host.Status()
	running := 0
	for _, st := range status {
		if st.State == plugin.StateRunning {
			running++
		}
	}
	return c.JSON(fiber.Map{
		"count":   len(status),
		"running": running,
		"plugins": status,
	})
}

func (s *Server) pipelineHandler(c *fiber.Ctx) error {
	p := s.host.Pipeline()
	if p == nil {
		return fiber.NewError(fiber.StatusServiceUnavailable, "pipeline not started")
	}
	return c.JSON(fiber.Map{
		"stages":    p.Stages(),
		"scheduled": p.Scheduled(),
		"stats":     p.Stats().Snapshot(),
	})
}

// logsHandler returns recent log entries. Query parameters: limit, level
// (minimum), since_minutes, component.
func (s *Server) logsHandler(c *fiber.Ctx) error {
	limit := defaultLogLimit
	if l := c.Query("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed <= 0 || parsed > maxLogLimit {
			return fiber.NewError(fiber.StatusBadRequest, "limit must be between 1 and "+strconv.Itoa(maxLogLimit))
		}
		limit = parsed
	}

	q := logger.Query{Limit: limit, MinLevel: zerolog.TraceLevel, Component: c.Query("component")}
	if level := c.Query("level"); level != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(level))
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "unknown level "+level)
		}
		q.MinLevel = parsed
	}
	if sm := c.Query("since_minutes"); sm != "" {
		minutes, err := strconv.Atoi(sm)
		if err != nil || minutes <= 0 {
			return fiber.NewError(fiber.StatusBadRequest, "since_minutes must be a positive integer")
		}
		q.Since = time.Now().Add(-time.Duration(minutes) * time.Minute)
	}

	entries := s.config.Logs.Recent(q)
	return c.JSON(fiber.Map{
		"count": len(entries),
		"limit": limit,
		"logs":  entries,
	})
}
