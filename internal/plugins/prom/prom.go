// Package prom provides an output exposing the latest value of every series
// as Prometheus gauges.
package prom

import (
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/basekick-labs/pulse/pkg/measurement"
	"github.com/basekick-labs/pulse/pkg/metric"
	"github.com/basekick-labs/pulse/pkg/pipeline"
	"github.com/basekick-labs/pulse/pkg/plugin"
)

const (
	Name    = "prom"
	Version = "0.1.0"
)

var labels = []string{"resource_kind", "resource_id", "consumer_kind", "consumer_id"}

type Config struct {
	// Namespace prefixes every exported metric name
	Namespace string `config:"namespace"`

	// Path is where the host API mounts the exporter
	Path string `config:"path"`
}

func defaultConfig() Config {
	return Config{Namespace: "pulse", Path: "/exporter/metrics"}
}

// Metadata announces the plugin to the host
func Metadata() plugin.Metadata {
	return plugin.Metadata{
		Name:    Name,
		Version: Version,
		DefaultConfig: func() (plugin.ConfigTable, error) {
			return plugin.EncodeConfig(defaultConfig())
		},
		Init: func(table plugin.ConfigTable) (plugin.Plugin, error) {
			var cfg Config
			if err := plugin.DecodeConfig(table, &cfg); err != nil {
				return nil, err
			}
			if !strings.HasPrefix(cfg.Path, "/") {
				return nil, fmt.Errorf("path must start with /: %q", cfg.Path)
			}
			return &Plugin{
				Base:     plugin.Base{PluginName: Name, PluginVersion: Version},
				config:   cfg,
				exporter: NewExporter(cfg.Namespace),
			}, nil
		},
	}
}

type Plugin struct {
	plugin.Base
	config   Config
	exporter *Exporter
}

func (p *Plugin) Start(ctx *plugin.StartContext) error {
	return ctx.AddOutput("gauges", p.exporter)
}

func (p *Plugin) ExportPath() string { return p.config.Path }

func (p *Plugin) Handler() http.Handler { return p.exporter.Handler() }

// Exporter keeps one gauge vector per metric on a private registry
type Exporter struct {
	namespace string
	registry  *prometheus.Registry

	mu     sync.Mutex
	gauges map[metric.ID]*prometheus.GaugeVec
}

// NewExporter creates an exporter with an empty registry
func NewExporter(namespace string) *Exporter {
	return &Exporter{
		namespace: namespace,
		registry:  prometheus.NewRegistry(),
		gauges:    make(map[metric.ID]*prometheus.GaugeVec),
	}
}

// Registry exposes the registry for tests and custom handlers
func (e *Exporter) Registry() *prometheus.Registry { return e.registry }

// Handler serves the registry in the Prometheus exposition format
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

func (e *Exporter) Write(view measurement.View, ctx *pipeline.OutputContext) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var err error
	view.Each(func(p measurement.Point) bool {
		var g *prometheus.GaugeVec
		g, err = e.gauge(p.Metric(), ctx.Metrics)
		if err != nil {
			return false
		}
		res, cons := p.Resource(), p.Consumer()
		g.WithLabelValues(string(res.Kind), res.ID, string(cons.Kind), cons.ID).Set(p.Value().Float())
		return true
	})
	return err
}

// must be called with lock held
func (e *Exporter) gauge(id metric.ID, lookup metric.Lookup) (*prometheus.GaugeVec, error) {
	if g, ok := e.gauges[id]; ok {
		return g, nil
	}

	def, err := lookup.ByID(id)
	if err != nil {
		return nil, err
	}

	help := def.Description
	if unit := def.Unit.String(); unit != "" {
		help = strings.TrimSpace(help + " (" + unit + ")")
	}
	if help == "" {
		help = def.Name
	}

	g := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: e.namespace,
		Name:      SanitizeName(def.Name),
		Help:      help,
	}, labels)
	if err := e.registry.Register(g); err != nil {
		return nil, fmt.Errorf("register gauge for %s: %w", def.Name, err)
	}
	e.gauges[id] = g
	return g, nil
}

// SanitizeName maps a metric name onto the Prometheus name alphabet
func SanitizeName(name string) string {
	var sb strings.Builder
	sb.Grow(len(name))
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_', r == ':':
			sb.WriteRune(r)
		case r >= '0' && r <= '9':
			if i == 0 {
				sb.WriteByte('_')
			}
			sb.WriteRune(r)
		default:
			sb.WriteByte('_')
		}
	}
	return sb.String()
}
