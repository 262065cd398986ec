// Package diff provides a transform deriving the difference between
// consecutive values of a series.
package diff

import (
	"fmt"

	"github.com/basekick-labs/pulse/internal/plugins/counter"
	"github.com/basekick-labs/pulse/pkg/measurement"
	"github.com/basekick-labs/pulse/pkg/metric"
	"github.com/basekick-labs/pulse/pkg/pipeline"
	"github.com/basekick-labs/pulse/pkg/plugin"
)

const (
	Name    = "diff"
	Version = "0.1.0"
	Suffix  = "_diff"
)

type Config struct {
	// Metrics names the input metrics. Each gets a "<name>_diff" output
	// metric carrying f64 values.
	Metrics []string `config:"metrics"`
}

func defaultConfig() Config {
	return Config{Metrics: []string{counter.MetricName}}
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
			seen := make(map[string]bool, len(cfg.Metrics))
			for _, name := range cfg.Metrics {
				if name == "" || seen[name] {
					return nil, fmt.Errorf("invalid or repeated metric %q", name)
				}
				seen[name] = true
			}
			return &Plugin{
				Base:   plugin.Base{PluginName: Name, PluginVersion: Version},
				config: cfg,
			}, nil
		},
	}
}

type Plugin struct {
	plugin.Base
	config Config
}

func (p *Plugin) Start(ctx *plugin.StartContext) error {
	t := &Transform{
		outputs:  make(map[string]metric.TypedID[float64], len(p.config.Metrics)),
		previous: make(map[measurement.SeriesKey]float64),
	}
	for _, name := range p.config.Metrics {
		out, err := plugin.CreateMetric[float64](ctx, name+Suffix, metric.Unity.Plain(), "difference between consecutive values of "+name)
		if err != nil {
			return err
		}
		t.names = append(t.names, name)
		t.outputs[name] = out
	}
	return ctx.AddTransform("derive", t)
}

// Transform appends one derived point per input point that has a predecessor
// in the same series. Inputs are resolved by name on first use, so they may
// belong to plugins started later.
type Transform struct {
	names   []string
	outputs map[string]metric.TypedID[float64]

	resolved bool
	inputs   map[metric.ID]metric.TypedID[float64]

	previous map[measurement.SeriesKey]float64
}

func (t *Transform) resolve(ctx *pipeline.TransformContext) {
	t.inputs = make(map[metric.ID]metric.TypedID[float64], len(t.names))
	for _, name := range t.names {
		id, _, err := ctx.Metrics.ByName(name)
		if err != nil {
			ctx.Logger.Warn().Err(err).Str("metric", name).Msg("Input metric not registered, ignoring it")
			continue
		}
		t.inputs[id] = t.outputs[name]
	}
	t.resolved = true
}

func (t *Transform) Apply(buf *measurement.Buffer, ctx *pipeline.TransformContext) error {
	if !t.resolved {
		t.resolve(ctx)
	}

	n := buf.Len()
	for i := 0; i < n; i++ {
		p := buf.At(i)
		out, ok := t.inputs[p.Metric()]
		if !ok {
			continue
		}

		key := p.Series()
		current := p.Value().Float()
		prev, seen := t.previous[key]
		t.previous[key] = current
		if !seen {
			continue
		}

		buf.Push(measurement.NewPoint(p.Timestamp(), out, p.Resource(), p.Consumer(), current-prev))
	}
	return nil
}
