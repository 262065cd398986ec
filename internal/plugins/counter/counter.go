// Package counter provides a source counting its own polls.
package counter

import (
	"time"

	"github.com/basekick-labs/pulse/pkg/measurement"
	"github.com/basekick-labs/pulse/pkg/metric"
	"github.com/basekick-labs/pulse/pkg/pipeline/trigger"
	"github.com/basekick-labs/pulse/pkg/plugin"
)

const (
	Name       = "counter"
	Version    = "0.1.0"
	MetricName = "example_source_call_counter"
)

// Config is the plugin configuration
type Config struct {
	PollInterval time.Duration `config:"poll_interval"`
}

func defaultConfig() Config {
	return Config{PollInterval: time.Second}
}

// Metadata announces the plugin to the host
func Metadata() plugin.Metadata {
	return MetadataWithTrigger(nil)
}

// MetadataWithTrigger is Metadata with the interval trigger replaced by spec
// when spec is non-nil. Tests use it to drive the source by hand.
func MetadataWithTrigger(spec *trigger.Spec) plugin.Metadata {
	return plugin.Metadata{
		Name:    Name,
		Version: Version,
		DefaultConfig: func() (plugin.ConfigTable, error) {
			return plugin.EncodeConfig(defaultConfig())
		},
		Init: func(table plugin.ConfigTable) (plugin.Plugin, error) {
			cfg := defaultConfig()
			if err := plugin.DecodeConfig(table, &cfg); err != nil {
				return nil, err
			}
			return &Plugin{
				Base:   plugin.Base{PluginName: Name, PluginVersion: Version},
				config: cfg,
				spec:   spec,
			}, nil
		},
	}
}

// Plugin registers one counting source
type Plugin struct {
	plugin.Base
	config Config
	spec   *trigger.Spec
}

func (p *Plugin) Start(ctx *plugin.StartContext) error {
	id, err := plugin.CreateMetric[uint64](ctx, MetricName, metric.Unity.Plain(), "number of times the example source has been called")
	if err != nil {
		return err
	}

	spec := trigger.AtInterval(p.config.PollInterval)
	if p.spec != nil {
		spec = *p.spec
	}
	return ctx.AddSource("calls", &Source{metric: id}, spec)
}

// Source emits 0, 1, 2, ... on successive polls
type Source struct {
	metric metric.TypedID[uint64]
	calls  uint64
}

func (s *Source) Poll(acc *measurement.Accumulator, ts time.Time) error {
	n := s.calls
	s.calls++
	acc.Push(measurement.NewPoint(ts, s.metric, measurement.LocalMachine(), measurement.LocalMachineConsumer(), n))
	return nil
}
