// Package random provides a source reading random 64-bit values from a
// device file.
package random

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/basekick-labs/pulse/pkg/measurement"
	"github.com/basekick-labs/pulse/pkg/metric"
	"github.com/basekick-labs/pulse/pkg/pipeline"
	"github.com/basekick-labs/pulse/pkg/pipeline/trigger"
	"github.com/basekick-labs/pulse/pkg/plugin"
)

const (
	Name       = "random"
	Version    = "0.1.0"
	MetricName = "random_byte"
)

type Config struct {
	PollInterval time.Duration `config:"poll_interval"`
	Device       string        `config:"device"`
}

func defaultConfig() Config {
	return Config{PollInterval: time.Second, Device: "/dev/urandom"}
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
			cfg := defaultConfig()
			if err := plugin.DecodeConfig(table, &cfg); err != nil {
				return nil, err
			}
			if cfg.Device == "" {
				return nil, fmt.Errorf("device is required")
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
	id, err := plugin.CreateMetric[uint64](ctx, MetricName, metric.Byte.Plain(), "random bytes read from a device")
	if err != nil {
		return err
	}

	// fail at start rather than on every poll
	f, err := os.Open(p.config.Device)
	if err != nil {
		return fmt.Errorf("open device: %w", err)
	}
	f.Close()

	src := &Source{metric: id, device: p.config.Device, logger: ctx.Logger()}
	return ctx.AddSource("device", src, trigger.AtInterval(p.config.PollInterval))
}

// Source reads 8 bytes per poll and reports them as a little-endian u64 with
// the attribute "double" holding half the value.
type Source struct {
	metric metric.TypedID[uint64]
	device string
	logger zerolog.Logger
}

func (s *Source) Poll(acc *measurement.Accumulator, ts time.Time) error {
	f, err := os.Open(s.device)
	if err != nil {
		if os.IsNotExist(err) {
			// the device is gone for good
			return pipeline.Fatal(fmt.Errorf("open %s: %w", s.device, err))
		}
		return fmt.Errorf("open %s: %w", s.device, err)
	}
	defer f.Close()

	var buf [8]byte
	if _, err := io.ReadFull(f, buf[:]); err != nil {
		return fmt.Errorf("read %s: %w", s.device, err)
	}
	value := binary.LittleEndian.Uint64(buf[:])

	s.logger.Trace().Uint8("first_byte", buf[0]).Msg("Random value read")

	acc.Push(measurement.NewPoint(ts, s.metric, measurement.LocalMachine(), measurement.LocalMachineConsumer(), value).
		WithAttr("double", measurement.Uint(value/2)))
	return nil
}
