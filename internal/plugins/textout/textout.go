// Package textout provides an output printing one line per point.
package textout

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/basekick-labs/pulse/internal/codec"
	"github.com/basekick-labs/pulse/pkg/measurement"
	"github.com/basekick-labs/pulse/pkg/pipeline"
	"github.com/basekick-labs/pulse/pkg/plugin"
)

const (
	Name    = "textout"
	Version = "0.1.0"
)

type Config struct {
	// Path is the file to append to; empty or "-" means stdout
	Path string `config:"path"`

	// Blocking runs the output on its own goroutine, for slow files
	Blocking bool `config:"blocking"`
}

// Metadata announces the plugin to the host
func Metadata() plugin.Metadata {
	return plugin.Metadata{
		Name:    Name,
		Version: Version,
		DefaultConfig: func() (plugin.ConfigTable, error) {
			return plugin.EncodeConfig(Config{Path: "-"})
		},
		Init: func(table plugin.ConfigTable) (plugin.Plugin, error) {
			var cfg Config
			if err := plugin.DecodeConfig(table, &cfg); err != nil {
				return nil, err
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
	file   *os.File
}

func (p *Plugin) Start(ctx *plugin.StartContext) error {
	var w io.Writer = os.Stdout
	if p.config.Path != "" && p.config.Path != "-" {
		f, err := os.OpenFile(p.config.Path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("open output file: %w", err)
		}
		p.file = f
		w = f
	}

	out := New(w)
	if p.config.Blocking {
		return ctx.AddBlockingOutput("lines", out)
	}
	return ctx.AddOutput("lines", out)
}

func (p *Plugin) Stop() error {
	if p.file == nil {
		return nil
	}
	return p.file.Close()
}

// Output renders every point with codec.Record.AppendText
type Output struct {
	mu  sync.Mutex
	w   *bufio.Writer
	buf []byte
}

// New creates an output writing to w
func New(w io.Writer) *Output {
	return &Output{w: bufio.NewWriter(w)}
}

// Write renders the batch and flushes it. A point whose metric cannot be
// resolved fails the whole batch with an error wrapping metric.ErrNotFound;
// nothing of that batch is written.
func (o *Output) Write(view measurement.View, ctx *pipeline.OutputContext) error {
	recs, err := codec.FromView(view, ctx.Metrics)
	if err != nil {
		return err
	}
	return o.WriteRecords(recs)
}

// WriteRecords renders already decoded records
func (o *Output) WriteRecords(recs []codec.Record) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	for _, r := range recs {
		o.buf = r.AppendText(o.buf[:0])
		o.buf = append(o.buf, '\n')
		if _, err := o.w.Write(o.buf); err != nil {
			return fmt.Errorf("write line: %w", err)
		}
	}
	if err := o.w.Flush(); err != nil {
		return fmt.Errorf("flush lines: %w", err)
	}
	return nil
}
