// Package journal provides a blocking output appending every tick to an
// on-disk journal, and the reader behind `pulse journal dump`.
package journal

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/basekick-labs/pulse/internal/codec"
	"github.com/basekick-labs/pulse/internal/wal"
	"github.com/basekick-labs/pulse/pkg/measurement"
	"github.com/basekick-labs/pulse/pkg/pipeline"
	"github.com/basekick-labs/pulse/pkg/plugin"
)

const (
	Name    = "journal"
	Version = "0.1.0"
)

type Config struct {
	Dir          string        `config:"dir"`
	SyncMode     string        `config:"sync_mode"`
	MaxSizeMB    int64         `config:"max_size_mb"`
	MaxAge       time.Duration `config:"max_age"`
	SyncInterval time.Duration `config:"sync_interval"`
	Compress     bool          `config:"compress"`
}

func defaultConfig() Config {
	return Config{
		Dir:          "./data/journal",
		SyncMode:     string(wal.SyncModeBatch),
		MaxSizeMB:    64,
		MaxAge:       time.Hour,
		SyncInterval: time.Second,
		Compress:     true,
	}
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
			if cfg.Dir == "" {
				return nil, fmt.Errorf("dir is required")
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
	writer *wal.Writer
}

func (p *Plugin) Start(ctx *plugin.StartContext) error {
	w, err := wal.NewWriter(&wal.WriterConfig{
		Dir:          p.config.Dir,
		SyncMode:     wal.SyncMode(p.config.SyncMode),
		MaxSizeBytes: p.config.MaxSizeMB * 1024 * 1024,
		MaxAge:       p.config.MaxAge,
		SyncInterval: p.config.SyncInterval,
		Compress:     p.config.Compress,
		Logger:       ctx.Logger(),
	})
	if err != nil {
		return err
	}
	p.writer = w

	if err := ctx.AddBlockingOutput("append", &Output{writer: w}); err != nil {
		w.Close()
		p.writer = nil
		return err
	}
	return nil
}

func (p *Plugin) Stop() error {
	if p.writer == nil {
		return nil
	}
	return p.writer.Close()
}

// Writer returns the journal writer, nil before Start
func (p *Plugin) Writer() *wal.Writer { return p.writer }

// Output encodes each batch with codec and appends it as one entry
type Output struct {
	writer *wal.Writer
}

func (o *Output) Write(view measurement.View, ctx *pipeline.OutputContext) error {
	now := time.Now()
	payload, err := codec.EncodeView(view, ctx.Metrics, now)
	if err != nil {
		return err
	}
	return o.writer.Append(payload, now)
}

// Dump prints every point stored under path, which may be a single segment
// or a journal directory, in the text rendering. It returns the number of
// points printed.
func Dump(ctx context.Context, path string, out io.Writer, logger zerolog.Logger) (int, error) {
	printed := 0
	var line []byte
	emit := func(_ context.Context, e wal.Entry) error {
		batch, err := codec.Decode(e.Payload)
		if err != nil {
			return err
		}
		for _, r := range batch.Points {
			line = append(r.AppendText(line[:0]), '\n')
			if _, err := out.Write(line); err != nil {
				return err
			}
			printed++
		}
		return nil
	}

	segments, err := wal.Segments(path)
	if err != nil {
		// not a directory: treat it as a segment file
		err := wal.NewReader(path, logger).Each(func(e wal.Entry) error { return emit(ctx, e) })
		return printed, err
	}
	if len(segments) == 0 {
		return 0, fmt.Errorf("no journal segments in %s", path)
	}
	_, err = wal.NewReplayer(path, logger).Replay(ctx, emit)
	return printed, err
}
