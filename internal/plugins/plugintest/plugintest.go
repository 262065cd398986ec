// Package plugintest runs plugins inside a real host for tests.
package plugintest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/basekick-labs/pulse/internal/codec"
	"github.com/basekick-labs/pulse/pkg/measurement"
	"github.com/basekick-labs/pulse/pkg/pipeline"
	"github.com/basekick-labs/pulse/pkg/plugin"
)

const WaitTimeout = 2 * time.Second

// Capture is an output plugin recording every batch it receives in decoded
// form.
type Capture struct {
	plugin.Base
	ch chan []codec.Record

	mu   sync.Mutex
	errs []error
}

// NewCapture creates a capture plugin named "capture"
func NewCapture() *Capture {
	return &Capture{
		Base: plugin.Base{PluginName: "capture", PluginVersion: "test"},
		ch:   make(chan []codec.Record, 64),
	}
}

// Metadata announces the capture plugin
func (c *Capture) Metadata() plugin.Metadata {
	return plugin.Metadata{
		Name:    c.PluginName,
		Version: c.PluginVersion,
		Init:    func(plugin.ConfigTable) (plugin.Plugin, error) { return c, nil },
	}
}

func (c *Capture) Start(ctx *plugin.StartContext) error {
	return ctx.AddOutput("records", c)
}

func (c *Capture) Write(view measurement.View, ctx *pipeline.OutputContext) error {
	recs, err := codec.FromView(view, ctx.Metrics)
	if err != nil {
		return err
	}
	c.ch <- recs
	return nil
}

// Next waits for the next batch
func (c *Capture) Next(t *testing.T) []codec.Record {
	t.Helper()
	select {
	case recs := <-c.ch:
		return recs
	case <-time.After(WaitTimeout):
		t.Fatal("no batch reached the capture output")
		return nil
	}
}

// None asserts that no batch arrives within wait
func (c *Capture) None(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case recs := <-c.ch:
		t.Fatalf("unexpected batch of %d records", len(recs))
	case <-time.After(wait):
	}
}

// Errors returns the stage errors reported by the pipeline
func (c *Capture) Errors() []error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]error(nil), c.errs...)
}

func (c *Capture) onError(err error) {
	c.mu.Lock()
	c.errs = append(c.errs, err)
	c.mu.Unlock()
}

// Start registers metas, then the capture plugin, starts the host and stops
// it when the test ends. configs maps plugin names to config tables.
func Start(t *testing.T, capture *Capture, configs map[string]plugin.ConfigTable, metas ...plugin.Metadata) *plugin.Host {
	t.Helper()

	cfg := &plugin.HostConfig{Logger: zerolog.Nop()}
	if capture != nil {
		cfg.Pipeline.OnError = capture.onError
	}
	h := plugin.NewHost(cfg)

	for _, m := range metas {
		require.NoError(t, h.Register(m))
	}
	if capture != nil {
		require.NoError(t, h.Register(capture.Metadata()))
	}
	for name, table := range configs {
		require.NoError(t, h.Configure(name, table))
	}

	require.NoError(t, h.Start(context.Background()))
	t.Cleanup(func() { _ = h.Stop() })
	return h
}

// RequireRunning fails the test unless every named plugin is running
func RequireRunning(t *testing.T, h *plugin.Host, names ...string) {
	t.Helper()
	for _, name := range names {
		state, err := h.State(name)
		require.NoError(t, err)
		if state != plugin.StateRunning {
			for _, st := range h.Status() {
				if st.Name == name {
					t.Fatalf("plugin %s is %s: %s", name, st.State, st.Error)
				}
			}
		}
	}
}
