package plugin

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/basekick-labs/pulse/pkg/metric"
	"github.com/basekick-labs/pulse/pkg/pipeline"
	"github.com/basekick-labs/pulse/pkg/pipeline/trigger"
)

// StartContext is handed to Plugin.Start. It is only valid until Start
// returns; later calls fail with ErrOutsideStart.
//
// Stages registered through the context are staged and only reach the
// pipeline when Start succeeds.
type StartContext struct {
	plugin   string
	registry *metric.Registry
	logger   zerolog.Logger

	mu      sync.Mutex
	closed  bool
	staged  []pipeline.Registration
	metrics []string
}

func newStartContext(plugin string, registry *metric.Registry, logger zerolog.Logger) *StartContext {
	return &StartContext{
		plugin:   plugin,
		registry: registry,
		logger:   logger,
	}
}

// Plugin returns the name of the plugin being started
func (c *StartContext) Plugin() string { return c.plugin }

// Logger returns a logger tagged with the plugin name
func (c *StartContext) Logger() zerolog.Logger { return c.logger }

// Metrics gives read access to every metric created so far, including those
// of plugins started earlier.
func (c *StartContext) Metrics() metric.Lookup { return c.registry }

// CreateMetric registers a metric carrying values of type T. Names are global
// across plugins.
func CreateMetric[T metric.Value](c *StartContext, name string, unit metric.PrefixedUnit, description string) (metric.TypedID[T], error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkOpen("CreateMetric"); err != nil {
		return metric.TypedID[T]{}, err
	}
	id, err := metric.Create[T](c.registry, name, unit, description)
	if err != nil {
		return metric.TypedID[T]{}, fmt.Errorf("plugin %s: %w", c.plugin, err)
	}
	c.metrics = append(c.metrics, name)
	return id, nil
}

// AddSource stages a source polled according to spec
func (c *StartContext) AddSource(name string, src pipeline.Source, spec trigger.Spec) error {
	return c.stage("AddSource", pipeline.Registration{Plugin: c.plugin, Name: name, Source: src, Trigger: spec})
}

// AddTransform stages a transform. Transforms run in the order they are added,
// plugins in the order they are started.
func (c *StartContext) AddTransform(name string, t pipeline.Transform) error {
	return c.stage("AddTransform", pipeline.Registration{Plugin: c.plugin, Name: name, Transform: t})
}

// AddOutput stages an output that runs on the pipeline loop
func (c *StartContext) AddOutput(name string, out pipeline.Output) error {
	return c.stage("AddOutput", pipeline.Registration{Plugin: c.plugin, Name: name, Output: out})
}

// AddBlockingOutput stages an output that gets its own goroutine and queue
func (c *StartContext) AddBlockingOutput(name string, out pipeline.Output) error {
	return c.stage("AddBlockingOutput", pipeline.Registration{Plugin: c.plugin, Name: name, Output: out, Blocking: true})
}

func (c *StartContext) stage(op string, r pipeline.Registration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkOpen(op); err != nil {
		return err
	}
	for _, s := range c.staged {
		if s.Name == r.Name {
			return fmt.Errorf("%w: %s", pipeline.ErrDuplicateStage, r.Key())
		}
	}
	c.staged = append(c.staged, r)
	return nil
}

// must be called with lock held
func (c *StartContext) checkOpen(op string) error {
	if !c.closed {
		return nil
	}
	c.logger.Error().
		Str("operation", op).
		Msg("Plugin used its start context after Start returned")
	return fmt.Errorf("%w: %s.%s", ErrOutsideStart, c.plugin, op)
}

// close invalidates the context and returns what was staged
func (c *StartContext) close() ([]pipeline.Registration, []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	staged := c.staged
	c.staged = nil
	return staged, c.metrics
}
