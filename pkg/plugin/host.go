package plugin

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/basekick-labs/pulse/pkg/metric"
	"github.com/basekick-labs/pulse/pkg/pipeline"
)

// HostConfig holds configuration for the plugin host. Pipeline.Logger is
// replaced by Logger.
type HostConfig struct {
	Logger   zerolog.Logger
	Pipeline pipeline.Config
}

// Host drives plugins through their lifecycle and owns the pipeline built
// from their stages.
type Host struct {
	cfg     HostConfig
	builder *pipeline.Builder
	logger  zerolog.Logger

	mu       sync.Mutex
	entries  []*entry
	byName   map[string]*entry
	started  []*entry // start order, for reverse stop
	pipe     *pipeline.Pipeline
	starting bool
	running  bool
	stopOnce sync.Once
	stopErr  error
}

type entry struct {
	meta      Metadata
	state     State
	config    ConfigTable
	plugin    Plugin
	err       error
	stages    []string
	metrics   []string
	startedAt time.Time
}

// NewHost creates a host with an empty pipeline builder
func NewHost(cfg *HostConfig) *Host {
	pcfg := cfg.Pipeline
	pcfg.Logger = cfg.Logger
	if pcfg.Registry == nil {
		pcfg.Registry = metric.NewRegistry(cfg.Logger)
	}

	return &Host{
		cfg:     *cfg,
		builder: pipeline.NewBuilder(&pcfg),
		byName:  make(map[string]*entry),
		logger:  cfg.Logger.With().Str("component", "plugin-host").Logger(),
	}
}

// Registry returns the metric registry shared by all plugins
func (h *Host) Registry() *metric.Registry {
	return h.builder.Registry()
}

// Register announces a plugin
func (h *Host) Register(meta Metadata) error {
	if strings.TrimSpace(meta.Name) == "" || meta.Init == nil {
		return fmt.Errorf("%w: name and Init are required", ErrInvalidMetadata)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.running || h.starting {
		return ErrHostStarted
	}
	if _, exists := h.byName[meta.Name]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, meta.Name)
	}

	e := &entry{meta: meta, state: StateRegistered}
	h.entries = append(h.entries, e)
	h.byName[meta.Name] = e

	h.logger.Debug().Str("plugin", meta.Name).Str("version", meta.Version).Msg("Plugin registered")
	return nil
}

// DefaultConfig returns the default table of a registered plugin
func (h *Host) DefaultConfig(name string) (ConfigTable, error) {
	h.mu.Lock()
	e, ok := h.byName[name]
	h.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlugin, name)
	}
	return defaultConfig(e.meta)
}

func defaultConfig(meta Metadata) (ConfigTable, error) {
	if meta.DefaultConfig == nil {
		return ConfigTable{}, nil
	}
	table, err := meta.DefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("plugin %s: default config: %w", meta.Name, err)
	}
	if table == nil {
		table = ConfigTable{}
	}
	return table, nil
}

// Configure sets the config table of a plugin. The table is merged over the
// plugin's defaults, so it only needs the keys that differ.
func (h *Host) Configure(name string, table ConfigTable) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.running || h.starting {
		return ErrHostStarted
	}
	e, ok := h.byName[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPlugin, name)
	}

	defaults, err := defaultConfig(e.meta)
	if err != nil {
		return err
	}
	e.config = Merge(defaults, table)
	e.state = StateConfigured
	return nil
}

// Start initializes and starts every registered plugin in registration order,
// then builds and starts the pipeline. A plugin that fails to initialize or
// start is marked failed and its stages are discarded; the others continue.
// Start returns an error only when the pipeline itself cannot be started.
//
// Plugin callbacks run without the host lock held, so Init and Start may call
// Status or State.
func (h *Host) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.running || h.starting {
		h.mu.Unlock()
		return ErrHostStarted
	}
	h.starting = true
	entries := append([]*entry(nil), h.entries...)
	h.mu.Unlock()

	for _, e := range entries {
		h.startOne(e)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.starting = false

	p, err := h.builder.Build(ctx)
	if err != nil {
		return fmt.Errorf("build pipeline: %w", err)
	}
	h.pipe = p
	h.running = true

	failed := 0
	for _, e := range h.entries {
		if e.state == StateStarted {
			e.state = StateRunning
		} else if e.state == StateFailed {
			failed++
		}
	}

	h.logger.Info().
		Int("plugins", len(h.entries)).
		Int("failed", failed).
		Msg("Plugins started")
	return nil
}

// startOne takes the lock only around entry updates. The builder is not
// shared while the host is starting.
func (h *Host) startOne(e *entry) {
	log := h.logger.With().Str("plugin", e.meta.Name).Logger()

	h.mu.Lock()
	state, table := e.state, e.config
	h.mu.Unlock()

	if state == StateRegistered {
		defaults, err := defaultConfig(e.meta)
		if err != nil {
			h.markFailed(e, err)
			return
		}
		table = defaults
		h.mu.Lock()
		e.config = defaults
		e.state = StateConfigured
		h.mu.Unlock()
	}

	p, err := e.meta.Init(table)
	if err != nil {
		h.markFailed(e, fmt.Errorf("init: %w", err))
		return
	}
	if p == nil {
		h.markFailed(e, errors.New("init returned no plugin"))
		return
	}
	h.mu.Lock()
	e.plugin = p
	e.state = StateInitialized
	h.mu.Unlock()

	sctx := newStartContext(e.meta.Name, h.builder.Registry(), log)
	startErr := guardStart(func() error { return p.Start(sctx) })
	staged, metrics := sctx.close()

	h.mu.Lock()
	e.metrics = metrics
	h.mu.Unlock()

	if startErr != nil {
		h.markFailed(e, fmt.Errorf("start: %w", startErr))
		return
	}
	if err := h.builder.Add(staged...); err != nil {
		h.markFailed(e, fmt.Errorf("register stages: %w", err))
		return
	}

	h.mu.Lock()
	for _, r := range staged {
		e.stages = append(e.stages, r.Key())
	}
	e.state = StateStarted
	e.startedAt = time.Now()
	h.started = append(h.started, e)
	h.mu.Unlock()

	log.Info().
		Str("version", p.Version()).
		Int("stages", len(staged)).
		Int("metrics", len(metrics)).
		Msg("Plugin started")
}

func guardStart(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}

func (h *Host) markFailed(e *entry, err error) {
	h.mu.Lock()
	h.fail(e, err)
	h.mu.Unlock()
}

// must be called with lock held
func (h *Host) fail(e *entry, err error) {
	e.state = StateFailed
	e.err = err
	h.logger.Error().Err(err).Str("plugin", e.meta.Name).Msg("Plugin failed")
}

// Pipeline returns the running pipeline, or nil before Start
func (h *Host) Pipeline() *pipeline.Pipeline {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pipe
}

// StopPlugin removes the stages of one running plugin from the pipeline and
// then stops the plugin itself.
func (h *Host) StopPlugin(name string) error {
	h.mu.Lock()
	e, ok := h.byName[name]
	if !ok {
		h.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownPlugin, name)
	}
	p := h.pipe
	live := e.state == StateRunning
	if live {
		// keeps a concurrent Stop from stopping the plugin twice
		e.state = StateStopped
	}
	h.mu.Unlock()

	if p == nil || !live {
		return nil
	}

	p.RemovePlugin(name)
	err := e.plugin.Stop()

	if err != nil {
		h.mu.Lock()
		h.fail(e, fmt.Errorf("stop: %w", err))
		h.mu.Unlock()
		return err
	}
	return nil
}

// Stop stops the pipeline, waiting for every stage to drain, and only then
// stops each plugin in reverse start order.
func (h *Host) Stop() error {
	h.stopOnce.Do(func() {
		h.mu.Lock()
		p := h.pipe
		started := append([]*entry(nil), h.started...)
		h.mu.Unlock()

		if p != nil {
			p.Stop()
		}

		var errs []error
		for i := len(started) - 1; i >= 0; i-- {
			e := started[i]
			h.mu.Lock()
			live := e.state == StateRunning || e.state == StateStarted
			if live {
				e.state = StateStopped
			}
			h.mu.Unlock()
			if !live {
				continue
			}
			if err := e.plugin.Stop(); err != nil {
				h.mu.Lock()
				h.fail(e, fmt.Errorf("stop: %w", err))
				h.mu.Unlock()
				errs = append(errs, fmt.Errorf("plugin %s: %w", e.meta.Name, err))
			}
		}

		h.stopErr = errors.Join(errs...)
		h.logger.Info().Int("plugins", len(started)).Msg("Plugins stopped")
	})
	return h.stopErr
}

// Status lists every registered plugin in registration order
func (h *Host) Status() []Status {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Status, 0, len(h.entries))
	for _, e := range h.entries {
		st := Status{
			Name:      e.meta.Name,
			Version:   e.meta.Version,
			State:     e.state,
			Stages:    e.stages,
			Metrics:   e.metrics,
			StartedAt: e.startedAt,
		}
		if e.err != nil {
			st.Error = e.err.Error()
		}
		out = append(out, st)
	}
	return out
}

// State returns the lifecycle state of one plugin
func (h *Host) State(name string) (State, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	e, ok := h.byName[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownPlugin, name)
	}
	return e.state, nil
}

// Exporters returns the HTTP handlers of running plugins keyed by path
func (h *Host) Exporters() map[string]http.Handler {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make(map[string]http.Handler)
	for _, e := range h.entries {
		if e.state != StateRunning {
			continue
		}
		if exp, ok := e.plugin.(Exporter); ok {
			out[exp.ExportPath()] = exp.Handler()
		}
	}
	return out
}
