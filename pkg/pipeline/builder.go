package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/basekick-labs/pulse/internal/circuitbreaker"
	"github.com/basekick-labs/pulse/internal/scheduler"
	"github.com/basekick-labs/pulse/internal/stats"
	"github.com/basekick-labs/pulse/pkg/measurement"
	"github.com/basekick-labs/pulse/pkg/metric"
	"github.com/basekick-labs/pulse/pkg/pipeline/trigger"
)

const (
	DefaultPollQueueSize      = 64
	DefaultBlockingQueueSize  = 16
	DefaultOutputMaxFailures  = 5
	DefaultOutputRetryTimeout = 30 * time.Second
)

// Config holds configuration for a pipeline
type Config struct {
	Logger zerolog.Logger

	// Registry is the metric namespace shared by all stages. A new one is
	// created when nil.
	Registry *metric.Registry

	// PollQueueSize bounds the number of polled buffers waiting to be merged
	PollQueueSize int

	// BlockingQueueSize bounds each blocking output's queue. Batches arriving
	// while the queue is full are dropped and counted.
	BlockingQueueSize int

	// OutputMaxFailures consecutive write failures open an output's circuit
	// breaker. Negative disables the breaker.
	OutputMaxFailures int

	// OutputRetryTimeout is how long an open breaker skips writes
	OutputRetryTimeout time.Duration

	// OnError receives every stage error. It is called from several
	// goroutines and must be safe for concurrent use.
	OnError func(error)
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Registry == nil {
		out.Registry = metric.NewRegistry(out.Logger)
	}
	if out.PollQueueSize <= 0 {
		out.PollQueueSize = DefaultPollQueueSize
	}
	if out.BlockingQueueSize <= 0 {
		out.BlockingQueueSize = DefaultBlockingQueueSize
	}
	if out.OutputMaxFailures == 0 {
		out.OutputMaxFailures = DefaultOutputMaxFailures
	}
	if out.OutputRetryTimeout <= 0 {
		out.OutputRetryTimeout = DefaultOutputRetryTimeout
	}
	return out
}

// Registration describes one stage to add. Exactly one of Source, Transform
// and Output is set.
type Registration struct {
	Plugin    string
	Name      string
	Source    Source
	Trigger   trigger.Spec
	Transform Transform
	Output    Output
	Blocking  bool
}

func (r Registration) Key() string { return StageKey(r.Plugin, r.Name) }

// Kind returns the role of the registered stage
func (r Registration) Kind() StageKind {
	switch {
	case r.Source != nil:
		return KindSource
	case r.Transform != nil:
		return KindTransform
	case r.Output != nil:
		return KindOutput
	default:
		return 0
	}
}

func (r Registration) validate() error {
	if strings.TrimSpace(r.Plugin) == "" || strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("%w: plugin and stage names are required", ErrInvalidStage)
	}
	set := 0
	for _, ok := range []bool{r.Source != nil, r.Transform != nil, r.Output != nil} {
		if ok {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("%w: %s must be exactly one of source, transform or output", ErrInvalidStage, r.Key())
	}
	if r.Source != nil {
		if err := r.Trigger.Validate(); err != nil {
			return fmt.Errorf("source %s: %w", r.Key(), err)
		}
	}
	return nil
}

// Builder collects stages during the start phase. It is not safe for
// concurrent use.
type Builder struct {
	cfg    Config
	regs   []Registration
	keys   map[string]bool
	built  bool
	logger zerolog.Logger
}

// NewBuilder creates a builder
func NewBuilder(cfg *Config) *Builder {
	c := cfg.withDefaults()
	return &Builder{
		cfg:    c,
		keys:   make(map[string]bool),
		logger: c.Logger.With().Str("component", "pipeline").Logger(),
	}
}

// Registry returns the metric registry the pipeline will use
func (b *Builder) Registry() *metric.Registry {
	return b.cfg.Registry
}

// Has reports whether plugin/stage is already registered
func (b *Builder) Has(key string) bool {
	return b.keys[key]
}

// Add registers all stages or none of them
func (b *Builder) Add(regs ...Registration) error {
	if b.built {
		return ErrBuilt
	}

	seen := make(map[string]bool, len(regs))
	for _, r := range regs {
		if err := r.validate(); err != nil {
			return err
		}
		key := r.Key()
		if b.keys[key] || seen[key] {
			return fmt.Errorf("%w: %s", ErrDuplicateStage, key)
		}
		seen[key] = true
	}

	for _, r := range regs {
		b.keys[r.Key()] = true
		b.regs = append(b.regs, r)
	}
	return nil
}

func (b *Builder) AddSource(plugin, name string, src Source, spec trigger.Spec) error {
	return b.Add(Registration{Plugin: plugin, Name: name, Source: src, Trigger: spec})
}

func (b *Builder) AddTransform(plugin, name string, t Transform) error {
	return b.Add(Registration{Plugin: plugin, Name: name, Transform: t})
}

func (b *Builder) AddOutput(plugin, name string, out Output) error {
	return b.Add(Registration{Plugin: plugin, Name: name, Output: out})
}

// AddBlockingOutput registers an output that runs on its own goroutine behind
// a bounded queue, for writers that may block on I/O.
func (b *Builder) AddBlockingOutput(plugin, name string, out Output) error {
	return b.Add(Registration{Plugin: plugin, Name: name, Output: out, Blocking: true})
}

// Build seals the metric registry, starts the pipeline loop and schedules
// every source. Cancelling ctx stops the pipeline.
func (b *Builder) Build(ctx context.Context) (*Pipeline, error) {
	if b.built {
		return nil, ErrBuilt
	}
	b.built = true

	b.cfg.Registry.Seal()

	p := &Pipeline{
		cfg:      b.cfg,
		registry: b.cfg.Registry,
		stats:    stats.New(),
		sched:    scheduler.New(&scheduler.Config{Logger: b.cfg.Logger}),
		polls:    make(chan polled, b.cfg.PollQueueSize),
		sources:  make(map[string]*sourceStage),
		loopDone: make(chan struct{}),
		stopped:  make(chan struct{}),
		logger:   b.logger,
	}

	for _, r := range b.regs {
		info := StageInfo{
			ID:     uuid.New().String()[:12],
			Key:    r.Key(),
			Plugin: r.Plugin,
			Name:   r.Name,
			Kind:   r.Kind(),
		}
		logger := b.cfg.Logger.With().
			Str("plugin", r.Plugin).
			Str("stage", r.Name).
			Str("kind", info.Kind.String()).
			Logger()
		sctx := StageContext{Metrics: p.registry, Logger: logger, Plugin: r.Plugin, Stage: r.Name}

		switch info.Kind {
		case KindSource:
			info.Trigger = r.Trigger.String()
			s := &sourceStage{info: info, src: r.Source, spec: r.Trigger, logger: logger, counters: p.stats.Stage(info.Key)}
			p.sources[info.Key] = s
			p.sourceOrder = append(p.sourceOrder, info.Key)

		case KindTransform:
			p.transforms = append(p.transforms, &transformStage{
				info:     info,
				t:        r.Transform,
				ctx:      &TransformContext{StageContext: sctx},
				counters: p.stats.Stage(info.Key),
			})

		case KindOutput:
			info.Blocking = r.Blocking
			o := &outputStage{
				info:     info,
				out:      r.Output,
				ctx:      &OutputContext{StageContext: sctx, Blocking: r.Blocking},
				counters: p.stats.Stage(info.Key),
				breaker: circuitbreaker.New(&circuitbreaker.Config{
					Name:        info.Key,
					MaxFailures: b.cfg.OutputMaxFailures,
					Timeout:     b.cfg.OutputRetryTimeout,
				}, b.cfg.Logger),
			}
			if r.Blocking {
				o.queue = make(chan *measurement.Buffer, b.cfg.BlockingQueueSize)
				o.done = make(chan struct{})
				go p.runBlocking(o)
			}
			p.outputs = append(p.outputs, o)
		}
	}

	go p.run()

	for _, key := range p.sourceOrder {
		s := p.sources[key]
		if err := p.sched.Add(key, s.spec, p.pollFunc(s)); err != nil {
			p.Stop()
			return nil, fmt.Errorf("schedule source %s: %w", key, err)
		}
	}

	if done := ctx.Done(); done != nil {
		go func() {
			select {
			case <-done:
				p.Stop()
			case <-p.stopped:
			}
		}()
	}

	p.logger.Info().
		Int("sources", len(p.sources)).
		Int("transforms", len(p.transforms)).
		Int("outputs", len(p.outputs)).
		Int("metrics", p.registry.Len()).
		Msg("Pipeline started")

	return p, nil
}
