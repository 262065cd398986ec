// Package shutdown runs the ordered teardown of the pulse process.
package shutdown

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// Closer is anything with a Close method
type Closer interface {
	Close() error
}

// Func is a teardown step bounded by the coordinator timeout
type Func func(ctx context.Context) error

// Priorities used by the host. Lower runs first.
const (
	PriorityAPI    = 10 // stop accepting requests
	PriorityHost   = 20 // drain the pipeline and stop plugins
	PriorityOutput = 30 // files and connections owned outside plugins
	PriorityLast   = 90
)

// Coordinator runs registered steps once, in priority order
type Coordinator struct {
	timeout time.Duration
	logger  zerolog.Logger

	mu    sync.Mutex
	steps []step

	once      sync.Once
	err       error
	trigger   sync.Once
	triggered chan struct{}
}

type step struct {
	name     string
	priority int
	fn       Func
}

func New(timeout time.Duration, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		timeout:   timeout,
		logger:    logger.With().Str("component", "shutdown").Logger(),
		triggered: make(chan struct{}),
	}
}

// Register adds a Close call at the given priority
func (c *Coordinator) Register(name string, closer Closer, priority int) {
	c.RegisterFunc(name, func(context.Context) error { return closer.Close() }, priority)
}

// RegisterFunc adds fn at the given priority. Steps sharing a priority run in
// registration order.
func (c *Coordinator) RegisterFunc(name string, fn Func, priority int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.steps = append(c.steps, step{name: name, priority: priority, fn: fn})
	c.logger.Debug().Str("name", name).Int("priority", priority).Msg("Registered shutdown step")
}

// Wait blocks until SIGINT or SIGTERM arrives, Trigger is called, or ctx is
// done.
func (c *Coordinator) Wait(ctx context.Context) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	select {
	case sig := <-sigs:
		c.logger.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
	case <-c.triggered:
	case <-ctx.Done():
	}
}

// Trigger releases Wait. Safe to call many times from any goroutine.
func (c *Coordinator) Trigger() {
	c.trigger.Do(func() {
		c.logger.Info().Msg("Shutdown triggered")
		close(c.triggered)
	})
}

// Shutdown runs every step once. A failing step does not stop the following
// ones; when the timeout expires the remaining steps are skipped. The
// returned error joins every failure.
func (c *Coordinator) Shutdown() error {
	c.once.Do(func() {
		c.Trigger()

		c.mu.Lock()
		steps := append([]step(nil), c.steps...)
		c.mu.Unlock()
		sort.SliceStable(steps, func(i, j int) bool { return steps[i].priority < steps[j].priority })

		c.logger.Info().Dur("timeout", c.timeout).Int("steps", len(steps)).Msg("Starting graceful shutdown")
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()

		start := time.Now()
		var errs []error
		for i, s := range steps {
			if ctx.Err() != nil {
				c.logger.Warn().Str("step", s.name).Int("skipped", len(steps)-i).Msg("Shutdown timeout reached, skipping remaining steps")
				errs = append(errs, ctx.Err())
				break
			}
			if err := s.fn(ctx); err != nil {
				c.logger.Error().Err(err).Str("step", s.name).Msg("Shutdown step failed")
				errs = append(errs, err)
				continue
			}
			c.logger.Debug().Str("step", s.name).Msg("Shutdown step complete")
		}
		c.err = errors.Join(errs...)
		c.logger.Info().Dur("duration", time.Since(start)).Msg("Graceful shutdown complete")
	})
	return c.err
}
