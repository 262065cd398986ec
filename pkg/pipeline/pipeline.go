package pipeline

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/basekick-labs/pulse/internal/circuitbreaker"
	"github.com/basekick-labs/pulse/internal/scheduler"
	"github.com/basekick-labs/pulse/internal/stats"
	"github.com/basekick-labs/pulse/pkg/measurement"
	"github.com/basekick-labs/pulse/pkg/metric"
	"github.com/basekick-labs/pulse/pkg/pipeline/trigger"
)

// Pipeline is a running set of stages
type Pipeline struct {
	cfg      Config
	registry *metric.Registry
	stats    *stats.Stats
	sched    *scheduler.Scheduler
	polls    chan polled
	logger   zerolog.Logger

	// mu guards the stage lists. The loop holds the read lock for a whole
	// tick, so removals happen between ticks.
	mu          sync.RWMutex
	sources     map[string]*sourceStage
	sourceOrder []string
	transforms  []*transformStage
	outputs     []*outputStage

	loopDone chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

type sourceStage struct {
	info     StageInfo
	src      Source
	spec     trigger.Spec
	logger   zerolog.Logger
	counters *stats.StageCounters
	lastLen  int // owned by the source's job goroutine
}

type transformStage struct {
	info     StageInfo
	t        Transform
	ctx      *TransformContext
	counters *stats.StageCounters
}

type outputStage struct {
	info     StageInfo
	out      Output
	ctx      *OutputContext
	counters *stats.StageCounters
	breaker  *circuitbreaker.CircuitBreaker

	// blocking outputs only
	queue chan *measurement.Buffer
	done  chan struct{}
}

// polled is the result of one successful poll
type polled struct {
	source *sourceStage
	buf    *measurement.Buffer
}

func (p *Pipeline) pollFunc(s *sourceStage) scheduler.PollFunc {
	return func(ts time.Time) error {
		buf := measurement.NewBuffer(s.lastLen)
		acc := measurement.NewAccumulator(buf)

		err := guard(func() error { return s.src.Poll(acc, ts) })
		p.stats.IncPolls()
		s.counters.Calls.Add(1)

		if err != nil {
			p.stats.IncPollErrors()
			s.counters.Errors.Add(1)
			p.report(s.info, &PollError{Plugin: s.info.Plugin, Stage: s.info.Name, Err: err})
			if IsFatal(err) {
				p.forgetSource(s.info.Key)
				return scheduler.ErrRemoveJob
			}
			return nil
		}

		s.lastLen = buf.Len()
		if buf.Len() == 0 {
			return nil
		}
		s.counters.Points.Add(int64(buf.Len()))
		p.polls <- polled{source: s, buf: buf}
		return nil
	}
}

func (p *Pipeline) forgetSource(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.sources, key)
	for i, k := range p.sourceOrder {
		if k == key {
			p.sourceOrder = append(p.sourceOrder[:i:i], p.sourceOrder[i+1:]...)
			break
		}
	}
	p.logger.Warn().Str("stage", key).Msg("Source deregistered after fatal poll error")

	// Nothing can produce points any more. Stop waits for this job's
	// goroutine, so it has to run on its own.
	if len(p.sources) == 0 {
		p.logger.Info().Msg("Last source deregistered, stopping pipeline")
		go p.Stop()
	}
}

// run is the pipeline loop. It exits once the poll channel is closed and
// drained.
func (p *Pipeline) run() {
	defer close(p.loopDone)

	for first := range p.polls {
		batch := []polled{first}

	drain:
		for {
			select {
			case next, ok := <-p.polls:
				if !ok {
					break drain
				}
				batch = append(batch, next)
			default:
				break drain
			}
		}

		p.tick(batch)
	}
}

func (p *Pipeline) tick(batch []polled) {
	start := time.Now()

	p.mu.RLock()
	defer p.mu.RUnlock()

	size := 0
	for _, b := range batch {
		size += b.buf.Len()
	}
	buf := measurement.NewBuffer(size)
	for _, b := range batch {
		p.merge(buf, b)
	}

	if buf.Len() == 0 {
		p.stats.IncEmptyTicks()
		return
	}
	p.stats.IncTicks()
	p.stats.AddPointsMerged(buf.Len())

	for _, t := range p.transforms {
		p.applyTransform(t, buf)
	}

	if buf.Len() > 0 {
		// counted first, outputs may hand the batch on before fanOut returns
		p.stats.AddPointsOut(buf.Len())
		p.fanOut(buf)
	}

	p.stats.RecordTickLatency(time.Since(start))
}

// merge appends the valid points of one poll to the tick buffer. A point whose
// metric is unknown or whose value kind differs from the metric's type is a
// source bug; it is dropped and reported.
func (p *Pipeline) merge(dst *measurement.Buffer, b polled) {
	var invalid []error
	for _, pt := range b.buf.All() {
		def, err := p.registry.ByID(pt.Metric())
		if err != nil {
			invalid = append(invalid, err)
			continue
		}
		if def.ValueType != pt.Value().Kind() {
			invalid = append(invalid, &measurement.TypeMismatchError{
				Metric: pt.Metric(),
				Want:   def.ValueType,
				Got:    pt.Value().Kind(),
			})
			continue
		}
		dst.Push(pt)
	}

	if len(invalid) > 0 {
		p.stats.AddPointsInvalid(len(invalid))
		p.report(b.source.info, &PollError{
			Plugin: b.source.info.Plugin,
			Stage:  b.source.info.Name,
			Err:    fmt.Errorf("dropped %d invalid points: %w", len(invalid), errors.Join(invalid...)),
		})
	}
}

func (p *Pipeline) applyTransform(t *transformStage, buf *measurement.Buffer) {
	t.counters.Calls.Add(1)
	err := guard(func() error { return t.t.Apply(buf, t.ctx) })
	if err == nil {
		return
	}
	t.counters.Errors.Add(1)
	p.stats.IncTransformErrors()
	p.report(t.info, &TransformError{Plugin: t.info.Plugin, Stage: t.info.Name, Err: err})
}

// fanOut runs the non-blocking outputs in parallel and waits for them, then
// queues one shared copy of the buffer for every blocking output.
func (p *Pipeline) fanOut(buf *measurement.Buffer) {
	view := buf.View()

	var g errgroup.Group
	var clone *measurement.Buffer
	for _, o := range p.outputs {
		o := o
		if o.queue != nil {
			if clone == nil {
				clone = view.Clone()
			}
			p.enqueue(o, clone)
			continue
		}
		g.Go(func() error {
			p.write(o, view)
			return nil
		})
	}
	_ = g.Wait()
}

func (p *Pipeline) enqueue(o *outputStage, buf *measurement.Buffer) {
	select {
	case o.queue <- buf:
	default:
		p.stats.IncBatchesDropped()
		o.counters.Dropped.Add(1)
		o.ctx.Logger.Warn().
			Int("points", buf.Len()).
			Int("queue_size", cap(o.queue)).
			Msg("Output queue full, dropping batch")
	}
}

func (p *Pipeline) runBlocking(o *outputStage) {
	defer close(o.done)
	for buf := range o.queue {
		p.write(o, buf.View())
	}
}

func (p *Pipeline) write(o *outputStage, view measurement.View) {
	if !o.breaker.Allow() {
		p.stats.IncWritesSkipped()
		o.counters.Skipped.Add(1)
		return
	}

	o.counters.Calls.Add(1)
	err := guard(func() error { return o.out.Write(view, o.ctx) })
	o.breaker.Record(err)
	if err == nil {
		o.counters.Points.Add(int64(view.Len()))
		return
	}
	o.counters.Errors.Add(1)
	p.stats.IncWriteErrors()
	p.report(o.info, &WriteError{Plugin: o.info.Plugin, Stage: o.info.Name, Err: err})
}

// report logs a stage error and forwards it to the OnError hook
func (p *Pipeline) report(info StageInfo, err error) {
	var pe *PanicError
	if errors.As(err, &pe) {
		p.stats.IncPanics()
		p.logger.Error().
			Err(err).
			Str("plugin", info.Plugin).
			Str("stage", info.Name).
			Bytes("stack", pe.Stack).
			Msg("Stage panicked")
	} else {
		p.logger.Error().
			Err(err).
			Str("plugin", info.Plugin).
			Str("stage", info.Name).
			Str("kind", info.Kind.String()).
			Msg("Stage failed")
	}

	if p.cfg.OnError != nil {
		p.cfg.OnError(err)
	}
}

// RemovePlugin deregisters every stage of one plugin. Its sources stop being
// polled once in-flight polls finish, its transforms and outputs are removed
// between ticks, and its blocking outputs drain their queues before this
// returns. It reports whether the plugin had any stage.
func (p *Pipeline) RemovePlugin(name string) bool {
	p.mu.RLock()
	var sourceKeys []string
	for _, key := range p.sourceOrder {
		if p.sources[key].info.Plugin == name {
			sourceKeys = append(sourceKeys, key)
		}
	}
	p.mu.RUnlock()

	for _, key := range sourceKeys {
		p.sched.Remove(key)
	}

	p.mu.Lock()
	for _, key := range sourceKeys {
		delete(p.sources, key)
	}
	p.sourceOrder = filter(p.sourceOrder, func(k string) bool { _, ok := p.sources[k]; return ok })

	removed := len(sourceKeys)
	var draining []*outputStage
	p.transforms = filter(p.transforms, func(t *transformStage) bool {
		if t.info.Plugin == name {
			removed++
			return false
		}
		return true
	})
	p.outputs = filter(p.outputs, func(o *outputStage) bool {
		if o.info.Plugin == name {
			removed++
			if o.queue != nil {
				draining = append(draining, o)
			}
			return false
		}
		return true
	})
	p.mu.Unlock()

	for _, o := range draining {
		close(o.queue)
		<-o.done
	}

	if removed > 0 {
		p.logger.Info().Str("plugin", name).Int("stages", removed).Msg("Plugin stages removed")
	}
	return removed > 0
}

// filter returns a new slice so that snapshots taken by readers stay valid
func filter[T any](in []T, keep func(T) bool) []T {
	out := make([]T, 0, len(in))
	for _, v := range in {
		if keep(v) {
			out = append(out, v)
		}
	}
	return out
}

// Stop stops polling, waits for in-flight polls, processes every buffer that
// was already polled, and drains the blocking outputs.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.logger.Info().Msg("Stopping pipeline")

		p.sched.Stop()
		close(p.polls)
		<-p.loopDone

		p.mu.Lock()
		outputs := p.outputs
		p.sources = make(map[string]*sourceStage)
		p.sourceOrder = nil
		p.transforms = nil
		p.outputs = nil
		p.mu.Unlock()

		for _, o := range outputs {
			if o.queue != nil {
				close(o.queue)
				<-o.done
			}
		}

		close(p.stopped)
		p.logger.Info().Int64("ticks", p.stats.Ticks()).Msg("Pipeline stopped")
	})
}

// Done is closed once Stop has completed
func (p *Pipeline) Done() <-chan struct{} {
	return p.stopped
}

// Registry returns the sealed metric registry
func (p *Pipeline) Registry() *metric.Registry {
	return p.registry
}

// Stats returns the pipeline's counters
func (p *Pipeline) Stats() *stats.Stats {
	return p.stats
}

// Stages lists the registered stages: sources, then transforms in execution
// order, then outputs.
func (p *Pipeline) Stages() []StageInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]StageInfo, 0, len(p.sources)+len(p.transforms)+len(p.outputs))
	for _, key := range p.sourceOrder {
		out = append(out, p.sources[key].info)
	}
	for _, t := range p.transforms {
		out = append(out, t.info)
	}
	for _, o := range p.outputs {
		info := o.info
		info.Breaker = o.breaker.State().String()
		out = append(out, info)
	}
	return out
}

// Scheduled returns the per-source trigger status
func (p *Pipeline) Scheduled() []scheduler.JobStatus {
	return p.sched.Status()
}
