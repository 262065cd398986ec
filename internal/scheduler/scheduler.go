// Package scheduler runs one goroutine per source and invokes its poll function
// whenever the source's trigger fires.
//
// Polls run inline on the job goroutine. A poll that takes longer than the
// trigger period delays the next poll of that source only; ticks missed in the
// meantime are dropped, so a source never has more than one poll in flight.
package scheduler

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/basekick-labs/pulse/pkg/pipeline/trigger"
)

var (
	// ErrDuplicateJob is returned when a job name is already scheduled
	ErrDuplicateJob = errors.New("job already scheduled")

	// ErrStopped is returned by Add after Stop
	ErrStopped = errors.New("scheduler stopped")

	// ErrRemoveJob may be returned by a PollFunc to deregister its own job.
	ErrRemoveJob = errors.New("remove job")
)

// PollFunc is invoked for every tick of a job with the tick timestamp.
type PollFunc func(ts time.Time) error

// Scheduler owns the per-source trigger loops
type Scheduler struct {
	jobs    map[string]*job
	mu      sync.Mutex
	wg      sync.WaitGroup
	stopped bool
	logger  zerolog.Logger
}

type job struct {
	name   string
	spec   trigger.Spec
	poll   PollFunc
	ticker *time.Ticker // interval triggers only
	stopCh chan struct{}
	done   chan struct{}

	polls    atomic.Uint64
	lastPoll atomic.Int64 // unix nanos of the last tick timestamp
	lastTs   time.Time    // owned by the job goroutine
}

// Config holds configuration for the scheduler
type Config struct {
	Logger zerolog.Logger
}

// New creates an empty scheduler. Jobs start running as soon as they are added.
func New(cfg *Config) *Scheduler {
	return &Scheduler{
		jobs:   make(map[string]*job),
		logger: cfg.Logger.With().Str("component", "scheduler").Logger(),
	}
}

// Add schedules poll under name. Interval triggers start counting now. The
// pipeline adds its sources at Build, so for a plugin source registration
// time is pipeline build time, not the AddSource call.
func (s *Scheduler) Add(name string, spec trigger.Spec, poll PollFunc) error {
	if err := spec.Validate(); err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrStopped
	}
	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, name)
	}

	j := &job{
		name:   name,
		spec:   spec,
		poll:   poll,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	if spec.Kind() == trigger.KindInterval {
		j.ticker = time.NewTicker(spec.Interval())
	}
	s.jobs[name] = j

	s.wg.Add(1)
	go s.runJob(j)

	s.logger.Info().
		Str("job", name).
		Str("trigger", spec.String()).
		Msg("Started poll job")

	return nil
}

// Remove stops issuing ticks for one job and waits for its in-flight poll to
// complete. It must not be called from inside that job's PollFunc.
func (s *Scheduler) Remove(name string) bool {
	s.mu.Lock()
	j, exists := s.jobs[name]
	if exists {
		s.stopJob(j)
		delete(s.jobs, name)
	}
	s.mu.Unlock()

	if !exists {
		return false
	}

	<-j.done
	s.logger.Debug().Str("job", name).Msg("Stopped poll job")
	return true
}

// Stop stops every job and waits for in-flight polls. Add fails afterwards.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	for _, j := range s.jobs {
		s.stopJob(j)
	}
	count := len(s.jobs)
	s.jobs = make(map[string]*job)
	s.stopped = true
	s.mu.Unlock()

	// Wait outside the lock so that finishing jobs can deregister themselves
	s.wg.Wait()

	s.logger.Info().Int("jobs", count).Msg("Scheduler stopped")
}

// must be called with lock held
func (s *Scheduler) stopJob(j *job) {
	close(j.stopCh)
	if j.ticker != nil {
		j.ticker.Stop()
	}
}

func (s *Scheduler) runJob(j *job) {
	defer s.wg.Done()
	defer close(j.done)

	switch j.spec.Kind() {
	case trigger.KindInterval:
		for {
			select {
			case ts := <-j.ticker.C:
				if !s.fire(j, ts) {
					return
				}
			case <-j.stopCh:
				return
			}
		}

	case trigger.KindCron:
		sched := j.spec.Schedule()
		for {
			next := sched.Next(time.Now())
			timer := time.NewTimer(time.Until(next))
			select {
			case <-timer.C:
				if !s.fire(j, next) {
					return
				}
			case <-j.stopCh:
				timer.Stop()
				return
			}
		}

	case trigger.KindManual:
		requests := j.spec.Handle().C()
		for {
			select {
			case ts := <-requests:
				if !s.fire(j, ts) {
					return
				}
			case <-j.stopCh:
				return
			}
		}
	}
}

// fire runs one poll and reports whether the job should keep running.
func (s *Scheduler) fire(j *job, ts time.Time) bool {
	// A stop request that raced with the tick wins.
	select {
	case <-j.stopCh:
		return false
	default:
	}

	if ts.Before(j.lastTs) {
		ts = j.lastTs
	}
	j.lastTs = ts
	j.polls.Add(1)
	j.lastPoll.Store(ts.UnixNano())

	err := j.poll(ts)
	if err == nil {
		return true
	}
	if errors.Is(err, ErrRemoveJob) {
		s.deregister(j)
		return false
	}
	s.logger.Debug().Err(err).Str("job", j.name).Msg("Poll returned error")
	return true
}

// deregister removes a job from its own goroutine.
func (s *Scheduler) deregister(j *job) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.jobs[j.name]; ok && cur == j {
		s.stopJob(j)
		delete(s.jobs, j.name)
		s.logger.Info().Str("job", j.name).Msg("Poll job deregistered itself")
	}
}

// JobStatus describes one scheduled job
type JobStatus struct {
	Name     string    `json:"name"`
	Trigger  string    `json:"trigger"`
	Polls    uint64    `json:"polls"`
	LastPoll time.Time `json:"last_poll,omitempty"`
}

// Status returns the scheduled jobs ordered by name
func (s *Scheduler) Status() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]JobStatus, 0, len(s.jobs))
	for _, j := range s.jobs {
		st := JobStatus{
			Name:    j.name,
			Trigger: j.spec.String(),
			Polls:   j.polls.Load(),
		}
		if ns := j.lastPoll.Load(); ns != 0 {
			st.LastPoll = time.Unix(0, ns)
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

// JobCount returns the number of scheduled jobs
func (s *Scheduler) JobCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// Has reports whether a job is scheduled under name
func (s *Scheduler) Has(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[name]
	return ok
}
