// Package stats holds the pipeline's self-metrics: plain atomic counters that
// are cheap to bump from the hot path and are rendered as JSON or Prometheus
// text by the HTTP API.
package stats

import (
	"runtime"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// Stats is the counter set of one pipeline
type Stats struct {
	startTime time.Time

	ticks          atomic.Int64
	emptyTicks     atomic.Int64
	pointsMerged   atomic.Int64
	pointsInvalid  atomic.Int64
	pointsOut      atomic.Int64
	polls          atomic.Int64
	pollErrors     atomic.Int64
	transformErrs  atomic.Int64
	writeErrors    atomic.Int64
	panics         atomic.Int64
	batchesDropped atomic.Int64
	writesSkipped  atomic.Int64
	tickLatencySum atomic.Int64 // microseconds
	tickLatencyCnt atomic.Int64

	mu     sync.RWMutex
	stages map[string]*StageCounters
}

// StageCounters are the counters of one registered stage
type StageCounters struct {
	Calls   atomic.Int64
	Errors  atomic.Int64
	Points  atomic.Int64
	Dropped atomic.Int64
	Skipped atomic.Int64
}

// New creates a zeroed counter set
func New() *Stats {
	return &Stats{
		startTime: time.Now(),
		stages:    make(map[string]*StageCounters),
	}
}

func (s *Stats) IncTicks() { s.ticks.Add(1) }
func (s *Stats) IncEmptyTicks() { s.emptyTicks.Add(1) }
func (s *Stats) AddPointsMerged(n int) { s.pointsMerged.Add(int64(n)) }
func (s *Stats) AddPointsInvalid(n int) { s.pointsInvalid.Add(int64(n)) }
func (s *Stats) AddPointsOut(n int) { s.pointsOut.Add(int64(n)) }
func (s *Stats) IncPolls() { s.polls.Add(1) }
func (s *Stats) IncPollErrors() { s.pollErrors.Add(1) }
func (s *Stats) IncTransformErrors() { s.transformErrs.Add(1) }
func (s *Stats) IncWriteErrors() { s.writeErrors.Add(1) }
func (s *Stats) IncPanics() { s.panics.Add(1) }
func (s *Stats) IncBatchesDropped() { s.batchesDropped.Add(1) }
func (s *Stats) IncWritesSkipped() { s.writesSkipped.Add(1) }
func (s *Stats) Ticks() int64 { return s.ticks.Load() }
func (s *Stats) BatchesDropped() int64 { return s.batchesDropped.Load() }
func (s *Stats) PointsOut() int64 { return s.pointsOut.Load() }
func (s *Stats) PointsInvalid() int64 { return s.pointsInvalid.Load() }

// RecordTickLatency records how long one merge-transform-output cycle took
func (s *Stats) RecordTickLatency(d time.Duration) {
	s.tickLatencySum.Add(d.Microseconds())
	s.tickLatencyCnt.Add(1)
}

// Stage returns the counters for key, creating them on first use
func (s *Stats) Stage(key string) *StageCounters {
	s.mu.RLock()
	c, ok := s.stages[key]
	s.mu.RUnlock()
	if ok {
		return c
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok = s.stages[key]; !ok {
		c = &StageCounters{}
		s.stages[key] = c
	}
	return c
}

// StageSnapshot is the JSON form of StageCounters
type StageSnapshot struct {
	Stage   string `json:"stage"`
	Calls   int64  `json:"calls"`
	Errors  int64  `json:"errors"`
	Points  int64  `json:"points"`
	Dropped int64  `json:"dropped_batches"`
	Skipped int64  `json:"skipped_writes"`
}

// Snapshot is a point-in-time copy of every counter
type Snapshot struct {
	UptimeSeconds    float64         `json:"uptime_seconds"`
	Goroutines       int             `json:"goroutines"`
	MemoryAllocBytes uint64          `json:"memory_alloc_bytes"`
	Ticks            int64           `json:"ticks_total"`
	EmptyTicks       int64           `json:"empty_ticks_total"`
	Polls            int64           `json:"polls_total"`
	PointsMerged     int64           `json:"points_merged_total"`
	PointsInvalid    int64           `json:"points_invalid_total"`
	PointsOut        int64           `json:"points_out_total"`
	PollErrors       int64           `json:"poll_errors_total"`
	TransformErrors  int64           `json:"transform_errors_total"`
	WriteErrors      int64           `json:"write_errors_total"`
	Panics           int64           `json:"panics_total"`
	BatchesDropped   int64           `json:"batches_dropped_total"`
	WritesSkipped    int64           `json:"writes_skipped_total"`
	TickLatencySumUs int64           `json:"tick_latency_sum_us"`
	TickLatencyCount int64           `json:"tick_latency_count"`
	Stages           []StageSnapshot `json:"stages"`
}

// Snapshot returns all counters
func (s *Stats) Snapshot() Snapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	snap := Snapshot{
		UptimeSeconds:    time.Since(s.startTime).Seconds(),
		Goroutines:       runtime.NumGoroutine(),
		MemoryAllocBytes: memStats.Alloc,
		Ticks:            s.ticks.Load(),
		EmptyTicks:       s.emptyTicks.Load(),
		Polls:            s.polls.Load(),
		PointsMerged:     s.pointsMerged.Load(),
		PointsInvalid:    s.pointsInvalid.Load(),
		PointsOut:        s.pointsOut.Load(),
		PollErrors:       s.pollErrors.Load(),
		TransformErrors:  s.transformErrs.Load(),
		WriteErrors:      s.writeErrors.Load(),
		Panics:           s.panics.Load(),
		BatchesDropped:   s.batchesDropped.Load(),
		WritesSkipped:    s.writesSkipped.Load(),
		TickLatencySumUs: s.tickLatencySum.Load(),
		TickLatencyCount: s.tickLatencyCnt.Load(),
	}

	s.mu.RLock()
	snap.Stages = make([]StageSnapshot, 0, len(s.stages))
	for key, c := range s.stages {
		snap.Stages = append(snap.Stages, StageSnapshot{
			Stage:   key,
			Calls:   c.Calls.Load(),
			Errors:  c.Errors.Load(),
			Points:  c.Points.Load(),
			Dropped: c.Dropped.Load(),
			Skipped: c.Skipped.Load(),
		})
	}
	s.mu.RUnlock()

	sort.Slice(snap.Stages, func(i, j int) bool { return snap.Stages[i].Stage < snap.Stages[j].Stage })
	return snap
}

// PrometheusFormat returns the counters in Prometheus text exposition format
func (s *Stats) PrometheusFormat() string {
	snap := s.Snapshot()

	var b []byte
	b = appendHeader(b, "pulse_uptime_seconds", "gauge", "Time since the pipeline started")
	b = appendMetric(b, "pulse_uptime_seconds", snap.UptimeSeconds)
	b = appendHeader(b, "pulse_goroutines", "gauge", "Number of goroutines")
	b = appendMetric(b, "pulse_goroutines", float64(snap.Goroutines))
	b = appendHeader(b, "pulse_memory_alloc_bytes", "gauge", "Current allocated memory")
	b = appendMetric(b, "pulse_memory_alloc_bytes", float64(snap.MemoryAllocBytes))

	counters := []struct {
		name, help string
		value      int64
	}{
		{"pulse_ticks_total", "Merged ticks processed", snap.Ticks},
		{"pulse_empty_ticks_total", "Ticks skipped because no points were polled", snap.EmptyTicks},
		{"pulse_polls_total", "Source polls completed", snap.Polls},
		{"pulse_points_merged_total", "Points merged from sources", snap.PointsMerged},
		{"pulse_points_invalid_total", "Points dropped for unknown metric or wrong value type", snap.PointsInvalid},
		{"pulse_points_out_total", "Points handed to outputs", snap.PointsOut},
		{"pulse_poll_errors_total", "Failed source polls", snap.PollErrors},
		{"pulse_transform_errors_total", "Failed transform applications", snap.TransformErrors},
		{"pulse_write_errors_total", "Failed output writes", snap.WriteErrors},
		{"pulse_panics_total", "Stage panics recovered", snap.Panics},
		{"pulse_batches_dropped_total", "Batches dropped because a blocking output queue was full", snap.BatchesDropped},
		{"pulse_writes_skipped_total", "Writes skipped by an open circuit breaker", snap.WritesSkipped},
	}
	for _, c := range counters {
		b = appendHeader(b, c.name, "counter", c.help)
		b = appendMetric(b, c.name, float64(c.value))
	}

	b = appendHeader(b, "pulse_tick_latency_seconds", "summary", "Duration of one merge, transform and output cycle")
	b = appendMetric(b, "pulse_tick_latency_seconds_sum", float64(snap.TickLatencySumUs)/1e6)
	b = appendMetric(b, "pulse_tick_latency_seconds_count", float64(snap.TickLatencyCount))

	if len(snap.Stages) > 0 {
		b = appendHeader(b, "pulse_stage_calls_total", "counter", "Invocations per stage")
		for _, st := range snap.Stages {
			b = appendMetricWithLabel(b, "pulse_stage_calls_total", "stage", st.Stage, float64(st.Calls))
		}
		b = appendHeader(b, "pulse_stage_errors_total", "counter", "Errors per stage")
		for _, st := range snap.Stages {
			b = appendMetricWithLabel(b, "pulse_stage_errors_total", "stage", st.Stage, float64(st.Errors))
		}
	}

	return string(b)
}

func appendHeader(b []byte, name, kind, help string) []byte {
	b = append(b, "# HELP "...)
	b = append(b, name...)
	b = append(b, ' ')
	b = append(b, help...)
	b = append(b, "\n# TYPE "...)
	b = append(b, name...)
	b = append(b, ' ')
	b = append(b, kind...)
	return append(b, '\n')
}

func appendMetric(b []byte, name string, value float64) []byte {
	b = append(b, name...)
	b = append(b, ' ')
	b = strconv.AppendFloat(b, value, 'g', -1, 64)
	return append(b, '\n')
}

func appendMetricWithLabel(b []byte, name, labelName, labelValue string, value float64) []byte {
	b = append(b, name...)
	b = append(b, '{')
	b = append(b, labelName...)
	b = append(b, '=')
	b = strconv.AppendQuote(b, labelValue)
	b = append(b, '}', ' ')
	b = strconv.AppendFloat(b, value, 'g', -1, 64)
	return append(b, '\n')
}
