package scheduler

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basekick-labs/pulse/pkg/pipeline/trigger"
)

func newTestScheduler(t *testing.T) *Scheduler {
	t.Helper()
	s := New(&Config{Logger: zerolog.Nop()})
	t.Cleanup(s.Stop)
	return s
}

func TestAddRejectsInvalidTrigger(t *testing.T) {
	s := newTestScheduler(t)

	err := s.Add("bad", trigger.AtInterval(0), func(time.Time) error { return nil })
	assert.ErrorIs(t, err, trigger.ErrInvalid)
	assert.Equal(t, 0, s.JobCount())
}

func TestAddDuplicate(t *testing.T) {
	s := newTestScheduler(t)
	spec, _ := trigger.Manual()

	require.NoError(t, s.Add("src", spec, func(time.Time) error { return nil }))
	err := s.Add("src", spec, func(time.Time) error { return nil })
	assert.ErrorIs(t, err, ErrDuplicateJob)
}

func TestManualPolls(t *testing.T) {
	s := newTestScheduler(t)
	spec, h := trigger.Manual()

	got := make(chan time.Time, 4)
	require.NoError(t, s.Add("src", spec, func(ts time.Time) error {
		got <- ts
		return nil
	}))

	ts := time.Unix(1000, 0)
	require.True(t, h.FireAt(ts))

	select {
	case polled := <-got:
		assert.Equal(t, ts, polled)
	case <-time.After(2 * time.Second):
		t.Fatal("poll never ran")
	}
}

func TestTimestampsNeverGoBackwards(t *testing.T) {
	s := newTestScheduler(t)
	spec, h := trigger.Manual()

	got := make(chan time.Time, 4)
	require.NoError(t, s.Add("src", spec, func(ts time.Time) error {
		got <- ts
		return nil
	}))

	later := time.Unix(2000, 0)
	earlier := time.Unix(1000, 0)

	require.True(t, h.FireAt(later))
	assert.Equal(t, later, <-got)
	require.True(t, h.FireAt(earlier))
	assert.Equal(t, later, <-got)
}

func TestIntervalPollsAreNeverConcurrent(t *testing.T) {
	s := newTestScheduler(t)

	var inflight, maxInflight, polls atomic.Int32
	require.NoError(t, s.Add("slow", trigger.AtInterval(5*time.Millisecond), func(time.Time) error {
		n := inflight.Add(1)
		for {
			m := maxInflight.Load()
			if n <= m || maxInflight.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond) // overrun the interval
		inflight.Add(-1)
		polls.Add(1)
		return nil
	}))

	require.Eventually(t, func() bool { return polls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), maxInflight.Load())
}

func TestSlowSourceDoesNotDelayOthers(t *testing.T) {
	s := newTestScheduler(t)

	release := make(chan struct{})
	require.NoError(t, s.Add("stuck", trigger.AtInterval(time.Millisecond), func(time.Time) error {
		<-release
		return nil
	}))

	var fast atomic.Int32
	require.NoError(t, s.Add("fast", trigger.AtInterval(2*time.Millisecond), func(time.Time) error {
		fast.Add(1)
		return nil
	}))

	require.Eventually(t, func() bool { return fast.Load() >= 5 }, 2*time.Second, time.Millisecond)
	close(release)
}

func TestRemoveWaitsForInflightPoll(t *testing.T) {
	s := newTestScheduler(t)
	spec, h := trigger.Manual()

	started := make(chan struct{})
	var finished atomic.Bool
	require.NoError(t, s.Add("src", spec, func(time.Time) error {
		close(started)
		time.Sleep(50 * time.Millisecond)
		finished.Store(true)
		return nil
	}))

	h.Fire()
	<-started

	assert.True(t, s.Remove("src"))
	assert.True(t, finished.Load(), "Remove returned before the poll completed")
	assert.False(t, s.Has("src"))
	assert.False(t, s.Remove("src"))
}

func TestStopDrainsAndRejectsNewJobs(t *testing.T) {
	s := New(&Config{Logger: zerolog.Nop()})

	var wg sync.WaitGroup
	var finished atomic.Int32
	for _, name := range []string{"a", "b", "c"} {
		spec, h := trigger.Manual()
		wg.Add(1)
		require.NoError(t, s.Add(name, spec, func(time.Time) error {
			wg.Done()
			time.Sleep(30 * time.Millisecond)
			finished.Add(1)
			return nil
		}))
		h.Fire()
	}
	wg.Wait()

	s.Stop()
	assert.Equal(t, int32(3), finished.Load())
	assert.Equal(t, 0, s.JobCount())

	spec, _ := trigger.Manual()
	assert.ErrorIs(t, s.Add("late", spec, func(time.Time) error { return nil }), ErrStopped)

	// idempotent
	s.Stop()
}

func TestPollCanRemoveItsOwnJob(t *testing.T) {
	s := newTestScheduler(t)
	spec, h := trigger.Manual()

	var polls atomic.Int32
	require.NoError(t, s.Add("once", spec, func(time.Time) error {
		polls.Add(1)
		return ErrRemoveJob
	}))

	h.Fire()
	require.Eventually(t, func() bool { return !s.Has("once") }, 2*time.Second, time.Millisecond)

	h.Fire()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), polls.Load())
}

func TestPollErrorKeepsJob(t *testing.T) {
	s := newTestScheduler(t)
	spec, h := trigger.Manual()

	done := make(chan struct{}, 2)
	require.NoError(t, s.Add("flaky", spec, func(time.Time) error {
		done <- struct{}{}
		return errors.New("transient")
	}))

	h.Fire()
	<-done
	h.Fire()
	<-done
	assert.True(t, s.Has("flaky"))
}

func TestCronJob(t *testing.T) {
	s := newTestScheduler(t)

	got := make(chan time.Time, 1)
	require.NoError(t, s.Add("cron", trigger.MustCron("@every 1s"), func(ts time.Time) error {
		select {
		case got <- ts:
		default:
		}
		return nil
	}))

	select {
	case ts := <-got:
		assert.False(t, ts.IsZero())
	case <-time.After(3 * time.Second):
		t.Fatal("cron job never fired")
	}
}

func TestStatus(t *testing.T) {
	s := newTestScheduler(t)
	manual, h := trigger.Manual()

	polled := make(chan struct{}, 1)
	require.NoError(t, s.Add("b-manual", manual, func(time.Time) error {
		polled <- struct{}{}
		return nil
	}))
	require.NoError(t, s.Add("a-interval", trigger.AtInterval(time.Hour), func(time.Time) error { return nil }))

	h.FireAt(time.Unix(42, 0))
	<-polled

	status := s.Status()
	require.Len(t, status, 2)
	assert.Equal(t, "a-interval", status[0].Name)
	assert.Equal(t, "every 1h0m0s", status[0].Trigger)
	assert.Equal(t, uint64(0), status[0].Polls)
	assert.Equal(t, "b-manual", status[1].Name)
	assert.Equal(t, uint64(1), status[1].Polls)
	assert.Equal(t, time.Unix(42, 0), status[1].LastPoll)
}
