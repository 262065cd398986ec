package circuitbreaker

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errWrite = errors.New("write failed")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(maxFailures int, timeout time.Duration) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	cb := New(&Config{
		Name:        "test/output",
		MaxFailures: maxFailures,
		Timeout:     timeout,
		Now:         clock.Now,
	}, zerolog.Nop())
	return cb, clock
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state    State
		expected string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.state.String())
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("out")
	assert.Equal(t, "out", cfg.Name)
	assert.Equal(t, 5, cfg.MaxFailures)
	assert.Equal(t, 30*time.Second, cfg.Timeout)

	cb := New(nil, zerolog.Nop())
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, "default", cb.Stats().Name)
}

func TestOpensAfterConsecutiveFailures(t *testing.T) {
	cb, _ := newTestBreaker(3, time.Minute)

	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, cb.Execute(func() error { return errWrite }), errWrite)
	}
	assert.Equal(t, StateClosed, cb.State())

	// a success in between resets the streak
	require.NoError(t, cb.Execute(func() error { return nil }))
	for i := 0; i < 2; i++ {
		_ = cb.Execute(func() error { return errWrite })
	}
	assert.Equal(t, StateClosed, cb.State())

	_ = cb.Execute(func() error { return errWrite })
	assert.True(t, cb.IsOpen())

	called := false
	err := cb.Execute(func() error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
	assert.Equal(t, uint64(1), cb.Stats().Rejected)
}

func TestHalfOpenProbe(t *testing.T) {
	cb, clock := newTestBreaker(1, 10*time.Second)

	_ = cb.Execute(func() error { return errWrite })
	require.True(t, cb.IsOpen())

	clock.Advance(5 * time.Second)
	assert.False(t, cb.Allow())

	clock.Advance(6 * time.Second)
	require.True(t, cb.Allow())
	assert.Equal(t, StateHalfOpen, cb.State())

	// only one probe at a time
	assert.False(t, cb.Allow())

	cb.Record(nil)
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 0, cb.Stats().Failures)
}

func TestHalfOpenFailureReopens(t *testing.T) {
	cb, clock := newTestBreaker(2, time.Second)

	_ = cb.Execute(func() error { return errWrite })
	_ = cb.Execute(func() error { return errWrite })
	require.True(t, cb.IsOpen())

	clock.Advance(2 * time.Second)
	_ = cb.Execute(func() error { return errWrite })
	assert.True(t, cb.IsOpen())

	// the timeout restarts from the failed probe
	clock.Advance(500 * time.Millisecond)
	assert.False(t, cb.Allow())
}

func TestDisabledBreakerNeverOpens(t *testing.T) {
	cb, _ := newTestBreaker(0, time.Second)

	for i := 0; i < 100; i++ {
		_ = cb.Execute(func() error { return errWrite })
	}
	assert.Equal(t, StateClosed, cb.State())
	assert.True(t, cb.Allow())
}

func TestOnStateChange(t *testing.T) {
	var transitions []string
	clock := &fakeClock{now: time.Unix(0, 0)}
	cb := New(&Config{
		Name:        "watched",
		MaxFailures: 1,
		Timeout:     time.Second,
		Now:         clock.Now,
		OnStateChange: func(name string, from, to State) {
			transitions = append(transitions, name+":"+from.String()+"->"+to.String())
		},
	}, zerolog.Nop())

	_ = cb.Execute(func() error { return errWrite })
	clock.Advance(2 * time.Second)
	_ = cb.Execute(func() error { return nil })

	assert.Equal(t, []string{
		"watched:closed->open",
		"watched:open->half-open",
		"watched:half-open->closed",
	}, transitions)
}

func TestReset(t *testing.T) {
	cb, _ := newTestBreaker(1, time.Hour)
	_ = cb.Execute(func() error { return errWrite })
	require.True(t, cb.IsOpen())

	cb.Reset()
	assert.Equal(t, StateClosed, cb.State())
	assert.True(t, cb.Allow())
}

func TestConcurrentUse(t *testing.T) {
	cb, _ := newTestBreaker(1000, time.Hour)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if (i+j)%2 == 0 {
					_ = cb.Execute(func() error { return errWrite })
				} else {
					_ = cb.Execute(func() error { return nil })
				}
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, StateClosed, cb.State())
}
