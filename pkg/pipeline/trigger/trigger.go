// Package trigger describes when a source is polled.
package trigger

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Kind identifies the trigger flavour
type Kind int

const (
	KindInterval Kind = iota + 1
	KindCron
	KindManual
)

func (k Kind) String() string {
	switch k {
	case KindInterval:
		return "interval"
	case KindCron:
		return "cron"
	case KindManual:
		return "manual"
	default:
		return "unknown"
	}
}

// ErrInvalid is returned for triggers that can never fire
var ErrInvalid = errors.New("invalid trigger")

// Accepts standard 5-field expressions, an optional leading seconds field, and
// descriptors such as @every 10s or @hourly.
var parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Spec is an immutable trigger description attached to one source.
type Spec struct {
	kind     Kind
	interval time.Duration
	expr     string
	schedule cron.Schedule
	handle   *Handle
}

// AtInterval fires every d, starting one interval after registration.
func AtInterval(d time.Duration) Spec {
	return Spec{kind: KindInterval, interval: d}
}

// Cron fires on a cron schedule.
func Cron(expr string) (Spec, error) {
	sched, err := parser.Parse(expr)
	if err != nil {
		return Spec{}, fmt.Errorf("%w: cron expression %q: %v", ErrInvalid, expr, err)
	}
	return Spec{kind: KindCron, expr: expr, schedule: sched}, nil
}

// MustCron is Cron for expressions known at compile time
func MustCron(expr string) Spec {
	s, err := Cron(expr)
	if err != nil {
		panic(err)
	}
	return s
}

// Manual returns a trigger that only fires when the returned handle asks it to.
func Manual() (Spec, *Handle) {
	h := &Handle{ch: make(chan time.Time, 1)}
	return Spec{kind: KindManual, handle: h}, h
}

func (s Spec) Kind() Kind { return s.kind }
func (s Spec) Interval() time.Duration { return s.interval }
func (s Spec) Schedule() cron.Schedule { return s.schedule }
func (s Spec) Handle() *Handle { return s.handle }

// Validate reports whether the spec can be scheduled
func (s Spec) Validate() error {
	switch s.kind {
	case KindInterval:
		if s.interval <= 0 {
			return fmt.Errorf("%w: interval must be positive, got %s", ErrInvalid, s.interval)
		}
	case KindCron:
		if s.schedule == nil {
			return fmt.Errorf("%w: cron trigger without schedule", ErrInvalid)
		}
	case KindManual:
		if s.handle == nil {
			return fmt.Errorf("%w: manual trigger without handle", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: zero trigger", ErrInvalid)
	}
	return nil
}

func (s Spec) String() string {
	switch s.kind {
	case KindInterval:
		return "every " + s.interval.String()
	case KindCron:
		return "cron " + s.expr
	case KindManual:
		return "manual"
	default:
		return "none"
	}
}

// Handle fires a manual trigger. Requests coalesce: while one poll request is
// pending, further requests are dropped.
type Handle struct {
	ch chan time.Time
}

// Fire requests a poll stamped with the current time. It reports false when a
// request was already pending.
func (h *Handle) Fire() bool {
	return h.FireAt(time.Now())
}

// FireAt requests a poll stamped with ts.
func (h *Handle) FireAt(ts time.Time) bool {
	select {
	case h.ch <- ts:
		return true
	default:
		return false
	}
}

// C is consumed by the scheduler
func (h *Handle) C() <-chan time.Time {
	return h.ch
}
