// Package pipeline connects sources, transforms and outputs.
//
// Every source is polled by its own trigger. Buffers polled around the same
// time are merged into one tick buffer, transforms run over it one after the
// other on a single goroutine, and the result is handed read-only to every
// output.
package pipeline

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/basekick-labs/pulse/pkg/measurement"
	"github.com/basekick-labs/pulse/pkg/metric"
)

// Source produces points when its trigger fires. Poll must push points built
// with ts as their timestamp unless it has a better one.
type Source interface {
	Poll(acc *measurement.Accumulator, ts time.Time) error
}

// Transform modifies the tick buffer in place.
type Transform interface {
	Apply(buf *measurement.Buffer, ctx *TransformContext) error
}

// Output consumes the final tick buffer. It must not keep view after Write
// returns; use View.Clone for that.
type Output interface {
	Write(view measurement.View, ctx *OutputContext) error
}

// SourceFunc adapts a function to Source
type SourceFunc func(acc *measurement.Accumulator, ts time.Time) error

func (f SourceFunc) Poll(acc *measurement.Accumulator, ts time.Time) error { return f(acc, ts) }

// TransformFunc adapts a function to Transform
type TransformFunc func(buf *measurement.Buffer, ctx *TransformContext) error

func (f TransformFunc) Apply(buf *measurement.Buffer, ctx *TransformContext) error {
	return f(buf, ctx)
}

// OutputFunc adapts a function to Output
type OutputFunc func(view measurement.View, ctx *OutputContext) error

func (f OutputFunc) Write(view measurement.View, ctx *OutputContext) error { return f(view, ctx) }

// StageContext is what a transform or output can see of the pipeline
type StageContext struct {
	// Metrics resolves metric ids and names. It is read-only.
	Metrics metric.Lookup

	// Logger carries the plugin and stage fields
	Logger zerolog.Logger

	Plugin string
	Stage  string
}

// Definition resolves a metric id, wrapping metric.ErrNotFound on failure
func (c *StageContext) Definition(id metric.ID) (metric.Definition, error) {
	return c.Metrics.ByID(id)
}

type TransformContext struct {
	StageContext
}

type OutputContext struct {
	StageContext

	// Blocking is true when the output runs on its own goroutine
	Blocking bool
}

// StageKind distinguishes the three stage roles
type StageKind int

const (
	KindSource StageKind = iota + 1
	KindTransform
	KindOutput
)

func (k StageKind) String() string {
	switch k {
	case KindSource:
		return "source"
	case KindTransform:
		return "transform"
	case KindOutput:
		return "output"
	default:
		return "unknown"
	}
}

// MarshalText renders the kind name in JSON payloads
func (k StageKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// StageInfo describes one registered stage
type StageInfo struct {
	ID       string    `json:"id"`
	Key      string    `json:"key"`
	Plugin   string    `json:"plugin"`
	Name     string    `json:"name"`
	Kind     StageKind `json:"kind"`
	Trigger  string    `json:"trigger,omitempty"`
	Blocking bool      `json:"blocking,omitempty"`
	Breaker  string    `json:"breaker,omitempty"`
}

// StageKey joins plugin and stage names
func StageKey(plugin, stage string) string {
	return plugin + "/" + stage
}
