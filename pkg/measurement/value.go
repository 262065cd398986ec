// Package measurement defines the points exchanged between pipeline stages and
// the buffers that carry them.
package measurement

import (
	"fmt"
	"math"
	"strconv"

	"github.com/basekick-labs/pulse/pkg/metric"
)

// Value is the scalar carried by a point. It is either a U64 or an F64.
type Value struct {
	kind metric.ValueType
	bits uint64
}

// U64 wraps an unsigned integer
func U64(v uint64) Value {
	return Value{kind: metric.TypeU64, bits: v}
}

// F64 wraps a float
func F64(v float64) Value {
	return Value{kind: metric.TypeF64, bits: math.Float64bits(v)}
}

// valueOf wraps a typed scalar into the matching variant.
func valueOf[T metric.Value](v T) Value {
	if metric.TypeOf[T]() == metric.TypeU64 {
		return U64(uint64(v))
	}
	return F64(float64(v))
}

// Kind returns the variant of the value
func (v Value) Kind() metric.ValueType {
	return v.kind
}

// U64 returns the unsigned integer and true when the value is a U64
func (v Value) U64() (uint64, bool) {
	if v.kind != metric.TypeU64 {
		return 0, false
	}
	return v.bits, true
}

// F64 returns the float and true when the value is an F64
func (v Value) F64() (float64, bool) {
	if v.kind != metric.TypeF64 {
		return 0, false
	}
	return math.Float64frombits(v.bits), true
}

// Float converts either variant to float64. U64 values above 2^53 lose precision.
func (v Value) Float() float64 {
	if v.kind == metric.TypeU64 {
		return float64(v.bits)
	}
	return math.Float64frombits(v.bits)
}

// IsZero reports whether the value was never set
func (v Value) IsZero() bool {
	return v.kind == 0
}

func (v Value) String() string {
	switch v.kind {
	case metric.TypeU64:
		return strconv.FormatUint(v.bits, 10)
	case metric.TypeF64:
		return strconv.FormatFloat(math.Float64frombits(v.bits), 'g', -1, 64)
	default:
		return "<invalid>"
	}
}

// GoString keeps %#v readable in test failures
func (v Value) GoString() string {
	return fmt.Sprintf("measurement.%s(%s)", v.kind, v.String())
}
