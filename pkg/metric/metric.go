// Package metric owns the namespace of typed metric identifiers shared by all
// plugins of one pipeline.
//
// A metric is created once, during the plugin start phase, and is identified by
// an opaque ID afterwards. TypedID pairs that ID with the Go type of the values
// it carries so that sources cannot build points with the wrong representation.
package metric

import "fmt"

// ValueType is the scalar representation carried by the points of a metric
type ValueType int

const (
	TypeU64 ValueType = iota + 1
	TypeF64
)

func (t ValueType) String() string {
	switch t {
	case TypeU64:
		return "u64"
	case TypeF64:
		return "f64"
	default:
		return "unknown"
	}
}

// MarshalText renders the type name in JSON payloads
func (t ValueType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *ValueType) UnmarshalText(text []byte) error {
	switch string(text) {
	case "u64":
		*t = TypeU64
	case "f64":
		*t = TypeF64
	default:
		return fmt.Errorf("unknown value type %q", text)
	}
	return nil
}

// Value is the set of Go types a metric can carry
type Value interface {
	~uint64 | ~float64
}

// TypeOf returns the ValueType matching T.
func TypeOf[T Value]() ValueType {
	// Integer division truncates, float division does not.
	var half T = 1
	half /= 2
	if half == 0 {
		return TypeU64
	}
	return TypeF64
}

// ID identifies a registered metric. IDs are never recycled.
type ID uint64

func (id ID) String() string {
	return fmt.Sprintf("metric#%d", uint64(id))
}

// TypedID is an ID statically tagged with the value type of its points
type TypedID[T Value] struct {
	id ID
}

// Untyped returns the raw identifier
func (t TypedID[T]) Untyped() ID {
	return t.id
}

// ValueType returns the value type declared for the metric
func (t TypedID[T]) ValueType() ValueType {
	return TypeOf[T]()
}

// Definition describes a registered metric. It is immutable once created.
type Definition struct {
	Name        string       `json:"name"`
	ValueType   ValueType    `json:"value_type"`
	Unit        PrefixedUnit `json:"unit"`
	Description string       `json:"description"`
}
