package measurement

import (
	"fmt"
	"time"

	"github.com/basekick-labs/pulse/pkg/metric"
)

// Point is one timestamped value of one metric for one (resource, consumer)
// pair. Points are immutable; WithAttr returns a modified copy.
type Point struct {
	ts       time.Time
	metric   metric.ID
	resource Resource
	consumer Consumer
	value    Value
	attrs    []Attribute
}

// NewPoint builds a point. The value type is tied to the metric's declared
// type at compile time.
func NewPoint[T metric.Value](ts time.Time, id metric.TypedID[T], res Resource, cons Consumer, v T) Point {
	return Point{
		ts:       ts,
		metric:   id.Untyped(),
		resource: res,
		consumer: cons,
		value:    valueOf(v),
	}
}

// NewUntypedPoint builds a point from an already wrapped value. Callers are
// responsible for matching the metric's type; the pipeline drops mismatches.
func NewUntypedPoint(ts time.Time, id metric.ID, res Resource, cons Consumer, v Value) Point {
	return Point{ts: ts, metric: id, resource: res, consumer: cons, value: v}
}

func (p Point) Timestamp() time.Time { return p.ts }
func (p Point) Metric() metric.ID { return p.metric }
func (p Point) Resource() Resource { return p.resource }
func (p Point) Consumer() Consumer { return p.consumer }
func (p Point) Value() Value { return p.value }

// Attributes returns a copy of the attributes in insertion order
func (p Point) Attributes() []Attribute {
	if len(p.attrs) == 0 {
		return nil
	}
	out := make([]Attribute, len(p.attrs))
	copy(out, p.attrs)
	return out
}

// Attr returns the value of one attribute
func (p Point) Attr(key string) (AttributeValue, bool) {
	for _, a := range p.attrs {
		if a.Key == key {
			return a.Value, true
		}
	}
	return AttributeValue{}, false
}

// WithAttr returns a copy of p with the attribute set. An existing key keeps
// its position and gets the new value.
func (p Point) WithAttr(key string, v AttributeValue) Point {
	attrs := make([]Attribute, len(p.attrs), len(p.attrs)+1)
	copy(attrs, p.attrs)

	replaced := false
	for i := range attrs {
		if attrs[i].Key == key {
			attrs[i].Value = v
			replaced = true
			break
		}
	}
	if !replaced {
		attrs = append(attrs, Attribute{Key: key, Value: v})
	}

	p.attrs = attrs
	return p
}

// WithValue returns a copy of p carrying a different value of the same kind.
func (p Point) WithValue(v Value) (Point, error) {
	if v.Kind() != p.value.Kind() {
		return p, &TypeMismatchError{Metric: p.metric, Want: p.value.Kind(), Got: v.Kind()}
	}
	p.value = v
	return p, nil
}

// SeriesKey identifies the series a point belongs to
type SeriesKey struct {
	Metric   metric.ID
	Resource Resource
	Consumer Consumer
}

func (p Point) Series() SeriesKey {
	return SeriesKey{Metric: p.metric, Resource: p.resource, Consumer: p.consumer}
}

// TypeMismatchError reports a point whose value kind differs from the type
// requested for its metric. It always indicates a bug.
type TypeMismatchError struct {
	Metric metric.ID
	Want   metric.ValueType
	Got    metric.ValueType
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("type mismatch for %s: expected %s value, point holds %s", e.Metric, e.Want, e.Got)
}

// Read extracts the value of p as T, checking that p belongs to id.
func Read[T metric.Value](p Point, id metric.TypedID[T]) (T, error) {
	if p.metric != id.Untyped() {
		return 0, fmt.Errorf("point belongs to %s, not %s", p.metric, id.Untyped())
	}
	want := metric.TypeOf[T]()
	if p.value.Kind() != want {
		return 0, &TypeMismatchError{Metric: p.metric, Want: want, Got: p.value.Kind()}
	}
	if want == metric.TypeU64 {
		u, _ := p.value.U64()
		return T(u), nil
	}
	f, _ := p.value.F64()
	return T(f), nil
}

// MustRead is Read for callers that have already matched the metric. It panics
// with *TypeMismatchError when the representation is wrong.
func MustRead[T metric.Value](p Point, id metric.TypedID[T]) T {
	v, err := Read(p, id)
	if err != nil {
		panic(err)
	}
	return v
}

func (p Point) String() string {
	return fmt.Sprintf("%s %s=%s resource=%s consumer=%s", p.ts.Format(time.RFC3339Nano), p.metric, p.value, p.resource, p.consumer)
}
