// Package codec converts measurement buffers to and from self-describing
// records. Records carry metric names instead of ids so they can be decoded
// without the registry that produced them.
package codec

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/basekick-labs/pulse/pkg/measurement"
	"github.com/basekick-labs/pulse/pkg/metric"
)

// ErrUnknownValueType is returned when a record carries neither u64 nor f64
var ErrUnknownValueType = errors.New("unknown value type")

// Record is one measurement point in wire form
type Record struct {
	Timestamp  int64                `msgpack:"ts" json:"ts"` // unix nanoseconds
	Metric     string               `msgpack:"metric" json:"metric"`
	Unit       string               `msgpack:"unit,omitempty" json:"unit,omitempty"`
	Type       metric.ValueType     `msgpack:"type" json:"type"`
	U64        uint64               `msgpack:"u64,omitempty" json:"u64,omitempty"`
	F64        float64              `msgpack:"f64,omitempty" json:"f64,omitempty"`
	Resource   measurement.Resource `msgpack:"resource" json:"resource"`
	Consumer   measurement.Consumer `msgpack:"consumer" json:"consumer"`
	Attributes []Attr               `msgpack:"attrs,omitempty" json:"attrs,omitempty"`
}

// Attr is a point attribute in wire form
type Attr struct {
	Key   string                    `msgpack:"k" json:"k"`
	Kind  measurement.AttributeKind `msgpack:"t" json:"t"`
	Value any                       `msgpack:"v" json:"v"`
}

// Batch is the unit written by outputs: every point of one tick
type Batch struct {
	Written int64    `msgpack:"written" json:"written"`
	Points  []Record `msgpack:"points" json:"points"`
}

// FromPoint converts p, resolving its metric through lookup. An unknown
// metric yields an error wrapping metric.ErrNotFound.
func FromPoint(p measurement.Point, lookup metric.Lookup) (Record, error) {
	def, err := lookup.ByID(p.Metric())
	if err != nil {
		return Record{}, fmt.Errorf("encode point: %w", err)
	}

	r := Record{
		Timestamp: p.Timestamp().UnixNano(),
		Metric:    def.Name,
		Unit:      def.Unit.String(),
		Type:      p.Value().Kind(),
		Resource:  p.Resource(),
		Consumer:  p.Consumer(),
	}
	switch r.Type {
	case metric.TypeU64:
		r.U64, _ = p.Value().U64()
	case metric.TypeF64:
		r.F64, _ = p.Value().F64()
	default:
		return Record{}, fmt.Errorf("encode point %s: %w", def.Name, ErrUnknownValueType)
	}

	if attrs := p.Attributes(); len(attrs) > 0 {
		r.Attributes = make([]Attr, len(attrs))
		for i, a := range attrs {
			r.Attributes[i] = Attr{Key: a.Key, Kind: a.Value.Kind(), Value: a.Value.Interface()}
		}
	}
	return r, nil
}

// FromView converts every point of view
func FromView(view measurement.View, lookup metric.Lookup) ([]Record, error) {
	out := make([]Record, 0, view.Len())
	var err error
	view.Each(func(p measurement.Point) bool {
		var r Record
		r, err = FromPoint(p, lookup)
		if err != nil {
			return false
		}
		out = append(out, r)
		return true
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Time returns the timestamp of the record
func (r Record) Time() time.Time {
	return time.Unix(0, r.Timestamp)
}

// Value returns the measured value
func (r Record) Value() (measurement.Value, error) {
	switch r.Type {
	case metric.TypeU64:
		return measurement.U64(r.U64), nil
	case metric.TypeF64:
		return measurement.F64(r.F64), nil
	default:
		return measurement.Value{}, fmt.Errorf("record %s: %w", r.Metric, ErrUnknownValueType)
	}
}

// AttributeValue rebuilds the typed attribute value
func (a Attr) AttributeValue() (measurement.AttributeValue, error) {
	switch a.Kind {
	case measurement.AttrString:
		if s, ok := a.Value.(string); ok {
			return measurement.Str(s), nil
		}
	case measurement.AttrBool:
		if b, ok := a.Value.(bool); ok {
			return measurement.Bool(b), nil
		}
	case measurement.AttrU64:
		switch v := a.Value.(type) {
		case uint64:
			return measurement.Uint(v), nil
		case int64:
			if v >= 0 {
				return measurement.Uint(uint64(v)), nil
			}
		}
	case measurement.AttrI64:
		switch v := a.Value.(type) {
		case int64:
			return measurement.Int(v), nil
		case uint64:
			return measurement.Int(int64(v)), nil
		}
	case measurement.AttrF64:
		switch v := a.Value.(type) {
		case float64:
			return measurement.Float(v), nil
		case float32:
			return measurement.Float(float64(v)), nil
		}
	}
	return measurement.AttributeValue{}, fmt.Errorf("attribute %s: cannot read %T as %s", a.Key, a.Value, a.Kind)
}

// Encode serializes a batch with MessagePack
func Encode(b *Batch) ([]byte, error) {
	data, err := msgpack.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize batch: %w", err)
	}
	return data, nil
}

// EncodeView builds a batch from view and serializes it
func EncodeView(view measurement.View, lookup metric.Lookup, written time.Time) ([]byte, error) {
	recs, err := FromView(view, lookup)
	if err != nil {
		return nil, err
	}
	return Encode(&Batch{Written: written.UnixNano(), Points: recs})
}

// Decode parses a batch produced by Encode
func Decode(data []byte) (*Batch, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	// integers come back as int64/uint64 and floats as float64
	dec.UseLooseInterfaceDecoding(true)

	var b Batch
	if err := dec.Decode(&b); err != nil {
		return nil, fmt.Errorf("failed to deserialize batch: %w", err)
	}
	return &b, nil
}
