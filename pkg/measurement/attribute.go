package measurement

import (
	"math"
	"strconv"
)

// AttributeKind tags the variant held by an AttributeValue
type AttributeKind int

const (
	AttrString AttributeKind = iota + 1
	AttrBool
	AttrU64
	AttrI64
	AttrF64
)

func (k AttributeKind) String() string {
	switch k {
	case AttrString:
		return "string"
	case AttrBool:
		return "bool"
	case AttrU64:
		return "u64"
	case AttrI64:
		return "i64"
	case AttrF64:
		return "f64"
	default:
		return "unknown"
	}
}

// AttributeValue is the value of a point attribute.
type AttributeValue struct {
	kind AttributeKind
	str  string
	bits uint64
}

func Str(s string) AttributeValue {
	return AttributeValue{kind: AttrString, str: s}
}

func Bool(b bool) AttributeValue {
	var bits uint64
	if b {
		bits = 1
	}
	return AttributeValue{kind: AttrBool, bits: bits}
}

func Uint(v uint64) AttributeValue {
	return AttributeValue{kind: AttrU64, bits: v}
}

func Int(v int64) AttributeValue {
	return AttributeValue{kind: AttrI64, bits: uint64(v)}
}

func Float(v float64) AttributeValue {
	return AttributeValue{kind: AttrF64, bits: math.Float64bits(v)}
}

// Kind returns the variant
func (a AttributeValue) Kind() AttributeKind { return a.kind }

// AsString returns the string payload and whether the variant is String
func (a AttributeValue) AsString() (string, bool) {
	return a.str, a.kind == AttrString
}

func (a AttributeValue) AsBool() (bool, bool) {
	return a.bits == 1, a.kind == AttrBool
}

func (a AttributeValue) AsU64() (uint64, bool) {
	return a.bits, a.kind == AttrU64
}

func (a AttributeValue) AsI64() (int64, bool) {
	return int64(a.bits), a.kind == AttrI64
}

func (a AttributeValue) AsF64() (float64, bool) {
	return math.Float64frombits(a.bits), a.kind == AttrF64
}

// Interface returns the payload as a plain Go value (string, bool, uint64,
// int64 or float64). Used by encoders.
func (a AttributeValue) Interface() any {
	switch a.kind {
	case AttrString:
		return a.str
	case AttrBool:
		return a.bits == 1
	case AttrU64:
		return a.bits
	case AttrI64:
		return int64(a.bits)
	case AttrF64:
		return math.Float64frombits(a.bits)
	default:
		return nil
	}
}

func (a AttributeValue) String() string {
	switch a.kind {
	case AttrString:
		return a.str
	case AttrBool:
		return strconv.FormatBool(a.bits == 1)
	case AttrU64:
		return strconv.FormatUint(a.bits, 10)
	case AttrI64:
		return strconv.FormatInt(int64(a.bits), 10)
	case AttrF64:
		return strconv.FormatFloat(math.Float64frombits(a.bits), 'g', -1, 64)
	default:
		return ""
	}
}

// Attribute is one key/value pair of a point
type Attribute struct {
	Key   string
	Value AttributeValue
}
