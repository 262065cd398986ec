package metric

// Unit is the base unit of measurement of a metric
type Unit string

const (
	Unity         Unit = ""
	Second        Unit = "s"
	Watt          Unit = "W"
	Joule         Unit = "J"
	Volt          Unit = "V"
	Ampere        Unit = "A"
	Hertz         Unit = "Hz"
	Byte          Unit = "B"
	Percent       Unit = "%"
	DegreeCelsius Unit = "Cel"
)

// Custom returns a unit that is not part of the predefined set.
func Custom(symbol string) Unit {
	return Unit(symbol)
}

// Plain returns the unit without any scaling prefix
func (u Unit) Plain() PrefixedUnit {
	return PrefixedUnit{Base: u, Prefix: PrefixPlain}
}

// With returns the unit scaled by the given prefix
func (u Unit) With(prefix UnitPrefix) PrefixedUnit {
	return PrefixedUnit{Base: u, Prefix: prefix}
}

// UnitPrefix is a decimal scaling prefix
type UnitPrefix int

const (
	PrefixPlain UnitPrefix = iota
	PrefixNano
	PrefixMicro
	PrefixMilli
	PrefixKilo
	PrefixMega
	PrefixGiga
)

// Symbol returns the SI symbol of the prefix
func (p UnitPrefix) Symbol() string {
	switch p {
	case PrefixNano:
		return "n"
	case PrefixMicro:
		return "u"
	case PrefixMilli:
		return "m"
	case PrefixKilo:
		return "k"
	case PrefixMega:
		return "M"
	case PrefixGiga:
		return "G"
	default:
		return ""
	}
}

// PrefixedUnit is a base unit with an optional scaling prefix (e.g. mJ)
type PrefixedUnit struct {
	Base   Unit       `json:"base"`
	Prefix UnitPrefix `json:"prefix"`
}

func (u PrefixedUnit) String() string {
	if u.Base == Unity {
		return ""
	}
	return u.Prefix.Symbol() + string(u.Base)
}
