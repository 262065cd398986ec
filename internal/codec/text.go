package codec

import "time"

// AppendText appends the one-line text rendering of r to dst:
//
//	<ts> <metric>=<value> resource=<kind>[/<id>] consumer=<kind>[/<id>] attributes=[k='v',...]
//
// Attributes keep their insertion order.
func (r Record) AppendText(dst []byte) []byte {
	dst = r.Time().UTC().AppendFormat(dst, time.RFC3339Nano)
	dst = append(dst, ' ')
	dst = append(dst, r.Metric...)
	dst = append(dst, '=')
	if v, err := r.Value(); err == nil {
		dst = append(dst, v.String()...)
	} else {
		dst = append(dst, "<invalid>"...)
	}
	dst = append(dst, " resource="...)
	dst = append(dst, r.Resource.String()...)
	dst = append(dst, " consumer="...)
	dst = append(dst, r.Consumer.String()...)
	dst = append(dst, " attributes=["...)
	for i, a := range r.Attributes {
		if i > 0 {
			dst = append(dst, ',')
		}
		dst = append(dst, a.Key...)
		dst = append(dst, "='"...)
		if v, err := a.AttributeValue(); err == nil {
			dst = append(dst, v.String()...)
		}
		dst = append(dst, '\'')
	}
	dst = append(dst, ']')
	return dst
}

func (r Record) String() string {
	return string(r.AppendText(nil))
}
