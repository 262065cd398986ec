package plugin

import (
	"fmt"
	"time"

	"github.com/go-viper/mapstructure/v2"
)

// ConfigTable is the loosely typed configuration of one plugin, as read from
// the host config file.
type ConfigTable map[string]any

// DecodeConfig copies table into the struct pointed to by out. Field names
// follow the `config` struct tag; durations accept strings like "1s".
func DecodeConfig(table ConfigTable, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
		ErrorUnused:      true,
		WeaklyTypedInput: true,
		TagName:          "config",
		Result:           out,
	})
	if err != nil {
		return fmt.Errorf("create config decoder: %w", err)
	}
	if err := dec.Decode(map[string]any(table)); err != nil {
		return fmt.Errorf("decode plugin config: %w", err)
	}
	return nil
}

// EncodeConfig turns a config struct into a table. Durations are rendered as
// strings so that the table round-trips through DecodeConfig and TOML.
func EncodeConfig(cfg any) (ConfigTable, error) {
	var table map[string]any
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName: "config",
		Result:  &table,
	})
	if err != nil {
		return nil, fmt.Errorf("create config encoder: %w", err)
	}
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("encode plugin config: %w", err)
	}
	return ConfigTable(normalize(table).(map[string]any)), nil
}

func normalize(v any) any {
	switch val := v.(type) {
	case time.Duration:
		return val.String()
	case map[string]any:
		for k, inner := range val {
			val[k] = normalize(inner)
		}
		return val
	case []any:
		for i, inner := range val {
			val[i] = normalize(inner)
		}
		return val
	}
	return v
}

// Merge returns a copy of base with every key of override applied on top.
// Nested tables are merged recursively.
func Merge(base, override ConfigTable) ConfigTable {
	out := make(ConfigTable, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		if sub, ok := asTable(v); ok {
			if prev, ok := asTable(out[k]); ok {
				out[k] = map[string]any(Merge(prev, sub))
				continue
			}
		}
		out[k] = v
	}
	return out
}

func asTable(v any) (ConfigTable, bool) {
	switch t := v.(type) {
	case ConfigTable:
		return t, true
	case map[string]any:
		return ConfigTable(t), true
	default:
		return nil, false
	}
}
