package plugin

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sampleConfig struct {
	Interval time.Duration `config:"poll_interval"`
	Device   string        `config:"device"`
	Tags     []string      `config:"tags"`
	Limits   struct {
		Max int `config:"max"`
	} `config:"limits"`
}

func TestDecodeConfig(t *testing.T) {
	var cfg sampleConfig
	err := DecodeConfig(ConfigTable{
		"poll_interval": "250ms",
		"device":        "/dev/urandom",
		"tags":          "a,b",
		"limits":        map[string]any{"max": "7"},
	}, &cfg)
	require.NoError(t, err)

	assert.Equal(t, 250*time.Millisecond, cfg.Interval)
	assert.Equal(t, "/dev/urandom", cfg.Device)
	assert.Equal(t, []string{"a", "b"}, cfg.Tags)
	assert.Equal(t, 7, cfg.Limits.Max)
}

func TestDecodeConfigRejectsUnknownKeys(t *testing.T) {
	var cfg sampleConfig
	err := DecodeConfig(ConfigTable{"devcie": "/dev/null"}, &cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "devcie")
}

func TestDecodeConfigBadDuration(t *testing.T) {
	var cfg sampleConfig
	require.Error(t, DecodeConfig(ConfigTable{"poll_interval": "soon"}, &cfg))
}

func TestEncodeConfigRoundTrip(t *testing.T) {
	in := sampleConfig{Interval: 2 * time.Second, Device: "x", Tags: []string{"t"}}
	in.Limits.Max = 3

	table, err := EncodeConfig(in)
	require.NoError(t, err)
	assert.Equal(t, "2s", table["poll_interval"])

	var out sampleConfig
	require.NoError(t, DecodeConfig(table, &out))
	assert.Equal(t, in, out)
}

func TestMerge(t *testing.T) {
	base := ConfigTable{
		"a":      1,
		"nested": map[string]any{"x": 1, "y": 2},
	}
	override := ConfigTable{
		"b":      2,
		"nested": map[string]any{"y": 3},
	}

	merged := Merge(base, override)
	assert.Equal(t, 1, merged["a"])
	assert.Equal(t, 2, merged["b"])
	assert.Equal(t, map[string]any{"x": 1, "y": 3}, merged["nested"])

	// inputs untouched
	assert.Equal(t, map[string]any{"x": 1, "y": 2}, base["nested"])
	assert.NotContains(t, base, "b")
}

func TestMergeReplacesNonTable(t *testing.T) {
	merged := Merge(ConfigTable{"k": map[string]any{"x": 1}}, ConfigTable{"k": "flat"})
	assert.Equal(t, "flat", merged["k"])
}
