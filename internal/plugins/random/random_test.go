package random

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basekick-labs/pulse/internal/plugins/plugintest"
	"github.com/basekick-labs/pulse/pkg/measurement"
	"github.com/basekick-labs/pulse/pkg/metric"
	"github.com/basekick-labs/pulse/pkg/pipeline"
	"github.com/basekick-labs/pulse/pkg/plugin"
)

func fakeDevice(t *testing.T, value uint64) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "device")
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], value)
	require.NoError(t, os.WriteFile(path, buf[:], 0600))
	return path
}

func TestPollReadsDevice(t *testing.T) {
	r := metric.NewRegistry(zerolog.Nop())
	id, err := metric.Create[uint64](r, MetricName, metric.Byte.Plain(), "")
	require.NoError(t, err)

	src := &Source{metric: id, device: fakeDevice(t, 1001), logger: zerolog.Nop()}
	buf := measurement.NewBuffer(1)
	require.NoError(t, src.Poll(measurement.NewAccumulator(buf), time.Now()))

	require.Equal(t, 1, buf.Len())
	p := buf.At(0)
	assert.Equal(t, uint64(1001), measurement.MustRead(p, id))
	double, ok := p.Attr("double")
	require.True(t, ok)
	assert.Equal(t, measurement.Uint(500), double)
}

func TestPollShortDevice(t *testing.T) {
	path := filepath.Join(t.TempDir(), "short")
	require.NoError(t, os.WriteFile(path, []byte{1, 2, 3}, 0600))

	src := &Source{device: path, logger: zerolog.Nop()}
	err := src.Poll(measurement.NewAccumulator(measurement.NewBuffer(0)), time.Now())
	require.Error(t, err)
	assert.False(t, pipeline.IsFatal(err))
}

func TestPollMissingDeviceIsFatal(t *testing.T) {
	src := &Source{device: filepath.Join(t.TempDir(), "gone"), logger: zerolog.Nop()}
	err := src.Poll(measurement.NewAccumulator(measurement.NewBuffer(0)), time.Now())
	require.Error(t, err)
	assert.True(t, pipeline.IsFatal(err))
}

func TestPluginWithFakeDevice(t *testing.T) {
	capture := plugintest.NewCapture()
	h := plugintest.Start(t, capture, map[string]plugin.ConfigTable{
		Name: {"device": fakeDevice(t, 42), "poll_interval": "10ms"},
	}, Metadata())
	plugintest.RequireRunning(t, h, Name)

	recs := capture.Next(t)
	require.Len(t, recs, 1)
	assert.Equal(t, MetricName, recs[0].Metric)
	assert.Equal(t, "B", recs[0].Unit)
	assert.Equal(t, uint64(42), recs[0].U64)
	require.Len(t, recs[0].Attributes, 1)
	assert.Equal(t, "double", recs[0].Attributes[0].Key)
}

func TestMissingDeviceFailsStart(t *testing.T) {
	h := plugintest.Start(t, nil, map[string]plugin.ConfigTable{
		Name: {"device": filepath.Join(t.TempDir(), "nope")},
	}, Metadata())

	state, err := h.State(Name)
	require.NoError(t, err)
	assert.Equal(t, plugin.StateFailed, state)
}
