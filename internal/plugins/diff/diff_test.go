package diff

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basekick-labs/pulse/internal/plugins/counter"
	"github.com/basekick-labs/pulse/internal/plugins/plugintest"
	"github.com/basekick-labs/pulse/internal/plugins/textout"
	"github.com/basekick-labs/pulse/pkg/measurement"
	"github.com/basekick-labs/pulse/pkg/metric"
	"github.com/basekick-labs/pulse/pkg/pipeline"
	"github.com/basekick-labs/pulse/pkg/pipeline/trigger"
	"github.com/basekick-labs/pulse/pkg/plugin"
)

type fixture struct {
	ctx    *pipeline.TransformContext
	energy metric.TypedID[uint64]
	out    metric.TypedID[float64]
	t      *Transform
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	r := metric.NewRegistry(zerolog.Nop())
	energy, err := metric.Create[uint64](r, "energy", metric.Joule.Plain(), "")
	require.NoError(t, err)
	out, err := metric.Create[float64](r, "energy"+Suffix, metric.Unity.Plain(), "")
	require.NoError(t, err)

	return &fixture{
		ctx:    &pipeline.TransformContext{StageContext: pipeline.StageContext{Metrics: r, Logger: zerolog.Nop()}},
		energy: energy,
		out:    out,
		t: &Transform{
			names:    []string{"energy", "missing"},
			outputs:  map[string]metric.TypedID[float64]{"energy": out},
			previous: make(map[measurement.SeriesKey]float64),
		},
	}
}

func (f *fixture) apply(t *testing.T, points ...measurement.Point) []measurement.Point {
	t.Helper()
	buf := measurement.NewBuffer(len(points))
	for _, p := range points {
		buf.Push(p)
	}
	require.NoError(t, f.t.Apply(buf, f.ctx))
	return buf.All()
}

func (f *fixture) point(v uint64, res measurement.Resource) measurement.Point {
	return measurement.NewPoint(time.Unix(int64(v), 0), f.energy, res, measurement.LocalMachineConsumer(), v)
}

func TestFirstValueYieldsNothing(t *testing.T) {
	f := newFixture(t)
	out := f.apply(t, f.point(10, measurement.LocalMachine()))
	assert.Len(t, out, 1)
}

func TestDerivesDifference(t *testing.T) {
	f := newFixture(t)
	f.apply(t, f.point(10, measurement.LocalMachine()))

	out := f.apply(t, f.point(15, measurement.LocalMachine()))
	require.Len(t, out, 2)

	derived := out[1]
	assert.Equal(t, f.out.Untyped(), derived.Metric())
	assert.Equal(t, 5.0, measurement.MustRead(derived, f.out))
	assert.Equal(t, time.Unix(15, 0), derived.Timestamp())
	assert.Equal(t, measurement.LocalMachine(), derived.Resource())
}

func TestSeriesAreIndependent(t *testing.T) {
	f := newFixture(t)
	f.apply(t, f.point(10, measurement.CPUPackage(0)))

	// a different resource has no predecessor yet
	out := f.apply(t, f.point(100, measurement.CPUPackage(1)))
	assert.Len(t, out, 1)

	out = f.apply(t, f.point(12, measurement.CPUPackage(0)), f.point(101, measurement.CPUPackage(1)))
	require.Len(t, out, 4)
	assert.Equal(t, 2.0, measurement.MustRead(out[2], f.out))
	assert.Equal(t, 1.0, measurement.MustRead(out[3], f.out))
}

func TestDecreaseIsNegative(t *testing.T) {
	f := newFixture(t)
	f.apply(t, f.point(10, measurement.LocalMachine()))
	out := f.apply(t, f.point(4, measurement.LocalMachine()))
	require.Len(t, out, 2)
	assert.Equal(t, -6.0, measurement.MustRead(out[1], f.out))
}

func TestRepeatedKeyWithinTick(t *testing.T) {
	f := newFixture(t)
	out := f.apply(t, f.point(1, measurement.LocalMachine()), f.point(3, measurement.LocalMachine()))
	require.Len(t, out, 3)
	assert.Equal(t, 2.0, measurement.MustRead(out[2], f.out))
}

func TestInitRejectsRepeatedMetric(t *testing.T) {
	_, err := Metadata().Init(plugin.ConfigTable{"metrics": []string{"a", "a"}})
	require.Error(t, err)
}

func TestWithCounter(t *testing.T) {
	spec, fire := trigger.Manual()
	capture := plugintest.NewCapture()
	h := plugintest.Start(t, capture, nil, counter.MetadataWithTrigger(&spec), Metadata())
	plugintest.RequireRunning(t, h, counter.Name, Name)

	var diffs []float64
	for i := 0; i < 3; i++ {
		require.True(t, fire.Fire())
		for _, r := range capture.Next(t) {
			if r.Metric == counter.MetricName+Suffix {
				diffs = append(diffs, r.F64)
			}
		}
	}
	assert.Equal(t, []float64{1, 1}, diffs)
}

func TestCounterDiffTextLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lines.txt")
	spec, fire := trigger.Manual()
	h := plugintest.Start(t, nil, map[string]plugin.ConfigTable{
		textout.Name: {"path": path},
	}, counter.MetadataWithTrigger(&spec), Metadata(), textout.Metadata())
	plugintest.RequireRunning(t, h, counter.Name, Name, textout.Name)

	for i := 0; i < 3; i++ {
		require.True(t, fire.Fire())
		want := int64(i + 1)
		require.Eventually(t, func() bool {
			return h.Pipeline().Stats().Ticks() >= want
		}, plugintest.WaitTimeout, 5*time.Millisecond)
	}
	// stop waits for the last tick to reach the file
	require.NoError(t, h.Stop())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var counts, diffs []string
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		fields := strings.Fields(line)
		require.Len(t, fields, 5, line)
		name, value, ok := strings.Cut(fields[1], "=")
		require.True(t, ok, line)
		switch name {
		case counter.MetricName:
			counts = append(counts, value)
		case counter.MetricName + Suffix:
			diffs = append(diffs, value)
		default:
			t.Fatalf("unexpected line %q", line)
		}
		assert.Equal(t, "resource=local_machine", fields[2])
		assert.Equal(t, "consumer=local_machine", fields[3])
	}
	assert.Equal(t, []string{"0", "1", "2"}, counts)
	assert.Equal(t, []string{"1", "1"}, diffs)
}
