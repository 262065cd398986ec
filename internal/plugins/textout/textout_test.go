package textout

import (
	"bytes"
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
	"github.com/basekick-labs/pulse/pkg/measurement"
	"github.com/basekick-labs/pulse/pkg/metric"
	"github.com/basekick-labs/pulse/pkg/pipeline"
	"github.com/basekick-labs/pulse/pkg/pipeline/trigger"
	"github.com/basekick-labs/pulse/pkg/plugin"
)

func outputContext(r metric.Lookup) *pipeline.OutputContext {
	return &pipeline.OutputContext{StageContext: pipeline.StageContext{Metrics: r, Logger: zerolog.Nop()}}
}

func TestWriteLines(t *testing.T) {
	r := metric.NewRegistry(zerolog.Nop())
	calls, err := metric.Create[uint64](r, "calls", metric.Unity.Plain(), "")
	require.NoError(t, err)
	power, err := metric.Create[float64](r, "power", metric.Watt.Plain(), "")
	require.NoError(t, err)

	ts := time.Date(2024, 1, 2, 3, 4, 5, 6, time.UTC)
	buf := measurement.NewBuffer(2)
	buf.Push(measurement.NewPoint(ts, calls, measurement.LocalMachine(), measurement.LocalMachineConsumer(), uint64(7)))
	buf.Push(measurement.NewPoint(ts, power, measurement.CPUPackage(0), measurement.Process(12), 1.5).
		WithAttr("b", measurement.Bool(true)).
		WithAttr("a", measurement.Str("x")))

	var out bytes.Buffer
	require.NoError(t, New(&out).Write(buf.View(), outputContext(r)))

	assert.Equal(t,
		"2024-01-02T03:04:05.000000006Z calls=7 resource=local_machine consumer=local_machine attributes=[]\n"+
			"2024-01-02T03:04:05.000000006Z power=1.5 resource=cpu_package/0 consumer=process/12 attributes=[b='true',a='x']\n",
		out.String())
}

func TestUnknownMetricFailsBatch(t *testing.T) {
	r := metric.NewRegistry(zerolog.Nop())
	other := metric.NewRegistry(zerolog.Nop())
	stray, err := metric.Create[uint64](other, "stray", metric.Unity.Plain(), "")
	require.NoError(t, err)

	buf := measurement.NewBuffer(1)
	buf.Push(measurement.NewPoint(time.Now(), stray, measurement.LocalMachine(), measurement.LocalMachineConsumer(), uint64(1)))

	var out bytes.Buffer
	err = New(&out).Write(buf.View(), outputContext(r))
	require.ErrorIs(t, err, metric.ErrNotFound)
	assert.Empty(t, out.String())
}

func TestPluginWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.txt")
	spec, fire := trigger.Manual()

	h := plugintest.Start(t, nil, map[string]plugin.ConfigTable{
		Name: {"path": path, "blocking": true},
	}, counter.MetadataWithTrigger(&spec), Metadata())
	plugintest.RequireRunning(t, h, counter.Name, Name)

	require.True(t, fire.Fire())
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(path)
		return err == nil && strings.Contains(string(data), counter.MetricName+"=0 ")
	}, plugintest.WaitTimeout, 10*time.Millisecond)

	require.NoError(t, h.Stop())
}
