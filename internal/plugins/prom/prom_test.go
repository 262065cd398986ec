package prom

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basekick-labs/pulse/internal/plugins/counter"
	"github.com/basekick-labs/pulse/internal/plugins/plugintest"
	"github.com/basekick-labs/pulse/pkg/measurement"
	"github.com/basekick-labs/pulse/pkg/metric"
	"github.com/basekick-labs/pulse/pkg/pipeline"
	"github.com/basekick-labs/pulse/pkg/pipeline/trigger"
)

func TestExporterSetsGauges(t *testing.T) {
	r := metric.NewRegistry(zerolog.Nop())
	power, err := metric.Create[float64](r, "cpu.power", metric.Watt.Plain(), "package power")
	require.NoError(t, err)

	ctx := &pipeline.OutputContext{StageContext: pipeline.StageContext{Metrics: r, Logger: zerolog.Nop()}}
	e := NewExporter("pulse")

	buf := measurement.NewBuffer(2)
	buf.Push(measurement.NewPoint(time.Now(), power, measurement.CPUPackage(0), measurement.LocalMachineConsumer(), 12.5))
	buf.Push(measurement.NewPoint(time.Now(), power, measurement.CPUPackage(1), measurement.LocalMachineConsumer(), 3.0))
	require.NoError(t, e.Write(buf.View(), ctx))

	n, err := testutil.GatherAndCount(e.Registry(), "pulse_cpu_power")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	expected := `
# HELP pulse_cpu_power package power (W)
# TYPE pulse_cpu_power gauge
pulse_cpu_power{consumer_id="",consumer_kind="local_machine",resource_id="0",resource_kind="cpu_package"} 12.5
pulse_cpu_power{consumer_id="",consumer_kind="local_machine",resource_id="1",resource_kind="cpu_package"} 3
`
	require.NoError(t, testutil.GatherAndCompare(e.Registry(), strings.NewReader(expected), "pulse_cpu_power"))

	// latest value wins
	buf.Reset()
	buf.Push(measurement.NewPoint(time.Now(), power, measurement.CPUPackage(0), measurement.LocalMachineConsumer(), 1.0))
	require.NoError(t, e.Write(buf.View(), ctx))
	n, err = testutil.GatherAndCount(e.Registry(), "pulse_cpu_power")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestExporterUnknownMetric(t *testing.T) {
	other := metric.NewRegistry(zerolog.Nop())
	stray, err := metric.Create[uint64](other, "stray", metric.Unity.Plain(), "")
	require.NoError(t, err)

	ctx := &pipeline.OutputContext{StageContext: pipeline.StageContext{Metrics: metric.NewRegistry(zerolog.Nop()), Logger: zerolog.Nop()}}
	buf := measurement.NewBuffer(1)
	buf.Push(measurement.NewPoint(time.Now(), stray, measurement.LocalMachine(), measurement.LocalMachineConsumer(), uint64(1)))

	err = NewExporter("pulse").Write(buf.View(), ctx)
	require.ErrorIs(t, err, metric.ErrNotFound)
}

func TestSanitizeName(t *testing.T) {
	assert.Equal(t, "energy_pkg_mJ", SanitizeName("energy.pkg-mJ"))
	assert.Equal(t, "_1st", SanitizeName("1st"))
	assert.Equal(t, "ok:name_2", SanitizeName("ok:name_2"))
}

func TestHandlerThroughHost(t *testing.T) {
	spec, fire := trigger.Manual()
	capture := plugintest.NewCapture()
	h := plugintest.Start(t, capture, nil, counter.MetadataWithTrigger(&spec), Metadata())
	plugintest.RequireRunning(t, h, counter.Name, Name)

	require.True(t, fire.Fire())
	capture.Next(t)

	handler, ok := h.Exporters()["/exporter/metrics"]
	require.True(t, ok)

	srv := httptest.NewServer(handler)
	defer srv.Close()

	require.Eventually(t, func() bool {
		resp, err := http.Get(srv.URL)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return strings.Contains(string(body), "pulse_example_source_call_counter{")
	}, plugintest.WaitTimeout, 10*time.Millisecond)
}
