package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basekick-labs/pulse/internal/codec"
	"github.com/basekick-labs/pulse/internal/config"
	"github.com/basekick-labs/pulse/internal/wal"
	"github.com/basekick-labs/pulse/pkg/measurement"
	"github.com/basekick-labs/pulse/pkg/metric"
	"github.com/basekick-labs/pulse/pkg/plugin"
)

func TestRunJournalDump(t *testing.T) {
	dir := t.TempDir()
	w, err := wal.NewWriter(&wal.WriterConfig{Dir: dir, Logger: zerolog.Nop()})
	require.NoError(t, err)

	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	payload, err := codec.Encode(&codec.Batch{Written: ts.UnixNano(), Points: []codec.Record{{
		Timestamp: ts.UnixNano(),
		Metric:    "calls",
		Type:      metric.TypeU64,
		U64:       7,
		Resource:  measurement.LocalMachine(),
		Consumer:  measurement.LocalMachineConsumer(),
	}}})
	require.NoError(t, err)
	require.NoError(t, w.Append(payload, ts))
	require.NoError(t, w.Close())

	var stdout, stderr bytes.Buffer
	code := runJournal([]string{"dump", dir}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())
	assert.Equal(t, "2024-01-02T03:04:05Z calls=7 resource=local_machine consumer=local_machine attributes=[]\n", stdout.String())
	assert.Contains(t, stderr.String(), "1 points")
}

func TestRunJournalUsage(t *testing.T) {
	var stdout, stderr bytes.Buffer
	assert.Equal(t, 2, runJournal([]string{"print"}, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "usage")

	stderr.Reset()
	assert.Equal(t, 1, runJournal([]string{"dump", t.TempDir()}, &stdout, &stderr))
}

func TestRunPlugins(t *testing.T) {
	var stdout, stderr bytes.Buffer
	require.Equal(t, 0, runPlugins(&stdout, &stderr))

	var out []struct {
		Name   string         `json:"name"`
		Config map[string]any `json:"default_config"`
	}
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &out))
	require.NotEmpty(t, out)
	assert.Equal(t, "counter", out[0].Name)
	assert.Equal(t, "1s", out[0].Config["poll_interval"])
}

func TestNewHost(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pulse.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[plugins]
enabled = ["counter", "textout"]

[plugins.counter]
poll_interval = "50ms"

[plugins.textout]
path = "`+filepath.Join(t.TempDir(), "out.txt")+`"
`), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)

	host, err := newHost(cfg)
	require.NoError(t, err)
	status := host.Status()
	require.Len(t, status, 2)
	assert.Equal(t, "counter", status[0].Name)
	assert.Equal(t, plugin.StateConfigured, status[0].State)
	assert.Equal(t, plugin.StateConfigured, status[1].State)
}

func TestNewHostUnknownPlugin(t *testing.T) {
	cfg := &config.Config{Plugins: config.PluginsConfig{Enabled: []string{"counter", "teleport"}}}
	_, err := newHost(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "teleport")
}
