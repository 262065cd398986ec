package logger

import (
	"bytes"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, ParseLevel("DEBUG"))
	assert.Equal(t, zerolog.WarnLevel, ParseLevel("warning"))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("nonsense"))
}

func TestSetupCapturesEntries(t *testing.T) {
	prevLogger, prevLevel := log.Logger, zerolog.GlobalLevel()
	t.Cleanup(func() {
		log.Logger = prevLogger
		zerolog.SetGlobalLevel(prevLevel)
	})

	var out bytes.Buffer
	buf := Setup(Options{Level: "debug", Format: "json", BufferSize: 8, Output: &out})

	l := Get("pipeline")
	l.Info().Str("plugin", "counter").Int("points", 3).Msg("tick done")
	l.Debug().Msg("detail")

	assert.Contains(t, out.String(), `"message":"tick done"`)
	require.Equal(t, 2, buf.Len())

	entries := buf.Recent(Query{})
	require.Len(t, entries, 2)
	assert.Equal(t, "detail", entries[0].Message)
	assert.Equal(t, "tick done", entries[1].Message)
	assert.Equal(t, "info", entries[1].Level)
	assert.Equal(t, "pipeline", entries[1].Component)
	assert.Equal(t, "counter", entries[1].Plugin)
	assert.Equal(t, float64(3), entries[1].Fields["points"])

	warnOnly := buf.Recent(Query{MinLevel: zerolog.InfoLevel})
	require.Len(t, warnOnly, 1)
	assert.Equal(t, "tick done", warnOnly[0].Message)
}

func TestBufferWrapsAround(t *testing.T) {
	buf := NewLogBuffer(3)
	for i := 0; i < 5; i++ {
		buf.Add(Entry{Time: time.Now(), Level: "info", Message: strconv.Itoa(i)})
	}
	assert.Equal(t, 3, buf.Len())

	entries := buf.Recent(Query{Limit: 2})
	require.Len(t, entries, 2)
	assert.Equal(t, "4", entries[0].Message)
	assert.Equal(t, "3", entries[1].Message)
}

func TestRecentFilters(t *testing.T) {
	buf := NewLogBuffer(10)
	now := time.Now()
	buf.Add(Entry{Time: now.Add(-time.Hour), Level: "error", Component: "api", Message: "old"})
	buf.Add(Entry{Time: now, Level: "error", Component: "api", Message: "new"})
	buf.Add(Entry{Time: now, Level: "info", Component: "host", Message: "other"})

	entries := buf.Recent(Query{Since: now.Add(-time.Minute), Component: "api"})
	require.Len(t, entries, 1)
	assert.Equal(t, "new", entries[0].Message)
}

func TestNonJSONLinesIgnored(t *testing.T) {
	buf := NewLogBuffer(2)
	n, err := buf.Write([]byte("plain text\n"))
	require.NoError(t, err)
	assert.Equal(t, 11, n)
	assert.Zero(t, buf.Len())
}
