// Package logger configures the process-wide zerolog logger and keeps the most
// recent entries in memory for the status API.
package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultBufferSize is the number of entries kept when none is configured
const DefaultBufferSize = 2048

// Options controls Setup
type Options struct {
	Level      string
	Format     string // "json" or "console"
	BufferSize int
	Output     io.Writer // defaults to os.Stderr
}

// Setup configures the global logger and returns the buffer capturing its
// entries.
func Setup(opts Options) *LogBuffer {
	zerolog.SetGlobalLevel(ParseLevel(opts.Level))

	var out io.Writer = os.Stderr
	if opts.Output != nil {
		out = opts.Output
	}
	if strings.EqualFold(opts.Format, "console") {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	size := opts.BufferSize
	if size <= 0 {
		size = DefaultBufferSize
	}
	buffer := NewLogBuffer(size)

	log.Logger = zerolog.New(zerolog.MultiLevelWriter(out, buffer)).
		With().
		Timestamp().
		Logger()
	return buffer
}

// ParseLevel converts a level name, falling back to info
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Get returns a child of the global logger tagged with component
func Get(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}
