package logger

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Entry is one captured log line
type Entry struct {
	Time      time.Time      `json:"time"`
	Level     string         `json:"level"`
	Component string         `json:"component,omitempty"`
	Plugin    string         `json:"plugin,omitempty"`
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// LogBuffer is a fixed-size ring of the latest entries. It implements
// zerolog.LevelWriter so it can sit next to the real output.
type LogBuffer struct {
	mu      sync.RWMutex
	entries []Entry
	next    int
	count   int
}

func NewLogBuffer(size int) *LogBuffer {
	return &LogBuffer{entries: make([]Entry, size)}
}

func (b *LogBuffer) Write(p []byte) (int, error) {
	return b.WriteLevel(zerolog.NoLevel, p)
}

// WriteLevel parses one JSON log event. Lines that are not JSON are ignored.
func (b *LogBuffer) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	var fields map[string]any
	if err := json.Unmarshal(p, &fields); err != nil {
		return len(p), nil
	}

	e := Entry{Time: time.Now()}
	if s, ok := fields[zerolog.TimestampFieldName].(string); ok {
		if t, err := time.Parse(zerolog.TimeFieldFormat, s); err == nil {
			e.Time = t
		}
	}
	e.Level, _ = fields[zerolog.LevelFieldName].(string)
	if e.Level == "" && level != zerolog.NoLevel {
		e.Level = level.String()
	}
	e.Message, _ = fields[zerolog.MessageFieldName].(string)
	e.Component, _ = fields["component"].(string)
	e.Plugin, _ = fields["plugin"].(string)

	for _, k := range []string{zerolog.TimestampFieldName, zerolog.LevelFieldName, zerolog.MessageFieldName, "component", "plugin"} {
		delete(fields, k)
	}
	if len(fields) > 0 {
		e.Fields = fields
	}

	b.Add(e)
	return len(p), nil
}

// Add appends e, overwriting the oldest entry when full
func (b *LogBuffer) Add(e Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries[b.next] = e
	b.next = (b.next + 1) % len(b.entries)
	if b.count < len(b.entries) {
		b.count++
	}
}

// Query filters Recent
type Query struct {
	Limit     int
	MinLevel  zerolog.Level
	Since     time.Time
	Component string
}

// Recent returns matching entries, newest first
func (b *LogBuffer) Recent(q Query) []Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	limit := q.Limit
	if limit <= 0 || limit > b.count {
		limit = b.count
	}

	out := make([]Entry, 0, limit)
	for i := 0; i < b.count && len(out) < limit; i++ {
		e := b.entries[(b.next-1-i+len(b.entries))%len(b.entries)]
		if !q.Since.IsZero() && e.Time.Before(q.Since) {
			continue
		}
		if q.Component != "" && e.Component != q.Component {
			continue
		}
		if lvl, err := zerolog.ParseLevel(e.Level); err == nil && lvl < q.MinLevel {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Len returns the number of entries held
func (b *LogBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}
