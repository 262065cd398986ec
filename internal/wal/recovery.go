package wal

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ReplayCallback is called for each entry during a replay
type ReplayCallback func(ctx context.Context, entry Entry) error

// ReplayStats holds statistics about a replay
type ReplayStats struct {
	Files            int
	Entries          int
	CorruptedEntries int
	Duration         time.Duration
}

// Replayer reads every segment of a journal directory in order
type Replayer struct {
	dir    string
	logger zerolog.Logger
}

// NewReplayer creates a replayer for dir
func NewReplayer(dir string, logger zerolog.Logger) *Replayer {
	return &Replayer{
		dir:    dir,
		logger: logger.With().Str("component", "journal-replay").Logger(),
	}
}

// Replay feeds every entry of every segment to callback. Segments that cannot
// be opened are logged and skipped; an error from callback stops the replay.
func (r *Replayer) Replay(ctx context.Context, callback ReplayCallback) (*ReplayStats, error) {
	start := time.Now()
	stats := &ReplayStats{}

	files, err := Segments(r.dir)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		r.logger.Info().Str("dir", r.dir).Msg("No journal segments found")
		return stats, nil
	}

	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		var cbErr error
		reader := NewReader(file, r.logger)
		err := reader.Each(func(e Entry) error {
			if cbErr = callback(ctx, e); cbErr != nil {
				return cbErr
			}
			stats.Entries++
			return nil
		})
		stats.CorruptedEntries += int(reader.CorruptedEntries)
		if cbErr != nil {
			return stats, cbErr
		}
		if err != nil {
			r.logger.Error().Err(err).Str("file", file).Msg("Failed to read journal segment")
			continue
		}
		stats.Files++
	}

	stats.Duration = time.Since(start)
	r.logger.Info().
		Int("files", stats.Files).
		Int("entries", stats.Entries).
		Int("corrupted", stats.CorruptedEntries).
		Dur("duration", stats.Duration).
		Msg("Journal replay complete")
	return stats, nil
}

// Segments lists the segment files of dir in write order. A missing
// directory has no segments.
func Segments(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), SegmentExt) {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	// names embed a UTC timestamp and a sequence number
	sort.Strings(files)
	return files, nil
}
