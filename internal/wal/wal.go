// Package wal implements an append-only journal of CRC-framed entries split
// over segment files. Payloads are opaque; the journal output stores encoded
// measurement batches in it.
package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"
)

// Segment file format constants
var (
	Magic   = []byte{'P', 'U', 'L', 'J'}
	Version = uint16(0x0001)
)

const (
	FlagCRC32 = 0x01
	FlagZstd  = 0x02

	// Entry format: [Length: 4 bytes] [Timestamp: 8 bytes] [Checksum: 4 bytes] [Payload: N bytes]
	EntryHeaderSize = 16
	FileHeaderSize  = 7 // Magic(4) + Version(2) + Flags(1)

	// MaxPayloadSize bounds a single entry so a corrupt length cannot trigger
	// a huge allocation on read.
	MaxPayloadSize = 64 * 1024 * 1024

	SegmentExt = ".journal"
)

// SyncMode defines how the journal syncs to disk
type SyncMode string

const (
	SyncModeFsync SyncMode = "fsync" // sync after every entry
	SyncModeBatch SyncMode = "batch" // sync by interval or byte threshold (default)
	SyncModeAsync SyncMode = "async" // rely on the OS page cache
)

var (
	// ErrPayloadTooLarge indicates the payload exceeds MaxPayloadSize
	ErrPayloadTooLarge = errors.New("journal payload exceeds maximum allowed size")

	// ErrClosed is returned by Append after Close
	ErrClosed = errors.New("journal closed")
)

// WriterConfig holds configuration for the journal writer
type WriterConfig struct {
	Dir          string        // Directory for segment files
	Prefix       string        // Segment file name prefix (default: "pulse")
	SyncMode     SyncMode      // fsync, batch, async
	MaxSizeBytes int64         // Rotate when a segment reaches this size (default: 64MB)
	MaxAge       time.Duration // Rotate after this duration (default: 1 hour)
	SyncInterval time.Duration // Batch mode: sync at most this often (default: 1s)
	SyncBytes    int64         // Batch mode: sync after this many bytes (default: 1MB)
	Compress     bool          // zstd-compress payloads
	Logger       zerolog.Logger
}

// Stats is a point-in-time view of the writer
type Stats struct {
	CurrentFile    string  `json:"current_file"`
	CurrentSizeMB  float64 `json:"current_size_mb"`
	SyncMode       string  `json:"sync_mode"`
	Compressed     bool    `json:"compressed"`
	TotalEntries   int64   `json:"total_entries"`
	TotalBytes     int64   `json:"total_bytes"`
	TotalSyncs     int64   `json:"total_syncs"`
	TotalRotations int64   `json:"total_rotations"`
}

// Writer appends entries to the current segment. It is safe for concurrent
// use, although the journal output calls it from a single goroutine.
type Writer struct {
	config WriterConfig
	logger zerolog.Logger

	currentFile *os.File
	currentPath string
	currentSize int64
	startTime   time.Time
	segment     int

	lastSyncTime   time.Time
	bytesSinceSync int64

	encoder *zstd.Encoder

	totalEntries   int64
	totalBytes     int64
	totalSyncs     int64
	totalRotations int64

	closed bool
	mu     sync.Mutex
}

// NewWriter creates the journal directory and opens the first segment
func NewWriter(cfg *WriterConfig) (*Writer, error) {
	c := *cfg
	if c.Prefix == "" {
		c.Prefix = "pulse"
	}
	if c.SyncMode == "" {
		c.SyncMode = SyncModeBatch
	}
	switch c.SyncMode {
	case SyncModeFsync, SyncModeBatch, SyncModeAsync:
	default:
		return nil, fmt.Errorf("unknown sync mode %q", c.SyncMode)
	}
	if c.MaxSizeBytes <= 0 {
		c.MaxSizeBytes = 64 * 1024 * 1024
	}
	if c.MaxAge <= 0 {
		c.MaxAge = time.Hour
	}
	if c.SyncInterval <= 0 {
		c.SyncInterval = time.Second
	}
	if c.SyncBytes <= 0 {
		c.SyncBytes = 1024 * 1024
	}

	if err := os.MkdirAll(c.Dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	w := &Writer{
		config:       c,
		logger:       c.Logger.With().Str("component", "journal-writer").Logger(),
		lastSyncTime: time.Now(),
	}

	if c.Compress {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
		w.encoder = enc
	}

	if err := w.rotate(); err != nil {
		return nil, fmt.Errorf("failed to create initial segment: %w", err)
	}

	w.logger.Info().
		Str("dir", c.Dir).
		Str("sync_mode", string(c.SyncMode)).
		Int64("max_size_mb", c.MaxSizeBytes/1024/1024).
		Dur("max_age", c.MaxAge).
		Bool("compress", c.Compress).
		Msg("Journal writer initialized")

	return w, nil
}

// Append writes payload as one entry stamped with ts
func (w *Writer) Append(payload []byte, ts time.Time) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}

	if w.encoder != nil {
		payload = w.encoder.EncodeAll(payload, make([]byte, 0, len(payload)/2))
	}
	if len(payload) > MaxPayloadSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrPayloadTooLarge, len(payload), MaxPayloadSize)
	}

	entry := make([]byte, EntryHeaderSize+len(payload))
	binary.BigEndian.PutUint32(entry[0:4], uint32(len(payload)))
	binary.BigEndian.PutUint64(entry[4:12], uint64(ts.UnixMicro()))
	binary.BigEndian.PutUint32(entry[12:16], crc32.ChecksumIEEE(payload))
	copy(entry[EntryHeaderSize:], payload)

	n, err := w.currentFile.Write(entry)
	if err != nil {
		return fmt.Errorf("failed to write journal entry: %w", err)
	}

	w.currentSize += int64(n)
	w.bytesSinceSync += int64(n)
	w.totalEntries++
	w.totalBytes += int64(n)

	switch w.config.SyncMode {
	case SyncModeFsync:
		if err := w.sync(); err != nil {
			return err
		}
	case SyncModeBatch:
		if w.bytesSinceSync >= w.config.SyncBytes || time.Since(w.lastSyncTime) >= w.config.SyncInterval {
			if err := w.sync(); err != nil {
				return err
			}
		}
	}

	if w.currentSize >= w.config.MaxSizeBytes || time.Since(w.startTime) >= w.config.MaxAge {
		if err := w.rotate(); err != nil {
			return fmt.Errorf("failed to rotate journal: %w", err)
		}
	}
	return nil
}

// must be called with lock held
func (w *Writer) sync() error {
	if w.currentFile == nil || w.bytesSinceSync == 0 {
		return nil
	}
	if err := w.currentFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync journal: %w", err)
	}
	w.lastSyncTime = time.Now()
	w.bytesSinceSync = 0
	w.totalSyncs++
	return nil
}

// rotate closes the current segment and opens the next one.
// must be called with lock held
func (w *Writer) rotate() error {
	if w.currentFile != nil {
		if w.config.SyncMode != SyncModeAsync {
			if err := w.sync(); err != nil {
				w.logger.Error().Err(err).Str("file", w.currentPath).Msg("Failed to sync segment before rotation")
			}
		}
		w.currentFile.Close()
	}

	w.segment++
	filename := fmt.Sprintf("%s-%s-%06d%s", w.config.Prefix, time.Now().UTC().Format("20060102_150405"), w.segment, SegmentExt)
	w.currentPath = filepath.Join(w.config.Dir, filename)

	f, err := os.OpenFile(w.currentPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		w.currentFile = nil
		return fmt.Errorf("failed to create segment: %w", err)
	}
	w.currentFile = f

	header := make([]byte, FileHeaderSize)
	copy(header[0:4], Magic)
	binary.BigEndian.PutUint16(header[4:6], Version)
	header[6] = FlagCRC32
	if w.encoder != nil {
		header[6] |= FlagZstd
	}

	n, err := f.Write(header)
	if err != nil {
		return fmt.Errorf("failed to write segment header: %w", err)
	}

	w.currentSize = int64(n)
	w.startTime = time.Now()
	w.bytesSinceSync = int64(n)
	w.totalRotations++

	w.logger.Debug().Str("file", filename).Msg("Journal segment opened")
	return nil
}

// Close syncs and closes the current segment
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	var errs []error
	if w.currentFile != nil {
		if w.config.SyncMode != SyncModeAsync {
			errs = append(errs, w.sync())
		}
		errs = append(errs, w.currentFile.Close())
		w.currentFile = nil
	}
	if w.encoder != nil {
		errs = append(errs, w.encoder.Close())
	}

	w.logger.Info().
		Str("file", w.currentPath).
		Int64("entries", w.totalEntries).
		Msg("Journal closed")
	return errors.Join(errs...)
}

// Stats returns writer statistics
func (w *Writer) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	return Stats{
		CurrentFile:    w.currentPath,
		CurrentSizeMB:  float64(w.currentSize) / 1024 / 1024,
		SyncMode:       string(w.config.SyncMode),
		Compressed:     w.encoder != nil,
		TotalEntries:   w.totalEntries,
		TotalBytes:     w.totalBytes,
		TotalSyncs:     w.totalSyncs,
		TotalRotations: w.totalRotations,
	}
}

// CurrentFile returns the path of the segment being written
func (w *Writer) CurrentFile() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.currentPath
}
