package wal

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"
)

// ErrBadMagic is returned for files that are not journal segments
var ErrBadMagic = errors.New("invalid journal magic bytes")

// Reader reads one segment file
type Reader struct {
	filePath string
	logger   zerolog.Logger

	// Metrics
	TotalEntries     int64
	TotalBytes       int64
	CorruptedEntries int64
}

// NewReader creates a new segment reader
func NewReader(filePath string, logger zerolog.Logger) *Reader {
	return &Reader{
		filePath: filePath,
		logger:   logger.With().Str("component", "journal-reader").Logger(),
	}
}

// Entry is a single journal entry with its payload decompressed
type Entry struct {
	Timestamp time.Time
	Payload   []byte
}

// ReadAll reads every valid entry of the segment
func (r *Reader) ReadAll() ([]Entry, error) {
	var entries []Entry
	err := r.Each(func(e Entry) error {
		entries = append(entries, e)
		return nil
	})
	return entries, err
}

// Each calls fn for every valid entry in file order. Entries failing their
// checksum are counted and skipped. A truncated tail, as left by a crash
// mid-write, ends the segment without error. An error from fn stops the
// iteration and is returned.
func (r *Reader) Each(fn func(Entry) error) error {
	f, err := os.Open(r.filePath)
	if err != nil {
		return fmt.Errorf("failed to open journal segment: %w", err)
	}
	defer f.Close()

	br := bufio.NewReader(f)

	header := make([]byte, FileHeaderSize)
	if _, err := io.ReadFull(br, header); err != nil {
		r.logger.Warn().Str("file", r.filePath).Msg("Journal segment too short")
		return nil
	}
	if !bytes.Equal(header[0:4], Magic) {
		return fmt.Errorf("%w: %s", ErrBadMagic, r.filePath)
	}
	if version := binary.BigEndian.Uint16(header[4:6]); version != Version {
		r.logger.Warn().
			Uint16("file_version", version).
			Uint16("expected_version", Version).
			Msg("Journal version mismatch")
	}

	var decoder *zstd.Decoder
	if header[6]&FlagZstd != 0 {
		decoder, err = zstd.NewReader(nil)
		if err != nil {
			return fmt.Errorf("failed to create zstd decoder: %w", err)
		}
		defer decoder.Close()
	}

	for {
		entry, err := r.readEntry(br, decoder)
		if errors.Is(err, io.EOF) {
			break
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			r.logger.Warn().Str("file", r.filePath).Msg("Journal segment ends with a partial entry")
			break
		}
		if err != nil {
			r.logger.Error().Err(err).Str("file", r.filePath).Msg("Error reading journal entry")
			r.CorruptedEntries++
			if errors.Is(err, ErrPayloadTooLarge) {
				// the length field cannot be trusted, so neither can the rest
				break
			}
			continue
		}

		r.TotalEntries++
		if err := fn(*entry); err != nil {
			return err
		}
	}

	r.logger.Debug().
		Str("file", r.filePath).
		Int64("entries", r.TotalEntries).
		Int64("bytes", r.TotalBytes).
		Int64("corrupted", r.CorruptedEntries).
		Msg("Journal segment read")
	return nil
}

func (r *Reader) readEntry(br io.Reader, decoder *zstd.Decoder) (*Entry, error) {
	header := make([]byte, EntryHeaderSize)
	if _, err := io.ReadFull(br, header); err != nil {
		return nil, err
	}

	payloadLen := binary.BigEndian.Uint32(header[0:4])
	timestampUS := binary.BigEndian.Uint64(header[4:12])
	expectedChecksum := binary.BigEndian.Uint32(header[12:16])

	if payloadLen > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, payloadLen)
	}

	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(br, payload); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	r.TotalBytes += int64(EntryHeaderSize) + int64(payloadLen)

	if actual := crc32.ChecksumIEEE(payload); actual != expectedChecksum {
		return nil, fmt.Errorf("checksum mismatch: expected %d, got %d", expectedChecksum, actual)
	}

	if decoder != nil {
		decoded, err := decoder.DecodeAll(payload, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress entry: %w", err)
		}
		payload = decoded
	}

	return &Entry{
		Timestamp: time.UnixMicro(int64(timestampUS)),
		Payload:   payload,
	}, nil
}
