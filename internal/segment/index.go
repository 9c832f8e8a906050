package segment

import (
	"encoding/binary"
	"fmt"

	"github.com/epokhe/jlog/internal/jfile"
)

const idxEntrySize = 8

// idxEncoding is little-endian. Host byte order would be permitted (spec
// §3/§9: index files are never exchanged between hosts), but we pick
// little-endian explicitly rather than true host order, so the files read
// the same on every host.
var idxEncoding = binary.LittleEndian

// IndexSize returns the current size in bytes of log's index file.
func (s *Segment) IndexSize() (int64, error) {
	if err := s.openIndex(); err != nil {
		return 0, err
	}
	return s.idx.Size()
}

// IndexEntry reads the i-th (0-based) index entry.
func (s *Segment) IndexEntry(i int64) (uint64, error) {
	if err := s.openIndex(); err != nil {
		return 0, err
	}
	var buf [idxEntrySize]byte
	if _, _, err := jfile.Pread(s.idx, buf[:], i*idxEntrySize); err != nil {
		return 0, fmt.Errorf("segment: read index entry %d: %w", i, err)
	}
	return idxEncoding.Uint64(buf[:]), nil
}

// AppendIndexEntries pwrites offsets to the end of the index file,
// batched by the caller (spec's resync batches 1024 at a time).
func (s *Segment) AppendIndexEntries(offsets []uint64) error {
	if err := s.openIndex(); err != nil {
		return err
	}
	size, err := s.idx.Size()
	if err != nil {
		return err
	}
	buf := make([]byte, len(offsets)*idxEntrySize)
	for i, off := range offsets {
		idxEncoding.PutUint64(buf[i*idxEntrySize:], off)
	}
	if _, ok, err := jfile.Pwrite(s.idx, buf, size); err != nil || !ok {
		if err == nil {
			err = fmt.Errorf("short write")
		}
		return fmt.Errorf("segment: append index entries: %w", err)
	}
	return nil
}

// CloseIndex appends the terminal zero u64 that marks the index (and
// therefore the segment) as frozen.
func (s *Segment) CloseIndex() error {
	if err := s.openIndex(); err != nil {
		return err
	}
	size, err := s.idx.Size()
	if err != nil {
		return err
	}
	var zero [idxEntrySize]byte
	if _, ok, err := jfile.Pwrite(s.idx, zero[:], size); err != nil || !ok {
		if err == nil {
			err = fmt.Errorf("short write")
		}
		return fmt.Errorf("segment: close index: %w", err)
	}
	return nil
}

// TruncateIndex truncates the index to zero length, forcing a full resync
// from the start of the segment on the next read.
func (s *Segment) TruncateIndex() error {
	if err := s.openIndex(); err != nil {
		return err
	}
	return s.idx.Truncate(0)
}

