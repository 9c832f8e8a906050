package segment

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/epokhe/jlog/internal/jfile"
)

// Name renders log as the zero-padded 8-hex-digit segment filename.
func Name(log uint32) string { return fmt.Sprintf("%08x", log) }

func DataPath(dir string, log uint32) string { return filepath.Join(dir, Name(log)) }
func IdxPath(dir string, log uint32) string  { return filepath.Join(dir, Name(log)+".idx") }

// Segment is an open data-file + index-file pair for one log generation.
type Segment struct {
	Dir string
	Log uint32

	data *jfile.File
	idx  *jfile.File
}

// Create opens log's segment data file, creating it empty if it does not
// exist yet; an existing file is opened as-is, not truncated. The index
// file is not created here but on first index access. Called by the writer
// when it first opens storage_log or rotates into a new one.
func Create(dir string, log uint32) (*Segment, error) {
	data, err := jfile.Open(DataPath(dir, log), true, false)
	if err != nil {
		return nil, fmt.Errorf("segment: create data %08x: %w", log, err)
	}
	return &Segment{Dir: dir, Log: log, data: data}, nil
}

// Open opens an existing segment's data file. Returns os.ErrNotExist
// (wrapped) if the segment is missing, which the caller uses to decide
// whether a reader should skip forward past a reclaimed segment.
func Open(dir string, log uint32) (*Segment, error) {
	data, err := jfile.Open(DataPath(dir, log), false, false)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("segment %08x: %w", log, os.ErrNotExist)
		}
		return nil, fmt.Errorf("segment: open data %08x: %w", log, err)
	}
	return &Segment{Dir: dir, Log: log, data: data}, nil
}

func (s *Segment) openIndex() error {
	if s.idx != nil {
		return nil
	}
	idx, err := jfile.Open(IdxPath(s.Dir, s.Log), true, false)
	if err != nil {
		return fmt.Errorf("segment: open index %08x: %w", s.Log, err)
	}
	s.idx = idx
	return nil
}

func (s *Segment) Close() error {
	var errs []error
	if s.idx != nil {
		if err := s.idx.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.data.Close(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("segment: close %08x: %v", s.Log, errs)
	}
	return nil
}

func (s *Segment) Sync() error { return s.data.Sync() }

func (s *Segment) Size() (int64, error) { return s.data.Size() }

func (s *Segment) LockData() error   { return s.data.Lock() }
func (s *Segment) UnlockData() error { return s.data.Unlock() }

func (s *Segment) LockIndex() error {
	if err := s.openIndex(); err != nil {
		return err
	}
	return s.idx.Lock()
}

func (s *Segment) UnlockIndex() error {
	if err := s.openIndex(); err != nil {
		return err
	}
	return s.idx.Unlock()
}

// Append writes [header|payload] at the segment's current end of file via
// a single pwritev, and returns the byte offset the record starts at.
// Callers must hold the data-file lock (LockData) around the full
// append-and-maybe-rotate sequence (spec §4.4, §5).
func (s *Segment) Append(header, payload []byte) (int64, error) {
	size, err := s.Size()
	if err != nil {
		return 0, fmt.Errorf("segment: size: %w", err)
	}
	total := len(header) + len(payload)
	ok, err := jfile.Pwritev(s.data, [][]byte{header, payload}, size, total)
	if err != nil {
		return 0, fmt.Errorf("segment: pwritev %08x: %w", s.Log, err)
	}
	if !ok {
		return 0, fmt.Errorf("segment: short pwritev %08x", s.Log)
	}
	return size, nil
}

// ReadAt reads n bytes at off from the data file.
func (s *Segment) ReadAt(buf []byte, off int64) error {
	_, ok, err := jfile.Pread(s.data, buf, off)
	if err != nil {
		return fmt.Errorf("segment: pread %08x: %w", s.Log, err)
	}
	if !ok {
		return fmt.Errorf("segment: short pread %08x", s.Log)
	}
	return nil
}

// WriteAt writes buf at off in the data file; used by repair's compaction
// pass.
func (s *Segment) WriteAt(buf []byte, off int64) error {
	_, ok, err := jfile.Pwrite(s.data, buf, off)
	if err != nil {
		return fmt.Errorf("segment: pwrite %08x: %w", s.Log, err)
	}
	if !ok {
		return fmt.Errorf("segment: short pwrite %08x", s.Log)
	}
	return nil
}

func (s *Segment) Truncate(size int64) error { return s.data.Truncate(size) }

func (s *Segment) MapRead() (*jfile.MapReader, error) { return s.data.MapRead() }

// Unlink removes both the data file and its index; called by reclamation
// once no subscriber still needs this segment.
func Unlink(dir string, log uint32) error {
	if err := os.Remove(DataPath(dir, log)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("segment: unlink data %08x: %w", log, err)
	}
	if err := os.Remove(IdxPath(dir, log)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("segment: unlink index %08x: %w", log, err)
	}
	return nil
}
