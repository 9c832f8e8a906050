// Package checkpoint implements the per-subscriber checkpoint store (spec
// §3, §4.5): one small file per subscriber holding their last-acknowledged
// (log, marker) pair, plus the pending-readers computation reclamation
// depends on.
package checkpoint

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/epokhe/jlog/internal/atomicfile"
	"github.com/epokhe/jlog/internal/jfile"
)

// ID is a (log, marker) pair, spec §3's log identifier.
type ID struct {
	Log    uint32
	Marker uint32
}

func (id ID) Less(other ID) bool {
	if id.Log != other.Log {
		return id.Log < other.Log
	}
	return id.Marker < other.Marker
}

const recordSize = 8 // 2x u32, little-endian per spec §9's documented choice

// FileName renders a subscriber name as "cp." followed by the two-hex-
// digit encoding of each byte of the name.
func FileName(subscriber string) string {
	var b strings.Builder
	b.WriteString("cp.")
	for i := 0; i < len(subscriber); i++ {
		fmt.Fprintf(&b, "%02x", subscriber[i])
	}
	return b.String()
}

// DecodeName reverses FileName, returning the subscriber name for a
// "cp.*" filename, or false if name isn't a checkpoint filename.
func DecodeName(fileName string) (string, bool) {
	hex, ok := strings.CutPrefix(fileName, "cp.")
	if !ok || len(hex)%2 != 0 {
		return "", false
	}
	buf := make([]byte, len(hex)/2)
	for i := range buf {
		var v int
		if _, err := fmt.Sscanf(hex[i*2:i*2+2], "%02x", &v); err != nil {
			return "", false
		}
		buf[i] = byte(v)
	}
	return string(buf), true
}

func Path(dir, subscriber string) string {
	return filepath.Join(dir, FileName(subscriber))
}

// Store owns subscriber checkpoint files within one log directory.
type Store struct {
	Dir   string
	Safe  bool // whether Set fsyncs after writing
}

func New(dir string, safe bool) *Store { return &Store{Dir: dir, Safe: safe} }

// Exists reports whether subscriber has a checkpoint file.
func (s *Store) Exists(subscriber string) bool {
	_, err := os.Stat(Path(s.Dir, subscriber))
	return err == nil
}

// Add creates subscriber's checkpoint file with the given initial id,
// failing if one already exists (spec §4.5, O_CREAT|O_EXCL semantics).
func (s *Store) Add(subscriber string, id ID) error {
	path := Path(s.Dir, subscriber)
	f, err := jfile.Open(path, true, true)
	if err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("checkpoint: subscriber %q exists: %w", subscriber, os.ErrExist)
		}
		return fmt.Errorf("checkpoint: create %q: %w", subscriber, err)
	}
	defer f.Close()

	if err := f.Lock(); err != nil {
		return err
	}
	defer f.Unlock()

	buf := make([]byte, recordSize)
	encode(buf, id)
	if _, ok, err := jfile.Pwrite(f, buf, 0); err != nil || !ok {
		if err == nil {
			err = fmt.Errorf("short write")
		}
		return fmt.Errorf("checkpoint: write initial %q: %w", subscriber, err)
	}
	return f.Sync()
}

// AddCopy creates newSub's checkpoint with the same value as oldSub's
// current checkpoint (jlog_ctx_add_subscriber_copy_checkpoint).
func (s *Store) AddCopy(newSub, oldSub string) error {
	id, err := s.Get(oldSub)
	if err != nil {
		return fmt.Errorf("checkpoint: read source %q: %w", oldSub, err)
	}
	return s.Add(newSub, id)
}

// Remove deletes subscriber's checkpoint file.
func (s *Store) Remove(subscriber string) error {
	if err := os.Remove(Path(s.Dir, subscriber)); err != nil {
		return fmt.Errorf("checkpoint: remove %q: %w", subscriber, err)
	}
	return nil
}

// Get reads subscriber's checkpoint under a file lock.
func (s *Store) Get(subscriber string) (ID, error) {
	f, err := jfile.Open(Path(s.Dir, subscriber), false, false)
	if err != nil {
		return ID{}, fmt.Errorf("checkpoint: open %q: %w", subscriber, err)
	}
	defer f.Close()

	if err := f.Lock(); err != nil {
		return ID{}, err
	}
	defer f.Unlock()

	return s.readLocked(f)
}

func (s *Store) readLocked(f *jfile.File) (ID, error) {
	size, err := f.Size()
	if err != nil {
		return ID{}, err
	}
	if size == 0 {
		return ID{}, nil
	}
	buf := make([]byte, recordSize)
	if _, _, err := jfile.Pread(f, buf, 0); err != nil {
		return ID{}, fmt.Errorf("checkpoint: read: %w", err)
	}
	return decode(buf), nil
}

// Set persists subscriber's new checkpoint, then reports which segment
// logs (the half-open range [oldLog, newLog)) became candidates for
// reclamation as a result — the caller (subscriber manager) checks
// PendingReaders on each and unlinks the ones nobody needs anymore.
func (s *Store) Set(subscriber string, id ID) (oldLog uint32, err error) {
	f, err := jfile.Open(Path(s.Dir, subscriber), false, false)
	if err != nil {
		return 0, fmt.Errorf("checkpoint: open %q: %w", subscriber, err)
	}
	defer f.Close()

	if err := f.Lock(); err != nil {
		return 0, err
	}
	defer f.Unlock()

	size, err := f.Size()
	if err != nil {
		return 0, err
	}

	oldLog = id.Log
	if size != 0 {
		prev, err := s.readLocked(f)
		if err != nil {
			return 0, err
		}
		oldLog = prev.Log
	}

	buf := make([]byte, recordSize)
	encode(buf, id)
	if _, ok, err := jfile.Pwrite(f, buf, 0); err != nil || !ok {
		if err == nil {
			err = fmt.Errorf("short write")
		}
		return 0, fmt.Errorf("checkpoint: write %q: %w", subscriber, err)
	}
	if s.Safe {
		if err := f.Sync(); err != nil {
			return 0, err
		}
	}
	return oldLog, nil
}

// List enumerates subscriber names with a checkpoint file in dir.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: readdir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if name, ok := DecodeName(e.Name()); ok {
			names = append(names, name)
		}
	}
	return names, nil
}

// PendingReaders returns how many subscribers still have a checkpoint
// whose log is <= log (i.e. still need segment `log` or an earlier one),
// scanning every "cp.*" file under its own lock, per spec §4.5.
func (s *Store) PendingReaders(log uint32) (int, error) {
	subs, err := s.List()
	if err != nil {
		return 0, err
	}
	count := 0
	for _, sub := range subs {
		id, err := s.Get(sub)
		if err != nil {
			return 0, fmt.Errorf("checkpoint: pending readers scan %q: %w", sub, err)
		}
		if id.Log <= log {
			count++
		}
	}
	return count, nil
}

// EarliestNeeded returns the minimum log across every subscriber's
// checkpoint: no segment before it can be reclaimed.
func (s *Store) EarliestNeeded() (uint32, bool, error) {
	subs, err := s.List()
	if err != nil {
		return 0, false, err
	}
	if len(subs) == 0 {
		return 0, false, nil
	}
	id, err := s.Get(subs[0])
	if err != nil {
		return 0, false, err
	}
	earliest := id.Log
	for _, sub := range subs[1:] {
		id, err := s.Get(sub)
		if err != nil {
			return 0, false, err
		}
		if id.Log < earliest {
			earliest = id.Log
		}
	}
	return earliest, true, nil
}

// Repair rewrites subscriber's checkpoint atomically to id (used by
// internal/repair when a checkpoint file is malformed or out of range).
func (s *Store) Repair(subscriber string, id ID) error {
	buf := make([]byte, recordSize)
	encode(buf, id)
	return atomicfile.Replace(Path(s.Dir, subscriber), buf, 0o644)
}

func encode(buf []byte, id ID) {
	binary.LittleEndian.PutUint32(buf[0:4], id.Log)
	binary.LittleEndian.PutUint32(buf[4:8], id.Marker)
}

func decode(buf []byte) ID {
	return ID{
		Log:    binary.LittleEndian.Uint32(buf[0:4]),
		Marker: binary.LittleEndian.Uint32(buf[4:8]),
	}
}
