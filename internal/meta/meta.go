// Package meta implements the log's metastore: a fixed 16-byte file holding
// the persistent parameters and the current segment id (spec §3, §4.3).
package meta

import (
	"encoding/binary"
	"fmt"

	"github.com/epokhe/jlog/internal/jfile"
	"github.com/epokhe/jlog/internal/segment"
)

const (
	// Size is the fixed on-disk record length. Legacy 12-byte metastores
	// (predating hdr_magic) are auto-extended to this on first restore.
	Size       = 16
	legacySize = 12
)

type Safety uint32

const (
	Unsafe Safety = iota
	AlmostSafe
	Safe
)

func (s Safety) Valid() bool { return s <= Safe }

// Info is the metastore's in-memory mirror.
type Info struct {
	StorageLog uint32
	UnitLimit  uint32
	Safety     Safety
	HdrMagic   uint32
}

func (i Info) Validate() error {
	if i.UnitLimit == 0 {
		return fmt.Errorf("meta: unit_limit must be > 0")
	}
	if !i.Safety.Valid() {
		return fmt.Errorf("meta: invalid safety %d", i.Safety)
	}
	if !segment.KnownHdrMagic(i.HdrMagic) {
		return fmt.Errorf("meta: unknown hdr_magic %#x", i.HdrMagic)
	}
	return nil
}

// Store owns the metastore file and, when mapped, its read/write mapping.
type Store struct {
	f        *jfile.File
	mapping  *jfile.MapRW
	readOnly bool
}

// Open opens (optionally creating) the metastore file at path.
func Open(path string, create bool) (*Store, error) {
	f, err := jfile.Open(path, create, false)
	if err != nil {
		return nil, fmt.Errorf("meta: open %s: %w", path, err)
	}
	return &Store{f: f}, nil
}

func (s *Store) Close() error {
	if s.mapping != nil {
		_ = s.mapping.Unmap()
		s.mapping = nil
	}
	return s.f.Close()
}

// Restore reads the metastore into memory, memory-mapping it read/write;
// readers get a read/write mapping too (readOnly is only recorded, it does
// not select a read-only mapping). A legacy 12-byte file is extended to 16
// bytes in place with the uncompressed hdr_magic. A malformed file triggers repair via
// repairFn, which must rewrite the file to a valid 16-byte record and
// return the info that was written.
func (s *Store) Restore(readOnly bool, repairFn func() (Info, error)) (Info, error) {
	size, err := s.f.Size()
	if err != nil {
		return Info{}, fmt.Errorf("meta: stat: %w", err)
	}

	if size == legacySize {
		if err := s.extendLegacy(); err != nil {
			return Info{}, err
		}
		size = Size
	}

	if size != Size {
		info, err := repairFn()
		if err != nil {
			return Info{}, fmt.Errorf("meta: repair: %w", err)
		}
		return info, nil
	}

	// Both readers and the writer map the metastore read/write: msync's
	// invalidation semantics need a writable mapping, and the restore
	// caller (not this package) is responsible for never calling Save
	// from a reader context.
	mapping, err := s.f.MapReadWrite(Size)
	if err != nil {
		return Info{}, fmt.Errorf("meta: mmap: %w", err)
	}
	s.mapping = mapping
	s.readOnly = readOnly

	info := decode(s.mapping.Base)
	if err := info.Validate(); err != nil {
		repaired, rerr := repairFn()
		if rerr != nil {
			return Info{}, fmt.Errorf("meta: repair: %w", rerr)
		}
		return repaired, nil
	}

	return info, nil
}

func (s *Store) extendLegacy() error {
	buf := make([]byte, legacySize)
	if _, _, err := jfile.Pread(s.f, buf, 0); err != nil {
		return fmt.Errorf("meta: read legacy: %w", err)
	}
	extended := make([]byte, Size)
	copy(extended, buf)
	// legacy metastores predate hdr_magic entirely, so they're always
	// uncompressed; fill in the sentinel rather than leaving it zero,
	// which Validate would otherwise reject as unknown.
	binary.LittleEndian.PutUint32(extended[12:16], segment.MagicUncompressed)
	if _, _, err := jfile.Pwrite(s.f, extended, 0); err != nil {
		return fmt.Errorf("meta: extend legacy: %w", err)
	}
	return s.f.Sync()
}

// Save persists info. If the metastore is mapped, it writes into the
// mapping and msyncs (MS_INVALIDATE, plus MS_SYNC when sync is requested);
// otherwise it pwrites directly and fsyncs when sync is set. Save never
// syncs segment or checkpoint files (that's the caller's job under SAFE).
func (s *Store) Save(info Info, sync bool) error {
	buf := make([]byte, Size)
	encode(buf, info)

	if s.mapping != nil {
		copy(s.mapping.Base, buf)
		return jfile.Msync(s.mapping.Base, sync)
	}

	if _, _, err := jfile.Pwrite(s.f, buf, 0); err != nil {
		return fmt.Errorf("meta: pwrite: %w", err)
	}
	if sync {
		return s.f.Sync()
	}
	return nil
}

func (s *Store) Lock() error   { return s.f.Lock() }
func (s *Store) Unlock() error { return s.f.Unlock() }

func decode(b []byte) Info {
	// Copy into an aligned local: b may come from an mmap and is not
	// guaranteed aligned for u32 reads on strict architectures.
	var aligned [Size]byte
	copy(aligned[:], b)
	return Info{
		StorageLog: binary.LittleEndian.Uint32(aligned[0:4]),
		UnitLimit:  binary.LittleEndian.Uint32(aligned[4:8]),
		Safety:     Safety(binary.LittleEndian.Uint32(aligned[8:12])),
		HdrMagic:   binary.LittleEndian.Uint32(aligned[12:16]),
	}
}

func encode(b []byte, info Info) {
	binary.LittleEndian.PutUint32(b[0:4], info.StorageLog)
	binary.LittleEndian.PutUint32(b[4:8], info.UnitLimit)
	binary.LittleEndian.PutUint32(b[8:12], uint32(info.Safety))
	binary.LittleEndian.PutUint32(b[12:16], info.HdrMagic)
}
