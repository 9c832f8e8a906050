package segment

import (
	"errors"
	"fmt"
	"os"
)

const resyncBatchSize = 1024
const maxResyncAttempts = 4

// ResyncResult reports the outcome of reconstructing or extending an
// index.
type ResyncResult struct {
	LastMarker uint32 // 1-based; 0 if the segment has no records yet
	Closed     bool
}

// Params bundles the log-wide settings resync/repair need but that live in
// the metastore, so this package stays free of a dependency on meta.
type Params struct {
	HdrMagic   uint32
	Compressed bool
	StorageLog uint32 // the only segment that may still grow
}

// Resync reproduces spec §4.4's index-resync algorithm: it opens (or
// extends) log's index, scanning forward from the last known-good record,
// and reports the segment's last marker and whether its index is closed.
// It retries up to four times total, invoking repair_datafile on
// persistent corruption in a frozen (non-growing) segment; corruption in
// the current segment is returned without destructive repair.
func Resync(dir string, log uint32, p Params) (ResyncResult, error) {
	var lastErr error
	for attempt := 0; attempt < maxResyncAttempts; attempt++ {
		res, retry, err := resyncOnce(dir, log, p)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !retry {
			return ResyncResult{}, err
		}
		if log < p.StorageLog {
			if _, rerr := RepairDatafile(dir, log, p.HdrMagic, p.Compressed); rerr != nil {
				return ResyncResult{}, fmt.Errorf("segment: repair during resync %08x: %w", log, rerr)
			}
		}
	}
	return ResyncResult{}, fmt.Errorf("segment: resync %08x exhausted retries: %w", log, lastErr)
}

func resyncOnce(dir string, log uint32, p Params) (res ResyncResult, retry bool, err error) {
	seg, err := Open(dir, log)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ResyncResult{}, false, err
		}
		return ResyncResult{}, false, err
	}
	defer seg.Close()

	if err := seg.LockIndex(); err != nil {
		return ResyncResult{}, false, fmt.Errorf("segment: lock index %08x: %w", log, err)
	}
	defer seg.UnlockIndex()

	return seg.resyncLocked(p)
}

// ResyncLocked runs the resync algorithm on an already-open segment whose
// index lock the caller already holds — used by the read path's single
// re-entrant retry after truncating a corrupt index (spec §4.4 read path
// step 5).
func ResyncLocked(s *Segment, p Params) (ResyncResult, error) {
	res, _, err := s.resyncLocked(p)
	return res, err
}

// resyncLocked runs the algorithm assuming the index lock is already held
// (used both by the top-level Resync and by the read path's single
// re-entrant retry under lock).
func (s *Segment) resyncLocked(p Params) (ResyncResult, bool, error) {
	idxSize, err := s.IndexSize()
	if err != nil {
		return ResyncResult{}, false, fmt.Errorf("segment: index size %08x: %w", s.Log, err)
	}
	if idxSize%idxEntrySize != 0 {
		if err := s.TruncateIndex(); err != nil {
			return ResyncResult{}, false, err
		}
		return ResyncResult{}, true, fmt.Errorf("segment %08x: index size %d not a multiple of %d", s.Log, idxSize, idxEntrySize)
	}

	dataLen, err := s.Size()
	if err != nil {
		return ResyncResult{}, false, fmt.Errorf("segment: size %08x: %w", s.Log, err)
	}

	var startOffset int64
	n := idxSize / idxEntrySize

	if idxSize >= idxEntrySize {
		last, err := s.IndexEntry(n - 1)
		if err != nil {
			return ResyncResult{}, false, err
		}
		// a lone zero entry is record 1 at offset 0, not a terminator
		if last == 0 && n > 1 {
			return ResyncResult{LastMarker: uint32(n - 1), Closed: true}, false, nil
		}
		if int64(last) > dataLen {
			if err := s.TruncateIndex(); err != nil {
				return ResyncResult{}, false, err
			}
			return ResyncResult{}, true, fmt.Errorf("segment %08x: last index offset %d beyond data len %d", s.Log, last, dataLen)
		}
		hdr, err := s.readHeaderAt(int64(last), p)
		if err != nil {
			return ResyncResult{}, false, err
		}
		startOffset = int64(last) + int64(HeaderLen(p.Compressed)) + int64(hdr.DiskLen())
		if startOffset > dataLen {
			if err := s.TruncateIndex(); err != nil {
				return ResyncResult{}, false, err
			}
			return ResyncResult{}, true, fmt.Errorf("segment %08x: record overruns data len", s.Log)
		}
	}

	marker := int64(n)
	var batch []uint64
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := s.AppendIndexEntries(batch); err != nil {
			return err
		}
		batch = batch[:0]
		return nil
	}

	off := startOffset
	for off < dataLen {
		hdr, err := s.readHeaderAt(off, p)
		if err != nil {
			_ = flush()
			return ResyncResult{}, false, err
		}
		if hdr.Reserved != p.HdrMagic {
			_ = flush()
			return ResyncResult{}, true, fmt.Errorf("%w: segment %08x offset %d", errCorrupt, s.Log, off)
		}
		recLen := int64(HeaderLen(p.Compressed)) + int64(hdr.DiskLen())
		if off+recLen > dataLen {
			_ = flush()
			return ResyncResult{}, true, fmt.Errorf("%w: segment %08x record at %d overruns data len %d", errCorrupt, s.Log, off, dataLen)
		}
		batch = append(batch, uint64(off))
		marker++
		off += recLen
		if len(batch) >= resyncBatchSize {
			if err := flush(); err != nil {
				return ResyncResult{}, false, err
			}
		}
	}
	if err := flush(); err != nil {
		return ResyncResult{}, false, err
	}

	if s.Log < p.StorageLog {
		// the writer may have raced us; re-check before declaring closed
		newLen, err := s.Size()
		if err != nil {
			return ResyncResult{}, false, err
		}
		if newLen != dataLen {
			return ResyncResult{}, true, fmt.Errorf("segment %08x: data grew during resync (race)", s.Log)
		}
		if marker > 0 {
			if err := s.CloseIndex(); err != nil {
				return ResyncResult{}, false, err
			}
			return ResyncResult{LastMarker: uint32(marker), Closed: true}, false, nil
		}
	}

	return ResyncResult{LastMarker: uint32(marker), Closed: false}, false, nil
}

var errCorrupt = fmt.Errorf("segment corrupt")

func (s *Segment) readHeaderAt(off int64, p Params) (Header, error) {
	buf := make([]byte, HeaderLen(p.Compressed))
	if err := s.ReadAt(buf, off); err != nil {
		return Header{}, fmt.Errorf("segment: read header at %d: %w", off, err)
	}
	return DecodeHeader(buf, p.Compressed)
}
