package segment

import (
	"errors"
	"fmt"

	"github.com/epokhe/jlog/internal/compress"
	"github.com/epokhe/jlog/internal/jfile"
)

// ReadMethod selects between the two read strategies from spec §4.4/§9.
type ReadMethod int

const (
	MethodMMAP ReadMethod = iota
	MethodPREAD
)

// Record is one decoded message.
type Record struct {
	TvSec, TvUsec uint32
	Payload       []byte // view into the caller-provided scratch buffer (overwritten by the next read that reuses it), or (PREAD, uncompressed) a freshly allocated buffer
}

// ErrCloseLogID is returned when marker addresses exactly the closing
// terminator of a frozen index (spec §4.4 step 2 / §8).
var ErrCloseLogID = errors.New("segment: closed log id")

// Read performs one single-record read (spec §4.4 "Read path"). scratch is
// grown and reused across calls to avoid reallocating for compressed or
// MMAP reads (uncompressed PREAD reads allocate their own buffer); it is returned (possibly reallocated) alongside the result.
// On index corruption it returns errCorrupt (wrapped); the caller
// (ReadWithRecovery) is responsible for the truncate/resync/retry-once
// dance — this function never mutates the index itself.
func (s *Segment) Read(marker uint32, p Params, codec compress.Provider, method ReadMethod, scratch []byte) (Record, []byte, error) {
	if marker == 0 {
		return Record{}, scratch, fmt.Errorf("segment: marker 0 is reserved")
	}

	idxSize, err := s.IndexSize()
	if err != nil {
		return Record{}, scratch, fmt.Errorf("segment: index size: %w", err)
	}

	entry, err := s.IndexEntry(int64(marker) - 1)
	if err != nil {
		return Record{}, scratch, fmt.Errorf("segment: index entry: %w", err)
	}
	if entry == 0 && marker != 1 {
		if int64(marker)*idxEntrySize == idxSize {
			return Record{}, scratch, ErrCloseLogID
		}
		return Record{}, scratch, fmt.Errorf("%w: segment %08x marker %d points at zero mid-index", errCorrupt, s.Log, marker)
	}

	off := int64(entry)
	hlen := HeaderLen(p.Compressed)

	var hdrBuf []byte
	var mapping *jfile.MapReader
	var dataLen int64

	switch method {
	case MethodMMAP:
		mapping, err = s.MapRead()
		if err != nil {
			return Record{}, scratch, fmt.Errorf("segment: mmap %08x: %w", s.Log, err)
		}
		defer mapping.Unmap()
		if off+int64(hlen) > int64(len(mapping.Base)) {
			return Record{}, scratch, fmt.Errorf("%w: segment %08x header at %d exceeds mapped size", errCorrupt, s.Log, off)
		}
		hdrBuf = mapping.Base[off : off+int64(hlen)]
	default:
		dataLen, err = s.Size()
		if err != nil {
			return Record{}, scratch, fmt.Errorf("segment: size: %w", err)
		}
		if off+int64(hlen) > dataLen {
			return Record{}, scratch, fmt.Errorf("%w: segment %08x header at %d exceeds data len", errCorrupt, s.Log, off)
		}
		hdrBuf = make([]byte, hlen)
		if err := s.ReadAt(hdrBuf, off); err != nil {
			return Record{}, scratch, fmt.Errorf("segment: read header: %w", err)
		}
	}

	hdr, err := DecodeHeader(hdrBuf, p.Compressed)
	if err != nil {
		return Record{}, scratch, err
	}
	if hdr.Reserved != p.HdrMagic {
		return Record{}, scratch, fmt.Errorf("%w: segment %08x offset %d bad magic", errCorrupt, s.Log, off)
	}

	payloadOff := off + int64(hlen)
	diskLen := int64(hdr.DiskLen())

	switch method {
	case MethodMMAP:
		if payloadOff+diskLen > int64(len(mapping.Base)) {
			return Record{}, scratch, fmt.Errorf("%w: segment %08x payload at %d exceeds mapped size", errCorrupt, s.Log, payloadOff)
		}
		raw := mapping.Base[payloadOff : payloadOff+diskLen]
		if !p.Compressed {
			// the mapping is unmapped when Read returns, so the payload is
			// copied into scratch rather than handed back as a view.
			scratch = growTo(scratch, len(raw))
			copy(scratch, raw)
			return Record{TvSec: hdr.TvSec, TvUsec: hdr.TvUsec, Payload: scratch}, scratch, nil
		}
		scratch = scratch[:0]
		out, n, err := codec.Decompress(scratch, raw, int(hdr.Mlen))
		if err != nil {
			return Record{}, scratch, fmt.Errorf("segment: decompress %08x: %w", s.Log, err)
		}
		return Record{TvSec: hdr.TvSec, TvUsec: hdr.TvUsec, Payload: out[:n]}, out, nil
	default:
		if payloadOff+diskLen > dataLen {
			return Record{}, scratch, fmt.Errorf("%w: segment %08x payload at %d exceeds data len", errCorrupt, s.Log, payloadOff)
		}
		raw := make([]byte, diskLen)
		if err := s.ReadAt(raw, payloadOff); err != nil {
			return Record{}, scratch, fmt.Errorf("segment: read payload: %w", err)
		}
		if !p.Compressed {
			return Record{TvSec: hdr.TvSec, TvUsec: hdr.TvUsec, Payload: raw}, scratch, nil
		}
		scratch = scratch[:0]
		out, n, err := codec.Decompress(scratch, raw, int(hdr.Mlen))
		if err != nil {
			return Record{}, scratch, fmt.Errorf("segment: decompress %08x: %w", s.Log, err)
		}
		return Record{TvSec: hdr.TvSec, TvUsec: hdr.TvUsec, Payload: out[:n]}, out, nil
	}
}

// ReadWithRecovery wraps Read with the single re-entrant retry from spec
// §4.4 step 5: on corruption, truncate the index, resync under the index
// lock, and retry exactly once.
func ReadWithRecovery(dir string, log uint32, marker uint32, p Params, codec compress.Provider, method ReadMethod, scratch []byte) (Record, []byte, error) {
	seg, err := Open(dir, log)
	if err != nil {
		return Record{}, scratch, err
	}
	defer seg.Close()

	rec, scratch, err := seg.Read(marker, p, codec, method, scratch)
	if err == nil || !errors.Is(err, errCorrupt) {
		return rec, scratch, err
	}

	if lerr := seg.LockIndex(); lerr != nil {
		return Record{}, scratch, fmt.Errorf("segment: lock index for recovery: %w", lerr)
	}
	defer seg.UnlockIndex()

	if terr := seg.TruncateIndex(); terr != nil {
		return Record{}, scratch, fmt.Errorf("segment: truncate index for recovery: %w", terr)
	}
	if _, rerr := ResyncLocked(seg, p); rerr != nil {
		return Record{}, scratch, fmt.Errorf("segment: resync for recovery: %w", rerr)
	}

	return seg.Read(marker, p, codec, method, scratch)
}

// BulkRead reads count consecutive records starting at marker. It first
// sums their total payload length, grows scratch to exactly that sum, then
// fills each Record's Payload as a slice into scratch (spec §4.4 "Bulk
// read").
func BulkRead(dir string, log uint32, marker uint32, count int, p Params, codec compress.Provider, method ReadMethod, scratch []byte) ([]Record, []byte, error) {
	seg, err := Open(dir, log)
	if err != nil {
		return nil, scratch, err
	}
	defer seg.Close()

	type rawRec struct {
		hdr Header
		off int64
	}
	raws := make([]rawRec, 0, count)
	total := 0

	for i := 0; i < count; i++ {
		m := marker + uint32(i)
		entry, err := seg.IndexEntry(int64(m) - 1)
		if err != nil {
			return nil, scratch, fmt.Errorf("segment: bulk index entry %d: %w", m, err)
		}
		off := int64(entry)
		hdr, err := seg.readHeaderAt(off, p)
		if err != nil {
			return nil, scratch, err
		}
		if hdr.Reserved != p.HdrMagic {
			return nil, scratch, fmt.Errorf("%w: segment %08x bulk offset %d", errCorrupt, seg.Log, off)
		}
		raws = append(raws, rawRec{hdr: hdr, off: off})
		total += int(hdr.Mlen)
	}

	scratch = growTo(scratch, total)
	out := make([]Record, count)
	pos := 0
	hlen := HeaderLen(p.Compressed)
	for i, r := range raws {
		payloadOff := r.off + int64(hlen)
		diskLen := int64(r.hdr.DiskLen())
		raw := make([]byte, diskLen)
		if err := seg.ReadAt(raw, payloadOff); err != nil {
			return nil, scratch, fmt.Errorf("segment: bulk read payload: %w", err)
		}
		var payload []byte
		if p.Compressed {
			_, n, err := codec.Decompress(scratch[pos:pos], raw, int(r.hdr.Mlen))
			if err != nil {
				return nil, scratch, fmt.Errorf("segment: bulk decompress: %w", err)
			}
			payload = scratch[pos : pos+n]
			pos += n
		} else {
			copy(scratch[pos:pos+len(raw)], raw)
			payload = scratch[pos : pos+len(raw)]
			pos += len(raw)
		}
		out[i] = Record{TvSec: r.hdr.TvSec, TvUsec: r.hdr.TvUsec, Payload: payload}
	}

	return out, scratch, nil
}

func growTo(buf []byte, n int) []byte {
	if cap(buf) >= n {
		return buf[:n]
	}
	return make([]byte, n)
}
