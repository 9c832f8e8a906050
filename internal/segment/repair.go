package segment

import (
	"fmt"

	"github.com/zeebo/xxh3"
)

const copyChunk = 4096

// validRange is a byte span of the segment that scrubbing considers good.
type validRange struct {
	start, end int64
}

// RepairDatafile scans log's segment linearly. Whenever the header at the
// current offset is invalid (magic mismatch, or its length would overrun
// the file), it searches byte-by-byte forward for a position that looks
// like a valid header *and* is itself followed by a second valid header
// (the two-consecutive-headers rule, which cuts down false positives in
// the byte search). The intervening bytes are tagged invalid. After the
// scan, valid byte ranges are compacted down (4 KiB chunks) and the file
// is truncated to the new length. It returns the number of invalid ranges
// excised.
//
// Must be called with the segment's data lock held by the caller.
func RepairDatafile(dir string, log uint32, hdrMagic uint32, compressed bool) (int, error) {
	seg, err := Open(dir, log)
	if err != nil {
		return 0, fmt.Errorf("segment: repair open %08x: %w", log, err)
	}
	defer seg.Close()

	if err := seg.LockData(); err != nil {
		return 0, fmt.Errorf("segment: repair lock %08x: %w", log, err)
	}
	defer seg.UnlockData()

	size, err := seg.Size()
	if err != nil {
		return 0, err
	}

	hlen := int64(HeaderLen(compressed))
	rejected := make(map[uint64]struct{})

	looksValid := func(off int64) (Header, bool) {
		if off+hlen > size {
			return Header{}, false
		}
		buf := make([]byte, hlen)
		if err := seg.ReadAt(buf, off); err != nil {
			return Header{}, false
		}
		key := xxh3.Hash(buf)
		if _, bad := rejected[key]; bad {
			return Header{}, false
		}
		hdr, err := DecodeHeader(buf, compressed)
		if err != nil || hdr.Reserved != hdrMagic {
			rejected[key] = struct{}{}
			return Header{}, false
		}
		if off+hlen+int64(hdr.DiskLen()) > size {
			rejected[key] = struct{}{}
			return Header{}, false
		}
		return hdr, true
	}

	var ranges []validRange
	invalidCount := 0

	this := int64(0)
	for this < size {
		hdr, ok := looksValid(this)
		if ok {
			recLen := hlen + int64(hdr.DiskLen())
			ranges = append(ranges, validRange{start: this, end: this + recLen})
			this += recLen
			continue
		}

		// header at `this` is bad; search forward byte by byte for a
		// candidate that is itself followed by a second valid header.
		invalidCount++
		found := false
		for cand := this + 1; cand < size; cand++ {
			candHdr, ok := looksValid(cand)
			if !ok {
				continue
			}
			next := cand + hlen + int64(candHdr.DiskLen())
			if _, ok2 := looksValid(next); ok2 || next == size {
				this = cand
				found = true
				break
			}
		}
		if !found {
			// nothing salvageable after `this`; everything past it is junk.
			break
		}
	}

	// compact: slide valid ranges down over the gaps, 4 KiB at a time.
	var newLen int64
	for _, r := range ranges {
		if r.start == newLen {
			newLen = r.end
			continue
		}
		if err := copyRange(seg, r.start, newLen, r.end-r.start); err != nil {
			return invalidCount, fmt.Errorf("segment: repair compact %08x: %w", log, err)
		}
		newLen += r.end - r.start
	}

	if newLen != size {
		if err := seg.Truncate(newLen); err != nil {
			return invalidCount, fmt.Errorf("segment: repair truncate %08x: %w", log, err)
		}
	}

	return invalidCount, nil
}

func copyRange(seg *Segment, src, dst, n int64) error {
	buf := make([]byte, copyChunk)
	for n > 0 {
		chunk := int64(len(buf))
		if chunk > n {
			chunk = n
		}
		if err := seg.ReadAt(buf[:chunk], src); err != nil {
			return err
		}
		if err := seg.WriteAt(buf[:chunk], dst); err != nil {
			return err
		}
		src += chunk
		dst += chunk
		n -= chunk
	}
	return nil
}
