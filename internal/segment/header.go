// Package segment implements the on-disk segment/index pair that holds
// messages and their offsets for one log generation (spec §3, §4.4).
package segment

import (
	"encoding/binary"
	"fmt"

	"github.com/epokhe/jlog/internal/compress"
)

const (
	MagicUncompressed    uint32 = 0x663A7318
	magicCompressedBase  uint32 = 0x15106A00
	magicCompressedMask  uint32 = 0xFFFFFF00
)

// HdrMagicFor builds the metastore hdr_magic field for codecID (0 = null /
// uncompressed default).
func HdrMagicFor(codecID uint8) uint32 {
	if codecID == 0 {
		return MagicUncompressed
	}
	return magicCompressedBase | uint32(codecID)
}

// CodecFromHdrMagic extracts the codec id from hdr_magic's low byte, and
// reports whether hdr_magic denotes a compressed log at all.
func CodecFromHdrMagic(hdrMagic uint32) (codecID uint8, compressed bool) {
	if hdrMagic == MagicUncompressed {
		return 0, false
	}
	if hdrMagic&magicCompressedMask == magicCompressedBase {
		return uint8(hdrMagic & 0xFF), true
	}
	return 0, false
}

// KnownHdrMagic reports whether m is a recognized per-log header shape:
// the uncompressed sentinel, or the compressed pattern naming a codec id
// actually registered with the compress package. The metastore uses this
// to tell a valid hdr_magic from corruption (spec §4.10 step 2's "magic
// is known" check) rather than silently treating garbage as uncompressed.
func KnownHdrMagic(m uint32) bool {
	if m == MagicUncompressed {
		return true
	}
	codecID, compressed := CodecFromHdrMagic(m)
	if !compressed {
		return false
	}
	_, err := compress.Get(compress.CodecID(codecID))
	return err == nil
}

// HeaderLen returns the on-disk header size for a compressed or
// uncompressed log.
func HeaderLen(compressed bool) int {
	if compressed {
		return 20
	}
	return 16
}

// Header is the decoded form of one record header (spec §3's table).
type Header struct {
	Reserved      uint32 // magic tag; equals the log's hdr_magic for valid records
	TvSec         uint32
	TvUsec        uint32
	Mlen          uint32 // original (uncompressed) payload length
	CompressedLen uint32 // on-disk payload length; only meaningful when Compressed
	Compressed    bool
}

// DiskLen is the number of payload bytes actually stored on disk for this
// record (mlen for uncompressed, compressed_len for compressed).
func (h Header) DiskLen() uint32 {
	if h.Compressed {
		return h.CompressedLen
	}
	return h.Mlen
}

// Encode writes h into buf (which must be at least HeaderLen(h.Compressed)
// bytes long).
func (h Header) Encode(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], h.Reserved)
	binary.LittleEndian.PutUint32(buf[4:8], h.TvSec)
	binary.LittleEndian.PutUint32(buf[8:12], h.TvUsec)
	binary.LittleEndian.PutUint32(buf[12:16], h.Mlen)
	if h.Compressed {
		binary.LittleEndian.PutUint32(buf[16:20], h.CompressedLen)
	}
}

// DecodeHeader copies buf into an aligned local before reading fields —
// buf may come from an mmap and isn't guaranteed aligned for u32 reads on
// strict architectures (spec §9).
func DecodeHeader(buf []byte, compressed bool) (Header, error) {
	n := HeaderLen(compressed)
	if len(buf) < n {
		return Header{}, fmt.Errorf("segment: short header read (%d < %d)", len(buf), n)
	}
	var aligned [20]byte
	copy(aligned[:n], buf[:n])

	h := Header{
		Reserved:   binary.LittleEndian.Uint32(aligned[0:4]),
		TvSec:      binary.LittleEndian.Uint32(aligned[4:8]),
		TvUsec:     binary.LittleEndian.Uint32(aligned[8:12]),
		Mlen:       binary.LittleEndian.Uint32(aligned[12:16]),
		Compressed: compressed,
	}
	if compressed {
		h.CompressedLen = binary.LittleEndian.Uint32(aligned[16:20])
	}
	return h, nil
}
