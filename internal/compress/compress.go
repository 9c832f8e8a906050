// Package compress implements the pluggable compression provider contract
// from the log's §4.2: bound/compress/decompress, plus the process-wide
// provider table keyed by codec id so two differently-compressed logs can
// coexist in one process without a mutable global singleton.
package compress

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/lz4"
)

// CodecID is the low byte of a segment's hdr_magic.
type CodecID uint8

const (
	CodecNull CodecID = 0x00
	CodecLZ4  CodecID = 0x01
)

// Provider is the capability set every compression codec must implement.
type Provider interface {
	// Bound returns an upper bound on the compressed size of an n-byte
	// input; callers size their destination buffer from this.
	Bound(n int) int
	// Compress appends the compressed form of src to dst and returns the
	// extended slice.
	Compress(dst, src []byte) ([]byte, error)
	// Decompress appends the decompressed form of src to dst, given the
	// original (uncompressed) length carried in the record header, and
	// returns the extended slice and the number of bytes produced.
	Decompress(dst, src []byte, originalLen int) ([]byte, int, error)
}

var (
	mu       sync.RWMutex
	registry = map[CodecID]Provider{
		CodecNull: nullProvider{},
		CodecLZ4:  lz4Provider{},
	}
)

// Register installs (or replaces) the provider for id. Intended for hosts
// that want to plug in a third codec; the two stock providers are always
// present by default.
func Register(id CodecID, p Provider) {
	mu.Lock()
	defer mu.Unlock()
	registry[id] = p
}

// Get looks up the provider registered for id.
func Get(id CodecID) (Provider, error) {
	mu.RLock()
	defer mu.RUnlock()
	p, ok := registry[id]
	if !ok {
		return nil, fmt.Errorf("compress: no provider registered for codec %#x", id)
	}
	return p, nil
}

// nullProvider is the identity codec. Its Decompress intentionally reports
// 0 as the byte count on success, mirroring the legacy behavior documented
// in spec §9: callers must treat 0 as a legal decompressed length iff the
// compressed input itself was empty, and otherwise fall back to len(src).
type nullProvider struct{}

func (nullProvider) Bound(n int) int { return n }

func (nullProvider) Compress(dst, src []byte) ([]byte, error) {
	return append(dst, src...), nil
}

func (nullProvider) Decompress(dst, src []byte, _ int) ([]byte, int, error) {
	dst = append(dst, src...)
	return dst, 0, nil
}

// lz4Provider wraps klauspost/compress/lz4 as the stock fast block codec.
type lz4Provider struct{}

func (lz4Provider) Bound(n int) int {
	return lz4.CompressBlockBound(n)
}

func (lz4Provider) Compress(dst, src []byte) ([]byte, error) {
	if len(src) == 0 {
		return dst, nil
	}
	out := make([]byte, lz4.CompressBlockBound(len(src)))
	var c lz4.Compressor
	n, err := c.CompressBlock(src, out)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	if n == 0 {
		// incompressible input: the block codec declines rather than
		// grow the output. Callers fall back to storing the block
		// uncompressed for this one record (handled by the writer,
		// which always has mlen available to detect this case).
		return nil, ErrIncompressible
	}
	return append(dst, out[:n]...), nil
}

// ErrIncompressible signals that lz4 couldn't shrink this particular block.
var ErrIncompressible = fmt.Errorf("lz4: incompressible block")

func (lz4Provider) Decompress(dst, src []byte, originalLen int) ([]byte, int, error) {
	if len(src) == originalLen {
		// writer's fallback for a block CompressBlock declined to shrink:
		// src is the literal payload, not an lz4 block.
		return append(dst, src...), originalLen, nil
	}
	out := make([]byte, originalLen)
	n, err := lz4.UncompressBlock(src, out)
	if err != nil {
		return nil, 0, fmt.Errorf("lz4 decompress: %w", err)
	}
	return append(dst, out[:n]...), n, nil
}
