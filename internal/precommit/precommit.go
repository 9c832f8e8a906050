// Package precommit implements the optional mmap-backed staging buffer
// that batches writes before they become visible to readers (spec §4.6).
// Disabled entirely when the desired size is zero. Single-writer-process
// only: concurrent writer processes would corrupt the shared staging
// region, so callers must either disable this or guarantee a single
// writer (spec §4.6, §5).
package precommit

import (
	"fmt"
	"os"

	"github.com/epokhe/jlog/internal/jfile"
)

const countLen = 4

// Buffer owns the mapped pre_commit file: the first 4 bytes hold the
// current staged byte count durably, the remainder is the staging area.
type Buffer struct {
	f        *jfile.File
	mapping  *jfile.MapRW
	capacity int // desired_buffer_len
}

func path(dir string) string { return dir + string(os.PathSeparator) + "pre_commit" }

// Open creates (if needed), zero-fills to capacity+4, and maps pre_commit
// read/write. A capacity of 0 disables the buffer: Open returns nil, nil
// for it and callers must skip staging entirely.
func Open(dir string, capacity int) (*Buffer, error) {
	if capacity == 0 {
		return nil, nil
	}

	p := path(dir)
	size := capacity + countLen

	existed := true
	if _, err := os.Stat(p); os.IsNotExist(err) {
		existed = false
	}

	f, err := jfile.Open(p, true, false)
	if err != nil {
		return nil, fmt.Errorf("precommit: open: %w", err)
	}

	if !existed {
		if err := f.Truncate(int64(size)); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("precommit: zero-fill: %w", err)
		}
	} else {
		curSize, err := f.Size()
		if err != nil {
			_ = f.Close()
			return nil, err
		}
		if curSize != int64(size) {
			// administrative resize path (spec §9 open question): only
			// safe while no readers are active, truncate the existing
			// file in place to the new size (the staged count is kept).
			if err := f.Truncate(int64(size)); err != nil {
				_ = f.Close()
				return nil, fmt.Errorf("precommit: resize: %w", err)
			}
		}
	}

	mapping, err := f.MapReadWrite(size)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("precommit: mmap: %w", err)
	}

	return &Buffer{f: f, mapping: mapping, capacity: capacity}, nil
}

func (b *Buffer) Close() error {
	if b == nil {
		return nil
	}
	if err := b.mapping.Unmap(); err != nil {
		_ = b.f.Close()
		return err
	}
	return b.f.Close()
}

// Staged returns the current durable staged-byte count.
func (b *Buffer) Staged() int {
	return int(le32(b.mapping.Base[:countLen]))
}

func (b *Buffer) setStaged(n int) {
	putLe32(b.mapping.Base[:countLen], uint32(n))
}

// TryStage appends total bytes worth of record data to the staging area if
// it fits (staged+total <= capacity), copying each iovec in order and
// advancing the durable count. Reports whether it staged.
func (b *Buffer) TryStage(iov [][]byte, total int) bool {
	staged := b.Staged()
	if staged+total > b.capacity {
		return false
	}
	off := countLen + staged
	for _, chunk := range iov {
		copy(b.mapping.Base[off:], chunk)
		off += len(chunk)
	}
	b.setStaged(staged + total)
	return true
}

// Drain returns a copy of the currently staged bytes and resets the staged
// count to zero. Callers must hold the data-file lock while draining,
// since the drained bytes are about to be pwritten to the segment (spec
// §4.6: pre-commit is only ever touched while holding the data lock).
func (b *Buffer) Drain() []byte {
	staged := b.Staged()
	if staged == 0 {
		return nil
	}
	out := make([]byte, staged)
	copy(out, b.mapping.Base[countLen:countLen+staged])
	b.setStaged(0)
	return out
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func putLe32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
