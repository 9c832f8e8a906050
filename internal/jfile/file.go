// Package jfile provides the shared file primitive the rest of the log is
// built on: positional read/write, whole-file advisory locking, and
// read-only/read-write memory mapping, all EINTR-tolerant.
//
// A *File may be shared across goroutines for pread/pwrite; Lock/Unlock are
// not reentrant and callers sharing a handle must coordinate acquisition
// externally (a mutex, or one handle per lock holder).
package jfile

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

type File struct {
	f *os.File
}

// Open opens path read/write, creating it (and failing if it already
// exists) when create/exclusive is requested.
func Open(path string, create, exclusive bool) (*File, error) {
	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE
	}
	if exclusive {
		flags |= os.O_EXCL
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, err
	}
	return &File{f: f}, nil
}

func (f *File) OSFile() *os.File { return f.f }

func (f *File) Close() error {
	return f.f.Close()
}

// Pread retries on EINTR and reports whether the full buffer was filled.
func Pread(f *File, buf []byte, off int64) (int, bool, error) {
	for {
		n, err := f.f.ReadAt(buf, off)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil && n == len(buf) {
			// ReadAt can return a benign io.EOF together with a full read
			// at exact end-of-file boundaries; treat as success.
			return n, true, nil
		}
		return n, n == len(buf), err
	}
}

// Pwrite retries on EINTR and reports whether every byte was written.
func Pwrite(f *File, buf []byte, off int64) (int, bool, error) {
	for {
		n, err := f.f.WriteAt(buf, off)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		return n, n == len(buf), err
	}
}

// Pwritev writes multiple buffers starting at off as a single logical
// write, retrying on EINTR, and reports whether expectedTotal bytes were
// written in all.
func Pwritev(f *File, iov [][]byte, off int64, expectedTotal int) (bool, error) {
	total := 0
	cur := off
	for _, chunk := range iov {
		for {
			n, err := f.f.WriteAt(chunk, cur)
			if errors.Is(err, unix.EINTR) {
				continue
			}
			total += n
			cur += int64(n)
			if err != nil {
				return total == expectedTotal, err
			}
			break
		}
	}
	return total == expectedTotal, nil
}

// Lock acquires a blocking, whole-file advisory write lock.
func (f *File) Lock() error {
	for {
		err := unix.Flock(int(f.f.Fd()), unix.LOCK_EX)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return fmt.Errorf("flock %s: %w", f.f.Name(), err)
		}
		return nil
	}
}

func (f *File) Unlock() error {
	for {
		err := unix.Flock(int(f.f.Fd()), unix.LOCK_UN)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return fmt.Errorf("funlock %s: %w", f.f.Name(), err)
		}
		return nil
	}
}

func (f *File) Size() (int64, error) {
	info, err := f.f.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (f *File) Truncate(size int64) error {
	return f.f.Truncate(size)
}

// Sync fdatasyncs the file, falling back to fsync where fdatasync isn't
// available.
func (f *File) Sync() error {
	for {
		err := unix.Fdatasync(int(f.f.Fd()))
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if errors.Is(err, unix.ENOSYS) || errors.Is(err, unix.EINVAL) {
			return f.f.Sync()
		}
		return err
	}
}

// MapReader is a read-only whole-file mapping.
type MapReader struct {
	Base []byte
}

func (f *File) MapRead() (*MapReader, error) {
	size, err := f.Size()
	if err != nil {
		return nil, err
	}
	if size == 0 {
		return &MapReader{Base: nil}, nil
	}
	base, err := unix.Mmap(int(f.f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap read %s: %w", f.f.Name(), err)
	}
	return &MapReader{Base: base}, nil
}

func (m *MapReader) Unmap() error {
	if m.Base == nil {
		return nil
	}
	return unix.Munmap(m.Base)
}

// MapRW is a read/write whole-file mapping.
type MapRW struct {
	Base []byte
}

func (f *File) MapReadWrite(size int) (*MapRW, error) {
	base, err := unix.Mmap(int(f.f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap rw %s: %w", f.f.Name(), err)
	}
	return &MapRW{Base: base}, nil
}

func (m *MapRW) Unmap() error {
	if m.Base == nil {
		return nil
	}
	return unix.Munmap(m.Base)
}

// Msync flushes dirty mapped pages; invalidate maps to MS_INVALIDATE so
// other mappings of the same file observe the update, sync additionally
// requests MS_SYNC (blocking until the flush completes) instead of the
// default async MS_ASYNC-like behavior.
func Msync(m []byte, sync bool) error {
	flags := unix.MS_INVALIDATE
	if sync {
		flags |= unix.MS_SYNC
	} else {
		flags |= unix.MS_ASYNC
	}
	return unix.Msync(m, flags)
}
