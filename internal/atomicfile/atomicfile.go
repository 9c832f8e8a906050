// Package atomicfile generalizes the teacher's manifest-only atomic
// replace helper (create temp, write, fsync, rename, fsync directory) to
// any file the repair path needs to rewrite durably: the metastore and
// checkpoint files. The temp name embeds a uuid instead of a fixed ".tmp"
// suffix so concurrent repairs from different processes never collide on
// the same temp path.
package atomicfile

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Replace atomically overwrites path with data: write to a uniquely named
// temp file in the same directory, fsync it, rename over path, then fsync
// the directory so the rename itself is durable.
func Replace(path string, data []byte, perm os.FileMode) (rerr error) {
	dir := filepath.Dir(path)
	tmpPath := filepath.Join(dir, fmt.Sprintf(".%s.%s.tmp", filepath.Base(path), uuid.NewString()))

	tmpf, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return fmt.Errorf("atomicfile: create temp: %w", err)
	}
	defer func() {
		if rerr != nil {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmpf.Write(data); err != nil {
		_ = tmpf.Close()
		return fmt.Errorf("atomicfile: write temp: %w", err)
	}
	if err := tmpf.Sync(); err != nil {
		_ = tmpf.Close()
		return fmt.Errorf("atomicfile: sync temp: %w", err)
	}
	if err := tmpf.Close(); err != nil {
		return fmt.Errorf("atomicfile: close temp: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("atomicfile: rename: %w", err)
	}

	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("atomicfile: open dir: %w", err)
	}
	defer d.Close() //nolint:errcheck

	if err := d.Sync(); err != nil {
		return fmt.Errorf("atomicfile: sync dir: %w", err)
	}
	return nil
}

// CreateDurable creates path if missing (without truncating an existing
// file) and fsyncs both the file and its containing directory so its
// existence survives a crash immediately after creation.
func CreateDurable(path string, perm os.FileMode) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, perm)
	if err != nil {
		return nil, fmt.Errorf("atomicfile: create %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		return nil, fmt.Errorf("atomicfile: sync %s: %w", path, err)
	}

	dir := filepath.Dir(path)
	d, err := os.Open(dir)
	if err != nil {
		return nil, fmt.Errorf("atomicfile: open dir: %w", err)
	}
	defer d.Close() //nolint:errcheck

	if err := d.Sync(); err != nil {
		return nil, fmt.Errorf("atomicfile: sync dir: %w", err)
	}
	return f, nil
}
