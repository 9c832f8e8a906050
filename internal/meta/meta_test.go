package meta

import (
	"encoding/binary"
	"path/filepath"
	"testing"

	"github.com/epokhe/jlog/internal/jfile"
	"github.com/epokhe/jlog/internal/segment"
)

func TestSaveAndRestore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metastore")

	store, err := Open(path, true)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	want := Info{StorageLog: 3, UnitLimit: 4 << 20, Safety: Safe, HdrMagic: segment.HdrMagicFor(1)}
	if err := store.Save(want, true); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	store2, err := Open(path, false)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer store2.Close()

	got, err := store2.Restore(false, func() (Info, error) {
		t.Fatalf("repairFn should not be called for a valid metastore")
		return Info{}, nil
	})
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestRestoreLegacyExtends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metastore")

	f, err := jfile.Open(path, true, false)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	legacy := make([]byte, legacySize)
	binary.LittleEndian.PutUint32(legacy[0:4], 1)
	binary.LittleEndian.PutUint32(legacy[4:8], 1<<20)
	binary.LittleEndian.PutUint32(legacy[8:12], uint32(AlmostSafe))
	if _, _, err := jfile.Pwrite(f, legacy, 0); err != nil {
		t.Fatalf("pwrite: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	store, err := Open(path, false)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer store.Close()

	called := false
	info, err := store.Restore(false, func() (Info, error) {
		called = true
		return Info{StorageLog: 0, UnitLimit: 4 << 20, Safety: AlmostSafe}, nil
	})
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if called {
		t.Errorf("legacy extension should not require repairFn")
	}
	if info.StorageLog != 1 {
		t.Errorf("storage_log = %d, want 1 (preserved from legacy record)", info.StorageLog)
	}
	if info.HdrMagic != segment.MagicUncompressed {
		t.Errorf("hdr_magic = %#x, want uncompressed sentinel %#x", info.HdrMagic, segment.MagicUncompressed)
	}
}

func TestRestoreMalformedTriggersRepair(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metastore")

	f, err := jfile.Open(path, true, false)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	garbage := []byte{1, 2, 3, 4, 5}
	if _, _, err := jfile.Pwrite(f, garbage, 0); err != nil {
		t.Fatalf("pwrite: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	store, err := Open(path, false)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer store.Close()

	want := Info{StorageLog: 7, UnitLimit: 4 << 20, Safety: AlmostSafe, HdrMagic: segment.MagicUncompressed}
	called := false
	info, err := store.Restore(false, func() (Info, error) {
		called = true
		return want, nil
	})
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if !called {
		t.Fatalf("expected repairFn to be invoked for a malformed metastore")
	}
	if info != want {
		t.Errorf("got %+v, want %+v", info, want)
	}
}

func TestInfoValidate(t *testing.T) {
	if err := (Info{UnitLimit: 0, Safety: AlmostSafe, HdrMagic: segment.MagicUncompressed}).Validate(); err == nil {
		t.Errorf("expected error for zero unit_limit")
	}
	if err := (Info{UnitLimit: 1, Safety: Safety(99), HdrMagic: segment.MagicUncompressed}).Validate(); err == nil {
		t.Errorf("expected error for invalid safety")
	}
	if err := (Info{UnitLimit: 1, Safety: Safe, HdrMagic: 0xCAFE0000}).Validate(); err == nil {
		t.Errorf("expected error for unknown hdr_magic")
	}
	if err := (Info{UnitLimit: 1, Safety: Safe, HdrMagic: segment.MagicUncompressed}).Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := (Info{UnitLimit: 1, Safety: Safe, HdrMagic: segment.HdrMagicFor(1)}).Validate(); err != nil {
		t.Errorf("unexpected error for registered compressed codec: %v", err)
	}
}
