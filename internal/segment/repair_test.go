package segment

import "testing"

func TestRepairDatafileExcisesTrailingGarbage(t *testing.T) {
	dir := t.TempDir()
	seg, err := Create(dir, 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	hdr := Header{Reserved: MagicUncompressed, Mlen: 3}
	buf := make([]byte, HeaderLen(false))
	hdr.Encode(buf)
	if _, err := seg.Append(buf, []byte("abc")); err != nil {
		t.Fatalf("append: %v", err)
	}
	validSize, err := seg.Size()
	if err != nil {
		t.Fatalf("size: %v", err)
	}

	// append trailing garbage that doesn't decode as a valid header.
	if _, err := seg.Append([]byte{0xde, 0xad, 0xbe, 0xef, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}, nil); err != nil {
		t.Fatalf("append garbage: %v", err)
	}
	if err := seg.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	invalid, err := RepairDatafile(dir, 0, MagicUncompressed, false)
	if err != nil {
		t.Fatalf("repair: %v", err)
	}
	if invalid == 0 {
		t.Errorf("expected at least one invalid range detected")
	}

	seg2, err := Open(dir, 0)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer seg2.Close()
	size, err := seg2.Size()
	if err != nil {
		t.Fatalf("size: %v", err)
	}
	if size != validSize {
		t.Errorf("repaired size = %d, want %d (garbage excised)", size, validSize)
	}
}

func TestRepairDatafileNoopOnClean(t *testing.T) {
	dir := t.TempDir()
	seg, err := Create(dir, 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	hdr := Header{Reserved: MagicUncompressed, Mlen: 3}
	buf := make([]byte, HeaderLen(false))
	hdr.Encode(buf)
	if _, err := seg.Append(buf, []byte("abc")); err != nil {
		t.Fatalf("append: %v", err)
	}
	size, err := seg.Size()
	if err != nil {
		t.Fatalf("size: %v", err)
	}
	if err := seg.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	invalid, err := RepairDatafile(dir, 0, MagicUncompressed, false)
	if err != nil {
		t.Fatalf("repair: %v", err)
	}
	if invalid != 0 {
		t.Errorf("expected no invalid ranges on a clean segment, got %d", invalid)
	}

	seg2, err := Open(dir, 0)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer seg2.Close()
	size2, err := seg2.Size()
	if err != nil {
		t.Fatalf("size: %v", err)
	}
	if size2 != size {
		t.Errorf("clean segment size changed: %d -> %d", size, size2)
	}
}
