package segment

import (
	"testing"

	"github.com/epokhe/jlog/internal/compress"
)

func buildSegment(t *testing.T, dir string, log uint32, payloads [][]byte) {
	t.Helper()
	seg, err := Create(dir, log)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer seg.Close()

	for _, payload := range payloads {
		hdr := Header{Reserved: MagicUncompressed, TvSec: 10, TvUsec: 20, Mlen: uint32(len(payload))}
		buf := make([]byte, HeaderLen(false))
		hdr.Encode(buf)
		off, err := seg.Append(buf, payload)
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		if err := seg.AppendIndexEntries([]uint64{uint64(off)}); err != nil {
			t.Fatalf("append index: %v", err)
		}
	}
}

func TestReadMMAPAndPREAD(t *testing.T) {
	dir := t.TempDir()
	buildSegment(t, dir, 0, [][]byte{[]byte("one"), []byte("two-longer")})

	p := Params{HdrMagic: MagicUncompressed, StorageLog: 0}
	null, err := compress.Get(compress.CodecNull)
	if err != nil {
		t.Fatalf("get codec: %v", err)
	}

	for _, method := range []ReadMethod{MethodMMAP, MethodPREAD} {
		rec, _, err := ReadWithRecovery(dir, 0, 2, p, null, method, nil)
		if err != nil {
			t.Fatalf("method %v: read: %v", method, err)
		}
		if string(rec.Payload) != "two-longer" {
			t.Errorf("method %v: got %q, want %q", method, rec.Payload, "two-longer")
		}
	}
}

func TestReadMarkerZeroRejected(t *testing.T) {
	dir := t.TempDir()
	buildSegment(t, dir, 0, [][]byte{[]byte("x")})
	seg, err := Open(dir, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer seg.Close()

	null, _ := compress.Get(compress.CodecNull)
	p := Params{HdrMagic: MagicUncompressed}
	if _, _, err := seg.Read(0, p, null, MethodMMAP, nil); err == nil {
		t.Errorf("expected error reading marker 0")
	}
}

func TestReadClosedLogID(t *testing.T) {
	dir := t.TempDir()
	seg, err := Create(dir, 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	hdr := Header{Reserved: MagicUncompressed, Mlen: 1}
	buf := make([]byte, HeaderLen(false))
	hdr.Encode(buf)
	if _, err := seg.Append(buf, []byte("x")); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := seg.AppendIndexEntries([]uint64{0}); err != nil {
		t.Fatalf("append index: %v", err)
	}
	if err := seg.CloseIndex(); err != nil {
		t.Fatalf("close index: %v", err)
	}

	null, _ := compress.Get(compress.CodecNull)
	p := Params{HdrMagic: MagicUncompressed}
	if _, _, err := seg.Read(2, p, null, MethodMMAP, nil); err != ErrCloseLogID {
		t.Errorf("got %v, want ErrCloseLogID", err)
	}
}

func TestBulkRead(t *testing.T) {
	dir := t.TempDir()
	buildSegment(t, dir, 0, [][]byte{[]byte("aaa"), []byte("bb"), []byte("c")})

	null, _ := compress.Get(compress.CodecNull)
	p := Params{HdrMagic: MagicUncompressed, StorageLog: 0}
	recs, _, err := BulkRead(dir, 0, 1, 3, p, null, MethodPREAD, nil)
	if err != nil {
		t.Fatalf("bulk read: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("got %d records, want 3", len(recs))
	}
	want := []string{"aaa", "bb", "c"}
	for i, w := range want {
		if string(recs[i].Payload) != w {
			t.Errorf("record %d = %q, want %q", i, recs[i].Payload, w)
		}
	}
}

func TestReadToleratesTrailingBadIndexEntry(t *testing.T) {
	dir := t.TempDir()
	buildSegment(t, dir, 0, [][]byte{[]byte("one"), []byte("two")})

	// append a bogus trailing entry after the two real ones; earlier
	// markers must still resolve fine since they're untouched.
	seg, err := Open(dir, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := seg.AppendIndexEntries([]uint64{999999}); err != nil {
		t.Fatalf("append bad entry: %v", err)
	}
	if err := seg.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	null, _ := compress.Get(compress.CodecNull)
	p := Params{HdrMagic: MagicUncompressed, StorageLog: 0}
	rec, _, err := ReadWithRecovery(dir, 0, 1, p, null, MethodMMAP, nil)
	if err != nil {
		t.Fatalf("read with recovery: %v", err)
	}
	if string(rec.Payload) != "one" {
		t.Errorf("got %q, want %q", rec.Payload, "one")
	}
}
