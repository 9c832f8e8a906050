package segment

import "testing"

func TestHeaderEncodeDecodeUncompressed(t *testing.T) {
	h := Header{Reserved: MagicUncompressed, TvSec: 100, TvUsec: 200, Mlen: 42}
	buf := make([]byte, HeaderLen(false))
	h.Encode(buf)

	got, err := DecodeHeader(buf, false)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != h {
		t.Errorf("got %+v, want %+v", got, h)
	}
	if got.DiskLen() != h.Mlen {
		t.Errorf("disk len = %d, want mlen %d", got.DiskLen(), h.Mlen)
	}
}

func TestHeaderEncodeDecodeCompressed(t *testing.T) {
	h := Header{Reserved: HdrMagicFor(1), TvSec: 1, TvUsec: 2, Mlen: 100, CompressedLen: 30, Compressed: true}
	buf := make([]byte, HeaderLen(true))
	h.Encode(buf)

	got, err := DecodeHeader(buf, true)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != h {
		t.Errorf("got %+v, want %+v", got, h)
	}
	if got.DiskLen() != h.CompressedLen {
		t.Errorf("disk len = %d, want compressed_len %d", got.DiskLen(), h.CompressedLen)
	}
}

func TestHdrMagicRoundTrip(t *testing.T) {
	magic := HdrMagicFor(1)
	id, compressed := CodecFromHdrMagic(magic)
	if !compressed || id != 1 {
		t.Errorf("got id=%d compressed=%v, want id=1 compressed=true", id, compressed)
	}

	id, compressed = CodecFromHdrMagic(MagicUncompressed)
	if compressed || id != 0 {
		t.Errorf("uncompressed magic should decode to id=0 compressed=false, got id=%d compressed=%v", id, compressed)
	}
}

func TestDecodeHeaderShortBuffer(t *testing.T) {
	if _, err := DecodeHeader(make([]byte, 4), false); err == nil {
		t.Errorf("expected error for short buffer")
	}
}
