package compress

import (
	"bytes"
	"errors"
	"testing"
)

func TestNullRoundTrip(t *testing.T) {
	p, err := Get(CodecNull)
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	src := []byte("the quick brown fox jumps over the lazy dog")
	compressed, err := p.Compress(nil, src)
	if err != nil {
		t.Fatalf("compress: %v", err)
	}
	if !bytes.Equal(compressed, src) {
		t.Fatalf("null compress should be identity")
	}

	out, n, err := p.Decompress(nil, compressed, len(src))
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	if n != 0 {
		t.Errorf("legacy null decompress should report n=0, got %d", n)
	}
	if !bytes.Equal(out, src) {
		t.Errorf("got %q, want %q", out, src)
	}
}

func TestLZ4RoundTrip(t *testing.T) {
	p, err := Get(CodecLZ4)
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	src := bytes.Repeat([]byte("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"), 64)
	compressed, err := p.Compress(nil, src)
	if err != nil {
		t.Fatalf("compress: %v", err)
	}
	if len(compressed) >= len(src) {
		t.Errorf("expected compressed size to shrink for repetitive input")
	}

	out, n, err := p.Decompress(nil, compressed, len(src))
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	if n != len(src) {
		t.Errorf("n = %d, want %d", n, len(src))
	}
	if !bytes.Equal(out, src) {
		t.Errorf("round trip mismatch")
	}
}

func TestLZ4Incompressible(t *testing.T) {
	p, err := Get(CodecLZ4)
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	// Short, high-entropy-looking input that lz4's block compressor
	// typically declines to shrink.
	src := []byte{0x01, 0x02}
	_, err = p.Compress(nil, src)
	if err != nil && !errors.Is(err, ErrIncompressible) {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestGetUnknownCodec(t *testing.T) {
	if _, err := Get(CodecID(0xFF)); err == nil {
		t.Errorf("expected error for unregistered codec")
	}
}

func TestRegisterOverride(t *testing.T) {
	Register(CodecNull, nullProvider{})
	p, err := Get(CodecNull)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if p.Bound(10) != 10 {
		t.Errorf("unexpected bound after re-register")
	}
}
