package precommit

import (
	"bytes"
	"testing"
)

func TestOpenDisabledWhenCapacityZero(t *testing.T) {
	b, err := Open(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if b != nil {
		t.Fatalf("expected nil buffer for zero capacity")
	}
	if err := b.Close(); err != nil {
		t.Errorf("closing a nil buffer should be a no-op: %v", err)
	}
}

func TestTryStageAndDrain(t *testing.T) {
	b, err := Open(t.TempDir(), 64)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer b.Close()

	if b.Staged() != 0 {
		t.Fatalf("fresh buffer should start empty")
	}

	ok := b.TryStage([][]byte{[]byte("hdr-"), []byte("payload")}, 11)
	if !ok {
		t.Fatalf("expected stage to succeed within capacity")
	}
	if b.Staged() != 11 {
		t.Errorf("staged = %d, want 11", b.Staged())
	}

	drained := b.Drain()
	if !bytes.Equal(drained, []byte("hdr-payload")) {
		t.Errorf("drained = %q, want %q", drained, "hdr-payload")
	}
	if b.Staged() != 0 {
		t.Errorf("staged count should reset to 0 after drain")
	}
}

func TestTryStageRejectsOverCapacity(t *testing.T) {
	b, err := Open(t.TempDir(), 4)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer b.Close()

	if ok := b.TryStage([][]byte{[]byte("toolong")}, 7); ok {
		t.Fatalf("expected stage to fail when it exceeds capacity")
	}
	if b.Staged() != 0 {
		t.Errorf("a failed stage must not partially write")
	}
}

func TestDrainEmptyReturnsNil(t *testing.T) {
	b, err := Open(t.TempDir(), 16)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer b.Close()

	if got := b.Drain(); got != nil {
		t.Errorf("expected nil drain on an empty buffer, got %q", got)
	}
}

func TestOpenReopensExistingBuffer(t *testing.T) {
	dir := t.TempDir()
	b1, err := Open(dir, 32)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if ok := b1.TryStage([][]byte{[]byte("abc")}, 3); !ok {
		t.Fatalf("stage failed")
	}
	if err := b1.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	b2, err := Open(dir, 32)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer b2.Close()
	if b2.Staged() != 3 {
		t.Errorf("expected the durably staged count to survive reopen, got %d", b2.Staged())
	}
}
