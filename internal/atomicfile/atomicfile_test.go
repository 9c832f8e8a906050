package atomicfile

import (
	"os"
	"path/filepath"
	"testing"
)

func TestReplaceCreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "target")
	if err := Replace(path, []byte("v1"), 0o644); err != nil {
		t.Fatalf("replace: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "v1" {
		t.Errorf("got %q, want %q", got, "v1")
	}
}

func TestReplaceOverwritesExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "target")
	if err := Replace(path, []byte("v1"), 0o644); err != nil {
		t.Fatalf("replace v1: %v", err)
	}
	if err := Replace(path, []byte("v2-longer"), 0o644); err != nil {
		t.Fatalf("replace v2: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "v2-longer" {
		t.Errorf("got %q, want %q", got, "v2-longer")
	}
}

func TestReplaceLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "target")
	if err := Replace(path, []byte("v1"), 0o644); err != nil {
		t.Fatalf("replace: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "target" {
		t.Errorf("expected only the target file to remain, got %v", entries)
	}
}

func TestCreateDurablePreservesExistingContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f")
	if err := os.WriteFile(path, []byte("keep-me"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	f, err := CreateDurable(path, 0o644)
	if err != nil {
		t.Fatalf("create durable: %v", err)
	}
	defer f.Close()

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "keep-me" {
		t.Errorf("CreateDurable must not truncate an existing file, got %q", got)
	}
}
