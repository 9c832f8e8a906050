package checkpoint

import "testing"

func TestFileNameRoundTrip(t *testing.T) {
	for _, name := range []string{"reader-a", "", "group 1"} {
		fn := FileName(name)
		got, ok := DecodeName(fn)
		if !ok {
			t.Fatalf("DecodeName(%q) failed to decode", fn)
		}
		if got != name {
			t.Errorf("got %q, want %q", got, name)
		}
	}
}

func TestDecodeNameRejectsNonCheckpoint(t *testing.T) {
	if _, ok := DecodeName("metastore"); ok {
		t.Errorf("expected DecodeName to reject a non cp.* filename")
	}
}

func TestAddGetSet(t *testing.T) {
	dir := t.TempDir()
	store := New(dir, true)

	if err := store.Add("reader-a", ID{Log: 0, Marker: 0}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if !store.Exists("reader-a") {
		t.Errorf("expected subscriber to exist after Add")
	}

	got, err := store.Get("reader-a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != (ID{}) {
		t.Errorf("got %+v, want zero value", got)
	}

	oldLog, err := store.Set("reader-a", ID{Log: 2, Marker: 5})
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	if oldLog != 0 {
		t.Errorf("old log = %d, want 0", oldLog)
	}

	got, err = store.Get("reader-a")
	if err != nil {
		t.Fatalf("get after set: %v", err)
	}
	if got != (ID{Log: 2, Marker: 5}) {
		t.Errorf("got %+v, want {Log:2 Marker:5}", got)
	}
}

func TestAddExistingFails(t *testing.T) {
	dir := t.TempDir()
	store := New(dir, false)
	if err := store.Add("reader-a", ID{}); err != nil {
		t.Fatalf("first add: %v", err)
	}
	if err := store.Add("reader-a", ID{}); err == nil {
		t.Errorf("expected second add for the same subscriber to fail")
	}
}

func TestAddCopy(t *testing.T) {
	dir := t.TempDir()
	store := New(dir, false)
	if err := store.Add("reader-a", ID{Log: 3, Marker: 9}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := store.AddCopy("reader-b", "reader-a"); err != nil {
		t.Fatalf("add copy: %v", err)
	}
	got, err := store.Get("reader-b")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != (ID{Log: 3, Marker: 9}) {
		t.Errorf("got %+v, want copied id {Log:3 Marker:9}", got)
	}
}

func TestRemoveAndList(t *testing.T) {
	dir := t.TempDir()
	store := New(dir, false)
	for _, name := range []string{"a", "b", "c"} {
		if err := store.Add(name, ID{}); err != nil {
			t.Fatalf("add %q: %v", name, err)
		}
	}
	if err := store.Remove("b"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	names, err := store.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(names) != 2 {
		t.Fatalf("got %d subscribers, want 2", len(names))
	}
}

func TestPendingReadersAndEarliestNeeded(t *testing.T) {
	dir := t.TempDir()
	store := New(dir, false)
	if err := store.Add("slow", ID{Log: 1}); err != nil {
		t.Fatalf("add slow: %v", err)
	}
	if err := store.Add("fast", ID{Log: 5}); err != nil {
		t.Fatalf("add fast: %v", err)
	}

	count, err := store.PendingReaders(3)
	if err != nil {
		t.Fatalf("pending readers: %v", err)
	}
	if count != 1 {
		t.Errorf("pending readers at log 3 = %d, want 1 (only 'slow')", count)
	}

	earliest, found, err := store.EarliestNeeded()
	if err != nil {
		t.Fatalf("earliest needed: %v", err)
	}
	if !found || earliest != 1 {
		t.Errorf("earliest = %d found=%v, want 1/true", earliest, found)
	}
}

func TestRepairRewritesCheckpoint(t *testing.T) {
	dir := t.TempDir()
	store := New(dir, false)
	if err := store.Add("reader-a", ID{Log: 9, Marker: 9}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := store.Repair("reader-a", ID{Log: 0, Marker: 0}); err != nil {
		t.Fatalf("repair: %v", err)
	}
	got, err := store.Get("reader-a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != (ID{}) {
		t.Errorf("got %+v, want zero value after repair", got)
	}
}
