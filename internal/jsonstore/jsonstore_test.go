package jsonstore

import (
	"os"
	"path/filepath"
	"testing"
)

type sample struct {
	A int    `json:"a"`
	B string `json:"b"`
}

func TestWriteAtomicAndReadInto(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.json")

	want := sample{A: 1, B: "hello"}
	if err := WriteAtomic(path, want); err != nil {
		t.Fatalf("WriteAtomic: %v", err)
	}

	var got sample
	ok, err := ReadInto(path, &got)
	if err != nil {
		t.Fatalf("ReadInto: %v", err)
	}
	if !ok {
		t.Fatal("ReadInto: expected ok=true")
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}

	if info, err := os.Stat(path); err != nil {
		t.Fatalf("stat: %v", err)
	} else if info.Mode().Perm() != 0o600 {
		t.Fatalf("perm = %v, want 0600", info.Mode().Perm())
	}
}

func TestReadIntoMissing(t *testing.T) {
	dir := t.TempDir()
	var got sample
	ok, err := ReadInto(filepath.Join(dir, "missing.json"), &got)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected ok=false for missing file")
	}
}

func TestReadIntoCorrupt(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}

	var got sample
	ok, err := ReadInto(path, &got)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected ok=false for corrupt file")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("expected original corrupt file to be moved aside")
	}
	matches, _ := filepath.Glob(path + ".corrupt-*")
	if len(matches) != 1 {
		t.Fatalf("expected one corrupt-tagged file, got %v", matches)
	}
}

func TestRemove(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.json")
	if err := WriteAtomic(path, sample{A: 1}); err != nil {
		t.Fatal(err)
	}
	if err := Remove(path); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := Remove(path); err != nil {
		t.Fatalf("Remove of missing file should be a no-op: %v", err)
	}
}
