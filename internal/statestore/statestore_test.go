package statestore

import (
	"path/filepath"
	"testing"
)

func TestSetGetMergeDelete(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state_store.json")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := s.Set("k", map[string]any{"a": float64(1)}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Merge("k", map[string]any{"b": float64(2)}); err != nil {
		t.Fatalf("Merge: %v", err)
	}

	values, missing := s.Get([]string{"k", "ghost"})
	if len(missing) != 1 || missing[0] != "ghost" {
		t.Fatalf("missing = %v, want [ghost]", missing)
	}
	got, ok := values["k"].(map[string]any)
	if !ok {
		t.Fatalf("values[k] = %#v, want map", values["k"])
	}
	if got["a"] != float64(1) || got["b"] != float64(2) {
		t.Fatalf("merged value = %#v, want {a:1 b:2}", got)
	}

	removed, err := s.Delete([]string{"k"})
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}

	_, missing = s.Get([]string{"k"})
	if len(missing) != 1 {
		t.Fatal("expected k to be missing after delete")
	}
}

func TestMergeReplacesWhenNotBothObjects(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "state_store.json"))
	if err != nil {
		t.Fatal(err)
	}

	if err := s.Set("k", "string-value"); err != nil {
		t.Fatal(err)
	}
	if err := s.Merge("k", map[string]any{"a": float64(1)}); err != nil {
		t.Fatal(err)
	}

	values, _ := s.Get([]string{"k"})
	if _, ok := values["k"].(map[string]any); !ok {
		t.Fatalf("expected merge to replace non-object value, got %#v", values["k"])
	}
}

func TestPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state_store.json")

	s1, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s1.Set("k", float64(42)); err != nil {
		t.Fatal(err)
	}

	s2, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	values, _ := s2.Get([]string{"k"})
	if values["k"] != float64(42) {
		t.Fatalf("got %#v, want 42", values["k"])
	}
}

func TestValidateKey(t *testing.T) {
	dir := t.TempDir()
	s, _ := Open(filepath.Join(dir, "state_store.json"))

	if err := s.Set("", "x"); err == nil {
		t.Fatal("expected error for empty key")
	}
}

func TestDeleteCountsOnlyExisting(t *testing.T) {
	dir := t.TempDir()
	s, _ := Open(filepath.Join(dir, "state_store.json"))
	s.Set("a", 1)

	removed, err := s.Delete([]string{"a", "b", "c"})
	if err != nil {
		t.Fatal(err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
}
