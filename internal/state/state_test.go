package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestAdvancePersistsAcrossOpen(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir, "demo")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, ok := s.Cursor("posts_incremental", "post_id"); ok {
		t.Fatal("fresh store should have no cursor")
	}
	if err := s.Advance("posts_incremental", "post_id", int64(100), "load-1", 100); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if err := s.Advance("users", "", nil, "load-1", 10); err != nil {
		t.Fatalf("Advance users: %v", err)
	}

	s2, err := Open(dir, "demo")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	v, ok := s2.Cursor("posts_incremental", "post_id")
	if !ok || v != json.Number("100") {
		t.Fatalf("Cursor = %#v, %v; want json.Number(100)", v, ok)
	}
	snap := s2.Snapshot()
	if snap.LastLoadID != "load-1" {
		t.Fatalf("LastLoadID = %q", snap.LastLoadID)
	}
	if snap.Resources["users"].RowsLoaded != 10 {
		t.Fatalf("users rows = %d", snap.Resources["users"].RowsLoaded)
	}
	if _, ok := s2.Cursor("users", ""); ok {
		t.Fatal("users has no cursor value")
	}
}

func TestCursorFieldChangeIgnoresStoredValue(t *testing.T) {
	s, err := Open(t.TempDir(), "demo")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Advance("posts", "post_id", int64(5), "l", 5); err != nil {
		t.Fatal(err)
	}
	if _, ok := s.Cursor("posts", "updated_at"); ok {
		t.Fatal("value stored for another field should be ignored")
	}
}

func TestReset(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, "demo")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Advance("posts", "post_id", int64(5), "l", 5); err != nil {
		t.Fatal(err)
	}

	removed, err := s.Reset("posts")
	if err != nil || !removed {
		t.Fatalf("Reset = %v, %v", removed, err)
	}
	removed, err = s.Reset("posts")
	if err != nil || removed {
		t.Fatalf("second Reset = %v, %v", removed, err)
	}

	s2, err := Open(dir, "demo")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s2.Cursor("posts", "post_id"); ok {
		t.Fatal("cursor survived Reset")
	}
}

func TestResetAll(t *testing.T) {
	s, err := Open(t.TempDir(), "demo")
	if err != nil {
		t.Fatal(err)
	}
	_ = s.Advance("a", "id", int64(1), "l", 1)
	_ = s.Advance("b", "id", int64(2), "l", 1)
	if err := s.ResetAll(); err != nil {
		t.Fatal(err)
	}
	if n := len(s.Snapshot().Resources); n != 0 {
		t.Fatalf("resources after ResetAll = %d", n)
	}
}

func TestOpenRejectsOtherPipeline(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, "one")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Advance("a", "", nil, "l", 0); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(dir, "two"); err == nil {
		t.Fatal("expected error opening another pipeline's state")
	}
}

func TestOpenCorruptFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(dir, "demo"); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestNoTempFilesLeftBehind(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, "demo")
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if err := s.Advance("a", "id", int64(i), "l", 1); err != nil {
			t.Fatal(err)
		}
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != FileName {
		var names []string
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Fatalf("dir entries = %v, want [%s]", names, FileName)
	}
}
