package duckdb

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/tinytelemetry/siphon/internal/model"
)

func TestSnapshotTo_CreatesBackupFile(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "siphon.duckdb")
	store, err := NewStore(dbPath, "")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	if _, err := store.Load(context.Background(), postsSchema(), postRows(1, 2), model.Append); err != nil {
		t.Fatalf("Load: %v", err)
	}

	snapshotPath := filepath.Join(t.TempDir(), "backups", "snapshot.duckdb")
	if err := store.SnapshotTo(snapshotPath); err != nil {
		t.Fatalf("SnapshotTo: %v", err)
	}

	info, err := os.Stat(snapshotPath)
	if err != nil {
		t.Fatalf("stat snapshot: %v", err)
	}
	if info.Size() == 0 {
		t.Fatal("snapshot file is empty")
	}

	// The snapshot is a usable database holding the loaded rows.
	snap, err := NewStore(snapshotPath, "")
	if err != nil {
		t.Fatalf("open snapshot: %v", err)
	}
	defer snap.Close()
	counts, err := snap.TableRowCounts()
	if err != nil {
		t.Fatalf("TableRowCounts: %v", err)
	}
	if counts["posts"] != 2 {
		t.Fatalf("snapshot posts = %d, want 2", counts["posts"])
	}
}

func TestSnapshotTo_ConcurrentLoads(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "siphon.duckdb")
	store, err := NewStore(dbPath, "")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	const loads = 20
	done := make(chan error, 1)
	go func() {
		for i := range loads {
			id := int64(2*i + 1)
			if _, err := store.Load(context.Background(), postsSchema(), postRows(id, id+1), model.Append); err != nil {
				done <- fmt.Errorf("load %d: %w", i, err)
				return
			}
		}
		done <- nil
	}()

	dir := t.TempDir()
	for i := range 5 {
		path := filepath.Join(dir, fmt.Sprintf("snap-%d.duckdb", i))
		if err := store.SnapshotTo(path); err != nil {
			t.Fatalf("SnapshotTo %d: %v", i, err)
		}
		snap, err := NewStore(path, "")
		if err != nil {
			t.Fatalf("open snapshot %d: %v", i, err)
		}
		counts, err := snap.TableRowCounts()
		snap.Close()
		if err != nil {
			t.Fatalf("snapshot %d TableRowCounts: %v", i, err)
		}
		// Every load adds two rows in one transaction.
		if n := counts["posts"]; n%2 != 0 || n > 2*loads {
			t.Fatalf("snapshot %d holds %d posts, want whole loads", i, n)
		}
	}
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	final := filepath.Join(dir, "final.duckdb")
	if err := store.SnapshotTo(final); err != nil {
		t.Fatal(err)
	}
	snap, err := NewStore(final, "")
	if err != nil {
		t.Fatal(err)
	}
	defer snap.Close()
	if got := count(t, snap, "posts"); got != 2*loads {
		t.Fatalf("final snapshot posts = %d, want %d", got, 2*loads)
	}
}

func TestSnapshotTo_InMemoryStore(t *testing.T) {
	t.Parallel()

	store, err := NewStore("", "")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	err = store.SnapshotTo(filepath.Join(t.TempDir(), "snapshot.duckdb"))
	if err != ErrInMemoryStore {
		t.Fatalf("err = %v, want %v", err, ErrInMemoryStore)
	}
}

func TestMigrationStatus(t *testing.T) {
	t.Parallel()

	fresh := filepath.Join(t.TempDir(), "fresh.duckdb")
	current, pending, err := MigrationStatus(fresh)
	if err != nil {
		t.Fatalf("MigrationStatus fresh: %v", err)
	}
	if current != 0 || pending == 0 {
		t.Fatalf("fresh database = version %d, %d pending; want 0 and some pending", current, pending)
	}

	dbPath := filepath.Join(t.TempDir(), "siphon.duckdb")
	store, err := NewStore(dbPath, "")
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}
	current, pending, err = MigrationStatus(dbPath)
	if err != nil {
		t.Fatalf("MigrationStatus: %v", err)
	}
	if current == 0 || pending != 0 {
		t.Fatalf("migrated database = version %d, %d pending", current, pending)
	}

	if _, _, err := MigrationStatus(""); err != ErrInMemoryStore {
		t.Fatalf("in-memory err = %v", err)
	}
}
