package journal

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tinytelemetry/siphon/internal/model"
)

func testPackage(resource string, ids ...int64) *model.LoadPackage {
	rows := make([]model.Row, len(ids))
	for i, id := range ids {
		rows[i] = model.Row{"post_id": id, "title": "t"}
	}
	return &model.LoadPackage{
		LoadID:      "load-" + resource,
		Pipeline:    "test",
		Resource:    resource,
		Disposition: model.Merge,
		Schema: model.TableSchema{Name: resource, Columns: []model.Column{
			{Name: "post_id", Type: model.TypeBigint, PrimaryKey: true},
			{Name: "title", Type: model.TypeText},
		}},
		Rows:        rows,
		CursorField: "post_id",
		CursorValue: ids[len(ids)-1],
		CreatedAt:   time.Now().UTC(),
	}
}

func TestAppendReplayCommit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loads.journal")

	j, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = j.Close() })

	seq1, err := j.Append(testPackage("users", 1, 2))
	if err != nil {
		t.Fatalf("Append users: %v", err)
	}
	seq2, err := j.Append(testPackage("posts", 3, 4, 5))
	if err != nil {
		t.Fatalf("Append posts: %v", err)
	}
	if seq2 <= seq1 {
		t.Fatalf("sequence did not advance: seq1=%d seq2=%d", seq1, seq2)
	}

	if err := j.Commit(seq1); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	var replayed []*model.LoadPackage
	err = j.Replay(func(_ uint64, pkg *model.LoadPackage) error {
		replayed = append(replayed, pkg)
		return nil
	})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(replayed) != 1 || replayed[0].Resource != "posts" {
		t.Fatalf("Replay = %v, want [posts]", replayed)
	}
	pkg := replayed[0]
	if len(pkg.Rows) != 3 {
		t.Fatalf("replayed rows = %d, want 3", len(pkg.Rows))
	}
	if pkg.Rows[0]["post_id"] != json.Number("3") {
		t.Fatalf("post_id = %#v, want json.Number", pkg.Rows[0]["post_id"])
	}
	if pkg.CursorValue != json.Number("5") {
		t.Fatalf("cursor = %#v", pkg.CursorValue)
	}
	if pk := pkg.Schema.PrimaryKey(); len(pk) != 1 || pk[0] != "post_id" {
		t.Fatalf("schema primary key = %v", pk)
	}

	if n, err := j.Pending(); err != nil || n != 1 {
		t.Fatalf("Pending = %d, %v", n, err)
	}
}

func TestReopenCompactsCommittedEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loads.journal")

	j, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	seq, err := j.Append(testPackage("users", 1))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := j.Commit(seq); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	j2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = j2.Close() }()

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() != 0 {
		t.Fatalf("journal size after compaction = %d, want 0", info.Size())
	}
	if j2.Committed() != seq {
		t.Fatalf("Committed = %d, want %d", j2.Committed(), seq)
	}
	next, err := j2.Append(testPackage("posts", 2))
	if err != nil {
		t.Fatal(err)
	}
	if next <= seq {
		t.Fatalf("sequence reused after compaction: %d <= %d", next, seq)
	}
}

func replayedResources(t *testing.T, j *Journal) []string {
	t.Helper()
	var out []string
	err := j.Replay(func(_ uint64, pkg *model.LoadPackage) error {
		out = append(out, pkg.Resource)
		return nil
	})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	return out
}

func TestCommitOutOfOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loads.journal")
	j, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}

	var seqs []uint64
	for _, r := range []string{"a", "b", "c"} {
		seq, err := j.Append(testPackage(r, 1))
		if err != nil {
			t.Fatal(err)
		}
		seqs = append(seqs, seq)
	}

	// c commits while a and b are still pending.
	if err := j.Commit(seqs[2]); err != nil {
		t.Fatal(err)
	}
	if got := replayedResources(t, j); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("Replay = %v, want [a b]", got)
	}
	if j.Committed() != 0 {
		t.Fatalf("watermark = %d, want 0 while a is pending", j.Committed())
	}
	if err := j.Commit(seqs[0]); err != nil {
		t.Fatal(err)
	}
	if j.Committed() != seqs[0] {
		t.Fatalf("watermark = %d, want %d", j.Committed(), seqs[0])
	}
	_ = j.Close()

	j2, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = j2.Close() }()
	if got := replayedResources(t, j2); len(got) != 1 || got[0] != "b" {
		t.Fatalf("Replay after reopen = %v, want [b]", got)
	}
	if err := j2.Commit(seqs[1]); err != nil {
		t.Fatal(err)
	}
	if j2.Committed() != seqs[2] {
		t.Fatalf("watermark = %d, want %d once b commits", j2.Committed(), seqs[2])
	}
	next, err := j2.Append(testPackage("d", 1))
	if err != nil {
		t.Fatal(err)
	}
	if next <= seqs[2] {
		t.Fatalf("sequence reused: %d", next)
	}
}

func TestDiscardDropsMatchingPackages(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loads.journal")
	j, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range []string{"users", "posts", "users"} {
		if _, err := j.Append(testPackage(r, 1)); err != nil {
			t.Fatal(err)
		}
	}

	n, err := j.Discard(func(pkg *model.LoadPackage) bool { return pkg.Resource == "users" })
	if err != nil {
		t.Fatalf("Discard: %v", err)
	}
	if n != 2 {
		t.Fatalf("discarded %d, want 2", n)
	}
	if got := replayedResources(t, j); len(got) != 1 || got[0] != "posts" {
		t.Fatalf("Replay = %v, want [posts]", got)
	}
	_ = j.Close()

	j2, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = j2.Close() }()
	if got := replayedResources(t, j2); len(got) != 1 || got[0] != "posts" {
		t.Fatalf("Replay after reopen = %v, want [posts]", got)
	}
	if n, err := j2.Discard(nil); err != nil || n != 1 {
		t.Fatalf("Discard(nil) = %d, %v", n, err)
	}
	if n, _ := j2.Pending(); n != 0 {
		t.Fatalf("Pending = %d, want 0", n)
	}
}

func TestCountPendingLeavesJournalIntact(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loads.journal")
	j, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = j.Close() }()

	if n, err := CountPending(path); err != nil || n != 0 {
		t.Fatalf("CountPending on empty journal = %d, %v", n, err)
	}
	seq, err := j.Append(testPackage("users", 1))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := j.Append(testPackage("posts", 2)); err != nil {
		t.Fatal(err)
	}
	if err := j.Commit(seq); err != nil {
		t.Fatal(err)
	}
	before, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}

	if n, err := CountPending(path); err != nil || n != 1 {
		t.Fatalf("CountPending = %d, %v, want 1", n, err)
	}
	after, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if after.Size() != before.Size() {
		t.Fatalf("CountPending rewrote the journal: %d -> %d bytes", before.Size(), after.Size())
	}

	// The writer's handle still appends to the same file.
	if _, err := j.Append(testPackage("comments", 3)); err != nil {
		t.Fatal(err)
	}
	if n, err := CountPending(path); err != nil || n != 2 {
		t.Fatalf("CountPending after append = %d, %v, want 2", n, err)
	}
}

func TestCountPendingMissingJournal(t *testing.T) {
	n, err := CountPending(filepath.Join(t.TempDir(), "absent.journal"))
	if err != nil || n != 0 {
		t.Fatalf("CountPending = %d, %v", n, err)
	}
}

func TestOpenIgnoresPartialTrailingLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loads.journal")

	j, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := j.Append(testPackage("ok", 1)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Simulate a crash mid-write.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	if _, err := f.WriteString(`{"seq":999,"package":{"resource":"torn"`); err != nil {
		t.Fatalf("WriteString: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close torn writer: %v", err)
	}

	j2, err := Open(path)
	if err != nil {
		t.Fatalf("Open second: %v", err)
	}
	defer func() { _ = j2.Close() }()

	var replayed []string
	err = j2.Replay(func(_ uint64, pkg *model.LoadPackage) error {
		replayed = append(replayed, pkg.Resource)
		return nil
	})
	if err != nil {
		t.Fatalf("Replay second: %v", err)
	}
	if len(replayed) != 1 || replayed[0] != "ok" {
		t.Fatalf("Replay after torn write = %v, want [ok]", replayed)
	}
}

func TestOpenRejectsEmptyPath(t *testing.T) {
	if _, err := Open("  "); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestAppendAfterClose(t *testing.T) {
	j, err := Open(filepath.Join(t.TempDir(), "loads.journal"))
	if err != nil {
		t.Fatal(err)
	}
	_ = j.Close()
	if _, err := j.Append(testPackage("users", 1)); err == nil {
		t.Fatal("expected error appending to closed journal")
	}
}
