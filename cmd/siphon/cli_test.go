package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tinytelemetry/siphon/internal/journal"
	"github.com/tinytelemetry/siphon/internal/model"
	"github.com/tinytelemetry/siphon/internal/pipeline"
	"github.com/tinytelemetry/siphon/internal/state"
)

// fakeAPI serves n posts and three users in the jsonplaceholder shape.
func fakeAPI(t *testing.T, n *int) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/posts", func(w http.ResponseWriter, r *http.Request) {
		var out []map[string]any
		for i := 1; i <= *n; i++ {
			out = append(out, map[string]any{"id": i, "userId": 1 + i%3, "title": fmt.Sprintf("title %d", i), "body": "body"})
		}
		json.NewEncoder(w).Encode(out)
	})
	mux.HandleFunc("/users", func(w http.ResponseWriter, r *http.Request) {
		var out []map[string]any
		for i := 1; i <= 3; i++ {
			out = append(out, map[string]any{
				"id":      i,
				"name":    fmt.Sprintf("User %d", i),
				"email":   fmt.Sprintf("user%d@example.com", i),
				"address": map[string]any{"city": "Gwenborough", "geo": map[string]any{"lat": "-37.3159", "lng": "81.1496"}},
			})
		}
		json.NewEncoder(w).Encode(out)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// setupCLI isolates the CLI environment and points it at a fake API.
func setupCLI(t *testing.T, n *int) string {
	t.Helper()
	isolate(t)
	dir := t.TempDir()
	t.Setenv("SIPHON_BASE_URL", fakeAPI(t, n).URL)
	t.Setenv("SIPHON_WORK_DIR", filepath.Join(dir, "pipelines"))
	t.Setenv("SIPHON_DB_PATH", filepath.Join(dir, "siphon.duckdb"))
	return dir
}

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestCLIIncrementalRuns(t *testing.T) {
	posts := 5
	dir := setupCLI(t, &posts)

	out, errOut, err := execute(t, "run", "--resource", "posts_incremental")
	if err != nil {
		t.Fatalf("first run: %v\n%s", err, errOut)
	}
	if !strings.Contains(out, "posts_incremental") {
		t.Fatalf("summary missing resource:\n%s", out)
	}

	st, err := state.Open(filepath.Join(dir, "pipelines", "jsonplaceholder_pipeline"), "jsonplaceholder_pipeline")
	if err != nil {
		t.Fatal(err)
	}
	last, ok := st.Cursor("posts_incremental", "post_id")
	if !ok || fmt.Sprint(last) != "5" {
		t.Fatalf("cursor after first run = %v (%v), want 5", last, ok)
	}

	posts = 7
	if _, errOut, err := execute(t, "run", "-r", "posts_incremental"); err != nil {
		t.Fatalf("second run: %v\n%s", err, errOut)
	}

	out, _, err = execute(t, "query", "SELECT COUNT(*) AS n, MAX(post_id) AS m FROM posts_incremental")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if !strings.Contains(out, "| 7 | 7 |") {
		t.Fatalf("query output:\n%s", out)
	}

	out, _, err = execute(t, "state")
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if !strings.Contains(out, "post_id") || !strings.Contains(out, "posts_incremental") {
		t.Fatalf("state output:\n%s", out)
	}
}

func TestCLIStateReset(t *testing.T) {
	posts := 4
	dir := setupCLI(t, &posts)

	if _, errOut, err := execute(t, "run", "-r", "posts_incremental"); err != nil {
		t.Fatalf("run: %v\n%s", err, errOut)
	}
	if _, _, err := execute(t, "state", "--reset", "posts_incremental"); err != nil {
		t.Fatalf("state --reset: %v", err)
	}
	st, err := state.Open(filepath.Join(dir, "pipelines", "jsonplaceholder_pipeline"), "jsonplaceholder_pipeline")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := st.Cursor("posts_incremental", "post_id"); ok {
		t.Fatal("cursor still present after reset")
	}

	// Merge keeps the table at one row per post after a full reload.
	if _, errOut, err := execute(t, "run", "-r", "posts_incremental"); err != nil {
		t.Fatalf("run after reset: %v\n%s", err, errOut)
	}
	out, _, err := execute(t, "query", "SELECT COUNT(*) AS n FROM posts_incremental")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if !strings.Contains(out, "| 4 |") {
		t.Fatalf("query output:\n%s", out)
	}

	if _, _, err := execute(t, "state", "--reset", "nope"); err == nil {
		t.Fatal("reset of unknown resource: expected error")
	}
}

func TestCLIStateRefusesWhilePipelineRuns(t *testing.T) {
	posts := 2
	dir := setupCLI(t, &posts)
	if _, errOut, err := execute(t, "run", "-r", "posts_incremental"); err != nil {
		t.Fatalf("run: %v\n%s", err, errOut)
	}

	lock, err := pipeline.LockDir(filepath.Join(dir, "pipelines", "jsonplaceholder_pipeline"))
	if err != nil {
		t.Fatal(err)
	}
	_, _, err = execute(t, "state", "--reset-all")
	if !errors.Is(err, pipeline.ErrLocked) {
		t.Fatalf("state --reset-all while locked = %v, want ErrLocked", err)
	}
	// Reading state never needs the lock.
	if out, _, err := execute(t, "state"); err != nil || !strings.Contains(out, "posts_incremental") {
		t.Fatalf("state while locked: %v\n%s", err, out)
	}

	if err := lock.Unlock(); err != nil {
		t.Fatal(err)
	}
	if _, _, err := execute(t, "state", "--reset-all"); err != nil {
		t.Fatalf("state --reset-all after unlock: %v", err)
	}
}

func TestCLIDiscardPending(t *testing.T) {
	posts := 0
	dir := setupCLI(t, &posts)
	path := filepath.Join(dir, "pipelines", "jsonplaceholder_pipeline", pipeline.JournalFile)

	j, err := journal.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	_, err = j.Append(&model.LoadPackage{
		LoadID:      "stuck",
		Pipeline:    "jsonplaceholder_pipeline",
		Resource:    "posts_incremental",
		Disposition: model.Merge,
		Schema:      model.TableSchema{Name: "posts_incremental", Columns: []model.Column{{Name: "post_id", Type: model.TypeBigint, PrimaryKey: true}}},
		Rows:        []model.Row{{"post_id": int64(1)}},
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := j.Close(); err != nil {
		t.Fatal(err)
	}

	out, _, err := execute(t, "state")
	if err != nil || !strings.Contains(out, "1 package(s) replay on the next run") {
		t.Fatalf("state: %v\n%s", err, out)
	}
	if n, _ := journal.CountPending(path); n != 1 {
		t.Fatalf("state changed the journal: pending = %d", n)
	}

	out, _, err = execute(t, "state", "--discard-pending")
	if err != nil {
		t.Fatalf("state --discard-pending: %v", err)
	}
	if !strings.Contains(out, "discarded 1 pending package(s)") {
		t.Fatalf("discard output:\n%s", out)
	}
	if n, err := journal.CountPending(path); err != nil || n != 0 {
		t.Fatalf("pending after discard = %d, %v", n, err)
	}
}

func TestCLICheckReportsMigrations(t *testing.T) {
	posts := 1
	setupCLI(t, &posts)
	if _, errOut, err := execute(t, "run", "-r", "posts_incremental"); err != nil {
		t.Fatalf("run: %v\n%s", err, errOut)
	}
	out, _, err := execute(t, "check")
	if err != nil {
		t.Fatalf("check: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Migrations") || !strings.Contains(out, "up to date") {
		t.Fatalf("check output missing migration status:\n%s", out)
	}
}

func TestCLIDefaultRunPrintsSamples(t *testing.T) {
	posts := 3
	setupCLI(t, &posts)

	out, errOut, err := execute(t, "run")
	if err != nil {
		t.Fatalf("run: %v\n%s", err, errOut)
	}
	for _, want := range []string{"Load Summary", "Sample Users", "Sample Posts", "Record Counts", "user1@example.com"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q", want)
		}
	}
}

func TestCLIRunFailurePrintsTroubleshooting(t *testing.T) {
	posts := 1
	setupCLI(t, &posts)

	_, errOut, err := execute(t, "run", "-r", "comments")
	if !errors.Is(err, errReported) {
		t.Fatalf("run unknown resource: got %v, want errReported", err)
	}
	if !strings.Contains(errOut, "Troubleshooting") {
		t.Fatalf("stderr missing troubleshooting:\n%s", errOut)
	}
}

func TestCLIDryRun(t *testing.T) {
	posts := 2
	dir := setupCLI(t, &posts)

	if _, errOut, err := execute(t, "run", "--dry-run", "-r", "posts_incremental"); err != nil {
		t.Fatalf("dry run: %v\n%s", err, errOut)
	}
	st, err := state.Open(filepath.Join(dir, "pipelines", "jsonplaceholder_pipeline"), "jsonplaceholder_pipeline")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := st.Cursor("posts_incremental", "post_id"); ok {
		t.Fatal("dry run advanced the cursor")
	}
}

func TestCLIExplainAndVersion(t *testing.T) {
	posts := 0
	setupCLI(t, &posts)

	out, _, err := execute(t, "explain")
	if err != nil {
		t.Fatalf("explain: %v", err)
	}
	for _, want := range []string{"Incremental (Merge)", "posts_incremental", "post_id > 0"} {
		if !strings.Contains(out, want) {
			t.Errorf("explain output missing %q", want)
		}
	}

	out, _, err = execute(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(out, "siphon dev") {
		t.Errorf("version output = %q", out)
	}
}
