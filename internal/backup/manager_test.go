package backup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type fakeSnapshotter struct {
	dbPath string
	data   []byte
}

func (f *fakeSnapshotter) DBPath() string { return f.dbPath }

func (f *fakeSnapshotter) SnapshotTo(dstPath string) error {
	if err := os.MkdirAll(filepath.Dir(dstPath), 0755); err != nil {
		return err
	}
	return os.WriteFile(dstPath, f.data, 0644)
}

// steppingClock advances one second per call so snapshot names differ.
func steppingClock() func() time.Time {
	var mu sync.Mutex
	t := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Second)
		return t
	}
}

func TestNewManager_Disabled(t *testing.T) {
	t.Parallel()

	m, err := NewManager(&fakeSnapshotter{dbPath: "/tmp/siphon.duckdb", data: []byte("x")}, Config{})
	if err != nil {
		t.Fatalf("NewManager error: %v", err)
	}
	if m != nil {
		t.Fatal("expected nil manager when disabled")
	}
}

func TestNewManager_EnabledRequiresDBPath(t *testing.T) {
	t.Parallel()

	_, err := NewManager(&fakeSnapshotter{dbPath: "", data: []byte("x")}, Config{
		Enabled:  true,
		LocalDir: t.TempDir(),
	})
	if err == nil {
		t.Fatal("expected error for empty db path")
	}
}

func TestNewManager_Defaults(t *testing.T) {
	t.Parallel()

	m, err := NewManager(&fakeSnapshotter{dbPath: "/tmp/siphon.duckdb"}, Config{Enabled: true, LocalDir: t.TempDir()})
	if err != nil {
		t.Fatalf("NewManager error: %v", err)
	}
	if m.Interval() != defaultInterval || m.cfg.KeepLast != defaultKeepLast {
		t.Fatalf("interval %v keep %d, want defaults", m.Interval(), m.cfg.KeepLast)
	}
	if m.uploader != nil {
		t.Fatal("uploader set without bucket url")
	}
}

func TestRunOnce_CreatesAndPrunesLocalBackups(t *testing.T) {
	t.Parallel()

	localDir := t.TempDir()
	m := &Manager{
		store: &fakeSnapshotter{dbPath: "/tmp/siphon.duckdb", data: []byte("snapshot")},
		cfg:   Config{Enabled: true, LocalDir: localDir, KeepLast: 2},
		now:   steppingClock(),
	}

	var paths []string
	for i := range 3 {
		p, err := m.RunOnce(context.Background())
		if err != nil {
			t.Fatalf("RunOnce #%d: %v", i+1, err)
		}
		paths = append(paths, p)
	}

	files, err := filepath.Glob(filepath.Join(localDir, "siphon-*.duckdb"))
	if err != nil {
		t.Fatalf("glob backups: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("backup files = %d, want 2", len(files))
	}
	if _, err := os.Stat(paths[0]); !os.IsNotExist(err) {
		t.Fatalf("oldest snapshot %s was not pruned", paths[0])
	}
	if filepath.Base(paths[2]) != "siphon-20260102-030408.duckdb" {
		t.Fatalf("snapshot name = %s", filepath.Base(paths[2]))
	}
}

type recordingUploader struct {
	mu    sync.Mutex
	paths []string
	err   error
}

func (u *recordingUploader) UploadFile(_ context.Context, p string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.paths = append(u.paths, p)
	return u.err
}

func TestRunOnce_UploadFailureKeepsLocalCopy(t *testing.T) {
	t.Parallel()

	up := &recordingUploader{err: errors.New("denied")}
	m := &Manager{
		store:    &fakeSnapshotter{dbPath: "/tmp/siphon.duckdb", data: []byte("snapshot")},
		cfg:      Config{Enabled: true, LocalDir: t.TempDir(), KeepLast: 2},
		uploader: up,
		now:      steppingClock(),
	}
	p, err := m.RunOnce(context.Background())
	if err == nil {
		t.Fatal("expected upload error")
	}
	if _, statErr := os.Stat(p); statErr != nil {
		t.Fatalf("local snapshot missing after failed upload: %v", statErr)
	}
	if len(up.paths) != 1 || up.paths[0] != p {
		t.Fatalf("uploaded %v, want [%s]", up.paths, p)
	}
}

type blockingUploader struct {
	started chan struct{}
	once    sync.Once
}

func (u *blockingUploader) UploadFile(ctx context.Context, _ string) error {
	u.once.Do(func() { close(u.started) })
	<-ctx.Done()
	return ctx.Err()
}

func TestRun_CancelStopsInFlightUpload(t *testing.T) {
	t.Parallel()

	uploader := &blockingUploader{started: make(chan struct{})}
	m := &Manager{
		store:    &fakeSnapshotter{dbPath: "/tmp/siphon.duckdb", data: []byte("snapshot")},
		cfg:      Config{Enabled: true, Interval: 5 * time.Millisecond, LocalDir: t.TempDir(), KeepLast: 2},
		uploader: uploader,
		now:      steppingClock(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	select {
	case <-uploader.started:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for upload to start")
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return; upload likely not canceled")
	}
}
