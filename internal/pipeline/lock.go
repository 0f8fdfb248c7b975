package pipeline

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// LockFile guards a pipeline directory against a second writer.
const LockFile = "LOCK"

// ErrLocked is returned when another process holds the pipeline directory.
var ErrLocked = errors.New("pipeline: directory is locked by another process")

// DirLock is an exclusive advisory lock on a pipeline directory.
type DirLock struct {
	file *os.File
}

// LockDir takes the lock on dir without blocking. It fails with ErrLocked
// while a running pipeline (serve or run) owns the directory.
func LockDir(dir string) (*DirLock, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	path := filepath.Join(dir, LockFile)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("pipeline: open lock: %w", err)
	}
	if err := lockFile(f); err != nil {
		f.Close()
		if errors.Is(err, ErrLocked) {
			return nil, fmt.Errorf("%w: %s", ErrLocked, dir)
		}
		return nil, fmt.Errorf("pipeline: lock %s: %w", path, err)
	}
	return &DirLock{file: f}, nil
}

// Unlock releases the lock. It is safe to call more than once.
func (l *DirLock) Unlock() error {
	if l == nil || l.file == nil {
		return nil
	}
	err := unlockFile(l.file)
	if cerr := l.file.Close(); err == nil {
		err = cerr
	}
	l.file = nil
	return err
}
