package main

import (
	"io"
	"log"
	"os"
	"path/filepath"
)

// logPath is where the runtime log is written.
func logPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".local", "state", "siphon", "siphon.log")
}

// configureRuntimeLogger routes the standard logger to the siphon log file,
// mirrored to stderr when verbose is set.
func configureRuntimeLogger(verbose bool) func() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	var fallback io.Writer = io.Discard
	if verbose {
		fallback = os.Stderr
	}

	path := logPath()
	if path == "" {
		log.SetOutput(fallback)
		return func() {}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		log.SetOutput(fallback)
		return func() {}
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		log.SetOutput(fallback)
		return func() {}
	}

	if verbose {
		log.SetOutput(io.MultiWriter(f, os.Stderr))
	} else {
		log.SetOutput(f)
	}
	return func() {
		_ = f.Close()
	}
}
