// Package journal keeps load packages durable between extraction and commit.
package journal

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/tinytelemetry/siphon/internal/model"
)

const (
	defaultFileMode = 0644
	defaultDirMode  = 0755
)

type entry struct {
	Seq     uint64            `json:"seq"`
	Package model.LoadPackage `json:"package"`
}

// Journal is an append-only JSON-lines file of load packages. Commit
// progress lives in a ".commit" sidecar: a watermark below which every entry
// is loaded, then the entries above it that were committed out of order.
type Journal struct {
	mu         sync.Mutex
	path       string
	commitPath string
	file       *os.File
	nextSeq    uint64
	marks      commitMarks
}

// commitMarks records which sequence numbers are settled, either loaded or
// discarded.
type commitMarks struct {
	watermark uint64
	done      map[uint64]bool
}

func (m *commitMarks) settled(seq uint64) bool {
	return seq <= m.watermark || m.done[seq]
}

// mark settles seq and advances the watermark over any contiguous run.
func (m *commitMarks) mark(seq uint64) {
	if m.settled(seq) {
		return
	}
	if m.done == nil {
		m.done = make(map[uint64]bool)
	}
	m.done[seq] = true
	for m.done[m.watermark+1] {
		delete(m.done, m.watermark+1)
		m.watermark++
	}
}

// Open creates or opens a journal at path. Settled entries are compacted
// away and a torn trailing line is dropped.
func Open(path string) (*Journal, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("journal: path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), defaultDirMode); err != nil {
		return nil, fmt.Errorf("journal: mkdir: %w", err)
	}

	commitPath := path + ".commit"
	marks, err := readMarks(commitPath)
	if err != nil {
		return nil, err
	}

	maxSeq, minPending, err := compact(path, &marks)
	if err != nil {
		return nil, err
	}
	top := max(maxSeq, marks.watermark)
	for seq := range marks.done {
		top = max(top, seq)
	}
	// Everything below the oldest pending entry is settled or gone, so the
	// out-of-order marks collapse into the watermark.
	if minPending > 0 {
		marks.watermark = max(marks.watermark, minPending-1)
	} else {
		marks.watermark = top
	}
	for seq := range marks.done {
		if seq <= marks.watermark {
			delete(marks.done, seq)
		}
	}
	if err := writeMarks(commitPath, marks); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, defaultFileMode)
	if err != nil {
		return nil, fmt.Errorf("journal: open: %w", err)
	}

	return &Journal{
		path:       path,
		commitPath: commitPath,
		file:       f,
		nextSeq:    top + 1,
		marks:      marks,
	}, nil
}

// CountPending reports how many unsettled packages the journal at path holds
// without opening it for writing. It is safe while another process has the
// journal open.
func CountPending(path string) (int, error) {
	marks, err := readMarks(path + ".commit")
	if err != nil {
		return 0, err
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("journal: open for count: %w", err)
	}
	defer f.Close()

	n := 0
	err = scan(f, func(_ []byte, e *entry) error {
		if !marks.settled(e.Seq) {
			n++
		}
		return nil
	})
	return n, err
}

// Path returns the journal file location.
func (j *Journal) Path() string { return j.path }

// Append persists pkg and returns its sequence number. The write is synced
// before Append returns.
func (j *Journal) Append(pkg *model.LoadPackage) (uint64, error) {
	if pkg == nil {
		return 0, errors.New("journal: nil package")
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return 0, errors.New("journal: closed")
	}

	line, err := json.Marshal(entry{Seq: j.nextSeq, Package: *pkg})
	if err != nil {
		return 0, fmt.Errorf("journal: marshal package %s: %w", pkg.LoadID, err)
	}
	line = append(line, '\n')

	if _, err := j.file.Write(line); err != nil {
		return 0, fmt.Errorf("journal: write package: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return 0, fmt.Errorf("journal: sync package: %w", err)
	}
	seq := j.nextSeq
	j.nextSeq++
	return seq, nil
}

// Commit marks the entry seq as loaded. Entries may commit in any order.
func (j *Journal) Commit(seq uint64) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.marks.settled(seq) {
		return nil
	}
	next := j.marks.clone()
	next.mark(seq)
	if err := writeMarks(j.commitPath, next); err != nil {
		return err
	}
	j.marks = next
	return nil
}

// Committed returns the watermark: every entry at or below it is settled.
func (j *Journal) Committed() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.marks.watermark
}

// Replay calls fn for each unsettled package in sequence order. Numbers in
// replayed rows decode as json.Number.
func (j *Journal) Replay(fn func(seq uint64, pkg *model.LoadPackage) error) error {
	if fn == nil {
		return errors.New("journal: replay callback is nil")
	}

	j.mu.Lock()
	path := j.path
	marks := j.marks.clone()
	j.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("journal: open for replay: %w", err)
	}
	defer f.Close()

	return scan(f, func(_ []byte, e *entry) error {
		if marks.settled(e.Seq) {
			return nil
		}
		return fn(e.Seq, &e.Package)
	})
}

// Discard settles every pending package for which match returns true
// without loading it, and returns how many were dropped. A nil match
// discards everything pending.
func (j *Journal) Discard(match func(pkg *model.LoadPackage) bool) (int, error) {
	var seqs []uint64
	err := j.Replay(func(seq uint64, pkg *model.LoadPackage) error {
		if match == nil || match(pkg) {
			seqs = append(seqs, seq)
		}
		return nil
	})
	if err != nil || len(seqs) == 0 {
		return 0, err
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	next := j.marks.clone()
	for _, seq := range seqs {
		next.mark(seq)
	}
	if err := writeMarks(j.commitPath, next); err != nil {
		return 0, err
	}
	j.marks = next
	return len(seqs), nil
}

// Pending returns how many uncommitted packages the journal holds.
func (j *Journal) Pending() (int, error) {
	n := 0
	err := j.Replay(func(uint64, *model.LoadPackage) error {
		n++
		return nil
	})
	return n, err
}

// Close closes the underlying journal file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	return err
}

// scan decodes complete lines from r. It stops quietly at a torn or
// malformed line so replay stays deterministic after a crash mid-write.
func scan(r io.Reader, fn func(line []byte, e *entry) error) error {
	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("journal: read: %w", err)
		}
		if len(line) == 0 || line[len(line)-1] != '\n' {
			return nil
		}

		dec := json.NewDecoder(bytes.NewReader(line))
		dec.UseNumber()
		var e entry
		if dec.Decode(&e) != nil {
			return nil
		}
		if ferr := fn(line, &e); ferr != nil {
			return ferr
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
	}
}

func (m commitMarks) clone() commitMarks {
	out := commitMarks{watermark: m.watermark}
	if len(m.done) > 0 {
		out.done = make(map[uint64]bool, len(m.done))
		for seq := range m.done {
			out.done[seq] = true
		}
	}
	return out
}

// readMarks parses the sidecar: the watermark on the first line and an
// optional second line of space separated out-of-order commits.
func readMarks(path string) (commitMarks, error) {
	var marks commitMarks
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return marks, nil
		}
		return marks, fmt.Errorf("journal: read commit file: %w", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if lines[0] == "" {
		return marks, nil
	}
	if marks.watermark, err = strconv.ParseUint(strings.TrimSpace(lines[0]), 10, 64); err != nil {
		return marks, fmt.Errorf("journal: parse commit seq: %w", err)
	}
	if len(lines) < 2 {
		return marks, nil
	}
	for _, field := range strings.Fields(lines[1]) {
		seq, err := strconv.ParseUint(field, 10, 64)
		if err != nil {
			return marks, fmt.Errorf("journal: parse commit seq: %w", err)
		}
		if marks.done == nil {
			marks.done = make(map[uint64]bool)
		}
		marks.done[seq] = true
	}
	return marks, nil
}

func writeMarks(path string, marks commitMarks) error {
	var b strings.Builder
	b.WriteString(strconv.FormatUint(marks.watermark, 10))
	b.WriteByte('\n')
	if len(marks.done) > 0 {
		seqs := make([]uint64, 0, len(marks.done))
		for seq := range marks.done {
			seqs = append(seqs, seq)
		}
		slices.Sort(seqs)
		for i, seq := range seqs {
			if i > 0 {
				b.WriteByte(' ')
			}
			b.WriteString(strconv.FormatUint(seq, 10))
		}
		b.WriteByte('\n')
	}
	return writeSynced(path, []byte(b.String()))
}

// writeSynced replaces path with data via a synced temp file and rename.
func writeSynced(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, defaultFileMode)
	if err != nil {
		return fmt.Errorf("journal: open %s: %w", filepath.Base(tmp), err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("journal: write %s: %w", filepath.Base(tmp), err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("journal: sync %s: %w", filepath.Base(tmp), err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("journal: close %s: %w", filepath.Base(tmp), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("journal: rename %s: %w", filepath.Base(path), err)
	}
	return nil
}

// compact rewrites path keeping only unsettled entries. It returns the
// highest sequence seen and the lowest one kept, or zero when none is kept.
func compact(path string, marks *commitMarks) (maxSeq, minPending uint64, err error) {
	src, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, defaultFileMode)
	if err != nil {
		return 0, 0, fmt.Errorf("journal: open for compact: %w", err)
	}
	defer src.Close()

	var kept bytes.Buffer
	err = scan(src, func(line []byte, e *entry) error {
		maxSeq = max(maxSeq, e.Seq)
		if marks.settled(e.Seq) {
			return nil
		}
		if minPending == 0 || e.Seq < minPending {
			minPending = e.Seq
		}
		kept.Write(line)
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	if err := writeSynced(path, kept.Bytes()); err != nil {
		return 0, 0, err
	}
	return maxSeq, minPending, nil
}
