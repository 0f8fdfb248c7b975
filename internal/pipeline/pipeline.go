// Package pipeline runs extract, transform and load for a set of resources
// and keeps the cursor state and load journal consistent with the destination.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tinytelemetry/siphon/internal/cursor"
	"github.com/tinytelemetry/siphon/internal/ingest"
	"github.com/tinytelemetry/siphon/internal/journal"
	"github.com/tinytelemetry/siphon/internal/model"
	"github.com/tinytelemetry/siphon/internal/resource"
	"github.com/tinytelemetry/siphon/internal/state"
)

// JournalFile is the load package journal inside the pipeline directory.
const JournalFile = "packages.jsonl"

// ErrReplay wraps failures to load a package left pending by an earlier run.
var ErrReplay = errors.New("pipeline: replay pending package")

// Source yields raw records for a resource, starting after last.
type Source interface {
	Fetch(ctx context.Context, r *resource.Resource, last any) iter.Seq2[map[string]any, error]
}

// Options configures a pipeline.
type Options struct {
	Name string
	// WorkDir holds one subdirectory per pipeline with its state and journal.
	WorkDir     string
	Source      Source
	Destination model.Destination
}

// RunOptions tunes a single run.
type RunOptions struct {
	// DryRun extracts and transforms without loading or touching state.
	DryRun bool
}

// Pipeline moves resources from a source into a destination. Runs are serialized.
type Pipeline struct {
	name    string
	dir     string
	source  Source
	dest    model.Destination
	state   *state.Store
	journal *journal.Journal
	lock    *DirLock

	mu  sync.Mutex
	now func() time.Time
}

// New opens the pipeline's state and journal under opts.WorkDir/opts.Name.
func New(opts Options) (*Pipeline, error) {
	if opts.Source == nil {
		return nil, errors.New("pipeline: source is nil")
	}
	if opts.Destination == nil {
		return nil, errors.New("pipeline: destination is nil")
	}
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		name = model.DefaultPipelineName
	}
	if strings.TrimSpace(opts.WorkDir) == "" {
		return nil, errors.New("pipeline: work dir is empty")
	}

	dir := filepath.Join(opts.WorkDir, name)
	lock, err := LockDir(dir)
	if err != nil {
		return nil, err
	}
	st, err := state.Open(dir, name)
	if err != nil {
		lock.Unlock()
		return nil, err
	}
	j, err := journal.Open(filepath.Join(dir, JournalFile))
	if err != nil {
		lock.Unlock()
		return nil, err
	}

	return &Pipeline{
		name:    name,
		dir:     dir,
		source:  opts.Source,
		dest:    opts.Destination,
		state:   st,
		journal: j,
		lock:    lock,
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

func (p *Pipeline) Name() string                   { return p.name }
func (p *Pipeline) Dir() string                    { return p.dir }
func (p *Pipeline) State() *state.Store            { return p.state }
func (p *Pipeline) Destination() model.Destination { return p.dest }

// Close closes the journal and releases the directory lock. The destination
// belongs to the caller.
func (p *Pipeline) Close() error {
	err := p.journal.Close()
	if uerr := p.lock.Unlock(); err == nil {
		err = uerr
	}
	return err
}

// Run replays the selected resources' pending packages, then extracts, transforms and loads each
// resource in order. The first failing resource aborts the run; resources
// committed before it stay committed.
func (p *Pipeline) Run(ctx context.Context, resources []*resource.Resource, opts RunOptions) (*model.LoadInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	info := &model.LoadInfo{
		Pipeline:    p.name,
		Destination: p.dest.Name(),
		Dataset:     p.dest.Dataset(),
		LoadID:      uuid.NewString(),
		DryRun:      opts.DryRun,
		StartedAt:   p.now(),
	}
	defer func() {
		info.FinishedAt = p.now()
		HistogramRunDuration.Observe(info.FinishedAt.Sub(info.StartedAt).Seconds())
	}()

	if !opts.DryRun {
		if err := p.replay(ctx, info, resourceNames(resources)); err != nil {
			return info, err
		}
	}

	log.Printf("pipeline: %s run %s: %d resources into %s/%s (dry run %v)",
		p.name, info.LoadID, len(resources), info.Destination, info.Dataset, opts.DryRun)
	for _, r := range resources {
		if err := ctx.Err(); err != nil {
			return info, err
		}
		stats, err := p.runResource(ctx, r, info.LoadID, opts.DryRun)
		if err != nil {
			CounterLoadFailures.WithLabelValues(r.Name).Inc()
			log.Printf("pipeline: resource %s failed: %v", r.Name, err)
			return info, fmt.Errorf("pipeline: resource %s: %w", r.Name, err)
		}
		info.Tables = append(info.Tables, stats)
	}
	log.Printf("pipeline: %s run %s finished: %d rows loaded", p.name, info.LoadID, info.TotalLoaded())
	return info, nil
}

func (p *Pipeline) startCursor(r *resource.Resource) *cursor.Cursor {
	if r.Incremental == nil {
		return nil
	}
	last, ok := p.state.Cursor(r.Name, r.Incremental.Cursor)
	if !ok {
		last = r.Incremental.InitialValue
	}
	return cursor.New(r.Incremental.Cursor, last)
}

func (p *Pipeline) runResource(ctx context.Context, r *resource.Resource, loadID string, dryRun bool) (model.TableStats, error) {
	stats := model.TableStats{Resource: r.Name, Table: r.Table, Disposition: r.WriteDisposition}
	cur := p.startCursor(r)
	var last any
	if cur != nil {
		last = cur.Last()
	}

	proc := ingest.NewRowProcessor(r, p.now())
	var rows []model.Row
	for record, err := range p.source.Fetch(ctx, r, last) {
		if err != nil {
			return stats, err
		}
		stats.Extracted++
		row, err := proc.Process(ctx, record)
		if err != nil {
			return stats, fmt.Errorf("record %d: %w", stats.Extracted, err)
		}
		if cur != nil && !cur.Filter(row) {
			continue
		}
		rows = append(rows, row)
	}
	CounterRowsExtracted.WithLabelValues(r.Name).Add(float64(stats.Extracted))

	schema, err := proc.Finalize(rows)
	if err != nil {
		return stats, err
	}

	pkg := &model.LoadPackage{
		LoadID:      loadID,
		Pipeline:    p.name,
		Resource:    r.Name,
		Disposition: r.WriteDisposition,
		Schema:      schema,
		Rows:        rows,
		CreatedAt:   p.now(),
	}
	if cur != nil {
		stats.Filtered = cur.Dropped()
		stats.Cursor = cur.Next()
		pkg.CursorField = cur.Field()
		pkg.CursorValue = cur.Next()
		CounterRowsFiltered.WithLabelValues(r.Name).Add(float64(stats.Filtered))
	}
	log.Printf("pipeline: %s: extracted %d, filtered %d, %d rows to load", r.Name, stats.Extracted, stats.Filtered, len(rows))

	if dryRun {
		return stats, nil
	}
	if len(schema.Columns) == 0 {
		log.Printf("pipeline: %s: no columns and no rows, skipping load", r.Name)
		return stats, nil
	}

	seq, err := p.journal.Append(pkg)
	if err != nil {
		return stats, err
	}
	res, err := p.commit(ctx, seq, pkg, model.LoadStatusCommitted)
	if err != nil {
		return stats, err
	}
	stats.Loaded = res.RowsLoaded
	stats.NewColumns = res.NewColumns
	return stats, nil
}

// commit loads pkg, then advances state and the journal. The ledger entry is
// written last and its failure does not undo the load.
func (p *Pipeline) commit(ctx context.Context, seq uint64, pkg *model.LoadPackage, status string) (model.TableLoadResult, error) {
	res, err := p.dest.Load(ctx, pkg.Schema, pkg.Rows, pkg.Disposition)
	if err != nil {
		return res, err
	}
	if err := p.state.Advance(pkg.Resource, pkg.CursorField, pkg.CursorValue, pkg.LoadID, res.RowsLoaded); err != nil {
		return res, err
	}
	if err := p.journal.Commit(seq); err != nil {
		return res, err
	}

	rec := model.LoadRecord{
		LoadID:      pkg.LoadID,
		Pipeline:    p.name,
		Table:       pkg.Schema.Name,
		Disposition: pkg.Disposition,
		Rows:        res.RowsLoaded,
		Status:      status,
		InsertedAt:  p.now(),
	}
	if err := p.dest.RecordLoad(ctx, rec); err != nil {
		log.Printf("pipeline: %s: record load: %v", pkg.Resource, err)
	}

	CounterRowsLoaded.WithLabelValues(pkg.Resource, string(pkg.Disposition)).Add(float64(res.RowsLoaded))
	if res.Created || len(res.NewColumns) > 0 || len(res.Widened) > 0 {
		CounterSchemaChanges.WithLabelValues(pkg.Schema.Name).Inc()
	}
	return res, nil
}

type pending struct {
	seq uint64
	pkg *model.LoadPackage
}

func resourceNames(resources []*resource.Resource) map[string]bool {
	names := make(map[string]bool, len(resources))
	for _, r := range resources {
		names[r.Name] = true
	}
	return names
}

// replay loads packages a previous run appended but never committed, for
// the named resources only. Packages of other resources stay pending.
func (p *Pipeline) replay(ctx context.Context, info *model.LoadInfo, names map[string]bool) error {
	var todo []pending
	err := p.journal.Replay(func(seq uint64, pkg *model.LoadPackage) error {
		if names[pkg.Resource] {
			todo = append(todo, pending{seq: seq, pkg: pkg})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("pipeline: replay: %w", err)
	}

	for _, item := range todo {
		pkg := item.pkg
		for i, row := range pkg.Rows {
			if err := ingest.CoerceRow(pkg.Schema, row); err != nil {
				return fmt.Errorf("%w: %s package %d row %d: %w", ErrReplay, pkg.Resource, item.seq, i, err)
			}
		}
		pkg.CursorValue = cursor.Normalize(pkg.CursorValue)

		log.Printf("pipeline: replaying package %d (%s, load %s, %d rows)", item.seq, pkg.Resource, pkg.LoadID, len(pkg.Rows))
		res, err := p.commit(ctx, item.seq, pkg, model.LoadStatusReplayed)
		if err != nil {
			CounterLoadFailures.WithLabelValues(pkg.Resource).Inc()
			return fmt.Errorf("%w: %s package %d: %w", ErrReplay, pkg.Resource, item.seq, err)
		}
		info.Tables = append(info.Tables, model.TableStats{
			Resource:    pkg.Resource,
			Table:       pkg.Schema.Name,
			Disposition: pkg.Disposition,
			Loaded:      res.RowsLoaded,
			NewColumns:  res.NewColumns,
			Cursor:      pkg.CursorValue,
			Replayed:    true,
		})
	}
	return nil
}

// Pending returns how many journaled packages wait for a load.
func (p *Pipeline) Pending() (int, error) {
	return p.journal.Pending()
}

// DiscardPending drops the pending packages of the named resources, or all
// of them when no name is given, so they are never loaded.
func (p *Pipeline) DiscardPending(resources ...string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return discard(p.journal, resources)
}

// DiscardPendingIn is DiscardPending for a pipeline directory no process
// has open. The caller holds the directory lock.
func DiscardPendingIn(dir string, resources ...string) (int, error) {
	j, err := journal.Open(filepath.Join(dir, JournalFile))
	if err != nil {
		return 0, err
	}
	defer j.Close()
	return discard(j, resources)
}

func discard(j *journal.Journal, resources []string) (int, error) {
	var match func(*model.LoadPackage) bool
	if len(resources) > 0 {
		match = func(pkg *model.LoadPackage) bool { return slices.Contains(resources, pkg.Resource) }
	}
	n, err := j.Discard(match)
	if n > 0 {
		log.Printf("pipeline: discarded %d pending package(s)", n)
	}
	return n, err
}
