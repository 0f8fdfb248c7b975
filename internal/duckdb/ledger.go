package duckdb

import (
	"context"
	"fmt"
	"time"

	"github.com/tinytelemetry/siphon/internal/model"
)

// RecordLoad appends one entry to the load ledger.
func (s *Store) RecordLoad(ctx context.Context, rec model.LoadRecord) error {
	if rec.InsertedAt.IsZero() {
		rec.InsertedAt = time.Now().UTC()
	}
	if rec.Status == "" {
		rec.Status = model.LoadStatusCommitted
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO main._siphon_loads
			(load_id, pipeline, dataset, table_name, write_disposition, row_count, status, inserted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.LoadID, rec.Pipeline, s.dataset, rec.Table, string(rec.Disposition), rec.Rows, rec.Status, rec.InsertedAt)
	if err != nil {
		return fmt.Errorf("duckdb: record load %s/%s: %w", rec.LoadID, rec.Table, err)
	}
	return nil
}

// LoadHistory returns the most recent ledger entries of this dataset, newest first.
func (s *Store) LoadHistory(limit int) ([]model.LoadRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.queryCtx()
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT load_id, pipeline, table_name, write_disposition, row_count, status, inserted_at
		FROM main._siphon_loads
		WHERE dataset = ?
		ORDER BY inserted_at DESC, table_name
		LIMIT ?`, s.dataset, limit)
	if err != nil {
		return nil, fmt.Errorf("duckdb: load history: %w", err)
	}
	defer rows.Close()

	var out []model.LoadRecord
	for rows.Next() {
		var (
			rec  model.LoadRecord
			disp string
		)
		if err := rows.Scan(&rec.LoadID, &rec.Pipeline, &rec.Table, &disp, &rec.Rows, &rec.Status, &rec.InsertedAt); err != nil {
			return nil, fmt.Errorf("duckdb: scan load history: %w", err)
		}
		rec.Disposition = model.WriteDisposition(disp)
		out = append(out, rec)
	}
	return out, rows.Err()
}
