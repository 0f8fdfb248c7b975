// Package ingest turns raw API records into typed, flat rows.
package ingest

import (
	"context"
	"time"

	"github.com/tinytelemetry/siphon/internal/model"
	"github.com/tinytelemetry/siphon/internal/resource"
)

const (
	// ProcessorModeColumns maps declared JSON paths to columns.
	ProcessorModeColumns = "columns"
	// ProcessorModeFlatten flattens every nested field into parent__child columns.
	ProcessorModeFlatten = "flatten"
)

// RowProcessor converts one raw record into a row and accumulates the table schema.
type RowProcessor interface {
	Name() string
	Process(ctx context.Context, record map[string]any) (model.Row, error)
	// Finalize resolves still-open column types and coerces rows to the final schema.
	Finalize(rows []model.Row) (model.TableSchema, error)
}

// NewRowProcessor picks the processor for r: declared columns when present,
// flattening otherwise. loadedAt stamps the load timestamp column.
func NewRowProcessor(r *resource.Resource, loadedAt time.Time) RowProcessor {
	if len(r.Columns) == 0 {
		return NewFlattenProcessor(r, loadedAt)
	}
	return NewProcessor(r, loadedAt)
}
