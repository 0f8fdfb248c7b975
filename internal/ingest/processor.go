package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/tinytelemetry/siphon/internal/model"
	"github.com/tinytelemetry/siphon/internal/resource"
)

// Processor maps records through the declared resource columns.
type Processor struct {
	res      *resource.Resource
	schema   *schemaBuilder
	loadedAt time.Time
}

// NewProcessor creates a column-mapping processor for r.
func NewProcessor(r *resource.Resource, loadedAt time.Time) *Processor {
	return &Processor{
		res:      r,
		schema:   newSchemaBuilder(r.Schema(), r.PrimaryKey),
		loadedAt: loadedAt.UTC(),
	}
}

func (p *Processor) Name() string { return ProcessorModeColumns }

// Process extracts every declared column. Declared types are coerced here so a
// bad value fails on the record that carries it.
func (p *Processor) Process(ctx context.Context, record map[string]any) (model.Row, error) {
	row := make(model.Row, len(p.res.Columns)+1)
	for _, col := range p.res.Columns {
		v := col.Extract(ctx, record)
		if v == nil && col.LoadTimeDefault {
			v = p.loadedAt
		}
		if col.Type != "" {
			cv, err := Coerce(v, col.Type)
			if err != nil {
				return nil, fmt.Errorf("ingest: %s.%s: %w", p.res.Name, col.Name, err)
			}
			v = cv
		}
		row[col.Name] = v
		p.schema.observe(col.Name, v)
	}
	if p.res.AddLoadTimestamp {
		row[model.LoadTimestampColumn] = p.loadedAt
	}
	return row, nil
}

func (p *Processor) Finalize(rows []model.Row) (model.TableSchema, error) {
	s, err := p.schema.finalize(rows)
	if err != nil {
		return model.TableSchema{}, fmt.Errorf("ingest: %s: %w", p.res.Name, err)
	}
	return s, nil
}
