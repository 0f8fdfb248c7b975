package ingest

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/tinytelemetry/siphon/internal/model"
	"github.com/tinytelemetry/siphon/internal/resource"
)

// FlattenProcessor is used for resources without declared columns. Nested
// objects become parent__child columns and arrays are kept as json.
type FlattenProcessor struct {
	res      *resource.Resource
	schema   *schemaBuilder
	loadedAt time.Time
}

// NewFlattenProcessor creates a flattening processor for r.
func NewFlattenProcessor(r *resource.Resource, loadedAt time.Time) *FlattenProcessor {
	return &FlattenProcessor{
		res:      r,
		schema:   newSchemaBuilder(r.Schema(), r.PrimaryKey),
		loadedAt: loadedAt.UTC(),
	}
}

func (p *FlattenProcessor) Name() string { return ProcessorModeFlatten }

func (p *FlattenProcessor) Process(_ context.Context, record map[string]any) (model.Row, error) {
	row := make(model.Row, len(record))
	Flatten("", record, row)
	if p.res.AddLoadTimestamp {
		if _, clash := row[model.LoadTimestampColumn]; clash {
			return nil, fmt.Errorf("ingest: %s: record field collides with %s", p.res.Name, model.LoadTimestampColumn)
		}
		row[model.LoadTimestampColumn] = p.loadedAt
	}
	for _, name := range slices.Sorted(maps.Keys(row)) {
		p.schema.observe(name, row[name])
	}
	return row, nil
}

func (p *FlattenProcessor) Finalize(rows []model.Row) (model.TableSchema, error) {
	s, err := p.schema.finalize(rows)
	if err != nil {
		return model.TableSchema{}, fmt.Errorf("ingest: %s: %w", p.res.Name, err)
	}
	return s, nil
}

// Flatten writes the leaves of src into dst with normalized, prefix-joined names.
func Flatten(prefix string, src map[string]any, dst model.Row) {
	for _, k := range slices.Sorted(maps.Keys(src)) {
		v := src[k]
		name := resource.JoinPath(prefix, resource.NormalizeName(k))
		if nested, ok := v.(map[string]any); ok && len(nested) > 0 {
			Flatten(name, nested, dst)
			continue
		}
		dst[name] = v
	}
}
