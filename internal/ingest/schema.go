package ingest

import (
	"fmt"

	"github.com/tinytelemetry/siphon/internal/model"
)

// schemaBuilder grows a table schema as rows are seen. Declared types are
// fixed; inferred types widen when values disagree.
type schemaBuilder struct {
	schema   model.TableSchema
	declared map[string]bool
	pk       map[string]bool
}

func newSchemaBuilder(base model.TableSchema, primaryKey []string) *schemaBuilder {
	b := &schemaBuilder{
		schema:   base.Clone(),
		declared: make(map[string]bool, len(base.Columns)),
		pk:       make(map[string]bool, len(primaryKey)),
	}
	for _, k := range primaryKey {
		b.pk[k] = true
	}
	for i, c := range b.schema.Columns {
		if c.Type != "" {
			b.declared[c.Name] = true
		}
		if b.pk[c.Name] {
			b.schema.Columns[i].PrimaryKey = true
		}
	}
	return b
}

func (b *schemaBuilder) observe(name string, v any) {
	typ := InferType(v)
	for i := range b.schema.Columns {
		c := &b.schema.Columns[i]
		if c.Name != name {
			continue
		}
		if !b.declared[name] {
			c.Type = model.WidenType(c.Type, typ)
		}
		return
	}
	b.schema.Columns = append(b.schema.Columns, model.Column{Name: name, Type: typ, PrimaryKey: b.pk[name]})
}

// finalize types never-seen columns as text and coerces every row in place.
func (b *schemaBuilder) finalize(rows []model.Row) (model.TableSchema, error) {
	for i := range b.schema.Columns {
		if b.schema.Columns[i].Type == "" {
			b.schema.Columns[i].Type = model.TypeText
		}
	}
	for n, row := range rows {
		for _, c := range b.schema.Columns {
			v, ok := row[c.Name]
			if !ok || v == nil {
				continue
			}
			cv, err := Coerce(v, c.Type)
			if err != nil {
				return model.TableSchema{}, fmt.Errorf("row %d column %s: %w", n, c.Name, err)
			}
			row[c.Name] = cv
		}
	}
	return b.schema.Clone(), nil
}
